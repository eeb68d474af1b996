package fence

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

type mergeInput struct {
	fd    int
	owned bool
}

// Merge combines primitives into one that completes when all of them have. Any Unsignaled input
// makes the result Unsignaled, and Signaled inputs contribute nothing. Timelines on a single queue
// collapse to the latest of them. Anything else is converted to descriptors and merged into a
// FileHandle owned by the caller. Input descriptors remain owned by their callers.
func Merge(backend Backend, prims []Primitive) (Primitive, common.VkResult, error) {
	latest := make(map[QueueID]uint32)
	var queues []QueueID
	var handles []int

	for _, prim := range prims {
		switch p := prim.(type) {
		case Unsignaled:
			return Unsignaled{}, core1_0.VKSuccess, nil
		case Signaled:
		case Timeline:
			current, seen := latest[p.Queue]
			if !seen {
				queues = append(queues, p.Queue)
				latest[p.Queue] = p.Value
			} else if TimestampAfter(p.Value, current) {
				latest[p.Queue] = p.Value
			}
		case FileHandle:
			handles = append(handles, p.FD)
		}
	}

	if len(queues) == 0 && len(handles) == 0 {
		return Signaled{}, core1_0.VKSuccess, nil
	}
	if len(queues) == 1 && len(handles) == 0 {
		return Timeline{Queue: queues[0], Value: latest[queues[0]]}, core1_0.VKSuccess, nil
	}

	inputs := make([]mergeInput, 0, len(queues)+len(handles))
	closeOwned := func() {
		for _, input := range inputs {
			if input.owned {
				closeFD(input.fd)
			}
		}
	}

	for _, queue := range queues {
		fd, res, err := backend.TimestampToFD(queue, latest[queue])
		if err != nil {
			closeOwned()
			return nil, res, errors.Wrapf(err, "failed to export timeline %d:%d for merge", queue, latest[queue])
		}
		inputs = append(inputs, mergeInput{fd: fd, owned: true})
	}
	for _, fd := range handles {
		inputs = append(inputs, mergeInput{fd: fd})
	}

	accumulated := inputs[0]
	if !accumulated.owned {
		fd, res, err := dupFD(accumulated.fd)
		if err != nil {
			closeOwned()
			return nil, res, err
		}
		accumulated = mergeInput{fd: fd, owned: true}
	}

	for i, input := range inputs[1:] {
		merged, res, err := backend.MergeFD(accumulated.fd, input.fd)
		closeFD(accumulated.fd)
		if err != nil {
			for _, rest := range inputs[i+1:] {
				if rest.owned {
					closeFD(rest.fd)
				}
			}
			return nil, res, errors.Wrap(err, "failed to merge fence descriptors")
		}
		if input.owned {
			closeFD(input.fd)
		}
		accumulated = mergeInput{fd: merged, owned: true}
	}

	return FileHandle{FD: accumulated.fd}, core1_0.VKSuccess, nil
}
