package fence

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/quiver/internal/utils"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

// WaitFlags modify how a Waiter treats sync objects
type WaitFlags uint32

const (
	// WaitPending returns as soon as work has been submitted against the sync object rather than
	// when that work completes
	WaitPending WaitFlags = 1 << iota
)

func init() {
	waitFlagsMapping.Register(WaitPending, "WaitPending")
}

var waitFlagsMapping = common.NewFlagStringMapping[WaitFlags]()

func (f WaitFlags) String() string {
	return waitFlagsMapping.FlagsToString(f)
}

// Waiter blocks on sync objects. Sync objects that have not been submitted yet are waited on through
// a notifier that the submission path broadcasts after every submit.
type Waiter struct {
	logger  *slog.Logger
	backend Backend
	pending utils.Notifier
}

// NewWaiter creates a Waiter that resolves Timeline and FileHandle primitives through backend
func NewWaiter(logger *slog.Logger, backend Backend) *Waiter {
	return &Waiter{
		logger:  logger,
		backend: backend,
	}
}

// Notify wakes every goroutine parked on an Unsignaled sync object so it can check again
func (w *Waiter) Notify() {
	w.pending.Broadcast()
}

func deadlineFor(timeout time.Duration) time.Time {
	if timeout == Infinite {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

func remaining(deadline time.Time) time.Duration {
	if deadline.IsZero() {
		return Infinite
	}
	left := time.Until(deadline)
	if left < 0 {
		return 0
	}
	return left
}

func (w *Waiter) waitPrimitive(s *Syncobj, prim Primitive, timeout time.Duration) (common.VkResult, error) {
	var res common.VkResult
	var err error

	switch p := prim.(type) {
	case Timeline:
		res, err = w.backend.WaitTimestamp(p.Queue, p.Value, timeout)
	case FileHandle:
		// poll a private copy, the sync object may close its own descriptor at any time
		fd, dupRes, dupErr := s.dupHandle(p)
		if dupErr != nil {
			return dupRes, dupErr
		}
		if fd < 0 {
			return core1_0.VKTimeout, errStateChanged
		}
		res, err = waitFD(fd, timeout)
		closeFD(fd)
	default:
		panic("attempting to wait directly on a " + prim.Kind().String() + " primitive")
	}

	if res == core1_0.VKSuccess {
		s.MarkSignaled(prim)
	}
	return res, err
}

// WaitOne waits for a single sync object. A sync object that has not been submitted yet parks the
// caller until a submission happens, unless the timeout is zero.
func (w *Waiter) WaitOne(s *Syncobj, timeout time.Duration, flags WaitFlags) (common.VkResult, error) {
	w.logger.Debug("Waiter::WaitOne", slog.Int64("Timeout", int64(timeout)), slog.String("Flags", flags.String()))

	deadline := deadlineFor(timeout)
	for {
		changed := w.pending.Changed()

		state := s.State()
		switch state.(type) {
		case Signaled:
			return core1_0.VKSuccess, nil
		case Unsignaled:
			if timeout == 0 {
				return core1_0.VKTimeout, ErrTimeout
			}
			if !w.pending.Wait(changed, deadline) {
				return core1_0.VKTimeout, ErrTimeout
			}
			continue
		}

		if flags&WaitPending != 0 {
			return core1_0.VKSuccess, nil
		}

		res, err := w.waitPrimitive(s, state, remaining(deadline))
		if errors.Is(err, errStateChanged) {
			continue
		}
		return res, err
	}
}

// WaitAll waits for every sync object in the set, sharing a single deadline between them
func (w *Waiter) WaitAll(set []*Syncobj, timeout time.Duration) (common.VkResult, error) {
	deadline := deadlineFor(timeout)
	for i, s := range set {
		res, err := w.WaitOne(s, remaining(deadline), 0)
		if err != nil {
			return res, errors.Wrapf(err, "sync object %d of %d did not complete", i, len(set))
		}
	}
	return core1_0.VKSuccess, nil
}

type waitMember struct {
	index int
	prim  Primitive
}

// WaitAny waits until at least one sync object in the set completes, and returns the indices of every
// member found complete. Signaled members are returned without waiting. Members still Unsignaled are
// only waited on through the notifier when no member has been submitted.
func (w *Waiter) WaitAny(set []*Syncobj, timeout time.Duration) ([]int, common.VkResult, error) {
	w.logger.Debug("Waiter::WaitAny", slog.Int("Count", len(set)), slog.Int64("Timeout", int64(timeout)))

	deadline := deadlineFor(timeout)
	for {
		changed := w.pending.Changed()

		var signaled []int
		var members []waitMember
		for i, s := range set {
			switch p := s.State().(type) {
			case Signaled:
				signaled = append(signaled, i)
			case Timeline, FileHandle:
				members = append(members, waitMember{index: i, prim: p})
			}
		}

		if len(signaled) > 0 {
			return signaled, core1_0.VKSuccess, nil
		}

		if len(members) > 0 {
			completed, res, err := w.pollMembers(set, members, 0)
			if err != nil || len(completed) > 0 {
				return completed, res, err
			}

			left := remaining(deadline)
			if left == 0 {
				return nil, core1_0.VKTimeout, ErrTimeout
			}
			completed, res, err = w.pollMembers(set, members, left)
			if errors.Is(err, errStateChanged) {
				continue
			}
			return completed, res, err
		}

		if timeout == 0 || !w.pending.Wait(changed, deadline) {
			return nil, core1_0.VKTimeout, ErrTimeout
		}
	}
}

func (w *Waiter) pollMembers(set []*Syncobj, members []waitMember, timeout time.Duration) ([]int, common.VkResult, error) {
	if timeout == 0 {
		var completed []int
		for _, member := range members {
			res, err := w.waitPrimitive(set[member.index], member.prim, 0)
			if res == core1_0.VKTimeout {
				continue
			}
			if err != nil {
				return nil, res, err
			}
			completed = append(completed, member.index)
		}
		return completed, core1_0.VKSuccess, nil
	}

	if queue, earliest, ok := singleQueue(members); ok {
		// the earliest timestamp on a queue is always the first to land
		res, err := w.backend.WaitTimestamp(queue, earliest, timeout)
		if err != nil {
			return nil, res, err
		}
		return w.pollMembers(set, members, 0)
	}

	fds := make([]int, len(members))
	owned := make([]bool, len(members))
	defer func() {
		for i, fd := range fds {
			if owned[i] {
				closeFD(fd)
			}
		}
	}()

	for i, member := range members {
		switch p := member.prim.(type) {
		case Timeline:
			fd, res, err := w.backend.TimestampToFD(p.Queue, p.Value)
			if err != nil {
				return nil, res, err
			}
			fds[i] = fd
			owned[i] = true
		case FileHandle:
			fd, res, err := set[member.index].dupHandle(p)
			if err != nil {
				return nil, res, err
			}
			// -1 when the sync object moved on, which poll ignores
			fds[i] = fd
			owned[i] = true
		}
	}

	if !slices.ContainsFunc(fds, func(fd int) bool { return fd >= 0 }) {
		return nil, core1_0.VKTimeout, errStateChanged
	}

	ready, res, err := pollFDs(fds, timeout)
	if err != nil {
		return nil, res, err
	}

	completed := make([]int, 0, len(ready))
	for _, i := range ready {
		set[members[i].index].MarkSignaled(members[i].prim)
		completed = append(completed, members[i].index)
	}
	return completed, core1_0.VKSuccess, nil
}

func singleQueue(members []waitMember) (QueueID, uint32, bool) {
	var queue QueueID
	var earliest uint32
	for i, member := range members {
		timeline, ok := member.prim.(Timeline)
		if !ok {
			return 0, 0, false
		}
		if i == 0 {
			queue = timeline.Queue
			earliest = timeline.Value
			continue
		}
		if timeline.Queue != queue {
			return 0, 0, false
		}
		if TimestampAfter(earliest, timeline.Value) {
			earliest = timeline.Value
		}
	}
	return queue, earliest, true
}
