package fakekernel

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/quiver/fence"
	"github.com/vkngwrapper/quiver/internal/utils"
	"golang.org/x/sys/unix"
)

type pendingFD struct {
	queue fence.QueueID
	value uint32
	write int
}

// Timelines is an in-memory fence.Backend. Counters only move when a test calls Complete, and
// exported descriptors are pipes that become readable once their counter is reached.
type Timelines struct {
	mutex    sync.Mutex
	current  map[fence.QueueID]uint32
	pending  []pendingFD
	notifier utils.Notifier
}

func NewTimelines() *Timelines {
	return &Timelines{current: make(map[fence.QueueID]uint32)}
}

// Current returns the last completed value on the queue
func (t *Timelines) Current(queue fence.QueueID) uint32 {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.current[queue]
}

// Complete advances the queue's counter to value and signals everything it reaches
func (t *Timelines) Complete(queue fence.QueueID, value uint32) {
	t.mutex.Lock()

	if fence.TimestampAfter(value, t.current[queue]) {
		t.current[queue] = value
	}

	remaining := t.pending[:0]
	for _, pending := range t.pending {
		if pending.queue == queue && fence.TimestampReached(t.current[queue], pending.value) {
			signalPipe(pending.write)
			continue
		}
		remaining = append(remaining, pending)
	}
	t.pending = remaining

	t.mutex.Unlock()
	t.notifier.Broadcast()
}

func (t *Timelines) WaitTimestamp(queue fence.QueueID, value uint32, timeout time.Duration) (common.VkResult, error) {
	var deadline time.Time
	if timeout != fence.Infinite {
		deadline = time.Now().Add(timeout)
	}

	for {
		changed := t.notifier.Changed()
		if fence.TimestampReached(t.Current(queue), value) {
			return core1_0.VKSuccess, nil
		}
		if timeout == 0 || !t.notifier.Wait(changed, deadline) {
			return core1_0.VKTimeout, fence.ErrTimeout
		}
	}
}

func (t *Timelines) TimestampToFD(queue fence.QueueID, value uint32) (int, common.VkResult, error) {
	read, write, err := newPipe()
	if err != nil {
		return -1, core1_0.VKErrorTooManyObjects, err
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	if fence.TimestampReached(t.current[queue], value) {
		signalPipe(write)
	} else {
		t.pending = append(t.pending, pendingFD{queue: queue, value: value, write: write})
	}
	return read, core1_0.VKSuccess, nil
}

func (t *Timelines) MergeFD(a, b int) (int, common.VkResult, error) {
	read, write, err := newPipe()
	if err != nil {
		return -1, core1_0.VKErrorTooManyObjects, err
	}

	var inputs []int
	for _, fd := range []int{a, b} {
		dup, err := unix.Dup(fd)
		if err != nil {
			for _, opened := range inputs {
				_ = unix.Close(opened)
			}
			_ = unix.Close(read)
			_ = unix.Close(write)
			return -1, core1_0.VKErrorTooManyObjects, errors.Wrap(err, "failed to duplicate merge input")
		}
		inputs = append(inputs, dup)
	}

	go func() {
		for _, fd := range inputs {
			pollFds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
			for {
				_, err := unix.Poll(pollFds, -1)
				if !errors.Is(err, unix.EINTR) {
					break
				}
			}
			_ = unix.Close(fd)
		}
		signalPipe(write)
	}()

	return read, core1_0.VKSuccess, nil
}

// Close releases the write ends of every descriptor that was never signaled
func (t *Timelines) Close() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	for _, pending := range t.pending {
		_ = unix.Close(pending.write)
	}
	t.pending = nil
}

func newPipe() (int, int, error) {
	var fds [2]int
	err := unix.Pipe2(fds[:], unix.O_CLOEXEC)
	if err != nil {
		return -1, -1, errors.Wrap(err, "failed to create fence pipe")
	}
	return fds[0], fds[1], nil
}

func signalPipe(write int) {
	_, _ = unix.Write(write, []byte{1})
	_ = unix.Close(write)
}
