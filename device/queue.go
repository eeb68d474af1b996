package device

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/quiver/bo"
	"github.com/vkngwrapper/quiver/config"
	"github.com/vkngwrapper/quiver/cs"
	"github.com/vkngwrapper/quiver/fence"
	"golang.org/x/exp/slog"
	"golang.org/x/sys/unix"
)

// FlushBits are cache maintenance requests made by the command layer. They are tracked per queue but
// never interpreted here.
type FlushBits uint32

// SideChannel holds entries that are added around the command streams of a submission
type SideChannel struct {
	// CPUWritesBarrier makes the device wait for writes the host made before submission. It runs
	// first.
	CPUWritesBarrier *cs.Entry
	// Profiling copies timestamps for tracing. It only runs when tracing is enabled.
	Profiling *cs.Entry
	// FenceBump writes the completion value to memory for backends that poll for completion. It
	// runs last.
	FenceBump *cs.Entry
}

// Batch is everything a single submission needs
type Batch struct {
	Streams     []*cs.Stream
	Waits       []*fence.Syncobj
	Signals     []*fence.Syncobj
	SideChannel SideChannel
	FlushBits   FlushBits

	// WantFenceFD makes the first signal sync object a FileHandle rather than a Timeline
	WantFenceFD bool
}

// Queue submits work to one kernel queue. Submissions from every queue of a device are serialized.
type Queue struct {
	device   *Device
	id       fence.QueueID
	priority int

	fence     atomic.Uint32
	submitted atomic.Bool

	flushMutex sync.Mutex
	flushBits  FlushBits
}

func (q *Queue) ID() fence.QueueID { return q.id }
func (q *Queue) Priority() int     { return q.priority }

// LastFence returns the timeline point of the most recent submission, or false if nothing was
// submitted yet
func (q *Queue) LastFence() (fence.Timeline, bool) {
	if !q.submitted.Load() {
		return fence.Timeline{}, false
	}
	return fence.Timeline{Queue: q.id, Value: q.fence.Load()}, true
}

// TakeFlushBits returns the flush requests accumulated since the last call and clears them
func (q *Queue) TakeFlushBits() FlushBits {
	q.flushMutex.Lock()
	defer q.flushMutex.Unlock()

	bits := q.flushBits
	q.flushBits = 0
	return bits
}

func (q *Queue) entries(batch *Batch) []cs.Entry {
	var entries []cs.Entry

	if batch.SideChannel.CPUWritesBarrier != nil {
		entries = append(entries, *batch.SideChannel.CPUWritesBarrier)
	}
	if batch.SideChannel.Profiling != nil && q.device.debug()&config.DebugTrace != 0 {
		entries = append(entries, *batch.SideChannel.Profiling)
	}
	for _, stream := range batch.Streams {
		entries = append(entries, stream.Entries()...)
	}
	if batch.SideChannel.FenceBump != nil {
		entries = append(entries, *batch.SideChannel.FenceBump)
	}

	return entries
}

// build resolves every entry against the buffer object list. The registry must be locked.
func (q *Queue) build(request *SubmitRequest, entries []cs.Entry, list []*bo.BO, implicitSync bool) error {
	rdFull := q.device.debug()&config.DebugRDFull != 0

	request.BOs = make([]SubmitBO, len(list))
	for i, b := range list {
		flags := SubmitBORead
		if b.Flags()&bo.AllocGPUReadOnly == 0 {
			flags |= SubmitBOWrite
		}
		if rdFull || b.Flags()&bo.AllocAllowDump != 0 {
			flags |= SubmitBODump
		}

		request.BOs[i] = SubmitBO{GEM: b.GEM(), IOVA: b.IOVA(), Size: b.Size(), Flags: flags}
	}

	request.Cmds = make([]SubmitCmd, 0, len(entries))
	for i, entry := range entries {
		b, ok := entry.Buffer.(*bo.BO)
		if !ok {
			return errors.Newf("entry %d is not backed by a buffer object of this device", i)
		}

		index := b.ListIndex()
		if index < 0 || index >= len(list) || list[index] != b {
			return errors.Newf("entry %d references buffer object %q, which has been destroyed", i, b.Name())
		}

		request.Cmds = append(request.Cmds, SubmitCmd{
			BOIndex: uint32(index),
			IOVA:    entry.IOVA(),
			Offset:  entry.Offset,
			Size:    entry.Size,
		})
	}

	request.NoImplicitSync = !implicitSync
	return nil
}

func (q *Queue) resolveWaits(batch *Batch) ([]fence.Primitive, common.VkResult, error) {
	var waits []fence.Primitive

	for i, s := range batch.Waits {
		// work we depend on may not have been submitted yet
		res, err := q.device.waiter.WaitOne(s, fence.Infinite, fence.WaitPending)
		if err != nil {
			return nil, res, errors.Wrapf(err, "wait %d was never submitted", i)
		}

		switch p := s.State().(type) {
		case fence.Timeline:
			// earlier work on this queue always completes first
			if p.Queue == q.id {
				continue
			}
			waits = append(waits, p)
		case fence.FileHandle:
			waits = append(waits, p)
		}
	}

	return waits, core1_0.VKSuccess, nil
}

// Submit resolves and dispatches a batch. Signal sync objects move to the submission's timeline
// point, and wait sync objects that are found complete become Signaled.
func (q *Queue) Submit(batch *Batch) (common.VkResult, error) {
	res, err := q.device.lost.check()
	if err != nil {
		return res, err
	}

	waits, res, err := q.resolveWaits(batch)
	if err != nil {
		return res, err
	}

	entries := q.entries(batch)

	q.device.submitMutex.Lock()
	defer q.device.submitMutex.Unlock()

	// another submission may have lost the device while we waited for the lock
	res, err = q.device.lost.check()
	if err != nil {
		return res, err
	}

	request := &SubmitRequest{
		Queue:     q.id,
		Waits:     waits,
		WantOutFD: batch.WantFenceFD,
	}

	var result SubmitResult
	res = core1_0.VKSuccess
	err = q.device.allocator.Registry().WithSubmitList(func(list []*bo.BO, implicitSync bool) error {
		buildErr := q.build(request, entries, list, implicitSync)
		if buildErr != nil {
			res = core1_0.VKErrorUnknown
			return buildErr
		}

		var submitErr error
		result, res, submitErr = q.device.kernel.Submit(request)
		if submitErr != nil {
			return submitErr
		}

		// published before the registry is released, so a buffer object destroyed after this
		// submission is stamped with its fence
		q.fence.Store(result.Fence)
		q.submitted.Store(true)

		if q.device.dump != nil {
			q.device.dump.Submission(request, list)
		}
		return nil
	})
	if err != nil {
		res, err = q.device.lostAware(res, err)
		return res, errors.Wrapf(err, "failed to submit to queue %d", q.id)
	}

	point := fence.Timeline{Queue: q.id, Value: result.Fence}
	outFD := result.OutFD
	for _, s := range batch.Signals {
		if outFD >= 0 {
			s.Submitted(fence.FileHandle{FD: outFD})
			outFD = -1
			continue
		}
		s.Submitted(point)
	}
	if outFD >= 0 {
		_ = unix.Close(outFD)
	}

	for _, s := range batch.Waits {
		if p, ok := s.State().(fence.Timeline); ok {
			waitRes, _ := q.device.kernel.WaitTimestamp(p.Queue, p.Value, 0)
			if waitRes == core1_0.VKSuccess {
				s.MarkSignaled(p)
			}
		}
	}

	q.flushMutex.Lock()
	q.flushBits |= batch.FlushBits
	q.flushMutex.Unlock()

	q.device.waiter.Notify()

	if q.device.debug()&config.DebugLogSubmits != 0 {
		q.device.logger.Info("submitted",
			slog.Int("queue", int(q.id)),
			slog.Int("fence", int(result.Fence)),
			slog.Int("cmds", len(request.Cmds)),
			slog.Int("bos", len(request.BOs)),
			slog.Int("waits", len(request.Waits)),
			slog.Int("signals", len(batch.Signals)),
		)
	}

	return core1_0.VKSuccess, nil
}

// WaitIdle waits for every submission made to the queue so far
func (q *Queue) WaitIdle() (common.VkResult, error) {
	res, err := q.device.lost.check()
	if err != nil {
		return res, err
	}

	point, ok := q.LastFence()
	if !ok {
		return core1_0.VKSuccess, nil
	}

	return q.device.afterWait(q.device.kernel.WaitTimestamp(point.Queue, point.Value, fence.Infinite))
}

// Destroy removes the queue from the device and the kernel
func (q *Queue) Destroy() error {
	if !q.device.removeQueue(q) {
		return errors.Newf("queue %d was already destroyed", q.id)
	}
	return q.device.kernel.DestroyQueue(q.id)
}
