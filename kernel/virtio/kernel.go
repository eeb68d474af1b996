// Package virtio is the backend for a paravirtualized msm GPU. Requests are encoded into a bounded
// buffer and handed to the host in batches. The host processes them in sequence number order and
// reports progress through memory shared with the guest.
package virtio

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/quiver/bo"
	"github.com/vkngwrapper/quiver/device"
	"github.com/vkngwrapper/quiver/fence"
	"github.com/vkngwrapper/quiver/kernel/internal/ioctl"
	"golang.org/x/exp/slog"
	"golang.org/x/sys/unix"
)

const (
	boWC          = 0x00020000
	boGPUReadOnly = 0x00800000

	minWaitPoll = 50 * time.Microsecond
	maxWaitPoll = 10 * time.Millisecond
)

var (
	// msm ioctls forwarded to the host
	ioctlSubmitqueueNew   = uint32(ioctl.DRMCommandIOWR(0x0a, 12))
	ioctlSubmitqueueClose = uint32(ioctl.DRMCommandIOW(0x0b, 4))
)

// Options control batching
type Options struct {
	// RequestBufferSize is the number of bytes of requests held back before the buffer is flushed
	RequestBufferSize int
	// ResponseSlots is the number of requests that may await a reply at once
	ResponseSlots int
	// NoBatch hands every request to the host as soon as it is queued
	NoBatch bool
}

type queueState struct {
	ring  uint32
	fence uint32
}

// Kernel drives a paravirtualized GPU through a Transport
type Kernel struct {
	logger    *slog.Logger
	transport Transport
	options   Options
	info      device.Info
	caps      Capabilities
	shared    []byte
	faults    uint32

	mutex      sync.Mutex
	pending    []byte
	seqno      uint32
	nextBlobID uint32
	slotSize   uint32
	freeSlots  []uint32
	resources  *swiss.Map[uint32, uint32]
	queues     *swiss.Map[uint32, *queueState]
	lost       error
}

var _ device.Kernel = (*Kernel)(nil)

// Open opens a virtgpu render node
func Open(logger *slog.Logger, path string, options Options) (*Kernel, error) {
	transport, err := OpenDRM(logger, path, DefaultSharedSize)
	if err != nil {
		return nil, err
	}

	k, err := New(logger, transport, options)
	if err != nil {
		_ = transport.Close()
		return nil, err
	}
	return k, nil
}

// New creates a backend over an initialized transport
func New(logger *slog.Logger, transport Transport, options Options) (*Kernel, error) {
	if options.RequestBufferSize < headerSize {
		return nil, errors.Newf("request buffer of %d bytes cannot hold a request", options.RequestBufferSize)
	}
	if options.ResponseSlots <= 0 {
		return nil, errors.Newf("%d response slots requested", options.ResponseSlots)
	}

	shared := transport.Shared()
	if len(shared) < shmemHeaderSize {
		return nil, errors.Newf("shared memory of %d bytes is too small", len(shared))
	}

	rspBase := le.Uint32(shared[shmemRspMemOffset:])
	if rspBase < shmemHeaderSize {
		rspBase = shmemHeaderSize
	}
	if int(rspBase) >= len(shared) {
		return nil, errors.Newf("response memory at 0x%x is outside %d bytes of shared memory", rspBase, len(shared))
	}

	slotSize := (uint32(len(shared)) - rspBase) / uint32(options.ResponseSlots)
	slotSize &^= responseSlotAlign - 1
	if slotSize < minResponseSlot {
		return nil, errors.Newf("%d bytes of shared memory cannot hold %d response slots", len(shared), options.ResponseSlots)
	}

	caps := transport.Capabilities()
	k := &Kernel{
		logger:    logger,
		transport: transport,
		options:   options,
		caps:      caps,
		shared:    shared,
		info: device.Info{
			Backend:       "virtio",
			GPUID:         caps.GPUID,
			ChipID:        caps.ChipID,
			UserspaceIOVA: true,
			VAStart:       caps.VAStart,
			VASize:        caps.VASize,
		},
		pending:   make([]byte, 0, options.RequestBufferSize),
		slotSize:  slotSize,
		freeSlots: make([]uint32, 0, options.ResponseSlots),
		resources: swiss.NewMap[uint32, uint32](64),
		queues:    swiss.NewMap[uint32, *queueState](4),
	}

	for i := options.ResponseSlots - 1; i >= 0; i-- {
		k.freeSlots = append(k.freeSlots, rspBase+uint32(i)*slotSize)
	}
	k.faults = k.sharedWord(shmemGlobalFaults)

	logger.Debug("virtio::New", slog.Int("GPUID", int(caps.GPUID)), slog.Int("RequestBufferSize", options.RequestBufferSize),
		slog.Int("ResponseSlots", options.ResponseSlots), slog.Int("SlotSize", int(slotSize)), slog.Bool("NoBatch", options.NoBatch))
	return k, nil
}

func (k *Kernel) Info() device.Info { return k.info }

// sharedWord reads a word the host updates concurrently
func (k *Kernel) sharedWord(offset int) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&k.shared[offset])))
}

func (k *Kernel) lostLocked() (common.VkResult, error) {
	if k.lost != nil {
		return core1_0.VKErrorDeviceLost, k.lost
	}
	return core1_0.VKSuccess, nil
}

func (k *Kernel) markLostLocked(err error) error {
	if k.lost == nil {
		k.lost = err
		k.logger.LogAttrs(context.Background(), slog.LevelError, "host connection lost", slog.Any("error", err))
	}
	return err
}

// flushLocked hands every pending request to the host. It always calls the transport when a fence
// descriptor is passed in or wanted, even with nothing pending.
func (k *Kernel) flushLocked(ring uint32, inFD int, wantOutFD bool) (int, common.VkResult, error) {
	if len(k.pending) == 0 && inFD < 0 && !wantOutFD {
		return -1, core1_0.VKSuccess, nil
	}

	outFD, err := k.transport.Execbuffer(k.pending, ring, inFD, wantOutFD)
	k.pending = k.pending[:0]
	if err != nil {
		return -1, core1_0.VKErrorDeviceLost, k.markLostLocked(errors.Wrap(err, "failed to hand requests to the host"))
	}
	return outFD, core1_0.VKSuccess, nil
}

// enqueueLocked assigns the next sequence number to a request and appends it to the pending buffer,
// flushing first if it would not fit
func (k *Kernel) enqueueLocked(req *request, rspOff uint32) (uint32, common.VkResult, error) {
	if len(k.pending) > 0 && len(k.pending)+req.size() > k.options.RequestBufferSize {
		_, res, err := k.flushLocked(0, -1, false)
		if err != nil {
			return 0, res, err
		}
	}

	k.seqno++
	k.pending = req.appendTo(k.pending, k.seqno, rspOff)
	return k.seqno, core1_0.VKSuccess, nil
}

// batchLocked queues a request nobody waits on. It is flushed once the buffer fills up.
func (k *Kernel) batchLocked(req *request) (common.VkResult, error) {
	_, res, err := k.enqueueLocked(req, 0)
	if err != nil {
		return res, err
	}

	if k.options.NoBatch || len(k.pending) >= k.options.RequestBufferSize {
		_, res, err = k.flushLocked(0, -1, false)
	}
	return res, err
}

func (k *Kernel) allocSlotLocked() (uint32, bool) {
	if len(k.freeSlots) == 0 {
		return 0, false
	}
	slot := k.freeSlots[len(k.freeSlots)-1]
	k.freeSlots = k.freeSlots[:len(k.freeSlots)-1]
	return slot, true
}

func (k *Kernel) freeSlot(slot uint32) {
	k.mutex.Lock()
	k.freeSlots = append(k.freeSlots, slot)
	k.mutex.Unlock()
}

// roundTrip sends a request along with everything pending and blocks until the host has replied
func (k *Kernel) roundTrip(req *request) (response, common.VkResult, error) {
	if req.rspSize > k.slotSize {
		panic("attempting to send a request whose response does not fit a response slot")
	}

	k.mutex.Lock()
	res, err := k.lostLocked()
	if err != nil {
		k.mutex.Unlock()
		return response{}, res, err
	}

	slot, ok := k.allocSlotLocked()
	if !ok {
		k.mutex.Unlock()
		return response{}, core1_0.VKErrorOutOfHostMemory, errors.Newf("all %d response slots are in use", k.options.ResponseSlots)
	}
	clear(k.shared[slot : slot+k.slotSize])

	seqno, res, err := k.enqueueLocked(req, slot)
	var fd int
	if err == nil {
		fd, res, err = k.flushLocked(0, -1, true)
	}
	k.mutex.Unlock()

	if err != nil {
		k.freeSlot(slot)
		return response{}, res, err
	}

	res, err = k.awaitHost(fd, seqno)
	if err != nil {
		k.freeSlot(slot)
		return response{}, res, err
	}

	rsp := decodeResponse(k.shared[slot : slot+req.rspSize])
	rsp.payload = append([]byte(nil), rsp.payload...)
	k.freeSlot(slot)
	return rsp, core1_0.VKSuccess, nil
}

// awaitHost blocks on a flush fence and then checks that the host got as far as seqno. A host that
// signals without processing a request has dropped it.
func (k *Kernel) awaitHost(fd int, seqno uint32) (common.VkResult, error) {
	pollFds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	var err error
	for {
		_, err = unix.Poll(pollFds, -1)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	_ = unix.Close(fd)

	if err == nil && !fence.TimestampReached(k.sharedWord(shmemSeqno), seqno) {
		err = errors.Newf("host stopped at request %d before reaching request %d", k.sharedWord(shmemSeqno), seqno)
	} else if err != nil {
		err = errors.Wrap(err, "failed to wait for the host")
	}

	if err != nil {
		k.mutex.Lock()
		err = k.markLostLocked(err)
		k.mutex.Unlock()
		return core1_0.VKErrorDeviceLost, err
	}
	return core1_0.VKSuccess, nil
}

func (k *Kernel) resource(handle uint32) (uint32, error) {
	resID, ok := k.resources.Get(handle)
	if !ok {
		return 0, errors.Newf("buffer object %d has no host resource", handle)
	}
	return resID, nil
}

func allocFlags(flags bo.AllocFlags) uint32 {
	kernelFlags := uint32(boWC)
	if flags&bo.AllocGPUReadOnly != 0 {
		kernelFlags |= boGPUReadOnly
	}
	return kernelFlags
}

func (k *Kernel) CreateBO(size uint64, flags bo.AllocFlags) (uint32, common.VkResult, error) {
	k.mutex.Lock()
	defer k.mutex.Unlock()

	res, err := k.lostLocked()
	if err != nil {
		return 0, res, err
	}

	// everything already queued must reach the host before the buffer object exists
	_, res, err = k.flushLocked(0, -1, false)
	if err != nil {
		return 0, res, err
	}

	k.nextBlobID++
	k.seqno++
	cmd := gemNewRequest(0, size, allocFlags(flags), k.nextBlobID).appendTo(nil, k.seqno, 0)

	handle, resID, err := k.transport.CreateBlob(k.nextBlobID, size, cmd)
	if err != nil {
		return 0, ioctl.Result(err, core1_0.VKErrorOutOfDeviceMemory), errors.Wrapf(err, "failed to create a buffer object of %d bytes", size)
	}

	k.resources.Put(handle, resID)
	return handle, core1_0.VKSuccess, nil
}

func (k *Kernel) ImportBO(fd int) (uint32, uint64, common.VkResult, error) {
	k.mutex.Lock()
	defer k.mutex.Unlock()

	res, err := k.lostLocked()
	if err != nil {
		return 0, 0, res, err
	}

	_, res, err = k.flushLocked(0, -1, false)
	if err != nil {
		return 0, 0, res, err
	}

	handle, resID, size, err := k.transport.Import(fd)
	if err != nil {
		return 0, 0, core1_0.VKErrorInitializationFailed, err
	}

	k.resources.Put(handle, resID)
	return handle, size, core1_0.VKSuccess, nil
}

func (k *Kernel) ExportBO(handle uint32) (int, common.VkResult, error) {
	k.mutex.Lock()
	defer k.mutex.Unlock()

	res, err := k.lostLocked()
	if err != nil {
		return -1, res, err
	}

	_, res, err = k.flushLocked(0, -1, false)
	if err != nil {
		return -1, res, err
	}

	fd, err := k.transport.Export(handle)
	if err != nil {
		return -1, core1_0.VKErrorTooManyObjects, err
	}
	return fd, core1_0.VKSuccess, nil
}

func (k *Kernel) CloseBO(handle uint32) {
	k.mutex.Lock()
	defer k.mutex.Unlock()

	// requests that still name the buffer object go first
	if k.lost == nil {
		_, _, err := k.flushLocked(0, -1, false)
		if err != nil {
			return
		}
	}

	k.resources.Delete(handle)
	err := k.transport.CloseGEM(handle)
	if err != nil {
		k.logger.LogAttrs(context.Background(), slog.LevelError, "failed to close buffer object", slog.Any("error", err))
	}
}

func (k *Kernel) MapBO(handle uint32, size uint64) ([]byte, common.VkResult, error) {
	mapping, err := k.transport.Map(handle, size)
	if err != nil {
		return nil, core1_0.VKErrorMemoryMapFailed, err
	}
	return mapping, core1_0.VKSuccess, nil
}

func (k *Kernel) UnmapBO(mapping []byte) error {
	return k.transport.Unmap(mapping)
}

func (k *Kernel) QueryIOVA(handle uint32) (uint64, common.VkResult, error) {
	return 0, core1_0.VKErrorFeatureNotPresent, errors.Newf("the host never assigns device addresses, buffer object %d has none", handle)
}

func (k *Kernel) SetIOVA(handle uint32, iova uint64) (common.VkResult, error) {
	k.mutex.Lock()
	resID, err := k.resource(handle)
	k.mutex.Unlock()
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	rsp, res, err := k.roundTrip(gemSetIOVARequest(resID, iova))
	if err != nil {
		return res, errors.Wrapf(err, "failed to place buffer object %d at 0x%x", handle, iova)
	}

	switch rsp.ret {
	case 0:
		return core1_0.VKSuccess, nil
	case hostErrnoBusy, hostErrnoNoSpace:
		return bo.ResultAddressUnavailable, errors.Wrapf(bo.ErrAddressUnavailable, "host refused address 0x%x for buffer object %d", iova, handle)
	case hostErrnoNoMemory:
		return core1_0.VKErrorOutOfDeviceMemory, errors.Newf("host ran out of memory placing buffer object %d", handle)
	}
	return core1_0.VKErrorUnknown, errors.Newf("host failed to place buffer object %d at 0x%x: errno %d", handle, iova, -rsp.ret)
}

func (k *Kernel) ClearIOVA(handle uint32) (common.VkResult, error) {
	k.mutex.Lock()
	defer k.mutex.Unlock()

	res, err := k.lostLocked()
	if err != nil {
		return res, err
	}

	resID, err := k.resource(handle)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	req := gemSetIOVARequest(resID, 0)
	req.rspSize = 0
	_, res, err = k.enqueueLocked(req, 0)
	if err != nil {
		return res, err
	}

	// the address may be handed out again as soon as this returns
	_, res, err = k.flushLocked(0, -1, false)
	return res, err
}

func (k *Kernel) ring(priority int) uint32 {
	if k.caps.Priorities == 0 {
		return 0
	}
	if priority < 0 {
		priority = 0
	}
	return min(uint32(priority), k.caps.Priorities-1) + 1
}

func (k *Kernel) CreateQueue(priority int) (fence.QueueID, common.VkResult, error) {
	payload := make([]byte, 0, 12)
	payload = le.AppendUint32(payload, 0)
	payload = le.AppendUint32(payload, uint32(priority))
	payload = le.AppendUint32(payload, 0)

	rsp, res, err := k.roundTrip(ioctlSimpleRequest(ioctlSubmitqueueNew, payload))
	if err != nil {
		return 0, res, errors.Wrapf(err, "failed to create a submit queue with priority %d", priority)
	}
	if rsp.ret != 0 || len(rsp.payload) < 12 {
		return 0, core1_0.VKErrorInitializationFailed, errors.Newf("host failed to create a submit queue with priority %d: errno %d", priority, -rsp.ret)
	}

	id := le.Uint32(rsp.payload[8:])
	k.mutex.Lock()
	k.queues.Put(id, &queueState{ring: k.ring(priority)})
	k.mutex.Unlock()

	return fence.QueueID(id), core1_0.VKSuccess, nil
}

func (k *Kernel) DestroyQueue(queue fence.QueueID) error {
	k.mutex.Lock()
	defer k.mutex.Unlock()

	k.queues.Delete(uint32(queue))
	if k.lost != nil {
		return nil
	}

	req := ioctlSimpleRequest(ioctlSubmitqueueClose, le.AppendUint32(nil, uint32(queue)))
	req.rspSize = 0
	_, err := k.batchLocked(req)
	return err
}

// inFence folds every wait of a submission into a single sync file, or -1 when there is nothing to
// wait on
func (k *Kernel) inFence(waits []fence.Primitive) (int, common.VkResult, error) {
	if len(waits) == 0 {
		return -1, core1_0.VKSuccess, nil
	}

	merged, res, err := fence.Merge(k, waits)
	if err != nil {
		return -1, res, err
	}

	switch p := merged.(type) {
	case fence.FileHandle:
		return p.FD, core1_0.VKSuccess, nil
	case fence.Timeline:
		return k.TimestampToFD(p.Queue, p.Value)
	}
	return -1, core1_0.VKSuccess, nil
}

func (k *Kernel) buildSubmit(request *device.SubmitRequest, fenceValue uint32) (*request, error) {
	bos := make([]submitBO, len(request.BOs))
	for i, b := range request.BOs {
		resID, err := k.resource(b.GEM)
		if err != nil {
			return nil, err
		}

		var flags uint32
		if b.Flags&device.SubmitBORead != 0 {
			flags |= submitBORead
		}
		if b.Flags&device.SubmitBOWrite != 0 {
			flags |= submitBOWrite
		}
		if b.Flags&device.SubmitBODump != 0 {
			flags |= submitBODump
		}
		bos[i] = submitBO{flags: flags, resID: resID, presumed: b.IOVA}
	}

	cmds := make([]submitCmd, len(request.Cmds))
	for i, cmd := range request.Cmds {
		cmds[i] = submitCmd{submitIdx: cmd.BOIndex, offset: cmd.Offset, size: cmd.Size}
	}

	var flags uint32
	if request.NoImplicitSync {
		flags |= submitNoImplicit
	}
	return gemSubmitRequest(flags, uint32(request.Queue), fenceValue, bos, cmds), nil
}

func (k *Kernel) Submit(request *device.SubmitRequest) (device.SubmitResult, common.VkResult, error) {
	result := device.SubmitResult{OutFD: -1}

	inFD, res, err := k.inFence(request.Waits)
	if err != nil {
		return result, res, errors.Wrap(err, "failed to resolve submission waits")
	}
	if inFD >= 0 {
		defer unix.Close(inFD)
	}

	k.mutex.Lock()
	defer k.mutex.Unlock()

	res, err = k.lostLocked()
	if err != nil {
		return result, res, err
	}

	queue, ok := k.queues.Get(uint32(request.Queue))
	if !ok {
		return result, core1_0.VKErrorUnknown, errors.Newf("submission to unknown queue %d", request.Queue)
	}

	req, err := k.buildSubmit(request, queue.fence+1)
	if err != nil {
		return result, core1_0.VKErrorUnknown, err
	}

	if inFD < 0 && !request.WantOutFD {
		res, err = k.batchLocked(req)
		if err != nil {
			return result, res, err
		}
		queue.fence++
		result.Fence = queue.fence
		return result, core1_0.VKSuccess, nil
	}

	// the fences ride on the execbuffer carrying this submission, so earlier requests go on their own
	_, res, err = k.flushLocked(0, -1, false)
	if err != nil {
		return result, res, err
	}
	_, res, err = k.enqueueLocked(req, 0)
	if err != nil {
		return result, res, err
	}
	outFD, res, err := k.flushLocked(queue.ring, inFD, request.WantOutFD)
	if err != nil {
		return result, res, err
	}

	queue.fence++
	result.Fence = queue.fence
	result.OutFD = outFD
	return result, core1_0.VKSuccess, nil
}

func (k *Kernel) WaitTimestamp(queue fence.QueueID, value uint32, timeout time.Duration) (common.VkResult, error) {
	deadline := time.Now().Add(timeout)
	poll := minWaitPoll

	for {
		rsp, res, err := k.roundTrip(waitFenceRequest(uint32(queue), value))
		if err != nil {
			return res, errors.Wrapf(err, "failed to wait for %s", fence.Timeline{Queue: queue, Value: value})
		}

		switch rsp.ret {
		case 0:
			return core1_0.VKSuccess, nil
		case hostErrnoTimedOut:
		default:
			k.mutex.Lock()
			err = k.markLostLocked(errors.Newf("host failed to wait for %s: errno %d", fence.Timeline{Queue: queue, Value: value}, -rsp.ret))
			k.mutex.Unlock()
			return core1_0.VKErrorDeviceLost, err
		}

		sleep := poll
		if timeout != fence.Infinite {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return core1_0.VKTimeout, fence.ErrTimeout
			}
			sleep = min(sleep, remaining)
		}
		time.Sleep(sleep)
		poll = min(poll*2, maxWaitPoll)
	}
}

// TimestampToFD flushes a marker onto the queue's ring. Its fence descriptor signals once everything
// queued on the ring before it has completed, which includes value.
func (k *Kernel) TimestampToFD(queue fence.QueueID, value uint32) (int, common.VkResult, error) {
	k.mutex.Lock()
	defer k.mutex.Unlock()

	res, err := k.lostLocked()
	if err != nil {
		return -1, res, err
	}

	state, ok := k.queues.Get(uint32(queue))
	if !ok {
		return -1, core1_0.VKErrorUnknown, errors.Newf("cannot export %s of an unknown queue", fence.Timeline{Queue: queue, Value: value})
	}

	_, res, err = k.enqueueLocked(nopRequest(), 0)
	if err != nil {
		return -1, res, err
	}
	return k.flushLocked(state.ring, -1, true)
}

func (k *Kernel) MergeFD(a, b int) (int, common.VkResult, error) {
	return ioctl.MergeSyncFiles(a, b)
}

func (k *Kernel) DeviceStatus() (common.VkResult, error) {
	k.mutex.Lock()
	res, err := k.lostLocked()
	k.mutex.Unlock()
	if err != nil {
		return res, err
	}

	faults := k.sharedWord(shmemGlobalFaults)
	if faults != k.faults {
		return core1_0.VKErrorDeviceLost, errors.Newf("the host reported %d GPU faults", faults-k.faults)
	}
	return core1_0.VKSuccess, nil
}

func (k *Kernel) Close() error {
	k.mutex.Lock()
	defer k.mutex.Unlock()

	var err error
	if k.lost == nil {
		_, _, err = k.flushLocked(0, -1, false)
	}
	return errors.CombineErrors(err, k.transport.Close())
}
