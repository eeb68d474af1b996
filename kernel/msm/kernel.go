// Package msm is the backend for the DRM msm driver. Userspace chooses device addresses when the
// kernel exposes a VA range, in which case released addresses go through zombie reclamation.
package msm

import (
	"context"
	"runtime"
	"time"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/quiver/bo"
	"github.com/vkngwrapper/quiver/device"
	"github.com/vkngwrapper/quiver/fence"
	"github.com/vkngwrapper/quiver/kernel/internal/ioctl"
	"golang.org/x/exp/slog"
	"golang.org/x/sys/unix"
)

// Options control how the backend uses the kernel
type Options struct {
	// UserspaceIOVA makes the backend place buffer objects itself when the kernel reports a VA range
	UserspaceIOVA bool
}

// Kernel drives an opened msm render node
type Kernel struct {
	logger *slog.Logger
	fd     int
	info   device.Info
	faults uint64
}

var _ device.Kernel = (*Kernel)(nil)

// Open opens a render node and queries the GPU it drives
func Open(logger *slog.Logger, path string, options Options) (*Kernel, error) {
	fd, err := ioctl.OpenDevice(path)
	if err != nil {
		return nil, err
	}

	k := &Kernel{logger: logger, fd: fd}
	k.info, err = k.queryInfo(options)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	k.faults, err = k.getParam(paramFaults)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	logger.Debug("msm::Open", slog.String("Path", path), slog.Int("GPUID", int(k.info.GPUID)), slog.Bool("UserspaceIOVA", k.info.UserspaceIOVA))
	return k, nil
}

func (k *Kernel) getParam(which uint32) (uint64, error) {
	args := param{pipe: pipe3D0, param: which}
	err := ioctl.Do(k.fd, ioctlGetParam, unsafe.Pointer(&args))
	if err != nil {
		return 0, errors.Wrapf(err, "failed to query parameter 0x%x", which)
	}
	return args.value, nil
}

func (k *Kernel) queryInfo(options Options) (device.Info, error) {
	info := device.Info{Backend: "msm"}

	gpuID, err := k.getParam(paramGPUID)
	if err != nil {
		return info, err
	}
	info.GPUID = uint32(gpuID)

	info.ChipID, err = k.getParam(paramChipID)
	if err != nil {
		return info, err
	}

	if !options.UserspaceIOVA {
		return info, nil
	}

	// older kernels have no userspace VA range
	start, startErr := k.getParam(paramVAStart)
	size, sizeErr := k.getParam(paramVASize)
	if startErr != nil || sizeErr != nil {
		k.logger.Info("kernel does not support userspace device addresses", slog.Any("error", errors.CombineErrors(startErr, sizeErr)))
		return info, nil
	}

	info.UserspaceIOVA = true
	info.VAStart = start
	info.VASize = size
	return info, nil
}

func (k *Kernel) Info() device.Info { return k.info }

func allocFlags(flags bo.AllocFlags) uint32 {
	kernelFlags := uint32(boWC)
	if flags&bo.AllocGPUReadOnly != 0 {
		kernelFlags |= boGPUReadOnly
	}
	return kernelFlags
}

func (k *Kernel) CreateBO(size uint64, flags bo.AllocFlags) (uint32, common.VkResult, error) {
	args := gemNew{size: size, flags: allocFlags(flags)}
	err := ioctl.Do(k.fd, ioctlGEMNew, unsafe.Pointer(&args))
	if err != nil {
		return 0, ioctl.Result(err, core1_0.VKErrorOutOfDeviceMemory), errors.Wrapf(err, "failed to create a buffer object of %d bytes", size)
	}
	return args.handle, core1_0.VKSuccess, nil
}

func (k *Kernel) ImportBO(fd int) (uint32, uint64, common.VkResult, error) {
	handle, size, err := ioctl.PrimeImport(k.fd, fd)
	if err != nil {
		return 0, 0, core1_0.VKErrorInitializationFailed, err
	}
	return handle, size, core1_0.VKSuccess, nil
}

func (k *Kernel) ExportBO(handle uint32) (int, common.VkResult, error) {
	fd, err := ioctl.PrimeExport(k.fd, handle)
	if err != nil {
		return -1, core1_0.VKErrorTooManyObjects, err
	}
	return fd, core1_0.VKSuccess, nil
}

func (k *Kernel) CloseBO(handle uint32) {
	err := ioctl.GEMClose(k.fd, handle)
	if err != nil {
		k.logger.LogAttrs(context.Background(), slog.LevelError, "failed to close buffer object", slog.Any("error", err))
	}
}

func (k *Kernel) gemInfo(handle uint32, which uint32, value uint64) (uint64, error) {
	args := gemInfo{handle: handle, info: which, value: value}
	err := ioctl.Do(k.fd, ioctlGEMInfo, unsafe.Pointer(&args))
	return args.value, err
}

func (k *Kernel) MapBO(handle uint32, size uint64) ([]byte, common.VkResult, error) {
	offset, err := k.gemInfo(handle, infoGetOffset, 0)
	if err != nil {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.Wrapf(err, "failed to find the map offset of buffer object %d", handle)
	}

	mapping, err := ioctl.Map(k.fd, offset, size)
	if err != nil {
		return nil, core1_0.VKErrorMemoryMapFailed, err
	}
	return mapping, core1_0.VKSuccess, nil
}

func (k *Kernel) UnmapBO(mapping []byte) error {
	return ioctl.Unmap(mapping)
}

func (k *Kernel) QueryIOVA(handle uint32) (uint64, common.VkResult, error) {
	iova, err := k.gemInfo(handle, infoGetIOVA, 0)
	if err != nil {
		return 0, ioctl.Result(err, core1_0.VKErrorOutOfDeviceMemory), errors.Wrapf(err, "failed to query the address of buffer object %d", handle)
	}
	return iova, core1_0.VKSuccess, nil
}

func (k *Kernel) SetIOVA(handle uint32, iova uint64) (common.VkResult, error) {
	_, err := k.gemInfo(handle, infoSetIOVA, iova)
	if errors.Is(err, unix.EBUSY) || errors.Is(err, unix.ENOSPC) {
		return bo.ResultAddressUnavailable, errors.Wrapf(bo.ErrAddressUnavailable, "kernel refused address 0x%x for buffer object %d: %v", iova, handle, err)
	}
	if err != nil {
		return core1_0.VKErrorUnknown, errors.Wrapf(err, "failed to place buffer object %d at 0x%x", handle, iova)
	}
	return core1_0.VKSuccess, nil
}

func (k *Kernel) ClearIOVA(handle uint32) (common.VkResult, error) {
	_, err := k.gemInfo(handle, infoSetIOVA, 0)
	if err != nil {
		return core1_0.VKErrorUnknown, errors.Wrapf(err, "failed to clear the address of buffer object %d", handle)
	}
	return core1_0.VKSuccess, nil
}

func (k *Kernel) CreateQueue(priority int) (fence.QueueID, common.VkResult, error) {
	args := submitqueue{prio: uint32(priority)}
	err := ioctl.Do(k.fd, ioctlSubmitqueueNew, unsafe.Pointer(&args))
	if err != nil {
		return 0, ioctl.Result(err, core1_0.VKErrorInitializationFailed), errors.Wrapf(err, "failed to create a submit queue with priority %d", priority)
	}
	return fence.QueueID(args.id), core1_0.VKSuccess, nil
}

func (k *Kernel) DestroyQueue(queue fence.QueueID) error {
	id := uint32(queue)
	err := ioctl.Do(k.fd, ioctlSubmitqueueClose, unsafe.Pointer(&id))
	if err != nil {
		return errors.Wrapf(err, "failed to close submit queue %d", queue)
	}
	return nil
}

func buildLists(request *device.SubmitRequest) ([]submitBO, []submitCmd) {
	bos := make([]submitBO, len(request.BOs))
	for i, b := range request.BOs {
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
		bos[i] = submitBO{flags: flags, handle: b.GEM, presumed: b.IOVA}
	}

	cmds := make([]submitCmd, len(request.Cmds))
	for i, cmd := range request.Cmds {
		cmds[i] = submitCmd{
			cmdType:      submitCmdBuf,
			submitIdx:    cmd.BOIndex,
			submitOffset: cmd.Offset,
			size:         cmd.Size,
		}
	}

	return bos, cmds
}

func submitFlags(request *device.SubmitRequest, inFD int) uint32 {
	flags := uint32(pipe3D0)
	if request.NoImplicitSync {
		flags |= submitNoImplicit
	}
	if inFD >= 0 {
		flags |= submitFenceFDIn
	}
	if request.WantOutFD {
		flags |= submitFenceFDOut
	}
	return flags
}

func sliceAddress[T any](s []T) uint64 {
	if len(s) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&s[0])))
}

// inFence folds every wait of a submission into a single sync file. The returned descriptor is owned
// by the caller, and is -1 when nothing needs waiting on.
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

func (k *Kernel) submit(request *device.SubmitRequest, inFD int) (device.SubmitResult, error) {
	bos, cmds := buildLists(request)
	args := gemSubmit{
		flags:   submitFlags(request, inFD),
		nrBOs:   uint32(len(bos)),
		nrCmds:  uint32(len(cmds)),
		bos:     sliceAddress(bos),
		cmds:    sliceAddress(cmds),
		fenceFD: int32(inFD),
		queueID: uint32(request.Queue),
	}

	err := ioctl.Do(k.fd, ioctlGEMSubmit, unsafe.Pointer(&args))
	runtime.KeepAlive(bos)
	runtime.KeepAlive(cmds)
	if err != nil {
		return device.SubmitResult{OutFD: -1}, err
	}

	result := device.SubmitResult{Fence: args.fence, OutFD: -1}
	if request.WantOutFD {
		result.OutFD = int(args.fenceFD)
	}
	return result, nil
}

func (k *Kernel) Submit(request *device.SubmitRequest) (device.SubmitResult, common.VkResult, error) {
	inFD, res, err := k.inFence(request.Waits)
	if err != nil {
		return device.SubmitResult{OutFD: -1}, res, errors.Wrap(err, "failed to resolve submission waits")
	}

	result, err := k.submit(request, inFD)
	if inFD >= 0 {
		_ = unix.Close(inFD)
	}
	if errors.Is(err, unix.ENOMEM) {
		return result, core1_0.VKErrorOutOfHostMemory, errors.Wrap(err, "submission failed")
	}
	if err != nil {
		// anything else leaves the queue in an unknown state
		return result, core1_0.VKErrorDeviceLost, errors.Wrap(err, "submission failed")
	}
	return result, core1_0.VKSuccess, nil
}

const waitChunk = 10 * time.Second

func absoluteTimeout(now unix.Timespec, timeout time.Duration) timespec {
	deadline := time.Duration(now.Nano()) + timeout
	return timespec{sec: int64(deadline / time.Second), nsec: int64(deadline % time.Second)}
}

func (k *Kernel) WaitTimestamp(queue fence.QueueID, value uint32, timeout time.Duration) (common.VkResult, error) {
	for {
		chunk := timeout
		if timeout == fence.Infinite || timeout > waitChunk {
			chunk = waitChunk
		}

		var now unix.Timespec
		err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &now)
		if err != nil {
			return core1_0.VKErrorUnknown, errors.Wrap(err, "failed to read the monotonic clock")
		}

		args := waitFence{fence: value, timeout: absoluteTimeout(now, chunk), queueID: uint32(queue)}
		err = ioctl.Do(k.fd, ioctlWaitFence, unsafe.Pointer(&args))
		if err == nil {
			return core1_0.VKSuccess, nil
		}
		if !errors.Is(err, unix.ETIMEDOUT) {
			return ioctl.Result(err, core1_0.VKErrorDeviceLost), errors.Wrapf(err, "failed to wait for %s", fence.Timeline{Queue: queue, Value: value})
		}

		if timeout != fence.Infinite {
			timeout -= chunk
			if timeout <= 0 {
				return core1_0.VKTimeout, fence.ErrTimeout
			}
		}
	}
}

// TimestampToFD makes an empty submission on the queue. It completes after everything submitted
// before it, so its fence descriptor signals no earlier than value.
func (k *Kernel) TimestampToFD(queue fence.QueueID, value uint32) (int, common.VkResult, error) {
	result, err := k.submit(&device.SubmitRequest{Queue: queue, WantOutFD: true}, -1)
	if err != nil {
		return -1, ioctl.Result(err, core1_0.VKErrorDeviceLost), errors.Wrapf(err, "failed to export %s", fence.Timeline{Queue: queue, Value: value})
	}
	return result.OutFD, core1_0.VKSuccess, nil
}

func (k *Kernel) MergeFD(a, b int) (int, common.VkResult, error) {
	return ioctl.MergeSyncFiles(a, b)
}

func (k *Kernel) DeviceStatus() (common.VkResult, error) {
	faults, err := k.getParam(paramFaults)
	if err != nil {
		return core1_0.VKErrorDeviceLost, err
	}
	if faults > k.faults {
		return core1_0.VKErrorDeviceLost, errors.Newf("the GPU reported %d faults", faults-k.faults)
	}
	return core1_0.VKSuccess, nil
}

func (k *Kernel) Close() error {
	return unix.Close(k.fd)
}
