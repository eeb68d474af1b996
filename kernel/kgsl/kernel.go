// Package kgsl is the backend for the Qualcomm kgsl driver. The kernel assigns every device address,
// so buffer objects are closed as soon as their last reference goes. Queues are kgsl draw contexts.
package kgsl

import (
	"context"
	"runtime"
	"sync"
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

// DefaultPath is the device node of the first kgsl GPU
const DefaultPath = "/dev/kgsl-3d0"

// Kernel drives an opened kgsl device
type Kernel struct {
	logger *slog.Logger
	fd     int
	info   device.Info

	contextMutex sync.Mutex
	contexts     *swiss.Map[uint32, int]
}

var _ device.Kernel = (*Kernel)(nil)

// Open opens a kgsl device node and queries the GPU behind it
func Open(logger *slog.Logger, path string) (*Kernel, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}

	k := &Kernel{
		logger:   logger,
		fd:       fd,
		contexts: swiss.NewMap[uint32, int](4),
	}

	// nested arguments live on the heap so their addresses stay fixed
	info := new(devInfo)
	err = k.getProperty(propDeviceInfo, unsafe.Pointer(info), unsafe.Sizeof(*info))
	runtime.KeepAlive(info)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	k.info = device.Info{
		Backend: "kgsl",
		GPUID:   info.gpuID,
		ChipID:  uint64(info.chipID),
	}

	logger.Debug("kgsl::Open", slog.String("Path", path), slog.Int("GPUID", int(info.gpuID)))
	return k, nil
}

func (k *Kernel) getProperty(which uint32, value unsafe.Pointer, size uintptr) error {
	args := deviceGetProperty{propType: which, value: uint64(uintptr(value)), sizeBytes: uint64(size)}
	err := ioctl.Do(k.fd, ioctlGetProperty, unsafe.Pointer(&args))
	if err != nil {
		return errors.Wrapf(err, "failed to query property 0x%x", which)
	}
	return nil
}

func (k *Kernel) Info() device.Info { return k.info }

func allocFlags(flags bo.AllocFlags) uint64 {
	kernelFlags := uint64(memflagsUseCPUMap | cachemodeWC)
	if flags&bo.AllocGPUReadOnly != 0 {
		kernelFlags |= memflagsGPUReadOnly
	}
	return kernelFlags
}

func (k *Kernel) CreateBO(size uint64, flags bo.AllocFlags) (uint32, common.VkResult, error) {
	args := gpuobjAlloc{size: size, flags: allocFlags(flags)}
	err := ioctl.Do(k.fd, ioctlGPUObjAlloc, unsafe.Pointer(&args))
	if err != nil {
		return 0, ioctl.Result(err, core1_0.VKErrorOutOfDeviceMemory), errors.Wrapf(err, "failed to allocate a buffer object of %d bytes", size)
	}
	return args.id, core1_0.VKSuccess, nil
}

func (k *Kernel) objInfo(id uint32) (gpuobjInfo, error) {
	args := gpuobjInfo{id: id}
	err := ioctl.Do(k.fd, ioctlGPUObjInfo, unsafe.Pointer(&args))
	if err != nil {
		return args, errors.Wrapf(err, "failed to query buffer object %d", id)
	}
	return args, nil
}

// ImportBO imports a dma-buf. kgsl hands out a new id for every import, so the same buffer imported
// twice is two buffer objects.
func (k *Kernel) ImportBO(fd int) (uint32, uint64, common.VkResult, error) {
	dmabuf := &gpuobjImportDMABuf{fd: int32(fd)}
	args := gpuobjImport{
		priv:    uint64(uintptr(unsafe.Pointer(dmabuf))),
		privLen: uint64(unsafe.Sizeof(*dmabuf)),
		objType: userMemTypeDMABuf,
	}
	err := ioctl.Do(k.fd, ioctlGPUObjImport, unsafe.Pointer(&args))
	runtime.KeepAlive(dmabuf)
	if err != nil {
		return 0, 0, core1_0.VKErrorInitializationFailed, errors.Wrapf(err, "failed to import descriptor %d", fd)
	}

	info, err := k.objInfo(args.id)
	if err != nil {
		k.CloseBO(args.id)
		return 0, 0, core1_0.VKErrorInitializationFailed, err
	}
	return args.id, info.size, core1_0.VKSuccess, nil
}

func (k *Kernel) ExportBO(handle uint32) (int, common.VkResult, error) {
	return -1, core1_0.VKErrorFeatureNotPresent, errors.Newf("kgsl cannot export buffer object %d", handle)
}

func (k *Kernel) CloseBO(handle uint32) {
	args := gpuobjFree{id: handle}
	err := ioctl.Do(k.fd, ioctlGPUObjFree, unsafe.Pointer(&args))
	if err != nil {
		k.logger.LogAttrs(context.Background(), slog.LevelError, "failed to free buffer object", slog.Int("id", int(handle)), slog.Any("error", err))
	}
}

func (k *Kernel) MapBO(handle uint32, size uint64) ([]byte, common.VkResult, error) {
	// the map offset of an object is its id in pages
	mapping, err := ioctl.Map(k.fd, uint64(handle)<<12, size)
	if err != nil {
		return nil, core1_0.VKErrorMemoryMapFailed, err
	}
	return mapping, core1_0.VKSuccess, nil
}

func (k *Kernel) UnmapBO(mapping []byte) error {
	return ioctl.Unmap(mapping)
}

func (k *Kernel) QueryIOVA(handle uint32) (uint64, common.VkResult, error) {
	info, err := k.objInfo(handle)
	if err != nil {
		return 0, core1_0.VKErrorOutOfDeviceMemory, err
	}
	return info.gpuAddr, core1_0.VKSuccess, nil
}

func (k *Kernel) SetIOVA(handle uint32, iova uint64) (common.VkResult, error) {
	return core1_0.VKErrorFeatureNotPresent, errors.Newf("kgsl assigns device addresses itself, cannot place buffer object %d at 0x%x", handle, iova)
}

func (k *Kernel) ClearIOVA(handle uint32) (common.VkResult, error) {
	return core1_0.VKErrorFeatureNotPresent, errors.Newf("kgsl assigns device addresses itself, cannot clear buffer object %d", handle)
}

func contextFlags(priority int) uint32 {
	return contextPreamble | contextNoGMemAlloc | contextTypeVulkan |
		(uint32(priority)<<contextPriorityShift)&contextPriorityMask
}

func (k *Kernel) CreateQueue(priority int) (fence.QueueID, common.VkResult, error) {
	args := drawctxtCreate{flags: contextFlags(priority)}
	err := ioctl.Do(k.fd, ioctlDrawctxtCreate, unsafe.Pointer(&args))
	if err != nil {
		return 0, ioctl.Result(err, core1_0.VKErrorInitializationFailed), errors.Wrapf(err, "failed to create a draw context with priority %d", priority)
	}

	k.contextMutex.Lock()
	k.contexts.Put(args.drawctxID, priority)
	k.contextMutex.Unlock()

	return fence.QueueID(args.drawctxID), core1_0.VKSuccess, nil
}

func (k *Kernel) DestroyQueue(queue fence.QueueID) error {
	k.contextMutex.Lock()
	k.contexts.Delete(uint32(queue))
	k.contextMutex.Unlock()

	args := drawctxtDestroy{drawctxID: uint32(queue)}
	err := ioctl.Do(k.fd, ioctlDrawctxtDestroy, unsafe.Pointer(&args))
	if err != nil {
		return errors.Wrapf(err, "failed to destroy draw context %d", queue)
	}
	return nil
}

// command holds a GPU_COMMAND argument and every array it points into
type command struct {
	args       gpuCommand
	cmds       []commandObject
	objs       []commandObject
	syncs      []commandSyncpoint
	timestamps []syncpointTimestampArgs
	fences     []syncpointFenceArgs
}

func sliceAddress[T any](s []T) uint64 {
	if len(s) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&s[0])))
}

func buildCommand(request *device.SubmitRequest) *command {
	c := &command{
		cmds: make([]commandObject, 0, len(request.Cmds)),
	}

	for _, cmd := range request.Cmds {
		c.cmds = append(c.cmds, commandObject{
			gpuAddr: cmd.IOVA,
			size:    uint64(cmd.Size),
			flags:   cmdlistIB,
			id:      request.BOs[cmd.BOIndex].GEM,
		})
	}

	// dumpable objects are captured in the kernel's snapshot on a fault
	for _, b := range request.BOs {
		if b.Flags&device.SubmitBODump == 0 {
			continue
		}
		c.objs = append(c.objs, commandObject{
			gpuAddr: b.IOVA,
			size:    b.Size,
			flags:   objlistMemobj,
			id:      b.GEM,
		})
	}

	for _, wait := range request.Waits {
		switch p := wait.(type) {
		case fence.Timeline:
			c.timestamps = append(c.timestamps, syncpointTimestampArgs{contextID: uint32(p.Queue), timestamp: p.Value})
		case fence.FileHandle:
			c.fences = append(c.fences, syncpointFenceArgs{fd: int32(p.FD)})
		}
	}

	c.syncs = make([]commandSyncpoint, 0, len(c.timestamps)+len(c.fences))
	for i := range c.timestamps {
		c.syncs = append(c.syncs, commandSyncpoint{
			priv:          uint64(uintptr(unsafe.Pointer(&c.timestamps[i]))),
			size:          uint64(unsafe.Sizeof(c.timestamps[i])),
			syncpointType: syncpointTimestamp,
		})
	}
	for i := range c.fences {
		c.syncs = append(c.syncs, commandSyncpoint{
			priv:          uint64(uintptr(unsafe.Pointer(&c.fences[i]))),
			size:          uint64(unsafe.Sizeof(c.fences[i])),
			syncpointType: syncpointFence,
		})
	}

	c.args = gpuCommand{
		cmdList:   sliceAddress(c.cmds),
		cmdSize:   uint32(unsafe.Sizeof(commandObject{})),
		numCmds:   uint32(len(c.cmds)),
		objList:   sliceAddress(c.objs),
		objSize:   uint32(unsafe.Sizeof(commandObject{})),
		numObjs:   uint32(len(c.objs)),
		syncList:  sliceAddress(c.syncs),
		syncSize:  uint32(unsafe.Sizeof(commandSyncpoint{})),
		numSyncs:  uint32(len(c.syncs)),
		contextID: uint32(request.Queue),
	}
	return c
}

func (k *Kernel) Submit(request *device.SubmitRequest) (device.SubmitResult, common.VkResult, error) {
	c := buildCommand(request)
	err := ioctl.Do(k.fd, ioctlGPUCommand, unsafe.Pointer(&c.args))
	runtime.KeepAlive(c)
	if errors.Is(err, unix.ENOMEM) {
		return device.SubmitResult{OutFD: -1}, core1_0.VKErrorOutOfHostMemory, errors.Wrap(err, "submission failed")
	}
	if err != nil {
		return device.SubmitResult{OutFD: -1}, core1_0.VKErrorDeviceLost, errors.Wrapf(err, "submission to draw context %d failed", request.Queue)
	}

	result := device.SubmitResult{Fence: c.args.timestamp, OutFD: -1}
	if request.WantOutFD {
		fd, res, err := k.TimestampToFD(request.Queue, result.Fence)
		if err != nil {
			return result, res, err
		}
		result.OutFD = fd
	}
	return result, core1_0.VKSuccess, nil
}

const waitChunk = 10 * time.Second

func timeoutMillis(timeout time.Duration) uint32 {
	return uint32((timeout + time.Millisecond - 1) / time.Millisecond)
}

func (k *Kernel) WaitTimestamp(queue fence.QueueID, value uint32, timeout time.Duration) (common.VkResult, error) {
	for {
		chunk := timeout
		if timeout == fence.Infinite || timeout > waitChunk {
			chunk = waitChunk
		}

		args := waitTimestamp{contextID: uint32(queue), timestamp: value, timeout: timeoutMillis(chunk)}
		err := ioctl.Do(k.fd, ioctlWaitTimestamp, unsafe.Pointer(&args))
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

// fenceEvent asks for a sync file that signals once the context reaches value. The kernel writes
// the descriptor into out.
func fenceEvent(queue fence.QueueID, value uint32, out *timestampEventFence) timestampEvent {
	return timestampEvent{
		eventType: timestampEventTypeFence,
		timestamp: value,
		contextID: uint32(queue),
		priv:      uint64(uintptr(unsafe.Pointer(out))),
		len:       uint64(unsafe.Sizeof(*out)),
	}
}

func (k *Kernel) TimestampToFD(queue fence.QueueID, value uint32) (int, common.VkResult, error) {
	out := &timestampEventFence{fenceFD: -1}
	args := fenceEvent(queue, value, out)
	err := ioctl.Do(k.fd, ioctlTimestampEvent, unsafe.Pointer(&args))
	runtime.KeepAlive(out)
	if err != nil {
		return -1, ioctl.Result(err, core1_0.VKErrorOutOfHostMemory), errors.Wrapf(err, "failed to export %s", fence.Timeline{Queue: queue, Value: value})
	}
	return int(out.fenceFD), core1_0.VKSuccess, nil
}

func (k *Kernel) MergeFD(a, b int) (int, common.VkResult, error) {
	return ioctl.MergeSyncFiles(a, b)
}

// DeviceStatus asks the kernel whether any live draw context was reset
func (k *Kernel) DeviceStatus() (common.VkResult, error) {
	k.contextMutex.Lock()
	var ids []uint32
	k.contexts.Iter(func(id uint32, _ int) bool {
		ids = append(ids, id)
		return false
	})
	k.contextMutex.Unlock()

	for _, id := range ids {
		stat := &resetStat{contextID: id}
		err := k.getProperty(propGPUResetStat, unsafe.Pointer(stat), unsafe.Sizeof(*stat))
		runtime.KeepAlive(stat)
		if err != nil {
			return core1_0.VKErrorDeviceLost, err
		}
		if stat.status != ctxStatNoError {
			return core1_0.VKErrorDeviceLost, errors.Newf("draw context %d was reset with status %d", id, stat.status)
		}
	}
	return core1_0.VKSuccess, nil
}

func (k *Kernel) Close() error {
	return unix.Close(k.fd)
}
