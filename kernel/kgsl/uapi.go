package kgsl

import (
	"unsafe"

	"github.com/vkngwrapper/quiver/kernel/internal/ioctl"
)

const (
	iocType = 0x09

	propDeviceInfo   = 0x1
	propGPUResetStat = 0x13

	ctxStatNoError = 0

	contextPreamble      = 0x00000010
	contextNoGMemAlloc   = 0x00000002
	contextPriorityMask  = 0x0000f000
	contextPriorityShift = 12
	contextTypeVulkan    = 0x00500000

	memflagsGPUReadOnly = 0x01000000
	memflagsUseCPUMap   = 0x10000000
	cachemodeWC         = 0

	userMemTypeDMABuf = 3

	cmdlistIB     = 0x00000001
	objlistMemobj = 0x00000008

	syncpointTimestamp = 0
	syncpointFence     = 1

	timestampEventTypeFence = 2
)

type deviceGetProperty struct {
	propType  uint32
	_         uint32
	value     uint64
	sizeBytes uint64
}

type devInfo struct {
	deviceID        uint32
	chipID          uint32
	mmuEnabled      uint32
	_               uint32
	gmemGPUBaseAddr uint64
	gpuID           uint32
	_               uint32
	gmemSizeBytes   uint64
}

type resetStat struct {
	contextID uint32
	status    uint32
}

type gpuobjAlloc struct {
	size        uint64
	flags       uint64
	vaLen       uint64
	mmapSize    uint64
	id          uint32
	metadataLen uint32
	metadata    uint64
}

type gpuobjFree struct {
	flags   uint64
	priv    uint64
	id      uint32
	objType uint32
	len     uint32
	_       uint32
}

type gpuobjInfo struct {
	gpuAddr uint64
	flags   uint64
	size    uint64
	vaLen   uint64
	vaAddr  uint64
	id      uint32
	_       uint32
}

type gpuobjImport struct {
	priv    uint64
	privLen uint64
	flags   uint64
	objType uint32
	id      uint32
}

type gpuobjImportDMABuf struct {
	fd int32
}

type drawctxtCreate struct {
	flags     uint32
	drawctxID uint32
}

type drawctxtDestroy struct {
	drawctxID uint32
}

type commandObject struct {
	offset  uint64
	gpuAddr uint64
	size    uint64
	flags   uint32
	id      uint32
}

type commandSyncpoint struct {
	priv          uint64
	size          uint64
	syncpointType uint32
	_             uint32
}

type syncpointTimestampArgs struct {
	contextID uint32
	timestamp uint32
}

type syncpointFenceArgs struct {
	fd int32
}

type gpuCommand struct {
	flags     uint64
	cmdList   uint64
	cmdSize   uint32
	numCmds   uint32
	objList   uint64
	objSize   uint32
	numObjs   uint32
	syncList  uint64
	syncSize  uint32
	numSyncs  uint32
	contextID uint32
	timestamp uint32
}

type waitTimestamp struct {
	contextID uint32
	timestamp uint32
	timeout   uint32
}

type timestampEvent struct {
	eventType uint32
	timestamp uint32
	contextID uint32
	_         uint32
	priv      uint64
	len       uint64
}

type timestampEventFence struct {
	fenceFD int32
}

var (
	ioctlGetProperty     = ioctl.IOWR(iocType, 0x02, unsafe.Sizeof(deviceGetProperty{}))
	ioctlWaitTimestamp   = ioctl.IOW(iocType, 0x07, unsafe.Sizeof(waitTimestamp{}))
	ioctlDrawctxtCreate  = ioctl.IOWR(iocType, 0x13, unsafe.Sizeof(drawctxtCreate{}))
	ioctlDrawctxtDestroy = ioctl.IOW(iocType, 0x14, unsafe.Sizeof(drawctxtDestroy{}))
	ioctlTimestampEvent  = ioctl.IOWR(iocType, 0x33, unsafe.Sizeof(timestampEvent{}))
	ioctlGPUObjAlloc     = ioctl.IOWR(iocType, 0x45, unsafe.Sizeof(gpuobjAlloc{}))
	ioctlGPUObjFree      = ioctl.IOW(iocType, 0x46, unsafe.Sizeof(gpuobjFree{}))
	ioctlGPUObjInfo      = ioctl.IOWR(iocType, 0x47, unsafe.Sizeof(gpuobjInfo{}))
	ioctlGPUObjImport    = ioctl.IOWR(iocType, 0x48, unsafe.Sizeof(gpuobjImport{}))
	ioctlGPUCommand      = ioctl.IOWR(iocType, 0x4a, unsafe.Sizeof(gpuCommand{}))
)
