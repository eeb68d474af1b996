package msm

import (
	"unsafe"

	"github.com/vkngwrapper/quiver/kernel/internal/ioctl"
)

const (
	pipe3D0 = 0x10

	paramGPUID   = 0x01
	paramChipID  = 0x03
	paramFaults  = 0x09
	paramVAStart = 0x0e
	paramVASize  = 0x0f

	boGPUReadOnly = 0x00000002
	boWC          = 0x00020000

	infoGetOffset = 0x00
	infoGetIOVA   = 0x01
	infoSetIOVA   = 0x05

	submitCmdBuf = 0x0001

	submitBORead  = 0x0001
	submitBOWrite = 0x0002
	submitBODump  = 0x0004

	submitNoImplicit = 0x80000000
	submitFenceFDIn  = 0x40000000
	submitFenceFDOut = 0x20000000
)

type param struct {
	pipe  uint32
	param uint32
	value uint64
	len   uint32
	pad   uint32
}

type gemNew struct {
	size   uint64
	flags  uint32
	handle uint32
}

type gemInfo struct {
	handle uint32
	info   uint32
	value  uint64
	len    uint32
	pad    uint32
}

type submitCmd struct {
	cmdType      uint32
	submitIdx    uint32
	submitOffset uint32
	size         uint32
	pad          uint32
	nrRelocs     uint32
	relocs       uint64
}

type submitBO struct {
	flags    uint32
	handle   uint32
	presumed uint64
}

type gemSubmit struct {
	flags         uint32
	fence         uint32
	nrBOs         uint32
	nrCmds        uint32
	bos           uint64
	cmds          uint64
	fenceFD       int32
	queueID       uint32
	inSyncobjs    uint64
	outSyncobjs   uint64
	nrInSyncobjs  uint32
	nrOutSyncobjs uint32
	syncobjStride uint32
	pad           uint32
}

type timespec struct {
	sec  int64
	nsec int64
}

type waitFence struct {
	fence   uint32
	flags   uint32
	timeout timespec
	queueID uint32
}

type submitqueue struct {
	flags uint32
	prio  uint32
	id    uint32
}

var (
	ioctlGetParam         = ioctl.DRMCommandIOWR(0x00, unsafe.Sizeof(param{}))
	ioctlGEMNew           = ioctl.DRMCommandIOWR(0x02, unsafe.Sizeof(gemNew{}))
	ioctlGEMInfo          = ioctl.DRMCommandIOWR(0x03, unsafe.Sizeof(gemInfo{}))
	ioctlGEMSubmit        = ioctl.DRMCommandIOWR(0x06, unsafe.Sizeof(gemSubmit{}))
	ioctlWaitFence        = ioctl.DRMCommandIOW(0x07, unsafe.Sizeof(waitFence{}))
	ioctlSubmitqueueNew   = ioctl.DRMCommandIOWR(0x0a, unsafe.Sizeof(submitqueue{}))
	ioctlSubmitqueueClose = ioctl.DRMCommandIOW(0x0b, unsafe.Sizeof(uint32(0)))
)
