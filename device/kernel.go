package device

import (
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/quiver/bo"
	"github.com/vkngwrapper/quiver/fence"
)

// Info describes the kernel backend a device runs on
type Info struct {
	Backend string
	GPUID   uint32
	ChipID  uint64

	// UserspaceIOVA is set when the kernel lets userspace pick device addresses in [VAStart,
	// VAStart+VASize)
	UserspaceIOVA bool
	VAStart       uint64
	VASize        uint64
}

// SubmitBOFlags describe how a submission uses a buffer object
type SubmitBOFlags uint32

const (
	SubmitBORead SubmitBOFlags = 1 << iota
	SubmitBOWrite
	SubmitBODump
)

// SubmitBO is one member of the flat buffer object list handed to the kernel
type SubmitBO struct {
	GEM   uint32
	IOVA  uint64
	Size  uint64
	Flags SubmitBOFlags
}

// SubmitCmd is a span of command words the device executes. BOIndex is the position of the buffer
// object holding the span in SubmitRequest.BOs. Offset and Size are in bytes.
type SubmitCmd struct {
	BOIndex uint32
	IOVA    uint64
	Offset  uint32
	Size    uint32
}

// SubmitRequest is a fully resolved submission
type SubmitRequest struct {
	Queue fence.QueueID
	Cmds  []SubmitCmd
	BOs   []SubmitBO

	// Waits holds Timeline primitives of other queues and FileHandle primitives. The descriptors
	// remain owned by the caller.
	Waits []fence.Primitive

	// WantOutFD asks the kernel for a sync file descriptor that signals when the submission completes
	WantOutFD bool
	// NoImplicitSync lets the kernel skip ordering against other users of shared buffer objects
	NoImplicitSync bool
}

// SubmitResult is what the kernel reports for an accepted submission
type SubmitResult struct {
	// Fence is the queue timeline value that is reached when the submission completes
	Fence uint32
	// OutFD is -1 unless WantOutFD was set
	OutFD int
}

//go:generate mockgen -source kernel.go -destination mocks/kernel.go -package mocks

// Kernel is a kernel or transport backend
type Kernel interface {
	bo.Kernel
	fence.Backend

	Info() Info

	CreateQueue(priority int) (fence.QueueID, common.VkResult, error)
	DestroyQueue(queue fence.QueueID) error

	// Submit dispatches a request. A core1_0.VKErrorDeviceLost result means the device cannot accept
	// any further work.
	Submit(request *SubmitRequest) (SubmitResult, common.VkResult, error)

	// DeviceStatus returns core1_0.VKErrorDeviceLost if the device has faulted
	DeviceStatus() (common.VkResult, error)

	Close() error
}
