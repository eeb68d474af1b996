package bo

import (
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/quiver/fence"
)

// ResultAddressUnavailable is returned when an exact address was requested and is still in use
const ResultAddressUnavailable common.VkResult = -1000257000

// ErrAddressUnavailable accompanies ResultAddressUnavailable
var ErrAddressUnavailable = pkgerrors.New("requested device address is unavailable")

// Kernel is the set of buffer object calls a kernel backend provides
type Kernel interface {
	// CreateBO creates a buffer object of the given size and returns its kernel handle
	CreateBO(size uint64, flags AllocFlags) (uint32, common.VkResult, error)
	// ImportBO returns the kernel handle and size of a buffer object shared through a descriptor.
	// Importing the same object twice returns the same handle.
	ImportBO(fd int) (uint32, uint64, common.VkResult, error)
	ExportBO(handle uint32) (int, common.VkResult, error)
	CloseBO(handle uint32)

	MapBO(handle uint32, size uint64) ([]byte, common.VkResult, error)
	UnmapBO(mapping []byte) error

	// QueryIOVA returns the device address the kernel assigned to a buffer object
	QueryIOVA(handle uint32) (uint64, common.VkResult, error)
	// SetIOVA places a buffer object at a device address chosen by the caller
	SetIOVA(handle uint32, iova uint64) (common.VkResult, error)
	// ClearIOVA removes a buffer object's device address mapping
	ClearIOVA(handle uint32) (common.VkResult, error)
}

// FenceSource reports how far submission has progressed so released addresses can be reclaimed
// only after the device is done with them
type FenceSource interface {
	// LastSubmitted returns the most recent timeline point of every queue that has had work
	// submitted
	LastSubmitted() []fence.Timeline
	WaitTimestamp(queue fence.QueueID, value uint32, timeout time.Duration) (common.VkResult, error)
}
