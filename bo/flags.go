package bo

import "github.com/vkngwrapper/core/v2/common"

// AllocFlags describe how a buffer object is placed and used
type AllocFlags uint32

var allocFlagsMapping = common.NewFlagStringMapping[AllocFlags]()

func (f AllocFlags) Register(str string) {
	allocFlagsMapping.Register(f, str)
}

func (f AllocFlags) String() string {
	return allocFlagsMapping.FlagsToString(f)
}

const (
	// AllocReplayable buffer objects are placed at the high end of the address space, or at exactly
	// the requested address when one is provided, so that capture tools can reproduce them
	AllocReplayable AllocFlags = 1 << iota
	// AllocGPUReadOnly buffer objects are never written by the device
	AllocGPUReadOnly
	// AllocAllowDump buffer objects have their contents included in debug captures
	AllocAllowDump
	// AllocImplicitSync buffer objects are shared outside this device and need the kernel to order
	// access to them across processes
	AllocImplicitSync
	// AllocMapped buffer objects are mapped into host memory at creation
	AllocMapped
)

func init() {
	AllocReplayable.Register("AllocReplayable")
	AllocGPUReadOnly.Register("AllocGPUReadOnly")
	AllocAllowDump.Register("AllocAllowDump")
	AllocImplicitSync.Register("AllocImplicitSync")
	AllocMapped.Register("AllocMapped")
}

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var createFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	createFlagsMapping.Register(f, str)
}

func (f CreateFlags) String() string {
	return createFlagsMapping.FlagsToString(f)
}

const (
	// CreateExternallySynchronized ensures that this allocator and all buffer objects created from it
	// will not be synchronized internally. The consumer must guarantee they are used from only one
	// goroutine at a time.
	CreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	CreateExternallySynchronized.Register("CreateExternallySynchronized")
}
