package virtio

// Capabilities describe the GPU behind the host
type Capabilities struct {
	GPUID  uint32
	ChipID uint64

	VAStart uint64
	VASize  uint64

	// Priorities is the number of queue priorities, each with its own fence ring
	Priorities uint32
}

// Transport moves encoded requests to the host. Implementations are not required to be safe for
// concurrent use; the Kernel serializes every call.
type Transport interface {
	Capabilities() Capabilities
	// Shared returns the memory the host writes sequence numbers, fault counts and responses into
	Shared() []byte

	// Execbuffer hands a batch of requests to the host. The payload is consumed before returning.
	// inFD is a sync file the host waits on before processing the batch, or -1. When wantOutFD is
	// set the returned descriptor signals once everything queued on ring has completed.
	Execbuffer(payload []byte, ring uint32, inFD int, wantOutFD bool) (int, error)

	// CreateBlob creates a host resource, processing cmd in the same call. It returns the guest
	// handle and the host resource id.
	CreateBlob(blobID uint32, size uint64, cmd []byte) (uint32, uint32, error)
	CloseGEM(handle uint32) error

	Map(handle uint32, size uint64) ([]byte, error)
	Unmap(mapping []byte) error

	Export(handle uint32) (int, error)
	// Import returns the guest handle, host resource id and size of a shared descriptor
	Import(fd int) (uint32, uint32, uint64, error)

	Close() error
}
