package bo

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// BO is a reference-counted, GPU-visible buffer object. The registry slot it occupies is not an owning
// reference; the buffer object is destroyed when the last Unref drops the count to zero.
type BO struct {
	allocator *Allocator

	handle Handle
	gem    uint32
	size   uint64
	iova   uint64
	flags  AllocFlags
	name   string

	refCount     atomic.Int32
	implicitSync atomic.Bool
	imported     bool

	// guarded by the registry mutex
	listIndex int

	mapMutex sync.Mutex
	mapping  []byte
}

func (b *BO) Handle() Handle     { return b.handle }
func (b *BO) GEM() uint32        { return b.gem }
func (b *BO) Size() uint64       { return b.size }
func (b *BO) IOVA() uint64       { return b.iova }
func (b *BO) Flags() AllocFlags  { return b.flags }
func (b *BO) Name() string       { return b.name }
func (b *BO) References() int    { return int(b.refCount.Load()) }
func (b *BO) ImplicitSync() bool { return b.implicitSync.Load() }

// ListIndex returns the position of this buffer object in the flat submission list. It is only
// stable while the registry is locked.
func (b *BO) ListIndex() int { return b.listIndex }

// Ref adds a reference to the buffer object
func (b *BO) Ref() *BO {
	if b.refCount.Add(1) <= 1 {
		panic(fmt.Sprintf("attempting to reference buffer object %q after it was destroyed", b.name))
	}
	return b
}

// Unref drops a reference. When the last reference is dropped the buffer object is removed from the
// registry and its device address is released.
func (b *BO) Unref() error {
	return b.allocator.unref(b)
}

// Release drops a reference, logging instead of returning any error
func (b *BO) Release() {
	err := b.Unref()
	if err != nil {
		b.allocator.logger.Error("failed to release buffer object", slog.String("name", b.name), slog.Any("error", err))
	}
}

// Map maps the buffer object into host memory. Mapping an already-mapped buffer object does nothing.
func (b *BO) Map() (common.VkResult, error) {
	b.mapMutex.Lock()
	defer b.mapMutex.Unlock()

	if b.mapping != nil {
		return core1_0.VKSuccess, nil
	}

	mapping, res, err := b.allocator.kernel.MapBO(b.gem, b.size)
	if err != nil {
		return res, errors.Wrapf(err, "failed to map buffer object %q", b.name)
	}
	b.mapping = mapping
	return core1_0.VKSuccess, nil
}

func (b *BO) unmap() error {
	b.mapMutex.Lock()
	defer b.mapMutex.Unlock()

	if b.mapping == nil {
		return nil
	}

	err := b.allocator.kernel.UnmapBO(b.mapping)
	b.mapping = nil
	return err
}

// Mapping returns the host view of the buffer object, or nil if it has not been mapped
func (b *BO) Mapping() []byte {
	b.mapMutex.Lock()
	defer b.mapMutex.Unlock()

	return b.mapping
}

// Words returns the host view of the buffer object as 32-bit words. The buffer object must be mapped.
func (b *BO) Words() []uint32 {
	mapping := b.Mapping()
	if len(mapping) < 4 {
		panic(fmt.Sprintf("attempting to write words into buffer object %q, which is not mapped", b.name))
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&mapping[0])), len(mapping)/4)
}

func (b *BO) printParameters(json *jwriter.ObjectState) {
	json.Name("IOVA").String(hex(b.iova))
	json.Name("Size").Float64(float64(b.size))
	json.Name("Flags").String(b.flags.String())
	json.Name("References").Int(b.References())

	if b.name != "" {
		json.Name("Name").String(b.name)
	}
}

func hex(value uint64) string {
	return fmt.Sprintf("0x%x", value)
}
