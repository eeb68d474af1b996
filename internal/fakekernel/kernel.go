package fakekernel

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/quiver/bo"
	"golang.org/x/sys/unix"
)

type fakeBO struct {
	size uint64
	iova uint64
	data []byte
}

// Kernel is an in-memory kernel backend. It tracks buffer objects and their device addresses the way
// a real kernel would, and records every call tests may want to assert on.
type Kernel struct {
	*Timelines

	mutex      sync.Mutex
	userIOVA   bool
	nextGEM    uint32
	nextIOVA   uint64
	bos        map[uint32]*fakeBO
	exported   map[int]uint32
	closed     []uint32
	setIOVAs   []uint64
	clearCount int

	// CreateError fails the next CreateBO call
	CreateError error
}

// New creates a fake kernel. With userIOVA set, callers pick device addresses with SetIOVA.
// Otherwise addresses are assigned at creation starting from 0x100000.
func New(userIOVA bool) *Kernel {
	return &Kernel{
		Timelines: NewTimelines(),
		userIOVA:  userIOVA,
		nextGEM:   1,
		nextIOVA:  0x100000,
		bos:       make(map[uint32]*fakeBO),
		exported:  make(map[int]uint32),
	}
}

func (k *Kernel) CreateBO(size uint64, flags bo.AllocFlags) (uint32, common.VkResult, error) {
	k.mutex.Lock()
	defer k.mutex.Unlock()

	if k.CreateError != nil {
		err := k.CreateError
		k.CreateError = nil
		return 0, core1_0.VKErrorOutOfDeviceMemory, err
	}

	return k.createLocked(size), core1_0.VKSuccess, nil
}

func (k *Kernel) createLocked(size uint64) uint32 {
	gem := k.nextGEM
	k.nextGEM++

	fake := &fakeBO{size: size}
	if !k.userIOVA {
		fake.iova = k.nextIOVA
		k.nextIOVA += (size + 0xfff) &^ 0xfff
	}
	k.bos[gem] = fake
	return gem
}

func (k *Kernel) lookupLocked(gem uint32) (*fakeBO, error) {
	fake, ok := k.bos[gem]
	if !ok {
		return nil, errors.Newf("unknown kernel handle %d", gem)
	}
	return fake, nil
}

func (k *Kernel) ImportBO(fd int) (uint32, uint64, common.VkResult, error) {
	k.mutex.Lock()
	defer k.mutex.Unlock()

	gem, ok := k.exported[fd]
	if !ok {
		return 0, 0, core1_0.VKErrorInitializationFailed, errors.Newf("descriptor %d was not exported by this kernel", fd)
	}
	fake, err := k.lookupLocked(gem)
	if err != nil {
		return 0, 0, core1_0.VKErrorInitializationFailed, err
	}
	return gem, fake.size, core1_0.VKSuccess, nil
}

func (k *Kernel) ExportBO(gem uint32) (int, common.VkResult, error) {
	k.mutex.Lock()
	defer k.mutex.Unlock()

	if _, err := k.lookupLocked(gem); err != nil {
		return -1, core1_0.VKErrorTooManyObjects, err
	}

	read, write, err := newPipe()
	if err != nil {
		return -1, core1_0.VKErrorTooManyObjects, err
	}
	_ = unix.Close(write)

	k.exported[read] = gem
	return read, core1_0.VKSuccess, nil
}

func (k *Kernel) CloseBO(gem uint32) {
	k.mutex.Lock()
	defer k.mutex.Unlock()

	delete(k.bos, gem)
	k.closed = append(k.closed, gem)
}

func (k *Kernel) MapBO(gem uint32, size uint64) ([]byte, common.VkResult, error) {
	k.mutex.Lock()
	defer k.mutex.Unlock()

	fake, err := k.lookupLocked(gem)
	if err != nil {
		return nil, core1_0.VKErrorMemoryMapFailed, err
	}
	if fake.data == nil {
		fake.data = make([]byte, fake.size)
	}
	return fake.data[:size], core1_0.VKSuccess, nil
}

func (k *Kernel) UnmapBO(mapping []byte) error {
	return nil
}

func (k *Kernel) QueryIOVA(gem uint32) (uint64, common.VkResult, error) {
	k.mutex.Lock()
	defer k.mutex.Unlock()

	fake, err := k.lookupLocked(gem)
	if err != nil {
		return 0, core1_0.VKErrorUnknown, err
	}
	return fake.iova, core1_0.VKSuccess, nil
}

func (k *Kernel) SetIOVA(gem uint32, iova uint64) (common.VkResult, error) {
	k.mutex.Lock()
	defer k.mutex.Unlock()

	fake, err := k.lookupLocked(gem)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	for other, existing := range k.bos {
		if other == gem || existing.iova == 0 {
			continue
		}
		if iova < existing.iova+existing.size && existing.iova < iova+fake.size {
			return bo.ResultAddressUnavailable, errors.Wrapf(bo.ErrAddressUnavailable,
				"address 0x%x overlaps kernel handle %d at 0x%x", iova, other, existing.iova)
		}
	}

	fake.iova = iova
	k.setIOVAs = append(k.setIOVAs, iova)
	return core1_0.VKSuccess, nil
}

func (k *Kernel) ClearIOVA(gem uint32) (common.VkResult, error) {
	k.mutex.Lock()
	defer k.mutex.Unlock()

	fake, err := k.lookupLocked(gem)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}
	fake.iova = 0
	k.clearCount++
	return core1_0.VKSuccess, nil
}

// LiveBOs returns the number of kernel handles that have not been closed
func (k *Kernel) LiveBOs() int {
	k.mutex.Lock()
	defer k.mutex.Unlock()

	return len(k.bos)
}

// Closed returns every kernel handle closed so far, in order
func (k *Kernel) Closed() []uint32 {
	k.mutex.Lock()
	defer k.mutex.Unlock()

	return append([]uint32(nil), k.closed...)
}

// SetIOVAs returns every address assigned with SetIOVA, in order
func (k *Kernel) SetIOVAs() []uint64 {
	k.mutex.Lock()
	defer k.mutex.Unlock()

	return append([]uint64(nil), k.setIOVAs...)
}

// ClearCount returns the number of ClearIOVA calls
func (k *Kernel) ClearCount() int {
	k.mutex.Lock()
	defer k.mutex.Unlock()

	return k.clearCount
}

// Contents returns the backing memory of a buffer object, or nil if it was never mapped
func (k *Kernel) Contents(gem uint32) []byte {
	k.mutex.Lock()
	defer k.mutex.Unlock()

	fake, ok := k.bos[gem]
	if !ok {
		return nil
	}
	return fake.data
}

// Close releases every descriptor the fake kernel still holds
func (k *Kernel) Close() error {
	k.mutex.Lock()
	for fd := range k.exported {
		_ = unix.Close(fd)
	}
	k.exported = make(map[int]uint32)
	k.mutex.Unlock()

	k.Timelines.Close()
	return nil
}
