package bo

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/quiver/internal/utils"
)

// Handle names a registry slot. A handle stays valid until the buffer object in the slot is removed,
// after which the slot's generation moves on and lookups with the old handle fail.
type Handle struct {
	index      uint32
	generation uint32
}

// IsValid returns false for the zero handle
func (h Handle) IsValid() bool { return h.generation != 0 }

type slot struct {
	bo         *BO
	generation uint32
}

// Registry tracks every live buffer object in two shapes: an arena addressed by Handle for lookups,
// and a flat list that is handed to the kernel at submission time. Removing a buffer object moves the
// last list member into its place.
type Registry struct {
	mutex utils.RWLocker

	slots    []slot
	freeList []uint32

	list  []*BO
	byGEM *swiss.Map[uint32, Handle]

	implicitSyncCount int
}

func NewRegistry(useMutex bool) *Registry {
	return &Registry{
		mutex: utils.NewRWLocker(useMutex),
		byGEM: swiss.NewMap[uint32, Handle](64),
	}
}

func (r *Registry) insertLocked(bo *BO) {
	var index uint32
	if len(r.freeList) > 0 {
		index = r.freeList[len(r.freeList)-1]
		r.freeList = r.freeList[:len(r.freeList)-1]
	} else {
		index = uint32(len(r.slots))
		r.slots = append(r.slots, slot{generation: 1})
	}

	r.slots[index].bo = bo
	bo.handle = Handle{index: index, generation: r.slots[index].generation}

	bo.listIndex = len(r.list)
	r.list = append(r.list, bo)
	r.byGEM.Put(bo.gem, bo.handle)

	if bo.ImplicitSync() {
		r.implicitSyncCount++
	}
}

func (r *Registry) removeLocked(bo *BO) {
	index := bo.listIndex
	last := len(r.list) - 1
	if index < 0 || index > last || r.list[index] != bo {
		panic("attempting to remove a buffer object that is not in the registry")
	}

	moved := r.list[last]
	r.list[index] = moved
	moved.listIndex = index
	r.list[last] = nil
	r.list = r.list[:last]
	bo.listIndex = -1

	s := &r.slots[bo.handle.index]
	s.bo = nil
	s.generation++
	if s.generation == 0 {
		s.generation = 1
	}
	r.freeList = append(r.freeList, bo.handle.index)

	r.byGEM.Delete(bo.gem)

	if bo.ImplicitSync() {
		r.implicitSyncCount--
	}
}

func (r *Registry) setImplicitSync(bo *BO) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if !bo.implicitSync.Swap(true) && bo.listIndex >= 0 {
		r.implicitSyncCount++
	}
}

func (r *Registry) lookupLocked(handle Handle) (*BO, bool) {
	if !handle.IsValid() || int(handle.index) >= len(r.slots) {
		return nil, false
	}

	s := r.slots[handle.index]
	if s.generation != handle.generation || s.bo == nil {
		return nil, false
	}
	return s.bo, true
}

// Lookup returns the live buffer object for a handle. Handles to removed buffer objects return false.
func (r *Registry) Lookup(handle Handle) (*BO, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return r.lookupLocked(handle)
}

// LookupGEM returns the live buffer object with the given kernel handle
func (r *Registry) LookupGEM(gem uint32) (*BO, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	handle, ok := r.byGEM.Get(gem)
	if !ok {
		return nil, false
	}
	return r.lookupLocked(handle)
}

// Count returns the number of live buffer objects
func (r *Registry) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return len(r.list)
}

// WithSubmitList calls build with the flat buffer object list while holding the registry lock, so no
// buffer object can be removed and no index can move until build returns. The list must not be
// retained or modified. implicitSync reports whether any live buffer object needs implicit sync.
func (r *Registry) WithSubmitList(build func(list []*BO, implicitSync bool) error) error {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return build(r.list, r.implicitSyncCount > 0)
}

// Visit calls visitor for every live buffer object under the registry lock
func (r *Registry) Visit(visitor func(bo *BO) error) error {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, bo := range r.list {
		err := visitor(bo)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) Validate() error {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if r.byGEM.Count() != len(r.list) {
		return errors.Newf("registry has %d kernel handles for %d buffer objects", r.byGEM.Count(), len(r.list))
	}

	live := 0
	for index, s := range r.slots {
		if s.generation == 0 {
			return errors.Newf("registry slot %d has generation 0", index)
		}
		if s.bo == nil {
			continue
		}
		live++

		if s.bo.handle != (Handle{index: uint32(index), generation: s.generation}) {
			return errors.Newf("registry slot %d holds buffer object %q with handle %+v", index, s.bo.name, s.bo.handle)
		}
	}

	if live != len(r.list) {
		return errors.Newf("registry has %d occupied slots but %d listed buffer objects", live, len(r.list))
	}
	if live+len(r.freeList) != len(r.slots) {
		return errors.Newf("registry has %d slots but %d live and %d free", len(r.slots), live, len(r.freeList))
	}

	implicitSync := 0
	for index, bo := range r.list {
		if bo.listIndex != index {
			return errors.Newf("buffer object %q is at list position %d but records %d", bo.name, index, bo.listIndex)
		}
		if found, ok := r.lookupLocked(bo.handle); !ok || found != bo {
			return errors.Newf("buffer object %q at list position %d is not in its registry slot", bo.name, index)
		}
		if handle, ok := r.byGEM.Get(bo.gem); !ok || handle != bo.handle {
			return errors.Newf("buffer object %q is not indexed by kernel handle %d", bo.name, bo.gem)
		}
		if bo.ImplicitSync() {
			implicitSync++
		}
	}

	if implicitSync != r.implicitSyncCount {
		return errors.Newf("registry counts %d implicit sync buffer objects but holds %d", r.implicitSyncCount, implicitSync)
	}

	return nil
}
