package fence

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// Syncobj is a host-visible synchronization object whose state is a Primitive. It moves to Unsignaled
// on Reset, to a Timeline or FileHandle when work is submitted against it, and to Signaled once that
// work is observed complete. A FileHandle state owns its descriptor.
type Syncobj struct {
	mutex sync.Mutex
	state Primitive
}

// NewSyncobj creates a sync object in either the Signaled or Unsignaled state
func NewSyncobj(signaled bool) *Syncobj {
	if signaled {
		return &Syncobj{state: Signaled{}}
	}
	return &Syncobj{state: Unsignaled{}}
}

// State returns the current state. A FileHandle state's descriptor stays owned by the sync object.
func (s *Syncobj) State() Primitive {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.state
}

func (s *Syncobj) replace(p Primitive) {
	if fd, ok := s.state.(FileHandle); ok {
		closeFD(fd.FD)
	}
	s.state = p
}

// Reset returns the sync object to Unsignaled
func (s *Syncobj) Reset() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.replace(Unsignaled{})
}

// Signal marks the sync object complete from the host
func (s *Syncobj) Signal() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.replace(Signaled{})
}

// Submitted records the primitive that work submitted against this sync object will complete. Only
// Timeline and FileHandle primitives are accepted, and a FileHandle's descriptor becomes owned by
// the sync object.
func (s *Syncobj) Submitted(p Primitive) {
	switch p.(type) {
	case Timeline, FileHandle:
	default:
		panic("attempting to submit a sync object with a " + p.Kind().String() + " primitive")
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.replace(p)
}

// MarkSignaled moves the sync object to Signaled if it is still in the observed state. A sync
// object that was reset or resubmitted while the wait ran is left alone.
func (s *Syncobj) MarkSignaled(observed Primitive) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.state == observed {
		s.replace(Signaled{})
	}
}

// Import takes ownership of a sync file descriptor. A descriptor of -1 stands for work that has
// already completed.
func (s *Syncobj) Import(fd int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if fd < 0 {
		s.replace(Signaled{})
		return
	}
	s.replace(FileHandle{FD: fd})
}

// Export returns a new sync file descriptor for the current state, owned by the caller. A Signaled
// sync object exports -1. An Unsignaled sync object cannot be exported.
func (s *Syncobj) Export(backend Backend) (int, common.VkResult, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	switch p := s.state.(type) {
	case Signaled:
		return -1, core1_0.VKSuccess, nil
	case Timeline:
		return backend.TimestampToFD(p.Queue, p.Value)
	case FileHandle:
		return dupFD(p.FD)
	}

	return -1, core1_0.VKErrorUnknown, errors.New("attempted to export a sync object that was never submitted")
}

// dupHandle returns a private copy of observed's descriptor, or -1 if the sync object has moved on
// from it
func (s *Syncobj) dupHandle(observed FileHandle) (int, common.VkResult, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.state != Primitive(observed) {
		return -1, core1_0.VKSuccess, nil
	}
	return dupFD(observed.FD)
}

// Destroy releases any descriptor held by the sync object
func (s *Syncobj) Destroy() {
	s.Reset()
}
