package utils

import (
	"sync"
)

// RWLocker is the subset of sync.RWMutex the buffer object registry needs
type RWLocker interface {
	sync.Locker
	RLock()
	RUnlock()
}

type noLock struct{}

func (noLock) Lock()    {}
func (noLock) Unlock()  {}
func (noLock) RLock()   {}
func (noLock) RUnlock() {}

// NewLocker returns a mutex, or a lock that does nothing for objects the caller already
// synchronizes externally
func NewLocker(synchronized bool) sync.Locker {
	if !synchronized {
		return noLock{}
	}
	return &sync.Mutex{}
}

// NewRWLocker is NewLocker for read/write locks
func NewRWLocker(synchronized bool) RWLocker {
	if !synchronized {
		return noLock{}
	}
	return &sync.RWMutex{}
}
