package utils

import (
	"sync"
)

// OptionalMutex is a mutex that can be switched off for objects owned by an externally
// synchronized device. The zero value is an unlocked, disabled mutex.
type OptionalMutex struct {
	mutex *sync.Mutex
}

// NewOptionalMutex returns a mutex that locks only if useMutex is true
func NewOptionalMutex(useMutex bool) OptionalMutex {
	if !useMutex {
		return OptionalMutex{}
	}
	return OptionalMutex{mutex: &sync.Mutex{}}
}

func (m OptionalMutex) Enabled() bool {
	return m.mutex != nil
}

func (m OptionalMutex) Lock() {
	if m.mutex != nil {
		m.mutex.Lock()
	}
}

func (m OptionalMutex) Unlock() {
	if m.mutex != nil {
		m.mutex.Unlock()
	}
}

func (m OptionalMutex) TryLock() bool {
	if m.mutex != nil {
		return m.mutex.TryLock()
	}
	return true
}

// OptionalRWMutex is the reader/writer counterpart of OptionalMutex
type OptionalRWMutex struct {
	mutex *sync.RWMutex
}

// NewOptionalRWMutex returns a reader/writer mutex that locks only if useMutex is true
func NewOptionalRWMutex(useMutex bool) OptionalRWMutex {
	if !useMutex {
		return OptionalRWMutex{}
	}
	return OptionalRWMutex{mutex: &sync.RWMutex{}}
}

func (m OptionalRWMutex) Lock() {
	if m.mutex != nil {
		m.mutex.Lock()
	}
}

func (m OptionalRWMutex) Unlock() {
	if m.mutex != nil {
		m.mutex.Unlock()
	}
}

func (m OptionalRWMutex) RLock() {
	if m.mutex != nil {
		m.mutex.RLock()
	}
}

func (m OptionalRWMutex) RUnlock() {
	if m.mutex != nil {
		m.mutex.RUnlock()
	}
}
