package collab

import (
	"sync"
	"time"
)

// makes a copy of the list on update so `Get` can be iterated without holding the lock
type CallbackList[T any] struct {
	mutex     sync.Mutex
	nextId    int
	callbacks []*callbackEntry[T]
}

type callbackEntry[T any] struct {
	callbackId int
	callback   T
}

// returns a function to remove the callback
func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextId
	self.nextId += 1

	nextCallbacks := make([]*callbackEntry[T], len(self.callbacks), len(self.callbacks)+1)
	copy(nextCallbacks, self.callbacks)
	nextCallbacks = append(nextCallbacks, &callbackEntry[T]{
		callbackId: callbackId,
		callback:   callback,
	})
	self.callbacks = nextCallbacks

	return func() {
		self.remove(callbackId)
	}
}

func (self *CallbackList[T]) remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	nextCallbacks := []*callbackEntry[T]{}
	for _, entry := range self.callbacks {
		if entry.callbackId != callbackId {
			nextCallbacks = append(nextCallbacks, entry)
		}
	}
	self.callbacks = nextCallbacks
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.callbacks))
	for _, entry := range self.callbacks {
		callbacks = append(callbacks, entry.callback)
	}
	return callbacks
}

// a one-way latch that can be waited on
type Event struct {
	mutex sync.Mutex
	set   bool
	c     chan struct{}
}

func NewEvent() *Event {
	return &Event{
		c: make(chan struct{}),
	}
}

func (self *Event) Set() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.set {
		return
	}
	self.set = true
	close(self.c)
}

func (self *Event) IsSet() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.set
}

func (self *Event) WaitForSet(timeout time.Duration) bool {
	select {
	case <-self.c:
		return true
	case <-time.After(timeout):
		return false
	}
}

// coordinates idle shutdown with late arrivals on the room message channel
type IdleCondition struct {
	mutex           sync.Mutex
	modId           int
	updateOpenCount int
	closed          bool
}

func NewIdleCondition() *IdleCondition {
	return &IdleCondition{}
}

func (self *IdleCondition) Checkpoint() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.modId
}

func (self *IdleCondition) Close(checkpointId int) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.modId != checkpointId {
		return false
	}
	if 0 < self.updateOpenCount {
		return false
	}
	self.closed = true
	return true
}

func (self *IdleCondition) UpdateOpen() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.closed {
		return false
	}
	self.modId += 1
	self.updateOpenCount += 1
	return true
}

func (self *IdleCondition) UpdateClose() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.updateOpenCount -= 1
}
