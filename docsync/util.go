package docsync

import (
	"sync"

	"github.com/golang/glog"
)

type Monitor struct {
	mutex  sync.Mutex
	update chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		update: make(chan struct{}),
	}
}

func (self *Monitor) NotifyChannel() <-chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.update
}

// closes the current update channel and creates a new one
func (self *Monitor) NotifyAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	close(self.update)
	self.update = make(chan struct{})
}

// makes a copy of the list on update.
// Callbacks are keyed by an opaque id so that func values can be removed.
type CallbackList[T any] struct {
	mutex       sync.Mutex
	nextId      int
	callbackIds []int
	callbacks   map[int]T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: map[int]T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.callbackIds))
	for _, callbackId := range self.callbackIds {
		callbacks = append(callbacks, self.callbacks[callbackId])
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextId
	self.nextId += 1
	self.callbackIds = append(self.callbackIds, callbackId)
	self.callbacks[callbackId] = callback
	return func() {
		self.remove(callbackId)
	}
}

func (self *CallbackList[T]) remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for i, existingId := range self.callbackIds {
		if existingId == callbackId {
			nextCallbackIds := make([]int, 0, len(self.callbackIds)-1)
			nextCallbackIds = append(nextCallbackIds, self.callbackIds[:i]...)
			nextCallbackIds = append(nextCallbackIds, self.callbackIds[i+1:]...)
			self.callbackIds = nextCallbackIds
			delete(self.callbacks, callbackId)
			return
		}
	}
}

// all callbacks are wrapped to recover from errors
func HandleError(do func(), handlers ...func(err error)) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("[recover]unexpected error = %s", r)
			if err, ok := r.(error); ok {
				for _, handler := range handlers {
					handler(err)
				}
			}
		}
	}()
	do()
}
