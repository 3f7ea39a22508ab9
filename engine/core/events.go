package core

import "sync"

type EventContext struct {
	U32 [4]uint32
	U64 [2]uint64
	Str string
}

type SystemEventCode int

const (
	// Shuts the application down on the next frame.
	EVENT_CODE_APPLICATION_QUIT SystemEventCode = 0x01

	// Resized/resolution changed.
	/* Context usage:
	 * width = data.U32[0]
	 * height = data.U32[1]
	 */
	EVENT_CODE_RESIZED SystemEventCode = 0x02

	// The scene manifest changed on disk.
	/* Context usage:
	 * path = data.Str
	 */
	EVENT_CODE_SCENE_CHANGED SystemEventCode = 0x03

	// A background scene load finished and was picked up by the render thread.
	/* Context usage:
	 * instance count = data.U32[0]
	 */
	EVENT_CODE_SCENE_LOADED SystemEventCode = 0x04

	MAX_EVENT_CODE SystemEventCode = 0xFF
)

// Should return true if handled.
type FnOnEvent func(code SystemEventCode, sender interface{}, data EventContext) bool

type registeredEvent struct {
	listener interface{}
	callback FnOnEvent
}

// EventBus dispatches events synchronously to registered listeners.
// Registration and firing may happen from different goroutines.
type EventBus struct {
	mu         sync.RWMutex
	registered map[SystemEventCode][]registeredEvent
}

func NewEventBus() *EventBus {
	return &EventBus{
		registered: make(map[SystemEventCode][]registeredEvent),
	}
}

// Register to listen for when events are sent with the provided code. A listener
// may register only once per code; a duplicate registration returns false.
func (eb *EventBus) Register(code SystemEventCode, listener interface{}, onEvent FnOnEvent) bool {
	if code <= 0 || code >= MAX_EVENT_CODE || onEvent == nil {
		return false
	}
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for _, e := range eb.registered[code] {
		if e.listener == listener {
			return false
		}
	}
	eb.registered[code] = append(eb.registered[code], registeredEvent{
		listener: listener,
		callback: onEvent,
	})
	return true
}

// Unregister removes the listener for code. Returns false if it was not registered.
func (eb *EventBus) Unregister(code SystemEventCode, listener interface{}) bool {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	events := eb.registered[code]
	for i, e := range events {
		if e.listener == listener {
			eb.registered[code] = append(events[:i:i], events[i+1:]...)
			return true
		}
	}
	return false
}

// Fire sends an event to listeners of the given code in registration order. If a
// handler returns true, the event is considered handled and is not passed on.
func (eb *EventBus) Fire(code SystemEventCode, sender interface{}, data EventContext) bool {
	eb.mu.RLock()
	events := append([]registeredEvent(nil), eb.registered[code]...)
	eb.mu.RUnlock()

	for _, e := range events {
		if e.callback(code, sender, data) {
			return true
		}
	}
	return false
}

// Shutdown drops every registration.
func (eb *EventBus) Shutdown() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.registered = make(map[SystemEventCode][]registeredEvent)
}
