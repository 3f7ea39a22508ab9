package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventBusStopsAtFirstHandler(t *testing.T) {
	bus := NewEventBus()
	var calls []string

	first, second := "first", "second"
	assert.True(t, bus.Register(EVENT_CODE_RESIZED, first, func(code SystemEventCode, sender interface{}, data EventContext) bool {
		calls = append(calls, first)
		return data.U32[0] == 0
	}))
	assert.True(t, bus.Register(EVENT_CODE_RESIZED, second, func(code SystemEventCode, sender interface{}, data EventContext) bool {
		calls = append(calls, second)
		return true
	}))
	assert.False(t, bus.Register(EVENT_CODE_RESIZED, first, func(SystemEventCode, interface{}, EventContext) bool { return true }))

	assert.True(t, bus.Fire(EVENT_CODE_RESIZED, nil, EventContext{U32: [4]uint32{800, 600}}))
	assert.Equal(t, []string{first, second}, calls)

	calls = nil
	assert.True(t, bus.Fire(EVENT_CODE_RESIZED, nil, EventContext{}))
	assert.Equal(t, []string{first}, calls)

	assert.True(t, bus.Unregister(EVENT_CODE_RESIZED, first))
	assert.False(t, bus.Unregister(EVENT_CODE_RESIZED, first))
	assert.False(t, bus.Fire(EVENT_CODE_SCENE_LOADED, nil, EventContext{}))
}
