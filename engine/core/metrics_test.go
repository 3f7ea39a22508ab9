package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricsAveragesOverWindow(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < int(AVG_COUNT); i++ {
		m.Update(10 * time.Millisecond)
	}
	assert.InDelta(t, 10.0, m.FrameTime(), 1e-9)
	assert.Zero(t, m.FPS())

	for i := 0; i < 100; i++ {
		m.Update(10 * time.Millisecond)
	}
	fps, ms := m.Frame()
	assert.InDelta(t, 100.0, fps, 1.0)
	assert.InDelta(t, 10.0, ms, 1e-9)
}

func TestClockElapsed(t *testing.T) {
	base := time.Unix(100, 0)
	now := base
	c := &Clock{now: func() time.Time { return now }}

	c.Update()
	assert.Zero(t, c.Elapsed())

	c.Start()
	now = base.Add(16 * time.Millisecond)
	c.Update()
	assert.Equal(t, 16*time.Millisecond, c.Elapsed())

	c.Stop()
	now = base.Add(time.Second)
	c.Update()
	assert.Equal(t, 16*time.Millisecond, c.Elapsed())
}
