package core

import "time"

const AVG_COUNT uint8 = 30

// Metrics keeps a rolling average of frame times and a frames-per-second
// counter. It is owned by the render thread and is not safe for concurrent use.
type Metrics struct {
	frameAVGCounter    uint8
	msTimes            [AVG_COUNT]float64
	msAVG              float64
	frames             int32
	accumulatedFrameMS float64
	fps                float64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

// Update records the duration of one frame.
func (m *Metrics) Update(frameElapsed time.Duration) {
	// Calculate frame ms average
	frameMS := float64(frameElapsed) / float64(time.Millisecond)
	m.msTimes[m.frameAVGCounter] = frameMS
	if m.frameAVGCounter == AVG_COUNT-1 {
		m.msAVG = 0
		for i := uint8(0); i < AVG_COUNT; i++ {
			m.msAVG += m.msTimes[i]
		}
		m.msAVG /= float64(AVG_COUNT)
	}
	m.frameAVGCounter++
	m.frameAVGCounter %= AVG_COUNT

	// Calculate Frames per second.
	m.accumulatedFrameMS += frameMS
	if m.accumulatedFrameMS > 1000 {
		m.fps = float64(m.frames)
		m.accumulatedFrameMS -= 1000
		m.frames = 0
	}

	// Count all Frames.
	m.frames++
}

func (m *Metrics) FPS() float64 {
	return m.fps
}

func (m *Metrics) FrameTime() float64 {
	return m.msAVG
}

func (m *Metrics) Frame() (float64, float64) {
	return m.fps, m.msAVG
}
