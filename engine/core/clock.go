package core

import "time"

// Clock measures the wall time between Start and the last Update.
type Clock struct {
	start   time.Time
	elapsed time.Duration
	now     func() time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Updates the provided clock. Should be called just before checking elapsed time.
// Has no effect on non-started clocks.
func (c *Clock) Update() {
	if !c.start.IsZero() {
		c.elapsed = c.now().Sub(c.start)
	}
}

// Starts the provided clock. Resets elapsed time.
func (c *Clock) Start() {
	c.start = c.now()
	c.elapsed = 0
}

// Stops the provided clock. Does not reset elapsed time.
func (c *Clock) Stop() {
	c.start = time.Time{}
}

func (c *Clock) Elapsed() time.Duration {
	return c.elapsed
}
