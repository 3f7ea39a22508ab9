package containers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingQueueWrapsAround(t *testing.T) {
	rq := NewRingQueue[int](2)

	_, err := rq.Peek()
	require.ErrorIs(t, err, ErrQueueEmpty)

	require.NoError(t, rq.Enqueue(1))
	require.NoError(t, rq.Enqueue(2))
	require.ErrorIs(t, rq.Enqueue(3), ErrQueueFull)
	assert.True(t, rq.IsFull())

	v, err := rq.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	require.NoError(t, rq.Enqueue(3))
	front, err := rq.Peek()
	require.NoError(t, err)
	assert.Equal(t, 2, front)
	assert.Equal(t, 2, rq.Len())

	for _, want := range []int{2, 3} {
		v, err := rq.Dequeue()
		require.NoError(t, err)
		assert.Equal(t, want, v)
	}
	assert.True(t, rq.IsEmpty())
	_, err = rq.Dequeue()
	assert.ErrorIs(t, err, ErrQueueEmpty)
}
