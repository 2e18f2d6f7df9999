package pipeline

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameMailbox_TakeEmpty(t *testing.T) {
	m := NewFrameMailbox()

	_, ok := m.Take()
	assert.False(t, ok)
}

func TestFrameMailbox_PutOverwrites(t *testing.T) {
	m := NewFrameMailbox()

	m.Put(Frame{Seq: 1})
	m.Put(Frame{Seq: 2})

	f, ok := m.Take()
	require.True(t, ok)
	assert.Equal(t, uint64(2), f.Seq)
	assert.Equal(t, uint64(1), m.Dropped())

	_, ok = m.Take()
	assert.False(t, ok, "take must consume the frame")
}

func TestFrameMailbox_PeekKeepsFrame(t *testing.T) {
	m := NewFrameMailbox()
	m.Put(Frame{Seq: 7})

	f, ok := m.Peek()
	require.True(t, ok)
	assert.Equal(t, uint64(7), f.Seq)

	f, ok = m.Take()
	require.True(t, ok)
	assert.Equal(t, uint64(7), f.Seq)
}

func TestFrameMailbox_ConcurrentPutTake(t *testing.T) {
	m := NewFrameMailbox()
	const n = 1000

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i <= n; i++ {
			m.Put(Frame{Seq: uint64(i)})
		}
	}()

	var last uint64
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			if f, ok := m.Take(); ok {
				// A take never goes back in time.
				assert.Greater(t, f.Seq, last)
				last = f.Seq
			}
		}
	}()
	wg.Wait()

	taken := last
	if f, ok := m.Take(); ok {
		taken = f.Seq
	}
	assert.LessOrEqual(t, taken, uint64(n))
}
