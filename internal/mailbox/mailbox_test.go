package mailbox

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutOverwritesPendingValue(t *testing.T) {
	m := New[int]()

	require.True(t, m.Put(1))
	require.True(t, m.Put(2))
	require.True(t, m.Put(3))

	v, ok := m.Take()
	require.True(t, ok)
	assert.Equal(t, 3, v)

	s := m.Stats()
	assert.Equal(t, uint64(3), s.Puts)
	assert.Equal(t, uint64(1), s.Takes)
	assert.Equal(t, uint64(2), s.Drops)
	assert.Equal(t, uint64(0), s.ConsecutiveDrops)
	assert.False(t, s.Pending)
}

func TestTakeBlocksUntilPut(t *testing.T) {
	m := New[string]()
	got := make(chan string, 1)

	go func() {
		v, _ := m.Take()
		got <- v
	}()

	select {
	case <-got:
		t.Fatal("Take returned before Put")
	case <-time.After(20 * time.Millisecond):
	}

	m.Put("frame")

	select {
	case v := <-got:
		assert.Equal(t, "frame", v)
	case <-time.After(time.Second):
		t.Fatal("Take did not wake up")
	}
}

func TestCloseReturnsPendingThenStops(t *testing.T) {
	m := New[int]()
	m.Put(7)
	m.Close()

	assert.False(t, m.Put(8), "put after close must be rejected")

	v, ok := m.Take()
	require.True(t, ok)
	assert.Equal(t, 7, v)

	_, ok = m.Take()
	assert.False(t, ok)
}

func TestCloseWakesBlockedTake(t *testing.T) {
	m := New[int]()
	done := make(chan bool, 1)

	go func() {
		_, ok := m.Take()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	m.Close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Close did not wake Take")
	}
}

func TestDiscardDropsPendingValue(t *testing.T) {
	m := New[int]()
	m.Put(1)

	assert.True(t, m.Discard())
	_, ok := m.Take()
	assert.False(t, ok)
	assert.Equal(t, uint64(1), m.Stats().Drops)

	assert.False(t, m.Discard())
}

// Reads never exceed writes and every value read was written, in order.
func TestConcurrentLatestWins(t *testing.T) {
	m := New[int]()
	const n = 5000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= n; i++ {
			m.Put(i)
		}
		m.Close()
	}()

	var read []int
	for {
		v, ok := m.Take()
		if !ok {
			break
		}
		read = append(read, v)
	}
	wg.Wait()

	require.NotEmpty(t, read)
	assert.LessOrEqual(t, len(read), n)
	assert.Equal(t, n, read[len(read)-1], "last value written is never lost on close")
	for i := 1; i < len(read); i++ {
		assert.Greater(t, read[i], read[i-1])
	}

	s := m.Stats()
	assert.Equal(t, uint64(n), s.Puts)
	assert.Equal(t, s.Puts, s.Takes+s.Drops)
}
