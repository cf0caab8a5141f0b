package sink

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSilentBufferMarksInsteadOfErroring(t *testing.T) {
	b := NewSilentBuffer(8)

	require.NoError(t, b.Handoff([]byte("abcd")))
	require.NoError(t, b.Handoff([]byte("efgh")))
	assert.False(t, b.Overflow())
	assert.Equal(t, 8, b.Len())

	// Full: the next record is refused whole, data untouched.
	require.NoError(t, b.Handoff([]byte("x")))
	assert.True(t, b.Overflow())
	assert.Equal(t, []byte("abcdefgh"), b.Bytes())

	b.Resize(16)
	assert.False(t, b.Overflow())
	assert.Equal(t, []byte("abcdefgh"), b.Bytes())
	require.NoError(t, b.Handoff([]byte("x")))
	assert.Equal(t, 9, b.Len())
}

func TestSilentBufferMarkerRewind(t *testing.T) {
	b := NewSilentBuffer(16)

	require.NoError(t, b.Handoff([]byte("rec1")))
	b.SetMarker()
	require.NoError(t, b.Handoff([]byte("par")))
	assert.Equal(t, 4, b.Marker())

	b.Rewind()
	assert.Equal(t, []byte("rec1"), b.Bytes())

	b.Reset()
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 0, b.Marker())
}

func TestSilentBufferShrinkKeepsData(t *testing.T) {
	b := NewSilentBuffer(16)
	require.NoError(t, b.Handoff([]byte("abcdefgh")))

	b.Resize(4)
	assert.Equal(t, []byte("abcdefgh"), b.Bytes())
	assert.Equal(t, 8, b.Capacity())
}

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriterSink(&buf)

	require.NoError(t, s.Handoff([]byte("one")))
	require.NoError(t, s.Handoff([]byte("two")))
	require.NoError(t, s.Flush())
	assert.False(t, s.Overflow())
	assert.Equal(t, "onetwo", buf.String())
}

func TestDoubleBufferDeliversEverything(t *testing.T) {
	var mu sync.Mutex
	var got []byte
	b := NewDoubleBuffer(16, func(batch []byte) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, batch...)
		return nil
	})

	var want []byte
	for i := 0; i < 100; i++ {
		rec := bytes.Repeat([]byte{byte(i)}, 1+i%7)
		want = append(want, rec...)
		require.NoError(t, b.Handoff(rec))
	}
	require.NoError(t, b.Close())
	assert.Equal(t, want, got)
}

func TestDoubleBufferOversizedRecord(t *testing.T) {
	var got []byte
	b := NewDoubleBuffer(4, func(batch []byte) error {
		got = append(got, batch...)
		return nil
	})

	require.NoError(t, b.Handoff([]byte("ab")))
	require.NoError(t, b.Handoff([]byte("longer than an arena")))
	require.NoError(t, b.Handoff([]byte("cd")))
	require.NoError(t, b.Close())
	assert.Equal(t, []byte("ablonger than an arenacd"), got)
}

func TestDoubleBufferDrainErrorSticks(t *testing.T) {
	boom := errors.New("boom")
	b := NewDoubleBuffer(4, func([]byte) error { return boom })

	require.NoError(t, b.Handoff([]byte("abcd")))
	// The error surfaces on the flip or flush that observes it.
	err := b.Handoff([]byte("efgh"))
	if err == nil {
		err = b.Flush()
	}
	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, b.Flush(), boom)
	_ = b.Close()
}

func TestDoubleBufferClosed(t *testing.T) {
	b := NewDoubleBuffer(4, func([]byte) error { return nil })
	require.NoError(t, b.Close())
	require.ErrorIs(t, b.Handoff([]byte("x")), ErrClosed)
	require.ErrorIs(t, b.Flush(), ErrClosed)
}
