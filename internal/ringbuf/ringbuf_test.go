package ringbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func mkEntry(msg string) Entry {
	return Entry{Level: LevelInfo, Stream: StreamStdout, Message: []byte(msg)}
}

func TestPushAndReadOrdering(t *testing.T) {
	b := New(3)
	b.Push(mkEntry("a"))
	b.Push(mkEntry("b"))
	b.Push(mkEntry("c"))

	got := b.ReadLast(10)
	assert.Len(t, got, 3)
	assert.Equal(t, "a", string(got[0].Message))
	assert.Equal(t, "b", string(got[1].Message))
	assert.Equal(t, "c", string(got[2].Message))
}

func TestOverflowEvictsOldest(t *testing.T) {
	b := New(2)
	b.Push(mkEntry("a"))
	b.Push(mkEntry("b"))
	b.Push(mkEntry("c")) // evicts "a"

	got := b.ReadLast(10)
	assert.Len(t, got, 2)
	assert.Equal(t, "b", string(got[0].Message))
	assert.Equal(t, "c", string(got[1].Message))
	assert.Equal(t, 2, b.Len())
	assert.Equal(t, 2, b.Cap())
}

func TestReadLastClampsToAvailable(t *testing.T) {
	b := New(5)
	b.Push(mkEntry("a"))
	got := b.ReadLast(100)
	assert.Len(t, got, 1)
}

func TestReadLastEmpty(t *testing.T) {
	b := New(5)
	assert.Nil(t, b.ReadLast(10))
}

func TestPushCopiesMessageBytes(t *testing.T) {
	b := New(1)
	msg := []byte("mutate-me")
	b.Push(Entry{Message: msg})
	msg[0] = 'X'

	got := b.ReadLast(1)
	assert.Equal(t, "mutate-me", string(got[0].Message))
}

func TestCapacityAtOrBeyondOverflowBoundary(t *testing.T) {
	const cap = 4
	b := New(cap)
	for i := 0; i < cap+1; i++ {
		b.Push(mkEntry(string(rune('a' + i))))
	}
	assert.Equal(t, cap, b.Len())
	got := b.ReadLast(cap)
	assert.Equal(t, "b", string(got[0].Message))
	assert.Equal(t, "e", string(got[cap-1].Message))
}
