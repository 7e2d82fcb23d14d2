package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyGrowsAndReads(t *testing.T) {
	b := New(4)
	ok := b.Copy([]byte("hello"))
	require.True(t, ok)

	data, length := b.Get()
	assert.Equal(t, 5, length)
	assert.Equal(t, "hello", string(data))
}

func TestCopyAtOffsetExtendsLength(t *testing.T) {
	b := New(0)
	require.True(t, b.Copy([]byte("AAAA")))
	require.True(t, b.CopyAt([]byte("BB"), 10))

	data, length := b.Get()
	assert.Equal(t, 12, length)
	assert.Equal(t, byte('A'), data[0])
	assert.Equal(t, byte('B'), data[10])
}

func TestClearRetainsCapacity(t *testing.T) {
	b := New(0)
	require.True(t, b.Copy([]byte("some data")))
	capBefore := b.Cap()

	b.Clear()
	_, length := b.Get()
	assert.Equal(t, 0, length)
	assert.Equal(t, capBefore, b.Cap())
}

func TestCopyOverwritesPreviousContent(t *testing.T) {
	b := New(0)
	require.True(t, b.Copy([]byte("first-longer-string")))
	require.True(t, b.Copy([]byte("second")))

	data, length := b.Get()
	assert.Equal(t, "second", string(data))
	assert.Equal(t, len("second"), length)
}

func TestNegativeOffsetRejected(t *testing.T) {
	b := New(0)
	assert.False(t, b.CopyAt([]byte("x"), -1))
}

// TestCopyAtOutOfOrderKeepsHighestWatermark matches out-of-order IP fragment
// ingest: the highest-offset fragment can land before one at a lower offset,
// and the earlier CopyAt must not pull the logical length back down below it.
func TestCopyAtOutOfOrderKeepsHighestWatermark(t *testing.T) {
	b := New(0)
	require.True(t, b.CopyAt([]byte("LAST"), 100))
	require.True(t, b.CopyAt([]byte("FIRST"), 0))

	data, length := b.Get()
	assert.Equal(t, 104, length)
	assert.Equal(t, "FIRST", string(data[0:5]))
	assert.Equal(t, "LAST", string(data[100:104]))
}
