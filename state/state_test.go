package state_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gsus/state"
)

func TestNewCopiesSeed(t *testing.T) {
	seed := []string{"file-a", "file-b"}
	st := state.New("0.1", seed...)
	seed[0] = "mutated"

	assert.Equal(t, []string{"file-a", "file-b"}, st.ListItems())
	assert.Equal(t, "0.1", st.Version())
	assert.Equal(t, 2, st.Len())
}

func TestEmptyState(t *testing.T) {
	st := state.New("0.1")
	items := st.ListItems()
	require.NotNil(t, items)
	assert.Empty(t, items)
}

func TestAddItem(t *testing.T) {
	st := state.New("0.1", "file-a", "file-b")

	assert.True(t, st.AddItem("file-c"))
	assert.Equal(t, []string{"file-a", "file-b", "file-c"}, st.ListItems())

	assert.True(t, st.AddItem("file-a"), "duplicates are accepted")
	assert.Equal(t, []string{"file-a", "file-b", "file-c", "file-a"}, st.ListItems())
}

func TestAddEmptyItemIsRejected(t *testing.T) {
	st := state.New("0.1", "file-a")

	assert.False(t, st.AddItem(""))
	assert.Equal(t, []string{"file-a"}, st.ListItems())
}

func TestListItemsReturnsSnapshot(t *testing.T) {
	st := state.New("0.1", "file-a")

	snap := st.ListItems()
	snap[0] = "changed"
	st.AddItem("file-b")

	assert.Equal(t, []string{"changed"}, snap)
	assert.Equal(t, []string{"file-a", "file-b"}, st.ListItems())
}

func TestConcurrentReadersSeeWholeAppends(t *testing.T) {
	st := state.New("0.1")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			st.AddItem("x")
		}
	}()

	prev := 0
	for i := 0; i < 500; i++ {
		n := len(st.ListItems())
		require.GreaterOrEqual(t, n, prev)
		prev = n
	}
	wg.Wait()
	assert.Equal(t, 500, st.Len())
}
