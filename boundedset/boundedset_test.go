package boundedset

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertAndContains(t *testing.T) {
	s := New[string](3)
	require.True(t, s.Insert("a"))
	require.True(t, s.Contains("a"))
	require.False(t, s.Contains("b"))
}

func TestDuplicateInsertIsNoop(t *testing.T) {
	s := New[string](3)
	require.True(t, s.Insert("a"))
	require.False(t, s.Insert("a"))
	require.Equal(t, 1, s.Len())
}

func TestOldestEvictedAtCapacity(t *testing.T) {
	s := New[int](3)
	s.Insert(1)
	s.Insert(2)
	s.Insert(3)
	require.Equal(t, 3, s.Len())

	s.Insert(4) // evicts 1
	require.False(t, s.Contains(1))
	require.True(t, s.Contains(2))
	require.True(t, s.Contains(3))
	require.True(t, s.Contains(4))
	require.Equal(t, 3, s.Len())
}

func TestRemove(t *testing.T) {
	s := New[int](3)
	s.Insert(1)
	s.Remove(1)
	require.False(t, s.Contains(1))
	require.Equal(t, 0, s.Len())
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	s := New[int](1024)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			s.Insert(i)
		}(i)
		go func(i int) {
			defer wg.Done()
			s.Contains(i)
		}(i)
	}
	wg.Wait()
	require.LessOrEqual(t, s.Len(), 1024)
}

func TestCapacityNeverExceeded(t *testing.T) {
	s := New[int](5)
	for i := 0; i < 1000; i++ {
		s.Insert(i)
		require.LessOrEqual(t, s.Len(), 5)
	}
}
