package oracle_test

import (
	"sync"
	"testing"

	"github.com/corelane/eventqueue/pkg/oracle"
	"github.com/stretchr/testify/require"
)

func TestSequence_NextIsMonotonic(t *testing.T) {
	s := oracle.New(0)

	require.Equal(t, uint64(1), s.Next())
	require.Equal(t, uint64(2), s.Next())
	require.Equal(t, uint64(3), s.Next())
	require.Equal(t, uint64(3), s.Current())
}

func TestSequence_SetSeedOnlyAdvances(t *testing.T) {
	s := oracle.New(0)
	s.SetSeed(41)
	require.Equal(t, uint64(41), s.Current())

	// Lower seed must not roll the counter back.
	s.SetSeed(10)
	require.Equal(t, uint64(41), s.Current())

	require.Equal(t, uint64(42), s.Next())
}

func TestSequence_NextExceedsEverySeenID(t *testing.T) {
	s := oracle.New(0)
	observed := []uint64{5, 900, 12, 901}

	for _, id := range observed {
		s.SetSeed(id)
	}

	next := s.Next()
	for _, id := range observed {
		require.Greater(t, next, id)
	}
}

func TestSequence_ConcurrentNext(t *testing.T) {
	s := oracle.New(0)

	const goroutines = 50
	const perGoroutine = 200

	var wg sync.WaitGroup
	seen := make(chan uint64, goroutines*perGoroutine)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for j := 0; j < perGoroutine; j++ {
				seen <- s.Next()
			}
		}()
	}

	wg.Wait()
	close(seen)

	unique := make(map[uint64]bool)
	for v := range seen {
		require.False(t, unique[v], "duplicate value %d from concurrent Next calls", v)
		unique[v] = true
	}

	require.Len(t, unique, goroutines*perGoroutine)
}

func TestOracles_IsolatedPerInstance(t *testing.T) {
	a := oracle.NewOracles()
	b := oracle.NewOracles()

	a.TransactionID.Next()
	a.WriteOrderID.SetSeed(1000)

	require.Equal(t, uint64(0), b.TransactionID.Current())
	require.Equal(t, uint64(0), b.WriteOrderID.Current())
}
