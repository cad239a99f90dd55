package chunker_test

import (
	"fmt"
	"sort"
	"testing"

	"github.com/TAR2003/amarvote-orchestrator/orchestrator/chunker"
	"github.com/stretchr/testify/require"
)

func ballots(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("ballot-%04d", i)
	}
	return ids
}

func TestAssign_RoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 2, 199, 200, 201, 400, 1000, 1003} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			ids := ballots(n)
			a, err := chunker.Assign(ids, 200)
			require.NoError(t, err)
			require.Len(t, a, chunker.NumChunks(n, 200))
			require.NoError(t, chunker.Verify(ids, a))

			// Flattened assignment must be a permutation of the input.
			flat := make([]string, 0, n)
			for _, chunk := range a {
				flat = append(flat, chunk...)
			}
			sort.Strings(flat)
			want := ballots(n)
			sort.Strings(want)
			require.Equal(t, want, flat)
		})
	}
}

func TestAssign_EvenDistribution(t *testing.T) {
	ids := ballots(1003)
	a, err := chunker.Assign(ids, 200)
	require.NoError(t, err)

	min, max := len(ids), 0
	total := 0
	for chunk := 1; chunk <= len(a); chunk++ {
		size := len(a[chunk])
		require.NotZero(t, size, "chunk %d is empty", chunk)
		if size < min {
			min = size
		}
		if size > max {
			max = size
		}
		total += size
	}
	require.Equal(t, len(ids), total)
	require.LessOrEqual(t, max-min, 1)
}

func TestAssign_ChunkNumbersAreDense(t *testing.T) {
	a, err := chunker.Assign(ballots(401), 200)
	require.NoError(t, err)
	require.Len(t, a, 3)
	for chunk := 1; chunk <= 3; chunk++ {
		require.Contains(t, a, chunk)
	}
}

func TestAssign_Shuffles(t *testing.T) {
	ids := ballots(1000)
	a, err := chunker.Assign(ids, 200)
	require.NoError(t, err)

	// With 1000 ballots the odds of the shuffle being the identity
	// permutation are negligible.
	var flat []string
	for chunk := 1; chunk <= len(a); chunk++ {
		flat = append(flat, a[chunk]...)
	}
	require.NotEqual(t, ids, flat)
}

func TestAssign_InvalidChunkSize(t *testing.T) {
	_, err := chunker.Assign(ballots(10), 0)
	require.Error(t, err)
}

func TestVerify_DetectsLossAndInvention(t *testing.T) {
	ids := ballots(10)
	a, err := chunker.Assign(ids, 4)
	require.NoError(t, err)

	// Drop one ballot.
	a[1] = a[1][1:]
	require.Error(t, chunker.Verify(ids, a))

	// Invent one ballot.
	a, err = chunker.Assign(ids, 4)
	require.NoError(t, err)
	a[1] = append(a[1], "ballot-bogus")
	require.Error(t, chunker.Verify(ids, a))
}
