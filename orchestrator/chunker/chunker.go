// Package chunker partitions a set of ballot identifiers into evenly sized
// chunks. The input is permuted with a cryptographically strong shuffle
// before partitioning so that chunks never correlate with submission order.
package chunker

import (
	"crypto/rand"
	"math/big"

	"github.com/pkg/errors"
)

// Assignment maps 1-based chunk numbers to the ballot ids they contain.
type Assignment map[int][]string

// NumChunks returns the number of chunks a ballot set of size n produces for
// the given target chunk size.
func NumChunks(n, chunkSize int) int {
	if n <= 0 || chunkSize <= 0 {
		return 0
	}
	return (n + chunkSize - 1) / chunkSize
}

// Assign shuffles ballotIDs and partitions them into NumChunks(n, chunkSize)
// chunks. The first n mod numChunks chunks receive one extra ballot so that
// chunk sizes never differ by more than one.
func Assign(ballotIDs []string, chunkSize int) (Assignment, error) {
	if chunkSize <= 0 {
		return nil, errors.New("chunk size must be positive")
	}
	n := len(ballotIDs)
	if n == 0 {
		return Assignment{}, nil
	}

	shuffled := make([]string, n)
	copy(shuffled, ballotIDs)
	if err := shuffle(shuffled); err != nil {
		return nil, err
	}

	numChunks := NumChunks(n, chunkSize)
	base := n / numChunks
	rem := n % numChunks

	assignment := make(Assignment, numChunks)
	offset := 0
	for chunk := 1; chunk <= numChunks; chunk++ {
		size := base
		if chunk <= rem {
			size++
		}
		assignment[chunk] = shuffled[offset : offset+size]
		offset += size
	}
	return assignment, nil
}

// Verify checks that an assignment is a faithful partition of the original
// ballot set: every ballot appears exactly once and nothing was invented.
func Verify(original []string, a Assignment) error {
	seen := make(map[string]struct{}, len(original))
	for _, id := range original {
		if _, dup := seen[id]; dup {
			return errors.Errorf("duplicate ballot id in input: %s", id)
		}
		seen[id] = struct{}{}
	}

	total := 0
	for chunk, ids := range a {
		for _, id := range ids {
			if _, ok := seen[id]; !ok {
				return errors.Errorf("chunk %d contains unknown or repeated ballot id %s", chunk, id)
			}
			delete(seen, id)
			total++
		}
	}
	if total != len(original) {
		return errors.Errorf("assignment holds %d ballots, want %d", total, len(original))
	}
	return nil
}

// shuffle permutes ids in place with a Fisher-Yates shuffle driven by
// crypto/rand.
func shuffle(ids []string) error {
	for i := len(ids) - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return errors.Wrap(err, "could not draw random index")
		}
		ids[i], ids[j.Int64()] = ids[j.Int64()], ids[i]
	}
	return nil
}
