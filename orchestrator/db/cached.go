package db

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/pkg/errors"
)

// CachedDatabase wraps a Database with a cost-bounded read-through cache for
// election and guardian rows. Workers fetch the same election material for
// every chunk of a phase; the bounded cache keeps those reads off the small
// connection pool without letting resident memory grow with chunk count.
type CachedDatabase struct {
	Database
	rows *ristretto.Cache
	ttl  time.Duration
}

// NewCachedDatabase builds the cache in front of inner.
func NewCachedDatabase(inner Database, maxCost int64, ttl time.Duration) (*CachedDatabase, error) {
	rows, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1 << 14,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not build row cache")
	}
	return &CachedDatabase{Database: inner, rows: rows, ttl: ttl}, nil
}

func electionKey(electionID int64) string {
	return fmt.Sprintf("election:%d", electionID)
}

func guardianKey(electionID int64, guardianID string) string {
	return fmt.Sprintf("guardian:%d:%s", electionID, guardianID)
}

// Election returns the cached row when present, otherwise reads through.
func (c *CachedDatabase) Election(ctx context.Context, electionID int64) (*Election, error) {
	if v, ok := c.rows.Get(electionKey(electionID)); ok {
		if e, ok := v.(*Election); ok {
			return e, nil
		}
	}
	e, err := c.Database.Election(ctx, electionID)
	if err != nil {
		return nil, err
	}
	c.rows.SetWithTTL(electionKey(electionID), e, int64(len(e.Manifest))+int64(len(e.JointPublicKey))+1, c.ttl)
	return e, nil
}

// Guardian returns the cached row when present, otherwise reads through.
func (c *CachedDatabase) Guardian(ctx context.Context, electionID int64, guardianID string) (*Guardian, error) {
	if v, ok := c.rows.Get(guardianKey(electionID, guardianID)); ok {
		if g, ok := v.(*Guardian); ok {
			return g, nil
		}
	}
	g, err := c.Database.Guardian(ctx, electionID, guardianID)
	if err != nil {
		return nil, err
	}
	c.rows.SetWithTTL(guardianKey(electionID, guardianID), g, int64(len(g.KeyBackup))+int64(len(g.Polynomial))+1, c.ttl)
	return g, nil
}

// SetGuardianDecrypted writes through and drops the stale cache entry.
func (c *CachedDatabase) SetGuardianDecrypted(ctx context.Context, electionID int64, guardianID string, decrypted bool) error {
	if err := c.Database.SetGuardianDecrypted(ctx, electionID, guardianID, decrypted); err != nil {
		return err
	}
	c.rows.Del(guardianKey(electionID, guardianID))
	return nil
}

// Close drops the cache and closes the wrapped database.
func (c *CachedDatabase) Close() error {
	c.rows.Close()
	return c.Database.Close()
}
