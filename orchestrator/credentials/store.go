// Package credentials holds unwrapped guardian private material in the
// key-value store, bounded by a TTL. Material never touches durable storage
// and is never logged.
package credentials

import (
	"context"
	"fmt"

	"github.com/TAR2003/amarvote-orchestrator/config/params"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/kv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "credentials")

// ErrMissing is returned when a guardian's credentials are absent or have
// expired. Workers treat it as retriable until the operator re-submits.
var ErrMissing = errors.New("guardian credentials missing")

// Store keeps per-guardian unwrapped private keys and polynomials.
type Store struct {
	kv kv.Store
}

// NewStore wraps the given key-value backend.
func NewStore(store kv.Store) *Store {
	return &Store{kv: store}
}

func privateKeyKey(electionID int64, guardianID string) string {
	return fmt.Sprintf("guardian:privatekey:%d:%s", electionID, guardianID)
}

func polynomialKey(electionID int64, guardianID string) string {
	return fmt.Sprintf("guardian:polynomial:%d:%s", electionID, guardianID)
}

// Present stores both unwrapped entries for the guardian with the configured
// TTL.
func (s *Store) Present(ctx context.Context, electionID int64, guardianID, privateKey, polynomial string) error {
	ttl := params.OrchConfig().CredentialTTL
	if err := s.kv.Set(ctx, privateKeyKey(electionID, guardianID), privateKey, ttl); err != nil {
		return errors.Wrap(err, "could not store private key")
	}
	if err := s.kv.Set(ctx, polynomialKey(electionID, guardianID), polynomial, ttl); err != nil {
		return errors.Wrap(err, "could not store polynomial")
	}
	log.WithFields(logrus.Fields{
		"election": electionID,
		"guardian": guardianID,
	}).Info("Guardian credentials presented")
	return nil
}

// PrivateKey returns the guardian's unwrapped private key, or ErrMissing.
func (s *Store) PrivateKey(ctx context.Context, electionID int64, guardianID string) (string, error) {
	v, err := s.kv.Get(ctx, privateKeyKey(electionID, guardianID))
	if errors.Is(err, kv.ErrNotFound) {
		return "", ErrMissing
	}
	return v, err
}

// Polynomial returns the guardian's unwrapped polynomial, or ErrMissing.
func (s *Store) Polynomial(ctx context.Context, electionID int64, guardianID string) (string, error) {
	v, err := s.kv.Get(ctx, polynomialKey(electionID, guardianID))
	if errors.Is(err, kv.ErrNotFound) {
		return "", ErrMissing
	}
	return v, err
}

// Has reports whether both entries exist for the guardian.
func (s *Store) Has(ctx context.Context, electionID int64, guardianID string) (bool, error) {
	if _, err := s.PrivateKey(ctx, electionID, guardianID); err != nil {
		if errors.Is(err, ErrMissing) {
			return false, nil
		}
		return false, err
	}
	if _, err := s.Polynomial(ctx, electionID, guardianID); err != nil {
		if errors.Is(err, ErrMissing) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Clear deletes both entries. If deletion fails, their TTL is reduced to the
// configured fallback so they expire promptly anyway.
func (s *Store) Clear(ctx context.Context, electionID int64, guardianID string) error {
	keys := []string{privateKeyKey(electionID, guardianID), polynomialKey(electionID, guardianID)}
	if err := s.kv.Delete(ctx, keys...); err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"election": electionID,
			"guardian": guardianID,
		}).Warn("Could not delete credentials, shortening TTL instead")
		fallback := params.OrchConfig().CredentialExpiryFallback
		for _, key := range keys {
			if expErr := s.kv.Expire(ctx, key, fallback); expErr != nil && !errors.Is(expErr, kv.ErrNotFound) {
				return errors.Wrap(expErr, "could not shorten credential TTL")
			}
		}
		return nil
	}
	log.WithFields(logrus.Fields{
		"election": electionID,
		"guardian": guardianID,
	}).Info("Guardian credentials cleared")
	return nil
}
