// Package idempotency wraps pkg/store's idempotency_records primitives
// with the composite-key derivation and hit/store counters spec.md's
// idempotency middleware needs: a replayed (user_id, endpoint, key) must
// return the exact first response, byte-identical, without re-running the
// handler.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"

	"github.com/mindburn-labs/substrate/pkg/contracts"
	"github.com/mindburn-labs/substrate/pkg/store"
)

// Cache is the component httpapi's idempotency middleware consults before
// and after running a handler.
type Cache struct {
	Backing store.Store

	hits   atomic.Int64
	stores atomic.Int64
}

func New(st store.Store) *Cache {
	return &Cache{Backing: st}
}

// CompositeKey derives the storage key from the triple spec.md's
// IdempotencyRecord is keyed by.
func CompositeKey(userID, endpoint, key string) string {
	h := sha256.Sum256([]byte(userID + "\x00" + endpoint + "\x00" + key))
	return hex.EncodeToString(h[:])
}

// Lookup returns the stored record for (userID, endpoint, key), or nil if
// this is the first time the key has been seen.
func (c *Cache) Lookup(ctx context.Context, userID, endpoint, key string) (*contracts.IdempotencyRecord, error) {
	r, err := c.Backing.GetIdempotency(ctx, CompositeKey(userID, endpoint, key))
	if err != nil {
		return nil, err
	}
	if r != nil {
		c.hits.Add(1)
	}
	return r, nil
}

// Store persists the first response for (userID, endpoint, key). A
// concurrent winner (ON CONFLICT DO NOTHING / INSERT OR IGNORE at the
// store layer) is not an error: the caller always re-reads via Lookup to
// serve whichever response actually won.
func (c *Cache) Store(ctx context.Context, r *contracts.IdempotencyRecord) error {
	r.CompositeKey = CompositeKey(r.UserID, r.Endpoint, r.Key)
	if err := c.Backing.PutIdempotency(ctx, r); err != nil {
		return err
	}
	c.stores.Add(1)
	return nil
}

// Hits and Stores expose the running counters spec.md's observability
// section names for idempotency cache effectiveness.
func (c *Cache) Hits() int64   { return c.hits.Load() }
func (c *Cache) Stores() int64 { return c.stores.Load() }
