// Package lock provides leased execution locks so that at most one worker
// processes a given document at a time.
package lock

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
)

// ErrBusy is returned by Acquire when another holder owns a live lease.
var ErrBusy = eris.New("lock: already held")

// Service grants time-bounded exclusive leases keyed by document id. A lease
// expires on its own after the TTL, so a crashed holder never blocks the key
// forever.
type Service interface {
	// Acquire takes the lease for key and returns an opaque token proving
	// ownership. Returns ErrBusy while another live lease exists.
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)

	// Release frees the lease early. It is a no-op when the token no longer
	// owns the key, so releasing after expiry is safe.
	Release(ctx context.Context, key, token string) error
}
