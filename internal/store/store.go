// Package store persists the minimal session flags that survive app
// restarts: whether a wallet was connected, which one, and when. The flags
// are written as one unit and cleared atomically on disconnect.
package store

import (
	"context"
	"time"
)

// Flags is the complete persisted session state.
type Flags struct {
	Connected         bool      `json:"connected"`
	PreferredWalletID string    `json:"preferredWalletId"`
	SessionTimestamp  time.Time `json:"sessionTimestamp"`
	SessionAddress    string    `json:"sessionAddress"`
}

// MaxSessionAge is how old a persisted session may be before Load discards
// it instead of attempting a restore. Relay-side sessions expire after seven
// days, so anything older cannot be revived.
const MaxSessionAge = 7 * 24 * time.Hour

// Store persists session flags.
type Store interface {
	// Load returns the persisted flags. A missing or stale record returns
	// zero Flags and no error.
	Load(ctx context.Context) (Flags, error)
	// Save replaces the persisted flags as one unit.
	Save(ctx context.Context, f Flags) error
	// Clear removes all persisted flags atomically. Clearing an empty
	// store is a no-op.
	Clear(ctx context.Context) error
}

// stale reports whether persisted flags are too old to restore.
func stale(f Flags, now time.Time) bool {
	if f.SessionTimestamp.IsZero() {
		return false
	}
	return now.Sub(f.SessionTimestamp) > MaxSessionAge
}
