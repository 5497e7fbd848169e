package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// sessionTTL is how long an approved session stays usable before the wallet
// must be paired again.
const sessionTTL = 7 * 24 * time.Hour

// sessionRecord is the locally persisted session: enough to resume after a
// restart without any network traffic.
type sessionRecord struct {
	Topic      string          `json:"topic"`
	SymKey     string          `json:"symKey"`
	Namespaces json.RawMessage `json:"namespaces"`
	Expiry     time.Time       `json:"expiry"`
}

func (r *sessionRecord) valid() bool {
	return r != nil && r.Topic != "" && time.Now().Before(r.Expiry)
}

// loadRecord reads the persisted session, returning nil for a missing,
// corrupt, or expired record. A broken record is never an error, just an
// absent session.
func loadRecord(path string) *sessionRecord {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var rec sessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil
	}
	if !rec.valid() {
		return nil
	}
	return &rec
}

// saveRecord persists the session atomically via a temp file rename.
func saveRecord(path string, rec *sessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session record: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create session record dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit session record: %w", err)
	}
	return nil
}

// clearRecord removes the persisted session. Idempotent.
func clearRecord(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove session record: %w", err)
	}
	return nil
}
