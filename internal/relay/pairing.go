package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Pairing is one handshake's rendezvous topic and shared secret. The topic is
// public (the relay routes on it); the key never leaves the two peers except
// inside the pairing URI the user carries across apps.
type Pairing struct {
	Topic  string
	SymKey []byte
}

func newPairing() (*Pairing, error) {
	key, err := newSymKey()
	if err != nil {
		return nil, err
	}
	id := uuid.New()
	sum := sha256.Sum256(id[:])
	return &Pairing{Topic: hex.EncodeToString(sum[:]), SymKey: key}, nil
}

// URI renders the pairing URI handed to the wallet app via deep link.
func (p *Pairing) URI() string {
	return fmt.Sprintf("wc:%s@2?relay-protocol=irn&symKey=%s", p.Topic, hex.EncodeToString(p.SymKey))
}
