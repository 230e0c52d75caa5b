package presence

import (
	"fmt"
	"strings"

	"duochat/models"
)

// Conversations resolves who an identity talks to. Today every identity
// belongs to at most one fixed pair.
type Conversations interface {
	Counterpart(identity string) (string, bool)
}

// FixedPairs is a static, symmetric pairing of identities.
type FixedPairs struct {
	peers map[string]string
}

// NewFixedPairs parses pairs written as "alice:bob".
func NewFixedPairs(pairs []string) (*FixedPairs, error) {
	fp := &FixedPairs{peers: make(map[string]string)}

	for _, p := range pairs {
		a, b, ok := strings.Cut(p, ":")
		a, b = strings.TrimSpace(a), strings.TrimSpace(b)
		if !ok || a == "" || b == "" {
			return nil, fmt.Errorf("invalid pair %q", p)
		}
		if models.SameIdentity(a, b) {
			return nil, fmt.Errorf("pair %q pairs a user with itself", p)
		}
		for _, id := range []string{a, b} {
			if _, dup := fp.peers[models.Fold(id)]; dup {
				return nil, fmt.Errorf("%s appears in more than one pair", id)
			}
		}
		fp.peers[models.Fold(a)] = b
		fp.peers[models.Fold(b)] = a
	}

	return fp, nil
}

func (fp *FixedPairs) Counterpart(identity string) (string, bool) {
	peer, ok := fp.peers[models.Fold(identity)]
	return peer, ok
}
