// Package bond models persisted pairing key material and the pluggable
// store it lives in. A record, once written, is replaced wholesale on
// re-pairing; it is never mutated in place.
//
// Stores are accessed from at most the dispatch context (single writer),
// but implementations guard themselves so consumer-side inspection stays
// safe.
package bond

import (
	"sync"

	"github.com/srg/blehost/transport"
)

// Record is the bonding data for one peer, keyed by its resolved identity
// address.
type Record struct {
	IdentityAddress transport.Addr     `yaml:"identity_address"`
	PeerIsClient    bool               `yaml:"peer_is_client"`
	OwnLTK          []byte             `yaml:"own_ltk"`
	PeerLTK         []byte             `yaml:"peer_ltk"`
	PeerIRK         []byte             `yaml:"peer_irk"`
	PeerCSRK        []byte             `yaml:"peer_csrk,omitempty"`
	MasterID        transport.MasterID `yaml:"master_id"`
	LESC            bool               `yaml:"lesc"`
	Name            string             `yaml:"name,omitempty"`
}

// LTK returns the long-term key to use when re-establishing encryption:
// LESC bonds use our own LTK, legacy bonds use the peer-distributed one.
func (r *Record) LTK() []byte {
	if r.LESC {
		return r.OwnLTK
	}
	return r.PeerLTK
}

// FromKeys builds a Record from the key distribution produced by a
// completed bonding procedure.
func FromKeys(keys *transport.KeyDistribution, peerIsClient bool) *Record {
	return &Record{
		IdentityAddress: keys.IdentityAddress,
		PeerIsClient:    peerIsClient,
		OwnLTK:          keys.OwnLTK,
		PeerLTK:         keys.PeerLTK,
		PeerIRK:         keys.PeerIRK,
		PeerCSRK:        keys.PeerCSRK,
		MasterID:        keys.MasterID,
		LESC:            keys.LESC,
	}
}

// Store is the bonding persistence boundary.
type Store interface {
	// Load returns the record for an identity address, if any.
	Load(identity transport.Addr) (*Record, bool)
	// Save writes (or replaces) the record for an identity address.
	Save(identity transport.Addr, rec *Record) error
	// Delete removes the record for an identity address. Deleting a
	// missing record is not an error.
	Delete(identity transport.Addr) error
	// Records returns a snapshot of all stored records, used to try stored
	// identity-resolving keys against resolvable private addresses.
	Records() []*Record
}

// MemoryStore is a non-persistent Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Load(identity transport.Addr) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[identity.MAC]
	return rec, ok
}

func (s *MemoryStore) Save(identity transport.Addr, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[identity.MAC] = rec
	return nil
}

func (s *MemoryStore) Delete(identity transport.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, identity.MAC)
	return nil
}

func (s *MemoryStore) Records() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out
}
