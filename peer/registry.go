package peer

import (
	"github.com/cornelk/hashmap"

	"github.com/srg/blehost/transport"
)

// Registry indexes live peers by connection handle. Lock-free reads so
// consumer goroutines can look peers up while the dispatch goroutine
// mutates the set.
type Registry struct {
	peers *hashmap.Map[transport.ConnID, *Peer]
}

func NewRegistry() *Registry {
	return &Registry{peers: hashmap.New[transport.ConnID, *Peer]()}
}

func (r *Registry) Add(p *Peer) {
	r.peers.Set(p.ID(), p)
}

func (r *Registry) Get(id transport.ConnID) (*Peer, bool) {
	return r.peers.Get(id)
}

func (r *Registry) Remove(id transport.ConnID) {
	r.peers.Del(id)
}

func (r *Registry) Len() int {
	return r.peers.Len()
}

// Range calls fn for each live peer until it returns false.
func (r *Registry) Range(fn func(*Peer) bool) {
	r.peers.Range(func(_ transport.ConnID, p *Peer) bool {
		return fn(p)
	})
}

// All returns a snapshot of the live peers.
func (r *Registry) All() []*Peer {
	out := make([]*Peer, 0, r.peers.Len())
	r.peers.Range(func(_ transport.ConnID, p *Peer) bool {
		out = append(out, p)
		return true
	})
	return out
}
