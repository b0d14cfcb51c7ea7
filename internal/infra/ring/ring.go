// Package ring implements the consistent hash ring that assigns sessions to
// proxy nodes.
//
// The ring is an ordered array of (hash, node) entries searched with binary
// search. Readers load an immutable snapshot through an atomic pointer;
// membership changes build a new snapshot and publish it in one store, so a
// Lookup never observes a half-applied Add or Remove.
package ring

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/tutu-network/meshd/internal/domain"
)

// Hash maps a key onto the ring: the first four bytes, big-endian, of the
// SHA-256 digest of the key.
func Hash(key string) uint32 {
	sum := sha256.Sum256([]byte(key))
	return binary.BigEndian.Uint32(sum[:4])
}

// Entry is one virtual node position.
type Entry struct {
	Hash   uint32 `json:"hash"`
	NodeID string `json:"nodeId"`
}

type snapshot struct {
	version uint64
	entries []Entry
	nodes   map[string]*domain.ProxyNode
	order   []string // node ids in registration order
}

// Ring is a consistent hash ring over ProxyNodes.
type Ring struct {
	mu     sync.Mutex // serializes writers
	snap   atomic.Pointer[snapshot]
	logger *zap.Logger
}

// New returns an empty ring.
func New(logger *zap.Logger) *Ring {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Ring{logger: logger}
	r.snap.Store(&snapshot{nodes: map[string]*domain.ProxyNode{}})
	return r
}

// Build returns a ring holding every node's virtual nodes.
func Build(nodes []*domain.ProxyNode, logger *zap.Logger) (*Ring, error) {
	r := New(logger)
	r.mu.Lock()
	defer r.mu.Unlock()

	next := &snapshot{
		version: 1,
		nodes:   make(map[string]*domain.ProxyNode, len(nodes)),
		order:   make([]string, 0, len(nodes)),
	}
	for _, n := range nodes {
		if _, dup := next.nodes[n.ID]; dup {
			return nil, fmt.Errorf("build ring: %w: %s", domain.ErrDuplicateNode, n.ID)
		}
		next.nodes[n.ID] = n
		next.order = append(next.order, n.ID)
	}
	next.entries = r.flatten(next)
	r.snap.Store(next)
	return r, nil
}

// Add inserts a node's virtual nodes.
func (r *Ring) Add(n *domain.ProxyNode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, dup := cur.nodes[n.ID]; dup {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateNode, n.ID)
	}

	next := cur.clone()
	next.nodes[n.ID] = n
	next.order = append(next.order, n.ID)
	next.entries = r.flatten(next)
	r.snap.Store(next)
	return nil
}

// Remove deletes a node and all of its virtual nodes.
func (r *Ring) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, ok := cur.nodes[id]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownNode, id)
	}

	next := cur.clone()
	delete(next.nodes, id)
	order := next.order[:0]
	for _, nid := range next.order {
		if nid != id {
			order = append(order, nid)
		}
	}
	next.order = order

	entries := make([]Entry, 0, len(cur.entries))
	for _, e := range cur.entries {
		if e.NodeID != id {
			entries = append(entries, e)
		}
	}
	next.entries = entries
	r.snap.Store(next)
	return nil
}

// Lookup returns the node owning key: the first entry whose hash is >= the
// key's hash, wrapping to the first entry past the end.
func (r *Ring) Lookup(key string) (*domain.ProxyNode, error) {
	s := r.snap.Load()
	if len(s.entries) == 0 {
		return nil, domain.ErrEmptyMesh
	}
	e := s.entries[s.search(Hash(key))]
	return s.nodes[e.NodeID], nil
}

// LookupN walks clockwise from key's position and returns up to n distinct
// owners, the first being Lookup(key).
func (r *Ring) LookupN(key string, n int) ([]*domain.ProxyNode, error) {
	s := r.snap.Load()
	if len(s.entries) == 0 {
		return nil, domain.ErrEmptyMesh
	}
	if n > len(s.nodes) {
		n = len(s.nodes)
	}

	out := make([]*domain.ProxyNode, 0, n)
	seen := make(map[string]bool, n)
	start := s.search(Hash(key))
	for i := 0; i < len(s.entries) && len(out) < n; i++ {
		e := s.entries[(start+i)%len(s.entries)]
		if seen[e.NodeID] {
			continue
		}
		seen[e.NodeID] = true
		out = append(out, s.nodes[e.NodeID])
	}
	return out, nil
}

// Entries returns a copy of the ordered ring.
func (r *Ring) Entries() []Entry {
	s := r.snap.Load()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Nodes returns the ring members in registration order.
func (r *Ring) Nodes() []*domain.ProxyNode {
	s := r.snap.Load()
	out := make([]*domain.ProxyNode, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.nodes[id])
	}
	return out
}

// Node returns the member with the given id.
func (r *Ring) Node(id string) (*domain.ProxyNode, bool) {
	n, ok := r.snap.Load().nodes[id]
	return n, ok
}

// Len returns the number of virtual node entries.
func (r *Ring) Len() int { return len(r.snap.Load().entries) }

// Size returns the number of physical nodes.
func (r *Ring) Size() int { return len(r.snap.Load().nodes) }

// Version increments on every membership change. Caches keyed by version
// are safe to reuse until it moves.
func (r *Ring) Version() uint64 { return r.snap.Load().version }

func (s *snapshot) search(h uint32) int {
	idx := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].Hash >= h
	})
	if idx >= len(s.entries) {
		idx = 0
	}
	return idx
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		version: s.version + 1,
		nodes:   make(map[string]*domain.ProxyNode, len(s.nodes)+1),
		order:   make([]string, len(s.order), len(s.order)+1),
	}
	for id, n := range s.nodes {
		next.nodes[id] = n
	}
	copy(next.order, s.order)
	return next
}

// flatten collects every member's vnodes in registration order and sorts
// them. A hash already claimed by an earlier member is dropped so that
// stored hashes stay strictly increasing.
func (r *Ring) flatten(s *snapshot) []Entry {
	total := 0
	for _, id := range s.order {
		total += len(s.nodes[id].VNodes)
	}

	owner := make(map[uint32]string, total)
	entries := make([]Entry, 0, total)
	for _, id := range s.order {
		for _, h := range s.nodes[id].VNodes {
			if prev, taken := owner[h]; taken {
				r.logger.Warn("vnode hash collision, keeping first owner",
					zap.Uint32("hash", h),
					zap.String("owner", prev),
					zap.String("dropped", id),
				)
				continue
			}
			owner[h] = id
			entries = append(entries, Entry{Hash: h, NodeID: id})
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Hash < entries[j].Hash })
	return entries
}
