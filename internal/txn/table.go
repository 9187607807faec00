// Package txn implements the Frontline transaction table: the concurrent
// map from (connection_id, hop_by_hop_id) to the bookkeeping needed to
// match an answer or synthesize a 3002 timeout.
package txn

import (
	"sync"
	"time"

	"github.com/coriolis-dsc/dsc/internal/timer"
)

// Key identifies one outstanding transaction. The Hop-by-Hop Id alone is
// only unique within a single transport connection (RFC 6733 §6.2), hence
// the pairing with ConnectionID.
type Key struct {
	ConnectionID uint64
	HopByHopID   uint32
}

// Record is the bookkeeping Frontline keeps for one in-flight request, just
// enough to match the answer or synthesize a valid 3002 without retaining
// the original message body.
type Record struct {
	Key                   Key
	TimerHandle           *timer.Handle
	IngressTime           time.Time
	SourceConnectionID    uint64
	SourcePeerHost        string
	OriginalCommandCode   uint32
	OriginalApplicationID uint32
	OriginalHopByHopID    uint32
	OriginalEndToEndID    uint32
	SessionID             string
	OriginHost            string
	OriginRealm           string
	VRID                  string
}

// shardCount is fixed at a power of two so the modulo reduces to a mask.
const shardCount = 64

type shard struct {
	mu sync.RWMutex
	m  map[Key]*Record
}

// Table is a sharded concurrent map keyed by (connection_id, hop_by_hop_id).
// Sharding by a hash of both fields keeps two different connections'
// transactions from contending on the same lock.
type Table struct {
	shards [shardCount]shard
}

// NewTable builds an empty transaction table.
func NewTable() *Table {
	t := &Table{}
	for i := range t.shards {
		t.shards[i].m = make(map[Key]*Record)
	}
	return t
}

func hashKey(k Key) uint64 {
	h := k.ConnectionID*1099511628211 ^ uint64(k.HopByHopID)
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	return h
}

func (t *Table) shardFor(k Key) *shard {
	return &t.shards[hashKey(k)%shardCount]
}

// Insert adds r keyed by r.Key. It returns false without modifying the
// table if the key is already present — a collision the caller treats as a
// protocol violation (same hop-by-hop id reused within one connection
// before the prior transaction finished).
func (t *Table) Insert(r *Record) bool {
	s := t.shardFor(r.Key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.m[r.Key]; exists {
		return false
	}
	s.m[r.Key] = r
	return true
}

// Remove deletes and returns the record for k, if present.
func (t *Table) Remove(k Key) (*Record, bool) {
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.m[k]
	if ok {
		delete(s.m, k)
	}
	return r, ok
}

// Get returns the record for k without removing it.
func (t *Table) Get(k Key) (*Record, bool) {
	s := t.shardFor(k)
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.m[k]
	return r, ok
}

// Len returns the total number of outstanding transactions across all
// shards. For metrics/health use only, not the hot path.
func (t *Table) Len() int {
	n := 0
	for i := range t.shards {
		t.shards[i].mu.RLock()
		n += len(t.shards[i].m)
		t.shards[i].mu.RUnlock()
	}
	return n
}

// RemoveByConnection removes and returns every record whose
// SourceConnectionID equals connID. Used on connection teardown; unlike
// Insert/Remove/Get this does iterate every shard, but teardown is not the
// steady-state hot path.
func (t *Table) RemoveByConnection(connID uint64) []*Record {
	var out []*Record
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for k, r := range s.m {
			if r.SourceConnectionID == connID {
				out = append(out, r)
				delete(s.m, k)
			}
		}
		s.mu.Unlock()
	}
	return out
}

// RemoveByDownstreamConnection removes and returns every record keyed under
// connID — i.e. every transaction still awaiting an answer on that
// downstream leg. Used when the connection a request was forwarded over
// tears down before the answer arrives.
func (t *Table) RemoveByDownstreamConnection(connID uint64) []*Record {
	var out []*Record
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for k, r := range s.m {
			if k.ConnectionID == connID {
				out = append(out, r)
				delete(s.m, k)
			}
		}
		s.mu.Unlock()
	}
	return out
}

// RemoveAll empties the table and returns every record it held, in no
// particular order. Used during graceful shutdown to fail whatever is still
// outstanding once the drain grace period expires.
func (t *Table) RemoveAll() []*Record {
	var out []*Record
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for k, r := range s.m {
			out = append(out, r)
			delete(s.m, k)
		}
		s.mu.Unlock()
	}
	return out
}
