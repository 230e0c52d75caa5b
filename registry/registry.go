// Package registry maps user identities to their single live connection.
package registry

import (
	"hash/fnv"
	"sort"
	"sync"

	"duochat/models"
	"duochat/protocol"
)

// Conn is one live bidirectional channel. Send must not block: it queues
// the event for the connection's writer or fails.
type Conn interface {
	Send(ev protocol.Event) error
	Close() error
	RemoteAddr() string
}

const shardCount = 32

type shard struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

// Registry is safe for concurrent use. Writes for one identity are
// serialized by its shard lock; identities on other shards are unaffected.
type Registry struct {
	shards [shardCount]*shard
}

func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{conns: make(map[string]Conn)}
	}
	return r
}

func (r *Registry) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return r.shards[h.Sum32()%shardCount]
}

// Register makes conn the active connection for identity and returns the
// connection it replaced, if any. The replaced connection is left open.
func (r *Registry) Register(identity string, conn Conn) (Conn, bool) {
	key := models.Fold(identity)
	s := r.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.conns[key]
	s.conns[key] = conn
	if ok && prev == conn {
		return nil, false
	}
	return prev, ok
}

// Unregister removes identity's mapping only if conn is still the active
// connection. It reports whether a removal happened, so a superseded
// connection's teardown cannot clobber a newer one.
func (r *Registry) Unregister(identity string, conn Conn) bool {
	key := models.Fold(identity)
	s := r.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.conns[key]
	if !ok || current != conn {
		return false
	}
	delete(s.conns, key)
	return true
}

func (r *Registry) Lookup(identity string) (Conn, bool) {
	key := models.Fold(identity)
	s := r.shardFor(key)

	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.conns[key]
	return conn, ok
}

func (r *Registry) Count() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.conns)
		s.mu.RUnlock()
	}
	return n
}

// Snapshot copies the current mapping, keyed by folded identity.
func (r *Registry) Snapshot() map[string]Conn {
	out := make(map[string]Conn)
	for _, s := range r.shards {
		s.mu.RLock()
		for k, c := range s.conns {
			out[k] = c
		}
		s.mu.RUnlock()
	}
	return out
}

// Identities lists the folded identities with a live connection, sorted.
func (r *Registry) Identities() []string {
	var ids []string
	for _, s := range r.shards {
		s.mu.RLock()
		for k := range s.conns {
			ids = append(ids, k)
		}
		s.mu.RUnlock()
	}
	sort.Strings(ids)
	return ids
}
