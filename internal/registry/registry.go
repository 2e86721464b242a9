// Package registry tracks the remote peers a call can currently reach.
// It owns each peer's connection and remote stream: removing an entry always
// closes the one and stops the other.
package registry

import (
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/1ureka/confer/internal/media"
	"github.com/1ureka/confer/internal/room"
	"github.com/1ureka/confer/internal/util"
)

var ErrExists = errors.New("peer already registered")

// Conn is the connection an entry owns.
type Conn interface {
	Close() error
}

// Entry is one reachable remote peer. Stream is nil until the peer's media
// arrives.
type Entry[C Conn] struct {
	PeerID string
	User   room.Identity
	Conn   C
	Stream *media.Stream
}

// Registry maps peer ids to entries. Readers get copies; all mutation goes
// through its methods.
type Registry[C Conn] struct {
	mu        sync.RWMutex
	entries   map[string]*Entry[C]
	listeners []func()
}

// New creates an empty registry.
func New[C Conn]() *Registry[C] {
	return &Registry[C]{entries: make(map[string]*Entry[C])}
}

// Add registers conn for peerID. A second Add for the same peer is rejected
// with ErrExists and leaves the first entry untouched.
func (r *Registry[C]) Add(peerID string, user room.Identity, conn C) error {
	r.mu.Lock()
	if _, ok := r.entries[peerID]; ok {
		r.mu.Unlock()
		return ErrExists
	}
	r.entries[peerID] = &Entry[C]{PeerID: peerID, User: user, Conn: conn}
	r.mu.Unlock()

	util.Stats.AddPeer()
	r.notify()
	return nil
}

// Get returns a copy of the entry for peerID.
func (r *Registry[C]) Get(peerID string) (Entry[C], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[peerID]
	if !ok {
		return Entry[C]{}, false
	}
	return *e, true
}

func (r *Registry[C]) Has(peerID string) bool {
	_, ok := r.Get(peerID)
	return ok
}

// Remove drops the entry for peerID, closing its connection and stopping its
// stream. Returns false if there was none.
func (r *Registry[C]) Remove(peerID string) bool {
	return r.RemoveIf(peerID, nil)
}

// RemoveIf is Remove guarded by match, evaluated under the registry lock. It
// lets a caller remove an entry only if it still holds the connection the
// caller knows about.
func (r *Registry[C]) RemoveIf(peerID string, match func(Entry[C]) bool) bool {
	r.mu.Lock()
	e, ok := r.entries[peerID]
	if !ok || (match != nil && !match(*e)) {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, peerID)
	r.mu.Unlock()

	release(e)
	r.notify()
	return true
}

// AttachTrack adds a remote track to the peer's stream, creating the stream
// on first use. Returns the stream, or false if the peer is unknown.
func (r *Registry[C]) AttachTrack(peerID string, t media.Track) (*media.Stream, bool) {
	r.mu.Lock()
	e, ok := r.entries[peerID]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	if e.Stream == nil {
		e.Stream = media.NewStream(peerID)
	}
	stream := e.Stream
	r.mu.Unlock()

	stream.AddTrack(t)
	r.notify()
	return stream, true
}

// Snapshot returns copies of all entries ordered by peer id.
func (r *Registry[C]) Snapshot() []Entry[C] {
	r.mu.RLock()
	out := make([]Entry[C], 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Entry[C]) int { return strings.Compare(a.PeerID, b.PeerID) })
	return out
}

func (r *Registry[C]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Clear removes every entry with the same cleanup as Remove.
func (r *Registry[C]) Clear() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*Entry[C])
	r.mu.Unlock()

	for _, e := range entries {
		release(e)
	}
	if len(entries) > 0 {
		r.notify()
	}
}

// OnChange registers fn to run after every mutation.
func (r *Registry[C]) OnChange(fn func()) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *Registry[C]) notify() {
	r.mu.RLock()
	listeners := append([]func(){}, r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		fn()
	}
}

func release[C Conn](e *Entry[C]) {
	if err := e.Conn.Close(); err != nil {
		util.LogDebug("close %s: %v", util.Tag(e.PeerID), err)
	}
	if e.Stream != nil {
		e.Stream.Stop()
	}
	util.Stats.RemovePeer()
}
