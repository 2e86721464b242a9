package room

import (
	"slices"
	"sync"
)

// Roster is the ordered set of participants currently in the room, keyed by
// Participant.ID. Listeners registered with OnChange receive a snapshot after
// every mutation, outside the lock.
type Roster struct {
	mu        sync.RWMutex
	order     []string
	byID      map[string]Participant
	listeners []func([]Participant)
}

// NewRoster creates an empty roster.
func NewRoster() *Roster {
	return &Roster{byID: make(map[string]Participant)}
}

// Replace swaps the whole roster, preserving the given order.
func (r *Roster) Replace(ps []Participant) {
	r.mu.Lock()
	r.order = r.order[:0]
	r.byID = make(map[string]Participant, len(ps))
	for _, p := range ps {
		id := p.ID()
		if _, dup := r.byID[id]; dup {
			continue
		}
		r.order = append(r.order, id)
		r.byID[id] = p
	}
	r.mu.Unlock()
	r.notify()
}

// Add inserts or updates a participant. Returns false if nothing changed.
func (r *Roster) Add(p Participant) bool {
	id := p.ID()
	r.mu.Lock()
	prev, exists := r.byID[id]
	if exists && prev == p {
		r.mu.Unlock()
		return false
	}
	if !exists {
		r.order = append(r.order, id)
	}
	r.byID[id] = p
	r.mu.Unlock()
	r.notify()
	return true
}

// Remove deletes a participant by id. Returns false if it was not present.
func (r *Roster) Remove(id string) bool {
	r.mu.Lock()
	if _, ok := r.byID[id]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.byID, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	r.notify()
	return true
}

// Get looks up a participant by id.
func (r *Roster) Get(id string) (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	return p, ok
}

// Has reports whether id is in the room.
func (r *Roster) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// List returns a snapshot in insertion order.
func (r *Roster) List() []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Participant, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// OnChange registers a listener for roster snapshots.
func (r *Roster) OnChange(fn func([]Participant)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *Roster) notify() {
	r.mu.RLock()
	listeners := slices.Clone(r.listeners)
	r.mu.RUnlock()

	snapshot := r.List()
	for _, fn := range listeners {
		fn(snapshot)
	}
}
