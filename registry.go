// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"math"
	"sort"
	"sync"

	"github.com/mochi-mqtt/qos2/packets"
)

// Registry is a map of active handshakes keyed on packet id, scoped to a
// single connection and direction. Every method returns copies, so callers
// never hold a reference into the registry.
type Registry struct {
	sync.RWMutex
	internal  map[uint16]*Handshake // active handshakes by packet id
	direction Direction             // the direction of every handshake in the registry
	last      uint32                // the most recently allocated packet id
	maximum   uint32                // the highest packet id which may be allocated
}

// NewRegistry returns a new registry for handshakes in the given direction.
// A maximum of 0 allows the full range of packet identifiers.
func NewRegistry(d Direction, maximum uint16) *Registry {
	m := uint32(maximum)
	if m == 0 {
		m = math.MaxUint16
	}

	return &Registry{
		internal:  map[uint16]*Handshake{},
		direction: d,
		maximum:   m,
	}
}

// Allocate assigns the next free packet id to the handshake and registers
// it. Ids in use are skipped; ErrQuotaExceeded is returned once every id in
// the range is held by an unresolved handshake.
func (r *Registry) Allocate(h Handshake) (Handshake, error) {
	r.Lock()
	defer r.Unlock()

	i := r.last
	started := i
	overflowed := false
	for {
		if overflowed && i == started {
			return h, packets.ErrQuotaExceeded
		}

		if i >= r.maximum {
			overflowed = true
			i = 0
			continue
		}

		i++
		if _, ok := r.internal[uint16(i)]; !ok {
			r.last = i
			break
		}
	}

	h.PacketID = uint16(i)
	h.Packet.PacketID = h.PacketID
	h.Direction = r.direction
	r.internal[h.PacketID] = &h
	return h, nil
}

// Set adds or replaces a handshake by its packet id, returning true if the
// id was not previously active.
func (r *Registry) Set(h Handshake) bool {
	r.Lock()
	defer r.Unlock()

	_, ok := r.internal[h.PacketID]
	h.Direction = r.direction
	r.internal[h.PacketID] = &h
	return !ok
}

// Get returns a handshake by packet id.
func (r *Registry) Get(id uint16) (Handshake, bool) {
	r.RLock()
	defer r.RUnlock()

	if h, ok := r.internal[id]; ok {
		return *h, true
	}

	return Handshake{}, false
}

// Step classifies a received packet type against the handshake registered
// for id and applies the transition. A handshake which completes is removed,
// freeing its id. The returned handshake reflects the state after the step.
func (r *Registry) Step(id uint16, received byte, now int64) (Handshake, Outcome) {
	r.Lock()
	defer r.Unlock()

	h, ok := r.internal[id]
	if !ok {
		return Handshake{PacketID: id, Direction: r.direction}, UnknownID
	}

	o := h.Step(received)
	if o == Advance {
		h.Updated = now
	}

	if h.Complete() {
		delete(r.internal, id)
	}

	return *h, o
}

// Written marks the broker's packet for a handshake as written to the wire,
// if the handshake is still in the from state.
func (r *Registry) Written(id uint16, from State, now int64) (Handshake, bool) {
	r.Lock()
	defer r.Unlock()

	h, ok := r.internal[id]
	if !ok || !h.Written(from) {
		return Handshake{}, false
	}

	h.Updated = now
	return *h, true
}

// Retry increments the resend count of a handshake and returns the packet
// to resend along with the updated handshake.
func (r *Registry) Retry(id uint16, now int64) (Handshake, packets.Packet, bool) {
	r.Lock()
	defer r.Unlock()

	h, ok := r.internal[id]
	if !ok {
		return Handshake{}, packets.Packet{}, false
	}

	pk, ok := h.LastSent()
	if !ok {
		return *h, pk, false
	}

	h.Retries++
	h.Updated = now
	return *h, pk, true
}

// Delete removes a handshake by packet id, returning true if it existed.
func (r *Registry) Delete(id uint16) bool {
	r.Lock()
	defer r.Unlock()

	_, ok := r.internal[id]
	delete(r.internal, id)
	return ok
}

// Len returns the number of active handshakes.
func (r *Registry) Len() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.internal)
}

// GetAll returns all active handshakes, oldest first.
func (r *Registry) GetAll() []Handshake {
	r.RLock()
	defer r.RUnlock()

	m := make([]Handshake, 0, len(r.internal))
	for _, h := range r.internal {
		m = append(m, *h)
	}

	sortHandshakes(m)
	return m
}

// Expire removes and returns every handshake whose last transition is
// older than the cutoff unix time.
func (r *Registry) Expire(cutoff int64) []Handshake {
	r.Lock()
	defer r.Unlock()

	var m []Handshake
	for id, h := range r.internal {
		if h.Updated < cutoff {
			m = append(m, *h)
			delete(r.internal, id)
		}
	}

	sortHandshakes(m)
	return m
}

// Clear removes and returns every active handshake.
func (r *Registry) Clear() []Handshake {
	r.Lock()
	defer r.Unlock()

	m := make([]Handshake, 0, len(r.internal))
	for _, h := range r.internal {
		m = append(m, *h)
	}

	r.internal = map[uint16]*Handshake{}
	sortHandshakes(m)
	return m
}

func sortHandshakes(m []Handshake) {
	sort.Slice(m, func(i, j int) bool {
		if m[i].Created == m[j].Created {
			return m[i].PacketID < m[j].PacketID
		}
		return m[i].Created < m[j].Created
	})
}
