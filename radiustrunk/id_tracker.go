package radiustrunk

import (
	"fmt"

	"github.com/francistor/radtrunk/core"
)

// One slot of the tracker. The trunk entry reference is opaque to the
// tracker, which only guarantees the at-most-one-in-flight invariant per id
type IdEntry struct {
	Id byte

	// Set after the encoder signs the packet, used to validate the
	// matching response
	Authenticator [16]byte

	used  bool
	entry *trunkEntry
}

// Per connection allocator for the 256 radius ids. Allocation is sequential
// after the last issued id, so that ids are spread even when requests are
// completed immediately, as happens in replicate mode
type IdTracker struct {
	entries [256]IdEntry
	inUse   int
	lastId  int
}

func NewIdTracker() *IdTracker {
	tracker := IdTracker{}
	for i := range tracker.entries {
		tracker.entries[i].Id = byte(i)
	}
	return &tracker
}

// Selects a free id and links it to the passed trunk entry. Returns
// core.ErrAllIDsInUse when the 256 slots are taken
func (t *IdTracker) Reserve(entry *trunkEntry) (*IdEntry, error) {
	for offset := 1; offset <= 256; offset++ {
		candidate := (t.lastId + offset) % 256
		if !t.entries[candidate].used {
			t.lastId = candidate
			idEntry := &t.entries[candidate]
			idEntry.used = true
			idEntry.entry = entry
			idEntry.Authenticator = [16]byte{}
			t.inUse++
			return idEntry, nil
		}
	}
	return nil, core.ErrAllIDsInUse
}

// Stores the authenticator produced at encode time
func (t *IdTracker) Update(id byte, authenticator [16]byte) {
	if !t.entries[id].used {
		panic(fmt.Sprintf("updating authenticator of free id %d", id))
	}
	t.entries[id].Authenticator = authenticator
}

// Returns the trunk entry in flight for the id, or nil if the slot is free
func (t *IdTracker) Find(id byte) *trunkEntry {
	if !t.entries[id].used {
		return nil
	}
	return t.entries[id].entry
}

func (t *IdTracker) Authenticator(id byte) [16]byte {
	return t.entries[id].Authenticator
}

// Releasing a free slot is a programmer error
func (t *IdTracker) Release(id byte) {
	if !t.entries[id].used {
		panic(fmt.Sprintf("releasing free id %d", id))
	}
	t.entries[id].used = false
	t.entries[id].entry = nil
	t.inUse--
}

func (t *IdTracker) InUse() int {
	return t.inUse
}

// Calls the visitor for every reserved id. The visitor must not reserve or
// release while iterating
func (t *IdTracker) Each(visit func(idEntry *IdEntry)) {
	for i := range t.entries {
		if t.entries[i].used {
			visit(&t.entries[i])
		}
	}
}
