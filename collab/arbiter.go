package collab

import (
	"sync"
)

// selectionArbiter tracks the advisory selection claims of peers. a claim
// is whatever a peer's presence says it has selected; it never blocks an
// edit, callers use it to render claimed entities and to warn before
// editing them.
type selectionArbiter struct {
	mutex sync.Mutex
	// entityId -> claiming connectionId
	claims map[Id]Id
	// connectionId -> claimed entityId
	selections map[Id]Id
}

func newSelectionArbiter() *selectionArbiter {
	return &selectionArbiter{
		claims:     map[Id]Id{},
		selections: map[Id]Id{},
	}
}

// Update records a peer's current selection. a nil selection releases the
// peer's previous claim.
func (self *selectionArbiter) Update(connectionId Id, selection *Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if previous, ok := self.selections[connectionId]; ok {
		if claimant, ok := self.claims[previous]; ok && claimant == connectionId {
			delete(self.claims, previous)
		}
		delete(self.selections, connectionId)
	}
	if selection == nil || selection.IsZero() {
		return
	}
	self.selections[connectionId] = *selection
	// last claim visible wins
	self.claims[*selection] = connectionId
}

func (self *selectionArbiter) Remove(connectionId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if previous, ok := self.selections[connectionId]; ok {
		if claimant, ok := self.claims[previous]; ok && claimant == connectionId {
			delete(self.claims, previous)
		}
		delete(self.selections, connectionId)
	}
}

func (self *selectionArbiter) ClaimedBy(entityId Id) (Id, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	claimant, ok := self.claims[entityId]
	return claimant, ok
}

func (self *selectionArbiter) Reset() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.claims = map[Id]Id{}
	self.selections = map[Id]Id{}
}
