package collab

import (
	"context"
	"sync"
	"time"
)

// ephemeral per-connection state. mutated only by its owning connection and
// replicated read-only to everyone else in the room. never persisted.
type Presence struct {
	Cursor       *Point `cbor:"1,keyasint,omitempty"`
	Selection    *Id    `cbor:"2,keyasint,omitempty"`
	IsTyping     bool   `cbor:"3,keyasint,omitempty"`
	LastActivity int64  `cbor:"4,keyasint,omitempty"`
}

func (self *Presence) Copy() *Presence {
	presence := &Presence{
		IsTyping:     self.IsTyping,
		LastActivity: self.LastActivity,
	}
	if self.Cursor != nil {
		cursor := *self.Cursor
		presence.Cursor = &cursor
	}
	if self.Selection != nil {
		selection := *self.Selection
		presence.Selection = &selection
	}
	return presence
}

// a partial presence update. the outer pointer means "this field is
// included"; the inner pointer carries the nullable value, so clearing the
// cursor and not touching the cursor stay distinct and fully typed.
type PresenceUpdate struct {
	Cursor       *CursorUpdate    `cbor:"1,keyasint,omitempty"`
	Selection    *SelectionUpdate `cbor:"2,keyasint,omitempty"`
	IsTyping     *bool            `cbor:"3,keyasint,omitempty"`
	LastActivity *int64           `cbor:"4,keyasint,omitempty"`
}

type CursorUpdate struct {
	// nil clears the cursor (pointer left the canvas)
	Point *Point `cbor:"1,keyasint,omitempty"`
}

type SelectionUpdate struct {
	// nil clears the selection
	Target *Id `cbor:"1,keyasint,omitempty"`
}

func (self *PresenceUpdate) IsEmpty() bool {
	return self.Cursor == nil &&
		self.Selection == nil &&
		self.IsTyping == nil &&
		self.LastActivity == nil
}

// merge applies the included fields to `presence`, last value per field wins
func (self *PresenceUpdate) merge(presence *Presence) {
	if self.Cursor != nil {
		if self.Cursor.Point != nil {
			point := *self.Cursor.Point
			presence.Cursor = &point
		} else {
			presence.Cursor = nil
		}
	}
	if self.Selection != nil {
		if self.Selection.Target != nil {
			target := *self.Selection.Target
			presence.Selection = &target
		} else {
			presence.Selection = nil
		}
	}
	if self.IsTyping != nil {
		presence.IsTyping = *self.IsTyping
	}
	if self.LastActivity != nil {
		presence.LastActivity = *self.LastActivity
	}
}

// coalesce folds `update` into the pending update. later values win per field.
func (self *PresenceUpdate) coalesce(update *PresenceUpdate) {
	if update.Cursor != nil {
		self.Cursor = update.Cursor
	}
	if update.Selection != nil {
		self.Selection = update.Selection
	}
	if update.IsTyping != nil {
		self.IsTyping = update.IsTyping
	}
	if update.LastActivity != nil {
		self.LastActivity = update.LastActivity
	}
}

type PresenceReplicatorSettings struct {
	// minimum time between presence broadcasts. updates inside the window
	// coalesce, last value per field wins.
	BroadcastWindow time.Duration
}

func DefaultPresenceReplicatorSettings() *PresenceReplicatorSettings {
	return &PresenceReplicatorSettings{
		BroadcastWindow: 16 * time.Millisecond,
	}
}

// presenceReplicator owns the local presence and schedules rate-limited
// broadcasts of the coalesced pending update.
type presenceReplicator struct {
	ctx context.Context

	sendUpdate func(update *PresenceUpdate)

	settings *PresenceReplicatorSettings

	mutex     sync.Mutex
	local     *Presence
	pending   *PresenceUpdate
	lastSend  time.Time
	scheduled bool
}

func newPresenceReplicator(
	ctx context.Context,
	initialPresence *Presence,
	sendUpdate func(update *PresenceUpdate),
	settings *PresenceReplicatorSettings,
) *presenceReplicator {
	local := &Presence{}
	if initialPresence != nil {
		local = initialPresence.Copy()
	}
	return &presenceReplicator{
		ctx:        ctx,
		sendUpdate: sendUpdate,
		settings:   settings,
		local:      local,
	}
}

func (self *presenceReplicator) Presence() *Presence {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.local.Copy()
}

// Update merges the given fields into the local presence and schedules a
// broadcast. at most one broadcast is sent per window.
func (self *presenceReplicator) Update(update *PresenceUpdate) {
	if update == nil || update.IsEmpty() {
		return
	}

	self.mutex.Lock()
	update.merge(self.local)
	if self.pending == nil {
		self.pending = &PresenceUpdate{}
	}
	self.pending.coalesce(update)

	if self.scheduled {
		self.mutex.Unlock()
		return
	}
	self.scheduled = true
	delay := time.Duration(0)
	if elapsed := time.Since(self.lastSend); elapsed < self.settings.BroadcastWindow {
		delay = self.settings.BroadcastWindow - elapsed
	}
	self.mutex.Unlock()

	time.AfterFunc(delay, self.flush)
}

func (self *presenceReplicator) flush() {
	select {
	case <-self.ctx.Done():
		return
	default:
	}

	self.mutex.Lock()
	pending := self.pending
	self.pending = nil
	self.scheduled = false
	self.lastSend = time.Now()
	self.mutex.Unlock()

	if pending == nil || pending.IsEmpty() {
		return
	}
	self.sendUpdate(pending)
}
