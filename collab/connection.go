package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

type ConnectionState uint8

const (
	ConnectionStateConnecting   ConnectionState = 1
	ConnectionStateConnected    ConnectionState = 2
	ConnectionStateReconnecting ConnectionState = 3
	ConnectionStateClosed       ConnectionState = 4
)

func (self ConnectionState) String() string {
	switch self {
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateReconnecting:
		return "reconnecting"
	case ConnectionStateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(self))
	}
}

type StateFunction func(state ConnectionState)

type PeerEvent uint8

const (
	PeerEventJoined   PeerEvent = 1
	PeerEventLeft     PeerEvent = 2
	PeerEventPresence PeerEvent = 3
)

type PeerFunction func(event PeerEvent, peer *PeerState)

type ConnectionSettings struct {
	PresenceSettings *PresenceReplicatorSettings

	HistoryLimit int

	ReconnectInitialBackoff time.Duration
	ReconnectMaxBackoff     time.Duration
}

func DefaultConnectionSettings() *ConnectionSettings {
	return &ConnectionSettings{
		PresenceSettings:        DefaultPresenceReplicatorSettings(),
		HistoryLimit:            DefaultHistoryLimit,
		ReconnectInitialBackoff: 500 * time.Millisecond,
		ReconnectMaxBackoff:     30 * time.Second,
	}
}

// Connection is one participant's live session in a room: a local replica
// of the document, optimistic edits with per-connection undo and redo,
// replicated presence, and automatic redial with rejoin. all exported
// methods are safe for concurrent use.
//
// edits apply to the local replica immediately and are confirmed or rolled
// back when the room's verdict arrives on the ack callback. on rejoin the
// replica resets to the room's current snapshot with empty history; edits
// not yet acknowledged at disconnect are discarded and their ack callbacks
// see ErrConnectionLost.
type Connection struct {
	ctx    context.Context
	cancel context.CancelFunc

	dialer RoomDialer
	roomId string
	byJwt  string
	// seeds a cold room on first join
	documentHint *Document

	settings *ConnectionSettings

	store      *DocumentStore
	history    *historyManager
	dispatcher *dispatcher
	presence   *presenceReplicator
	arbiter    *selectionArbiter

	connectEvent *Event

	stateCallbacks CallbackList[StateFunction]
	peerCallbacks  CallbackList[PeerFunction]

	mutex        sync.Mutex
	state        ConnectionState
	connectionId Id
	label        string
	channel      RoomChannel
	peers        map[Id]*PeerState
}

func NewConnectionWithDefaults(
	ctx context.Context,
	dialer RoomDialer,
	roomId string,
	byJwt string,
	initialPresence *Presence,
) *Connection {
	return NewConnection(ctx, dialer, roomId, byJwt, initialPresence, nil, DefaultConnectionSettings())
}

func NewConnection(
	ctx context.Context,
	dialer RoomDialer,
	roomId string,
	byJwt string,
	initialPresence *Presence,
	documentHint *Document,
	settings *ConnectionSettings,
) *Connection {
	cancelCtx, cancel := context.WithCancel(ctx)

	store := NewDocumentStore()
	history := newHistoryManager(settings.HistoryLimit)

	connection := &Connection{
		ctx:          cancelCtx,
		cancel:       cancel,
		dialer:       dialer,
		roomId:       roomId,
		byJwt:        byJwt,
		documentHint: documentHint,
		settings:     settings,
		store:        store,
		history:      history,
		dispatcher:   newDispatcher(store, history),
		arbiter:      newSelectionArbiter(),
		connectEvent: NewEvent(),
		state:        ConnectionStateConnecting,
		peers:        map[Id]*PeerState{},
	}
	connection.presence = newPresenceReplicator(
		cancelCtx,
		initialPresence,
		connection.sendPresence,
		settings.PresenceSettings,
	)
	go connection.run()
	return connection
}

func (self *Connection) run() {
	defer func() {
		self.cancel()
		self.setState(ConnectionStateClosed)
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		channel, err := self.dial()
		if err != nil {
			return
		}

		joinAck := channel.JoinAck()
		self.attach(channel, joinAck)
		glog.V(1).Infof("%s joined as %s\n", connTag(self.roomId, joinAck.ConnectionId), joinAck.Label)

		for message := range channel.Receive() {
			self.handleMessage(message)
		}

		// channel lost
		channel.Close()
		self.dispatcher.Detach()

		select {
		case <-self.ctx.Done():
			return
		default:
		}
		self.setState(ConnectionStateReconnecting)
		glog.V(1).Infof("%s channel lost, redialing\n", roomTag(self.roomId))
	}
}

// dial redials with exponential backoff until the channel is established
// or the connection is closed
func (self *Connection) dial() (RoomChannel, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = self.settings.ReconnectInitialBackoff
	bo.MaxInterval = self.settings.ReconnectMaxBackoff
	bo.MaxElapsedTime = 0

	return backoff.RetryWithData(
		func() (RoomChannel, error) {
			join := &Join{
				RoomId:       self.roomId,
				ByJwt:        self.byJwt,
				Presence:     self.presence.Presence(),
				DocumentHint: self.documentHint,
			}
			channel, err := self.dialer.DialRoom(self.ctx, join)
			if err != nil {
				glog.V(1).Infof("%s dial error = %s\n", roomTag(self.roomId), err)
				return nil, err
			}
			return channel, nil
		},
		backoff.WithContext(bo, self.ctx),
	)
}

// attach resets the replica to the room's snapshot and rebinds the
// pipeline to the fresh channel
func (self *Connection) attach(channel RoomChannel, joinAck *JoinAck) {
	self.store.Reset(joinAck.Snapshot, joinAck.SnapshotSeq)
	self.history.Reset()
	self.arbiter.Reset()
	self.dispatcher.Attach(joinAck.ConnectionId, channel.Send)

	peers := map[Id]*PeerState{}
	for _, peer := range joinAck.Peers {
		peers[peer.ConnectionId] = peer
		if peer.Presence != nil {
			self.arbiter.Update(peer.ConnectionId, peer.Presence.Selection)
		}
	}

	self.mutex.Lock()
	self.channel = channel
	self.connectionId = joinAck.ConnectionId
	self.label = joinAck.Label
	self.peers = peers
	self.state = ConnectionStateConnected
	self.mutex.Unlock()

	for _, callback := range self.stateCallbacks.Get() {
		callback(ConnectionStateConnected)
	}
	self.connectEvent.Set()
}

func (self *Connection) handleMessage(message any) {
	switch v := message.(type) {
	case *OpAck:
		self.dispatcher.Ack(v)
	case *OpReject:
		self.dispatcher.Reject(v)
	case *DocOp:
		if v.Op == nil {
			return
		}
		self.dispatcher.ApplyRemote(v.Op)
	case *PresenceFrame:
		self.mutex.Lock()
		peer, ok := self.peers[v.ConnectionId]
		if ok && v.Update != nil {
			if peer.Presence == nil {
				peer.Presence = &Presence{}
			}
			v.Update.merge(peer.Presence)
		}
		self.mutex.Unlock()
		if !ok || v.Update == nil {
			return
		}
		if v.Update.Selection != nil {
			self.arbiter.Update(v.ConnectionId, v.Update.Selection.Target)
		}
		self.notifyPeer(PeerEventPresence, v.ConnectionId)
	case *PeerJoined:
		if v.Peer == nil {
			return
		}
		self.mutex.Lock()
		self.peers[v.Peer.ConnectionId] = v.Peer
		self.mutex.Unlock()
		if v.Peer.Presence != nil {
			self.arbiter.Update(v.Peer.ConnectionId, v.Peer.Presence.Selection)
		}
		self.notifyPeer(PeerEventJoined, v.Peer.ConnectionId)
	case *PeerLeft:
		self.mutex.Lock()
		peer, ok := self.peers[v.ConnectionId]
		delete(self.peers, v.ConnectionId)
		self.mutex.Unlock()
		self.arbiter.Remove(v.ConnectionId)
		if ok {
			for _, callback := range self.peerCallbacks.Get() {
				callback(PeerEventLeft, peer)
			}
		}
	default:
		glog.V(1).Infof("%s unexpected frame %T\n", roomTag(self.roomId), message)
	}
}

func (self *Connection) notifyPeer(event PeerEvent, connectionId Id) {
	self.mutex.Lock()
	peer, ok := self.peers[connectionId]
	var peerCopy *PeerState
	if ok {
		peerCopy = &PeerState{
			ConnectionId: peer.ConnectionId,
			Label:        peer.Label,
		}
		if peer.Presence != nil {
			peerCopy.Presence = peer.Presence.Copy()
		}
	}
	self.mutex.Unlock()
	if !ok {
		return
	}
	for _, callback := range self.peerCallbacks.Get() {
		callback(event, peerCopy)
	}
}

func (self *Connection) setState(state ConnectionState) {
	self.mutex.Lock()
	if self.state == state || self.state == ConnectionStateClosed {
		self.mutex.Unlock()
		return
	}
	self.state = state
	self.mutex.Unlock()

	for _, callback := range self.stateCallbacks.Get() {
		callback(state)
	}
}

func (self *Connection) sendPresence(update *PresenceUpdate) {
	self.mutex.Lock()
	channel := self.channel
	connected := self.state == ConnectionStateConnected
	self.mutex.Unlock()
	if !connected || channel == nil {
		// presence while disconnected is dropped, the rejoin carries the
		// full current presence
		return
	}
	if err := channel.Send(&PresenceFrame{Update: update}); err != nil {
		glog.V(2).Infof("%s presence send error = %s\n", roomTag(self.roomId), err)
	}
}

// RoomId returns the room this connection participates in.
func (self *Connection) RoomId() string {
	return self.roomId
}

// ConnectionId returns the room-assigned connection id, or the zero id
// before the first join completes. it changes on every rejoin.
func (self *Connection) ConnectionId() Id {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.connectionId
}

// Label returns the display label derived from the join identity.
func (self *Connection) Label() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.label
}

func (self *Connection) State() ConnectionState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

// WaitForConnect blocks until the first join completes or the timeout
// elapses.
func (self *Connection) WaitForConnect(timeout time.Duration) bool {
	return self.connectEvent.WaitForSet(timeout)
}

// Document returns a copy of the local replica.
func (self *Connection) Document() *Document {
	return self.store.Document()
}

func (self *Connection) GetTextBox(textBoxId Id) (*TextBox, bool) {
	return self.store.GetTextBox(textBoxId)
}

func (self *Connection) GetComment(commentId Id) (*Comment, bool) {
	return self.store.GetComment(commentId)
}

// Peers returns the current peer states, excluding this connection.
func (self *Connection) Peers() []*PeerState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	peers := []*PeerState{}
	for _, peer := range maps.Values(self.peers) {
		peerCopy := &PeerState{
			ConnectionId: peer.ConnectionId,
			Label:        peer.Label,
		}
		if peer.Presence != nil {
			peerCopy.Presence = peer.Presence.Copy()
		}
		peers = append(peers, peerCopy)
	}
	return peers
}

// Presence returns this connection's own presence.
func (self *Connection) Presence() *Presence {
	return self.presence.Presence()
}

// UpdatePresence merges the included fields into the local presence and
// replicates them, coalesced to at most one broadcast per window.
func (self *Connection) UpdatePresence(update *PresenceUpdate) {
	self.presence.Update(update)
	if update != nil && update.Selection != nil {
		self.mutex.Lock()
		connectionId := self.connectionId
		self.mutex.Unlock()
		self.arbiter.Update(connectionId, update.Selection.Target)
	}
}

// IsClaimedByOther reports whether a peer's presence currently selects the
// entity. the claim is advisory and never blocks an edit.
func (self *Connection) IsClaimedByOther(entityId Id) bool {
	claimant, ok := self.arbiter.ClaimedBy(entityId)
	if !ok {
		return false
	}
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return claimant != self.connectionId
}

// ClaimedBy returns the connection whose presence currently selects the
// entity.
func (self *Connection) ClaimedBy(entityId Id) (Id, bool) {
	return self.arbiter.ClaimedBy(entityId)
}

// AddChangeCallback registers a callback for every applied change to the
// local replica: optimistic applies, remote ops, rollbacks, and snapshot
// resets (nil op). returns a remove function.
func (self *Connection) AddChangeCallback(changeCallback ChangeFunction) func() {
	return self.store.AddChangeCallback(changeCallback)
}

func (self *Connection) AddStateCallback(stateCallback StateFunction) func() {
	return self.stateCallbacks.Add(stateCallback)
}

func (self *Connection) AddPeerCallback(peerCallback PeerFunction) func() {
	return self.peerCallbacks.Add(peerCallback)
}

// CreateTextBox applies the text box locally and submits it for
// sequencing. a zero id is assigned. the returned id is final; the ack
// callback reports the room's verdict.
func (self *Connection) CreateTextBox(textBox *TextBox, ackCallback AckFunction) (Id, error) {
	payload := textBox.Copy()
	if payload.Id.IsZero() {
		payload.Id = NewId()
	}
	op := &Operation{
		Kind:    OpCreate,
		Entity:  EntityTextBox,
		Target:  payload.Id,
		TextBox: payload,
	}
	if err := self.dispatcher.Submit(op, historyRecord, nil, ackCallback); err != nil {
		return Id{}, err
	}
	return payload.Id, nil
}

// UpdateTextBox applies the diff locally and submits it. conflicts resolve
// per field: concurrent writes to different fields both land, concurrent
// writes to the same field resolve to the op the room sequenced last.
func (self *Connection) UpdateTextBox(textBoxId Id, diff *TextBoxDiff, ackCallback AckFunction) error {
	if diff == nil || diff.IsEmpty() {
		return invalidDiff("textBoxDiff", "update without diff")
	}
	current, ok := self.store.GetTextBox(textBoxId)
	if !ok {
		return ErrNotFound
	}
	op := &Operation{
		Kind:               OpUpdate,
		Entity:             EntityTextBox,
		Target:             textBoxId,
		TextBoxDiff:        diff,
		InverseTextBoxDiff: diff.invert(current),
	}
	return self.dispatcher.Submit(op, historyRecord, nil, ackCallback)
}

// DeleteTextBox removes the text box. comments attached to it are removed
// when the room sequences the delete.
func (self *Connection) DeleteTextBox(textBoxId Id, ackCallback AckFunction) error {
	current, ok := self.store.GetTextBox(textBoxId)
	if !ok {
		return ErrNotFound
	}
	op := &Operation{
		Kind:   OpDelete,
		Entity: EntityTextBox,
		Target: textBoxId,
		// pre-delete snapshot, carried for rollback and undo
		TextBox: current,
	}
	return self.dispatcher.Submit(op, historyRecord, nil, ackCallback)
}

// CreateComment applies the comment locally and submits it. the comment
// must reference a live text box.
func (self *Connection) CreateComment(comment *Comment, ackCallback AckFunction) (Id, error) {
	payload := comment.Copy()
	if payload.Id.IsZero() {
		payload.Id = NewId()
	}
	op := &Operation{
		Kind:    OpCreate,
		Entity:  EntityComment,
		Target:  payload.Id,
		Comment: payload,
	}
	if err := self.dispatcher.Submit(op, historyRecord, nil, ackCallback); err != nil {
		return Id{}, err
	}
	return payload.Id, nil
}

func (self *Connection) UpdateComment(commentId Id, diff *CommentDiff, ackCallback AckFunction) error {
	if diff == nil || diff.IsEmpty() {
		return invalidDiff("commentDiff", "update without diff")
	}
	current, ok := self.store.GetComment(commentId)
	if !ok {
		return ErrNotFound
	}
	op := &Operation{
		Kind:               OpUpdate,
		Entity:             EntityComment,
		Target:             commentId,
		CommentDiff:        diff,
		InverseCommentDiff: diff.invert(current),
	}
	return self.dispatcher.Submit(op, historyRecord, nil, ackCallback)
}

func (self *Connection) DeleteComment(commentId Id, ackCallback AckFunction) error {
	current, ok := self.store.GetComment(commentId)
	if !ok {
		return ErrNotFound
	}
	op := &Operation{
		Kind:    OpDelete,
		Entity:  EntityComment,
		Target:  commentId,
		Comment: current,
	}
	return self.dispatcher.Submit(op, historyRecord, nil, ackCallback)
}

func (self *Connection) CanUndo() bool {
	return self.history.CanUndo()
}

func (self *Connection) CanRedo() bool {
	return self.history.CanRedo()
}

// Undo submits the inverse of this connection's most recent edit. the undo
// is suppressed, returning false with the entry discarded, when the target
// no longer exists or the touched fields were since overwritten by another
// connection. an undone edit moves to the redo stack when the room
// acknowledges the inverse.
func (self *Connection) Undo(ackCallback AckFunction) (bool, error) {
	for {
		entry := self.history.PopUndo()
		if entry == nil {
			return false, nil
		}
		self.mutex.Lock()
		connectionId := self.connectionId
		self.mutex.Unlock()
		if !self.store.CanInvert(entry.op, connectionId) {
			// suppressed rather than blindly reapplied
			glog.V(1).Infof("%s undo suppressed %s\n", roomTag(self.roomId), entry.op)
			continue
		}
		inverse := entry.op.Inverse()
		if err := self.dispatcher.Submit(inverse, historyUndo, entry, ackCallback); err != nil {
			self.history.RestoreUndo(entry)
			return false, err
		}
		return true, nil
	}
}

// Redo submits the inverse of the most recent undo, subject to the same
// suppression rules.
func (self *Connection) Redo(ackCallback AckFunction) (bool, error) {
	for {
		entry := self.history.PopRedo()
		if entry == nil {
			return false, nil
		}
		self.mutex.Lock()
		connectionId := self.connectionId
		self.mutex.Unlock()
		if !self.store.CanInvert(entry.op, connectionId) {
			glog.V(1).Infof("%s redo suppressed %s\n", roomTag(self.roomId), entry.op)
			continue
		}
		inverse := entry.op.Inverse()
		if err := self.dispatcher.Submit(inverse, historyRedo, entry, ackCallback); err != nil {
			self.history.RestoreRedo(entry)
			return false, err
		}
		return true, nil
	}
}

// Close leaves the room and stops the connection. the connection cannot be
// reused after close.
func (self *Connection) Close() {
	self.mutex.Lock()
	channel := self.channel
	self.channel = nil
	self.mutex.Unlock()

	if channel != nil {
		channel.Send(&Leave{})
		channel.Close()
	}
	self.cancel()
}
