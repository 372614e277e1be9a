package collab

import (
	"context"
	"errors"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

var ErrRoomClosed = errors.New("room closed")

type RoomSettings struct {
	// a connection with no inbound traffic for this long is removed and
	// peers see `peer_left`
	HeartbeatTimeout       time.Duration
	HeartbeatCheckInterval time.Duration
	// how often a dirty document is checkpointed to the snapshot store
	CheckpointInterval time.Duration
	// how long an empty room stays resident before it saves and stops
	IdleTimeout time.Duration

	MessageBufferSize  int
	ConnSendBufferSize int
	// how long a broadcast of an ordered frame may block on a slow
	// consumer before the consumer is dropped from the room
	SendTimeout time.Duration
}

func DefaultRoomSettings() *RoomSettings {
	return &RoomSettings{
		HeartbeatTimeout:       30 * time.Second,
		HeartbeatCheckInterval: 5 * time.Second,
		CheckpointInterval:     30 * time.Second,
		IdleTimeout:            60 * time.Second,
		MessageBufferSize:      64,
		ConnSendBufferSize:     32,
		SendTimeout:            5 * time.Second,
	}
}

// Room is the sequencer: the per-room authority assigning total order to
// operations. it is an owned actor with a single goroutine receiving
// messages over a channel; connections never share memory with it.
// concurrency across rooms is unconstrained, within a room fully
// serialized.
type Room struct {
	ctx    context.Context
	cancel context.CancelFunc

	roomId    string
	store     *DocumentStore
	snapshots SnapshotStore

	settings *RoomSettings

	messages chan any

	idleCondition *IdleCondition
}

// actor-internal messages

type roomJoin struct {
	join   *Join
	label  string
	send   chan []byte
	result chan *JoinAck
}

type roomLeave struct {
	connectionId Id
}

type roomPresence struct {
	connectionId Id
	update       *PresenceUpdate
}

type roomSubmit struct {
	connectionId Id
	submit       *SubmitOp
}

type roomHeartbeat struct {
	connectionId Id
}

type roomConn struct {
	connectionId Id
	label        string
	presence     *Presence
	lastSeen     time.Time
	send         chan []byte
}

func NewRoomWithDefaults(ctx context.Context, roomId string, snapshots SnapshotStore) *Room {
	return NewRoom(ctx, roomId, snapshots, DefaultRoomSettings())
}

func NewRoom(ctx context.Context, roomId string, snapshots SnapshotStore, settings *RoomSettings) *Room {
	cancelCtx, cancel := context.WithCancel(ctx)
	room := &Room{
		ctx:           cancelCtx,
		cancel:        cancel,
		roomId:        roomId,
		store:         NewDocumentStore(),
		snapshots:     snapshots,
		settings:      settings,
		messages:      make(chan any, settings.MessageBufferSize),
		idleCondition: NewIdleCondition(),
	}
	go room.run()
	return room
}

func (self *Room) RoomId() string {
	return self.roomId
}

func (self *Room) Done() <-chan struct{} {
	return self.ctx.Done()
}

// Join registers a connection and returns the snapshot ack. `send` carries
// encoded frames to the connection; it is closed when the connection is
// removed from the room.
func (self *Room) Join(ctx context.Context, join *Join, label string, send chan []byte) (*JoinAck, error) {
	// guard against racing the idle shutdown
	if !self.idleCondition.UpdateOpen() {
		return nil, ErrRoomClosed
	}
	defer self.idleCondition.UpdateClose()

	result := make(chan *JoinAck, 1)
	message := &roomJoin{
		join:   join,
		label:  label,
		send:   send,
		result: result,
	}
	select {
	case <-self.ctx.Done():
		return nil, ErrRoomClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case self.messages <- message:
	}
	select {
	case <-self.ctx.Done():
		return nil, ErrRoomClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case joinAck := <-result:
		return joinAck, nil
	}
}

func (self *Room) Leave(connectionId Id) {
	self.post(&roomLeave{connectionId: connectionId})
}

func (self *Room) Presence(connectionId Id, update *PresenceUpdate) {
	self.post(&roomPresence{connectionId: connectionId, update: update})
}

func (self *Room) Submit(connectionId Id, submit *SubmitOp) {
	self.post(&roomSubmit{connectionId: connectionId, submit: submit})
}

func (self *Room) Heartbeat(connectionId Id) {
	self.post(&roomHeartbeat{connectionId: connectionId})
}

func (self *Room) post(message any) {
	select {
	case <-self.ctx.Done():
	case self.messages <- message:
	}
}

func (self *Room) Close() {
	self.cancel()
}

func (self *Room) run() {
	defer self.cancel()

	conns := map[Id]*roomConn{}
	nextOpId := uint64(0)
	dirty := false
	emptySince := time.Now()
	// conns dropped mid fan-out, announced to the survivors once the
	// current fan-out completes
	dropped := []Id{}

	// cold start
	if self.snapshots != nil {
		loadCtx, loadCancel := context.WithTimeout(self.ctx, 10*time.Second)
		snapshot, err := self.snapshots.LoadSnapshot(loadCtx, self.roomId)
		loadCancel()
		switch {
		case err == nil:
			self.store.Reset(snapshot.Doc, snapshot.Seq)
			nextOpId = snapshot.Seq
			glog.V(1).Infof("%s load snapshot seq=%d\n", roomTag(self.roomId), snapshot.Seq)
		case errors.Is(err, ErrNoSnapshot):
			// cold room, empty document
		default:
			// non-fatal: start with an empty document
			glog.Infof("%s snapshot load error = %s\n", roomTag(self.roomId), err)
		}
	}

	save := func() {
		if self.snapshots == nil || !dirty {
			return
		}
		saveCtx, saveCancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := self.snapshots.SaveSnapshot(saveCtx, self.roomId, &Snapshot{
			Doc: self.store.Document(),
			Seq: nextOpId,
		})
		saveCancel()
		if err != nil {
			glog.Infof("%s snapshot save error = %s\n", roomTag(self.roomId), err)
			return
		}
		dirty = false
		glog.V(1).Infof("%s save snapshot seq=%d\n", roomTag(self.roomId), nextOpId)
	}

	defer save()

	// drop removes the conn from the actor's conn map without recursing
	// into broadcasts. the peer left announcement is deferred to
	// announceDropped once the current fan-out completes.
	drop := func(conn *roomConn) {
		if _, ok := conns[conn.connectionId]; !ok {
			return
		}
		delete(conns, conn.connectionId)
		close(conn.send)
		dropped = append(dropped, conn.connectionId)
		if len(conns) == 0 {
			emptySince = time.Now()
		}
	}

	removeConn := func(conn *roomConn, reason string) {
		if _, ok := conns[conn.connectionId]; !ok {
			return
		}
		delete(conns, conn.connectionId)
		close(conn.send)
		if len(conns) == 0 {
			emptySince = time.Now()
		}
		glog.V(1).Infof("%s remove %s (%s)\n", roomTag(self.roomId), conn.connectionId, reason)
		frameBytes := RequireEncodeFrame(&PeerLeft{ConnectionId: conn.connectionId})
		for _, peer := range maps.Values(conns) {
			self.sendToConn(peer, frameBytes, true, drop)
		}
	}

	// announcing can itself drop more slow consumers, so loop until quiet
	announceDropped := func() {
		for 0 < len(dropped) {
			connectionId := dropped[0]
			dropped = dropped[1:]
			glog.V(1).Infof("%s remove %s (slow consumer)\n", roomTag(self.roomId), connectionId)
			frameBytes := RequireEncodeFrame(&PeerLeft{ConnectionId: connectionId})
			for _, peer := range maps.Values(conns) {
				self.sendToConn(peer, frameBytes, true, drop)
			}
		}
	}

	// broadcast to all. drops the conn on send timeout so one slow
	// consumer cannot stall the room.
	broadcast := func(frameBytes []byte, except Id) {
		for _, conn := range maps.Values(conns) {
			if conn.connectionId == except {
				continue
			}
			self.sendToConn(conn, frameBytes, true, drop)
		}
	}

	heartbeatTicker := time.NewTicker(self.settings.HeartbeatCheckInterval)
	defer heartbeatTicker.Stop()
	checkpointTicker := time.NewTicker(self.settings.CheckpointInterval)
	defer checkpointTicker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case message := <-self.messages:
			switch v := message.(type) {
			case *roomJoin:
				connectionId := NewId()
				if nextOpId == 0 && v.join.DocumentHint != nil && len(conns) == 0 {
					doc := self.store.Document()
					if len(doc.TextBoxes) == 0 && len(doc.Comments) == 0 {
						// first joiner seeds the cold room
						self.store.Reset(v.join.DocumentHint, 0)
						dirty = true
					}
				}
				presence := &Presence{}
				if v.join.Presence != nil {
					presence = v.join.Presence.Copy()
				}
				peers := []*PeerState{}
				for _, conn := range maps.Values(conns) {
					peers = append(peers, &PeerState{
						ConnectionId: conn.connectionId,
						Label:        conn.label,
						Presence:     conn.presence.Copy(),
					})
				}
				conn := &roomConn{
					connectionId: connectionId,
					label:        v.label,
					presence:     presence,
					lastSeen:     time.Now(),
					send:         v.send,
				}
				conns[connectionId] = conn
				v.result <- &JoinAck{
					ConnectionId: connectionId,
					Label:        v.label,
					Snapshot:     self.store.Document(),
					SnapshotSeq:  nextOpId,
					Peers:        peers,
				}
				frameBytes := RequireEncodeFrame(&PeerJoined{
					Peer: &PeerState{
						ConnectionId: connectionId,
						Label:        v.label,
						Presence:     presence.Copy(),
					},
				})
				broadcast(frameBytes, connectionId)
				glog.V(1).Infof("%s join %s (%s)\n", roomTag(self.roomId), connectionId, v.label)
			case *roomLeave:
				if conn, ok := conns[v.connectionId]; ok {
					removeConn(conn, "leave")
				}
			case *roomPresence:
				conn, ok := conns[v.connectionId]
				if !ok {
					continue
				}
				conn.lastSeen = time.Now()
				if v.update == nil || v.update.IsEmpty() {
					continue
				}
				v.update.merge(conn.presence)
				frameBytes := RequireEncodeFrame(&PresenceFrame{
					ConnectionId: v.connectionId,
					Update:       v.update,
				})
				// presence is unordered; drop rather than block
				for _, peer := range maps.Values(conns) {
					if peer.connectionId == v.connectionId {
						continue
					}
					self.sendToConn(peer, frameBytes, false, nil)
				}
			case *roomSubmit:
				conn, ok := conns[v.connectionId]
				if !ok {
					continue
				}
				conn.lastSeen = time.Now()
				op := v.submit.Op
				if op == nil {
					glog.Infof("%s malformed submit from %s\n", roomTag(self.roomId), v.connectionId)
					continue
				}
				// the origin is authoritative, never client-supplied
				op.Origin = v.connectionId
				op.OpId = nextOpId + 1
				if err := self.store.Apply(op); err != nil {
					op.OpId = 0
					reject := &OpReject{
						ClientOpId: v.submit.ClientOpId,
						Reason:     rejectReason(err),
						Message:    err.Error(),
					}
					self.sendToConn(conn, RequireEncodeFrame(reject), true, drop)
					glog.V(1).Infof("%s reject %s from %s = %s\n", roomTag(self.roomId), op, v.connectionId, err)
					continue
				}
				nextOpId += 1
				dirty = true
				ack := &OpAck{
					ClientOpId: v.submit.ClientOpId,
					OpId:       op.OpId,
				}
				self.sendToConn(conn, RequireEncodeFrame(ack), true, drop)
				broadcast(RequireEncodeFrame(&DocOp{Op: op}), Id{})
				glog.V(2).Infof("%s apply %s\n", roomTag(self.roomId), op)
			case *roomHeartbeat:
				if conn, ok := conns[v.connectionId]; ok {
					conn.lastSeen = time.Now()
				}
			}
			announceDropped()
		case <-heartbeatTicker.C:
			now := time.Now()
			for _, conn := range maps.Values(conns) {
				if self.settings.HeartbeatTimeout < now.Sub(conn.lastSeen) {
					removeConn(conn, "heartbeat timeout")
				}
			}
			announceDropped()
			if len(conns) == 0 && self.settings.IdleTimeout < now.Sub(emptySince) {
				checkpointId := self.idleCondition.Checkpoint()
				// re-check after the checkpoint: a join may be in flight
				if len(conns) == 0 && self.idleCondition.Close(checkpointId) {
					glog.V(1).Infof("%s idle close\n", roomTag(self.roomId))
					return
				}
			}
		case <-checkpointTicker.C:
			save()
		}
	}
}

// sendToConn writes a frame to the connection's send channel. ordered
// frames block up to the send timeout and drop the consumer on overflow;
// unordered frames (presence) are dropped immediately when the buffer is
// full.
func (self *Room) sendToConn(conn *roomConn, frameBytes []byte, ordered bool, drop func(conn *roomConn)) {
	select {
	case conn.send <- frameBytes:
		return
	default:
	}
	if !ordered {
		glog.V(2).Infof("%s drop presence for %s\n", roomTag(self.roomId), conn.connectionId)
		return
	}
	select {
	case conn.send <- frameBytes:
	case <-self.ctx.Done():
	case <-time.After(self.settings.SendTimeout):
		glog.Infof("%s slow consumer %s dropped\n", roomTag(self.roomId), conn.connectionId)
		if drop != nil {
			drop(conn)
		}
	}
}

func rejectReason(err error) RejectReason {
	switch {
	case errors.Is(err, ErrNotFound):
		return RejectNotFound
	case errors.Is(err, ErrTargetExists):
		return RejectTargetExists
	default:
		return RejectInvalidDiff
	}
}
