package collab

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// RoomManager owns the live rooms of one process. rooms are created on
// first join and remove themselves after their idle timeout; a join that
// races an idle close transparently gets a fresh room.
type RoomManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	snapshots SnapshotStore
	settings  *RoomSettings

	mutex sync.Mutex
	rooms map[string]*Room
}

func NewRoomManager(ctx context.Context, snapshots SnapshotStore, settings *RoomSettings) *RoomManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &RoomManager{
		ctx:       cancelCtx,
		cancel:    cancel,
		snapshots: snapshots,
		settings:  settings,
		rooms:     map[string]*Room{},
	}
}

func (self *RoomManager) room(roomId string) *Room {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	room, ok := self.rooms[roomId]
	if ok {
		select {
		case <-room.Done():
			// stopped since, replace below
		default:
			return room
		}
	}
	room = NewRoom(self.ctx, roomId, self.snapshots, self.settings)
	self.rooms[roomId] = room
	return room
}

func (self *RoomManager) JoinRoom(ctx context.Context, join *Join, label string, send chan []byte) (*Room, *JoinAck, error) {
	for {
		room := self.room(join.RoomId)
		joinAck, err := room.Join(ctx, join, label, send)
		if errors.Is(err, ErrRoomClosed) {
			select {
			case <-self.ctx.Done():
				return nil, nil, ErrRoomClosed
			default:
			}
			// room idled out between lookup and join
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return room, joinAck, nil
	}
}

func (self *RoomManager) Close() {
	self.cancel()

	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, room := range self.rooms {
		room.Close()
	}
}

type ServerSettings struct {
	WsHandshakeTimeout time.Duration
	// deadline for the join frame after the websocket handshake
	AuthTimeout  time.Duration
	WriteTimeout time.Duration
	// must exceed the clients' ping interval
	ReadTimeout time.Duration

	RoomSettings *RoomSettings
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		RoomSettings:       DefaultRoomSettings(),
	}
}

// Server terminates room channel websockets and routes frames between
// connections and their room sequencer.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	roomManager *RoomManager

	settings *ServerSettings

	upgrader *websocket.Upgrader
}

func NewServerWithDefaults(ctx context.Context, snapshots SnapshotStore) *Server {
	return NewServer(ctx, snapshots, DefaultServerSettings())
}

func NewServer(ctx context.Context, snapshots SnapshotStore, settings *ServerSettings) *Server {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Server{
		ctx:         cancelCtx,
		cancel:      cancel,
		roomManager: NewRoomManager(cancelCtx, snapshots, settings.RoomSettings),
		settings:    settings,
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: settings.WsHandshakeTimeout,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (self *Server) Close() {
	self.cancel()
	self.roomManager.Close()
}

func (self *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[sv]upgrade error = %s\n", err)
		return
	}
	go self.handle(ws)
}

func (self *Server) handle(ws *websocket.Conn) {
	defer ws.Close()

	// the first frame must be a join
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	messageType, frameBytes, err := ws.ReadMessage()
	if err != nil {
		glog.Infof("[sv]join read error = %s\n", err)
		return
	}
	if messageType != websocket.BinaryMessage {
		glog.Infof("[sv]join bad message type = %d\n", messageType)
		return
	}
	message, err := DecodeFrame(frameBytes)
	if err != nil {
		glog.Infof("[sv]join decode error = %s\n", err)
		return
	}
	join, ok := message.(*Join)
	if !ok {
		glog.Infof("[sv]expected join, got %T\n", message)
		return
	}

	label := DisplayLabel(join.ByJwt)
	send := make(chan []byte, self.settings.RoomSettings.ConnSendBufferSize)

	joinCtx, joinCancel := context.WithTimeout(self.ctx, self.settings.AuthTimeout)
	room, joinAck, err := self.roomManager.JoinRoom(joinCtx, join, label, send)
	joinCancel()
	if err != nil {
		glog.Infof("[sv]join error = %s\n", err)
		return
	}
	connectionId := joinAck.ConnectionId
	defer room.Leave(connectionId)

	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, RequireEncodeFrame(joinAck)); err != nil {
		glog.Infof("[sv]%s join ack write error = %s\n", connectionId, err)
		return
	}

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go func() {
		defer func() {
			handleCancel()
			ws.Close()
		}()

		for {
			select {
			case <-handleCtx.Done():
				return
			case frameBytes, ok := <-send:
				if !ok {
					// removed from the room
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, frameBytes); err != nil {
					glog.V(1).Infof("[sv]%s-> error = %s\n", connectionId, err)
					return
				}
				glog.V(2).Infof("[sv]%s->\n", connectionId)
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, frameBytes, err := ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[sv]%s<- error = %s\n", connectionId, err)
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if len(frameBytes) == 0 {
			// ping
			room.Heartbeat(connectionId)
			glog.V(2).Infof("[sv]ping %s<-\n", connectionId)
			continue
		}

		message, err := DecodeFrame(frameBytes)
		if err != nil {
			// a malformed frame is dropped, never applied
			glog.Infof("[sv]%s malformed frame = %s\n", connectionId, err)
			continue
		}
		switch v := message.(type) {
		case *PresenceFrame:
			room.Presence(connectionId, v.Update)
		case *SubmitOp:
			room.Submit(connectionId, v)
		case *Leave:
			return
		default:
			glog.Infof("[sv]%s unexpected frame %T\n", connectionId, message)
		}
	}
}
