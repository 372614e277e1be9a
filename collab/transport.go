package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

var ErrConnectionLost = errors.New("connection lost")

// RoomChannel is one logical channel into a room: an established, joined
// session. the receive channel closes when the channel is lost; the
// connection redials and rejoins with a fresh channel.
type RoomChannel interface {
	JoinAck() *JoinAck
	Send(message any) error
	Receive() <-chan any
	Close()
}

// RoomDialer establishes room channels. the websocket dialer talks to a
// remote server; the local dialer attaches directly to an in-process room
// manager.
type RoomDialer interface {
	DialRoom(ctx context.Context, join *Join) (RoomChannel, error)
}

type WsDialerSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	// idle interval after which an empty binary message is sent as a ping.
	// doubles as the server-side heartbeat.
	PingTimeout time.Duration

	ReceiveBufferSize int
	SendBufferSize    int
}

func DefaultWsDialerSettings() *WsDialerSettings {
	return &WsDialerSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		PingTimeout:        1 * time.Second,
		ReceiveBufferSize:  32,
		SendBufferSize:     32,
	}
}

type WsDialer struct {
	url      string
	settings *WsDialerSettings
}

func NewWsDialerWithDefaults(url string) *WsDialer {
	return NewWsDialer(url, DefaultWsDialerSettings())
}

func NewWsDialer(url string, settings *WsDialerSettings) *WsDialer {
	return &WsDialer{
		url:      url,
		settings: settings,
	}
}

func (self *WsDialer) DialRoom(ctx context.Context, join *Join) (RoomChannel, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, self.url, nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	joinBytes, err := EncodeFrame(join)
	if err != nil {
		return nil, err
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, joinBytes); err != nil {
		return nil, err
	}

	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	messageType, frameBytes, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if messageType != websocket.BinaryMessage {
		return nil, fmt.Errorf("join ack error: bad message type %d", messageType)
	}
	message, err := DecodeFrame(frameBytes)
	if err != nil {
		return nil, err
	}
	joinAck, ok := message.(*JoinAck)
	if !ok {
		return nil, fmt.Errorf("join ack error: got %T", message)
	}

	success = true

	cancelCtx, cancel := context.WithCancel(ctx)
	channel := &wsRoomChannel{
		ctx:      cancelCtx,
		cancel:   cancel,
		ws:       ws,
		joinAck:  joinAck,
		settings: self.settings,
		send:     make(chan []byte, self.settings.SendBufferSize),
		receive:  make(chan any, self.settings.ReceiveBufferSize),
	}
	go channel.runWriter()
	go channel.runReader()
	return channel, nil
}

type wsRoomChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	ws      *websocket.Conn
	joinAck *JoinAck

	settings *WsDialerSettings

	send    chan []byte
	receive chan any
}

func (self *wsRoomChannel) JoinAck() *JoinAck {
	return self.joinAck
}

func (self *wsRoomChannel) Send(message any) error {
	frameBytes, err := EncodeFrame(message)
	if err != nil {
		return err
	}
	select {
	case <-self.ctx.Done():
		return ErrConnectionLost
	case self.send <- frameBytes:
		return nil
	case <-time.After(self.settings.WriteTimeout):
		return ErrConnectionLost
	}
}

func (self *wsRoomChannel) Receive() <-chan any {
	return self.receive
}

func (self *wsRoomChannel) Close() {
	self.cancel()
	self.ws.Close()
}

func (self *wsRoomChannel) runWriter() {
	defer func() {
		self.cancel()
		self.ws.Close()
	}()

	connectionId := self.joinAck.ConnectionId
	for {
		select {
		case <-self.ctx.Done():
			return
		case frameBytes := <-self.send:
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.BinaryMessage, frameBytes); err != nil {
				// a websocket deadline timeout cannot be recovered
				glog.V(1).Infof("[t]%s-> error = %s\n", connectionId, err)
				return
			}
			glog.V(2).Infof("[t]%s->\n", connectionId)
		case <-time.After(self.settings.PingTimeout):
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}

func (self *wsRoomChannel) runReader() {
	defer func() {
		self.cancel()
		close(self.receive)
	}()

	connectionId := self.joinAck.ConnectionId
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, frameBytes, err := self.ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[t]%s<- error = %s\n", connectionId, err)
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if len(frameBytes) == 0 {
			// ping
			glog.V(2).Infof("[t]ping %s<-\n", connectionId)
			continue
		}

		message, err := DecodeFrame(frameBytes)
		if err != nil {
			// malformed frames are dropped, never applied to the replica
			glog.Infof("[t]%s malformed frame = %s\n", connectionId, err)
			continue
		}
		select {
		case <-self.ctx.Done():
			return
		case self.receive <- message:
			glog.V(2).Infof("[t]%s<-\n", connectionId)
		}
	}
}

// LocalDialer attaches connections to an in-process room manager, skipping
// the network entirely. used by tests and single-process deployments; the
// frames still round-trip through the wire codec so both paths stay honest.
type LocalDialer struct {
	roomManager *RoomManager

	receiveBufferSize int
}

func NewLocalDialer(roomManager *RoomManager) *LocalDialer {
	return &LocalDialer{
		roomManager:       roomManager,
		receiveBufferSize: 32,
	}
}

func (self *LocalDialer) DialRoom(ctx context.Context, join *Join) (RoomChannel, error) {
	send := make(chan []byte, 32)
	label := DisplayLabel(join.ByJwt)
	room, joinAck, err := self.roomManager.JoinRoom(ctx, join, label, send)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	channel := &localRoomChannel{
		ctx:     cancelCtx,
		cancel:  cancel,
		room:    room,
		joinAck: joinAck,
		receive: make(chan any, self.receiveBufferSize),
	}
	go channel.runReader(send)
	go channel.runHeartbeat()
	return channel, nil
}

type localRoomChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	room    *Room
	joinAck *JoinAck

	receive chan any
}

func (self *localRoomChannel) JoinAck() *JoinAck {
	return self.joinAck
}

func (self *localRoomChannel) Send(message any) error {
	select {
	case <-self.ctx.Done():
		return ErrConnectionLost
	default:
	}

	// round-trip through the codec to keep parity with the websocket path
	frameBytes, err := EncodeFrame(message)
	if err != nil {
		return err
	}
	decoded, err := DecodeFrame(frameBytes)
	if err != nil {
		return err
	}

	connectionId := self.joinAck.ConnectionId
	switch v := decoded.(type) {
	case *PresenceFrame:
		self.room.Presence(connectionId, v.Update)
	case *SubmitOp:
		self.room.Submit(connectionId, v)
	case *Leave:
		self.room.Leave(connectionId)
	default:
		return fmt.Errorf("unexpected frame %T", decoded)
	}
	return nil
}

func (self *localRoomChannel) Receive() <-chan any {
	return self.receive
}

func (self *localRoomChannel) Close() {
	self.cancel()
	self.room.Leave(self.joinAck.ConnectionId)
}

// keeps the connection alive against the room's heartbeat timeout, the
// same role the empty binary ping plays on the websocket path
func (self *localRoomChannel) runHeartbeat() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
			self.room.Heartbeat(self.joinAck.ConnectionId)
		}
	}
}

func (self *localRoomChannel) runReader(send chan []byte) {
	defer func() {
		self.cancel()
		close(self.receive)
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		case frameBytes, ok := <-send:
			if !ok {
				// removed from the room
				return
			}
			message, err := DecodeFrame(frameBytes)
			if err != nil {
				glog.Infof("[t]local malformed frame = %s\n", err)
				continue
			}
			select {
			case <-self.ctx.Done():
				return
			case self.receive <- message:
			}
		}
	}
}
