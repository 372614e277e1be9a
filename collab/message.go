package collab

import (
	"fmt"
)

// room channel protocol. frames cross the websocket as CBOR-encoded
// binary messages; an empty binary message is the keepalive ping.

type FrameType uint8

const (
	FrameTypeJoin     FrameType = 1
	FrameTypeJoinAck  FrameType = 2
	FrameTypeLeave    FrameType = 3
	FrameTypePresence FrameType = 4
	FrameTypeSubmitOp FrameType = 5
	FrameTypeOpAck    FrameType = 6
	FrameTypeOpReject FrameType = 7
	FrameTypeDocOp    FrameType = 8
	FrameTypePeerJoin FrameType = 9
	FrameTypePeerLeft FrameType = 10
)

type Frame struct {
	Type FrameType `cbor:"1,keyasint"`
	Body []byte    `cbor:"2,keyasint,omitempty"`
}

type Join struct {
	RoomId string `cbor:"1,keyasint"`
	// opaque identity token. the engine only extracts a display label.
	ByJwt    string    `cbor:"2,keyasint,omitempty"`
	Presence *Presence `cbor:"3,keyasint,omitempty"`
	// optional seed for a cold room with no snapshot (first joiner)
	DocumentHint *Document `cbor:"4,keyasint,omitempty"`
}

type PeerState struct {
	ConnectionId Id        `cbor:"1,keyasint"`
	Label        string    `cbor:"2,keyasint"`
	Presence     *Presence `cbor:"3,keyasint,omitempty"`
}

type JoinAck struct {
	ConnectionId Id           `cbor:"1,keyasint"`
	Label        string       `cbor:"2,keyasint"`
	Snapshot     *Document    `cbor:"3,keyasint"`
	SnapshotSeq  uint64       `cbor:"4,keyasint"`
	Peers        []*PeerState `cbor:"5,keyasint,omitempty"`
}

type Leave struct{}

// client -> server: a local partial update.
// server -> clients: fanned out with the origin connection id set.
type PresenceFrame struct {
	ConnectionId Id              `cbor:"1,keyasint,omitempty"`
	Update       *PresenceUpdate `cbor:"2,keyasint"`
}

type SubmitOp struct {
	// client-local id used to correlate the ack or reject
	ClientOpId uint64     `cbor:"1,keyasint"`
	Op         *Operation `cbor:"2,keyasint"`
}

type OpAck struct {
	ClientOpId uint64 `cbor:"1,keyasint"`
	OpId       uint64 `cbor:"2,keyasint"`
}

type RejectReason uint8

const (
	RejectNotFound     RejectReason = 1
	RejectInvalidDiff  RejectReason = 2
	RejectTargetExists RejectReason = 3
)

func (self RejectReason) String() string {
	switch self {
	case RejectNotFound:
		return "not found"
	case RejectInvalidDiff:
		return "invalid diff"
	case RejectTargetExists:
		return "target exists"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(self))
	}
}

type OpReject struct {
	ClientOpId uint64       `cbor:"1,keyasint"`
	Reason     RejectReason `cbor:"2,keyasint"`
	Message    string       `cbor:"3,keyasint,omitempty"`
}

type DocOp struct {
	Op *Operation `cbor:"1,keyasint"`
}

type PeerJoined struct {
	Peer *PeerState `cbor:"1,keyasint"`
}

type PeerLeft struct {
	ConnectionId Id `cbor:"1,keyasint"`
}

func EncodeFrame(message any) ([]byte, error) {
	var frameType FrameType
	switch message.(type) {
	case *Join:
		frameType = FrameTypeJoin
	case *JoinAck:
		frameType = FrameTypeJoinAck
	case *Leave:
		frameType = FrameTypeLeave
	case *PresenceFrame:
		frameType = FrameTypePresence
	case *SubmitOp:
		frameType = FrameTypeSubmitOp
	case *OpAck:
		frameType = FrameTypeOpAck
	case *OpReject:
		frameType = FrameTypeOpReject
	case *DocOp:
		frameType = FrameTypeDocOp
	case *PeerJoined:
		frameType = FrameTypePeerJoin
	case *PeerLeft:
		frameType = FrameTypePeerLeft
	default:
		return nil, fmt.Errorf("unknown message type: %T", message)
	}
	body, err := encode(message)
	if err != nil {
		return nil, err
	}
	return encode(&Frame{
		Type: frameType,
		Body: body,
	})
}

func RequireEncodeFrame(message any) []byte {
	frameBytes, err := EncodeFrame(message)
	if err != nil {
		panic(err)
	}
	return frameBytes
}

func DecodeFrame(frameBytes []byte) (any, error) {
	frame := &Frame{}
	if err := decode(frameBytes, frame); err != nil {
		return nil, err
	}
	var message any
	switch frame.Type {
	case FrameTypeJoin:
		message = &Join{}
	case FrameTypeJoinAck:
		message = &JoinAck{}
	case FrameTypeLeave:
		message = &Leave{}
	case FrameTypePresence:
		message = &PresenceFrame{}
	case FrameTypeSubmitOp:
		message = &SubmitOp{}
	case FrameTypeOpAck:
		message = &OpAck{}
	case FrameTypeOpReject:
		message = &OpReject{}
	case FrameTypeDocOp:
		message = &DocOp{}
	case FrameTypePeerJoin:
		message = &PeerJoined{}
	case FrameTypePeerLeft:
		message = &PeerLeft{}
	default:
		return nil, fmt.Errorf("unknown frame type: %d", frame.Type)
	}
	if err := decode(frame.Body, message); err != nil {
		return nil, err
	}
	return message, nil
}
