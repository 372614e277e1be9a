package collab

import (
	"fmt"
)

// Logging convention in the `collab` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) lifecycle data that is useful for monitoring
//     this includes:
//     - join/auth failures, reconnects, heartbeat timeouts
//     - snapshot load/save failures
//     - malformed or rejected frames
// V(1):
//     room and connection lifecycle events with ids that can be used to filter
// V(2):
//     per-frame events - send, receive, presence flush, op apply -
//     high volume, only useful for trace debugging
//
// Tags: [rs] room sequencer, [sv] server, [t] transport, [c] connection,
// [d] dispatcher, [p] presence

func roomTag(roomId string) string {
	return fmt.Sprintf("[rs]%s", roomId)
}

func connTag(roomId string, connectionId Id) string {
	return fmt.Sprintf("[c]%s/%s", roomId, connectionId)
}
