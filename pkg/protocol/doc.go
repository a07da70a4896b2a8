// Package protocol implements the JSON wire protocol spoken between livestate
// clients and servers.
//
// Every frame is a single WebSocket text message carrying one envelope:
//
//	{"type": "call-action", "componentId": "c1", "requestId": "r1", "payload": {...}, "timestamp": 1700000000000}
//
// Requests that expect a reply carry a unique requestId; the reply echoes it.
// Frames addressed to a mounted component carry its componentId.
//
// # Message Types
//
// Connection lifecycle:
//
//   - connection-established (server → client): connection id
//   - ping / pong: application heartbeat
//   - error: failure, optionally correlated with a request
//   - message-response: generic reply {success, result | error}
//
// Components:
//
//   - mount, call-action, unmount (client → server)
//   - state-update (server → client): new state and a signed snapshot
//   - rehydrate (client → server), rehydrated (server → client)
//
// Uploads:
//
//   - upload-start, upload-chunk, upload-complete, upload-cancel (client → server)
//   - upload-progress, upload-completed (server → client)
package protocol
