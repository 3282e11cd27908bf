// Package session is the active-document session manager: it keeps at
// most one live replica per document, multiplexes websocket connections
// onto it, fans accepted operations out to sibling viewers, tracks
// dirtiness for write-back persistence, and reclaims idle documents
// after a grace period.
package session

import (
	"encoding/json"
	"fmt"
)

type FrameKind string

const (
	// Client requests the current state; server answers the requester
	// only with a snapshot plus the collaborator list.
	FrameInitialSync FrameKind = "initial_sync"
	// Server to clients: a peer joined, carries the refreshed
	// collaborator list. Also sent by clients to announce themselves.
	FrameUserJoin FrameKind = "user_join"
	// Server to clients: a peer left, carries the refreshed
	// collaborator list.
	FrameUserLeave FrameKind = "user_leave"
	// Server to client: access denied, carries a reason. The
	// connection is closed right after.
	FrameReject FrameKind = "reject"
	// Opaque CRDT operation payload, relayed byte-for-byte.
	FrameMutation FrameKind = "mutation"
	// Ephemeral state such as cursor position. Forwarded verbatim,
	// never persisted, never applied to the replica.
	FramePresence FrameKind = "presence"
)

// Frame is one message on the wire, in either direction.
type Frame struct {
	Kind       FrameKind `json:"kind"`
	DocumentID string    `json:"documentId,omitempty"`
	// Token authenticates the sender on the first frame. Optional:
	// anonymous connections omit it.
	Token string `json:"token,omitempty"`
	// Identity is the acting user. Inbound it is advisory (the token
	// wins when present); outbound it names the joining/leaving peer.
	Identity      string          `json:"identity,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Snapshot      []byte          `json:"snapshot,omitempty"`
	Collaborators []string        `json:"collaborators,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}

func decodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Kind == "" {
		return Frame{}, fmt.Errorf("frame missing kind")
	}
	return f, nil
}

func encodeFrame(f Frame) []byte {
	data, err := json.Marshal(f)
	if err != nil {
		// Frame fields are all marshalable types; this cannot fail at
		// runtime with well-formed input.
		panic(fmt.Sprintf("encode frame: %v", err))
	}
	return data
}
