// Package replica defines the capability surface of a CRDT document
// replica. The session layer treats the merge algorithm as opaque: it
// hands operation payloads to Effect and bytes to Load/Save without
// interpreting either. Any conformant implementation can be swapped in.
package replica

// Handle is one in-memory CRDT replica of a document.
type Handle interface {
	// Effect applies an opaque operation payload received from a peer.
	Effect(payload []byte) error
	// Save serializes the full replica state.
	Save() ([]byte, error)
	// Load replaces the replica state with previously saved bytes.
	Load(data []byte) error
	// ReplicaID identifies this replica instance. Used for tie-breaking
	// and debugging only, never exposed as a user identity.
	ReplicaID() string
}

// Factory constructs a fresh, empty replica with the given replica ID.
type Factory func(replicaID string) Handle
