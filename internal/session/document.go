package session

import (
	"sync"
	"time"

	"crdocst/server/internal/replica"
)

// Conn is the send side of one attached client connection. Send must
// never block: a slow or dead connection must not hold up delivery to
// its siblings.
type Conn interface {
	Send(frame []byte)
}

// ActiveDocument is the in-memory session record for one hot document.
// It owns the replica exclusively; all mutation flows through Apply,
// which serializes access, so the replica never sees concurrent writes.
type ActiveDocument struct {
	ID string

	mu           sync.Mutex
	replica      replica.Handle
	conns        map[Conn]string // connection -> identity ("" for anonymous)
	lastActivity time.Time

	// Eviction bookkeeping. evictGen is bumped by every schedule and
	// cancel, so a timer that fires late can detect it has been
	// superseded and back off.
	evictTimer *time.Timer
	evictGen   uint64
}

func newActiveDocument(id string, handle replica.Handle) *ActiveDocument {
	return &ActiveDocument{
		ID:           id,
		replica:      handle,
		conns:        make(map[Conn]string),
		lastActivity: time.Now(),
	}
}

func (d *ActiveDocument) touch() {
	d.mu.Lock()
	d.lastActivity = time.Now()
	d.mu.Unlock()
}

// LastActivity reports the time of the most recent join, leave, or
// applied operation.
func (d *ActiveDocument) LastActivity() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastActivity
}

// Apply routes a mutation payload to the replica and refreshes the
// activity clock. Payload errors leave the replica untouched.
func (d *ActiveDocument) Apply(payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.replica.Effect(payload); err != nil {
		return err
	}
	d.lastActivity = time.Now()
	return nil
}

// Save serializes the current replica state.
func (d *ActiveDocument) Save() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.replica.Save()
}

// ReplicaID exposes the replica's internal identifier for debugging.
func (d *ActiveDocument) ReplicaID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.replica.ReplicaID()
}

// Broadcast delivers data to every attached connection except the
// excluded one (nil to reach everyone). Delivery is fire-and-forget.
func (d *ActiveDocument) Broadcast(exclude Conn, data []byte) {
	d.mu.Lock()
	targets := make([]Conn, 0, len(d.conns))
	for c := range d.conns {
		if c != exclude {
			targets = append(targets, c)
		}
	}
	d.mu.Unlock()

	for _, c := range targets {
		c.Send(data)
	}
}

// ConnCount reports how many connections are currently attached.
func (d *ActiveDocument) ConnCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *ActiveDocument) addConn(c Conn, identity string) {
	d.mu.Lock()
	d.conns[c] = identity
	d.lastActivity = time.Now()
	d.mu.Unlock()
}

// removeConn detaches a connection. identityGone reports whether this
// was the identity's last connection (identities are reference-counted
// implicitly through the connection map). Removing an unknown
// connection is a no-op.
func (d *ActiveDocument) removeConn(c Conn) (removed bool, identity string, identityGone bool, empty bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	identity, ok := d.conns[c]
	if !ok {
		return false, "", false, len(d.conns) == 0
	}
	delete(d.conns, c)
	d.lastActivity = time.Now()

	identityGone = identity != ""
	if identityGone {
		for _, other := range d.conns {
			if other == identity {
				identityGone = false
				break
			}
		}
	}
	return true, identity, identityGone, len(d.conns) == 0
}

// scheduleEviction arms the eviction timer, superseding any previous
// schedule. fn receives the generation so it can verify it still owns
// the eviction when it fires.
func (d *ActiveDocument) scheduleEviction(after time.Duration, fn func(gen uint64)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.evictTimer != nil {
		d.evictTimer.Stop()
	}
	d.evictGen++
	gen := d.evictGen
	d.evictTimer = time.AfterFunc(after, func() { fn(gen) })
}

// cancelEviction disarms any pending eviction. Safe to call repeatedly
// and on documents that never had one.
func (d *ActiveDocument) cancelEviction() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.evictTimer != nil {
		d.evictTimer.Stop()
		d.evictTimer = nil
	}
	d.evictGen++
}

// evictionCurrent reports whether gen is still the live eviction
// generation and no connections have arrived meanwhile.
func (d *ActiveDocument) evictionCurrent(gen uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return gen == d.evictGen && len(d.conns) == 0
}
