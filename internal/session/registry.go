package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"crdocst/server/internal/replica"
)

const (
	defaultFlushInterval = 3 * time.Second
	defaultMaxFlushLag   = 30 * time.Second
	defaultEvictionGrace = 5 * time.Minute

	persistTimeout = 10 * time.Second
)

// SnapshotStore is the durable side of the session manager: snapshot
// blobs plus the externally queryable presence sets.
type SnapshotStore interface {
	GetSnapshot(ctx context.Context, documentID string) (data []byte, found bool, err error)
	PutSnapshot(ctx context.Context, documentID string, data []byte) error
	DeleteSnapshot(ctx context.Context, documentID string) error
	GetCollaborators(ctx context.Context, documentID string) ([]string, error)
	AddCollaborator(ctx context.Context, documentID, user string) error
	RemoveCollaborator(ctx context.Context, documentID, user string) error
}

// Options tune the write-back scheduler and eviction grace period.
// Zero values select the defaults.
type Options struct {
	// FlushInterval is the scheduler tick. A dirty document is flushed
	// once it has been idle for at least one tick.
	FlushInterval time.Duration
	// MaxFlushLag bounds staleness for documents under continuous
	// editing: a document dirty for this long is flushed even if it
	// never goes idle.
	MaxFlushLag time.Duration
	// EvictionGrace is how long an empty document stays resident
	// before its memory is reclaimed.
	EvictionGrace time.Duration
}

// Registry owns every ActiveDocument in the process. It creates them on
// first access (collapsing racing loads into one storage read), tracks
// which are dirty, flushes them on a schedule, and evicts them once
// they have been empty for the grace period.
type Registry struct {
	snapshots  SnapshotStore
	newReplica replica.Factory

	flushInterval time.Duration
	maxFlushLag   time.Duration
	grace         time.Duration

	mu        sync.Mutex
	instances map[string]*ActiveDocument
	dirty     map[string]time.Time // documentID -> first marked dirty

	loads singleflight.Group

	done     chan struct{}
	stopOnce sync.Once
}

func NewRegistry(snapshots SnapshotStore, factory replica.Factory, opts Options) *Registry {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.MaxFlushLag <= 0 {
		opts.MaxFlushLag = defaultMaxFlushLag
	}
	if opts.EvictionGrace <= 0 {
		opts.EvictionGrace = defaultEvictionGrace
	}
	return &Registry{
		snapshots:     snapshots,
		newReplica:    factory,
		flushInterval: opts.FlushInterval,
		maxFlushLag:   opts.MaxFlushLag,
		grace:         opts.EvictionGrace,
		instances:     make(map[string]*ActiveDocument),
		dirty:         make(map[string]time.Time),
		done:          make(chan struct{}),
	}
}

// Start launches the persistence scheduler. It runs until Shutdown.
func (r *Registry) Start() {
	go r.flushLoop()
}

// Shutdown stops the scheduler and flushes everything still dirty.
func (r *Registry) Shutdown(ctx context.Context) {
	r.stopOnce.Do(func() { close(r.done) })

	r.mu.Lock()
	targets := make([]*ActiveDocument, 0, len(r.dirty))
	for id := range r.dirty {
		if doc, ok := r.instances[id]; ok {
			targets = append(targets, doc)
		}
	}
	r.mu.Unlock()

	for _, doc := range targets {
		if err := r.persist(ctx, doc); err != nil {
			log.Printf("session: final persist of %s failed: %v", doc.ID, err)
			continue
		}
		r.mu.Lock()
		delete(r.dirty, doc.ID)
		r.mu.Unlock()
	}
}

// GetOrCreate returns the live ActiveDocument for documentID, loading
// it from the snapshot store on first access. Racing callers for a cold
// document share one load: exactly one storage read and one replica
// construction happen no matter how many connections open it at once.
// A failed load is reported to every waiting caller and nothing is
// cached, so clients can retry.
func (r *Registry) GetOrCreate(ctx context.Context, documentID string) (*ActiveDocument, error) {
	for {
		// Cancelling a pending eviction must happen under r.mu, so it
		// serializes with evict's delete: either the cancel lands first
		// and the stale timer backs off, or the delete lands first and
		// this lookup misses, falling through to a fresh load.
		r.mu.Lock()
		if doc, ok := r.instances[documentID]; ok {
			doc.cancelEviction()
			r.mu.Unlock()
			doc.touch()
			return doc, nil
		}
		r.mu.Unlock()

		v, err, _ := r.loads.Do(documentID, func() (any, error) {
			// A racing caller may have published while we queued.
			r.mu.Lock()
			if doc, ok := r.instances[documentID]; ok {
				r.mu.Unlock()
				return doc, nil
			}
			r.mu.Unlock()

			data, found, err := r.snapshots.GetSnapshot(ctx, documentID)
			if err != nil {
				return nil, fmt.Errorf("load document %s: %w", documentID, err)
			}
			handle := r.newReplica(uuid.NewString())
			if found {
				if err := handle.Load(data); err != nil {
					return nil, fmt.Errorf("restore document %s: %w", documentID, err)
				}
			}
			doc := newActiveDocument(documentID, handle)
			r.mu.Lock()
			r.instances[documentID] = doc
			r.mu.Unlock()
			return doc, nil
		})
		if err != nil {
			return nil, err
		}

		doc := v.(*ActiveDocument)
		r.mu.Lock()
		if r.instances[documentID] == doc {
			doc.cancelEviction()
			r.mu.Unlock()
			doc.touch()
			return doc, nil
		}
		r.mu.Unlock()
		// A shared flight handed back a document that was evicted (or
		// dropped) before we picked it up; look again.
	}
}

// AddUser attaches a connection (and its identity, if any) to a
// document and records the identity in the external presence set.
func (r *Registry) AddUser(ctx context.Context, doc *ActiveDocument, c Conn, identity string) {
	doc.addConn(c, identity)
	doc.cancelEviction()
	if identity != "" {
		if err := r.snapshots.AddCollaborator(ctx, doc.ID, identity); err != nil {
			log.Printf("session: presence add for %s on %s failed: %v", identity, doc.ID, err)
		}
	}
}

// RemoveUser detaches a connection. If this was the identity's last
// connection, the departure is broadcast to the remaining viewers and
// the document is persisted immediately so the leaver's edits are
// durable without waiting for the next scheduled flush. When the last
// connection leaves, eviction is scheduled after the grace period.
// Unknown connections and documents are no-ops.
func (r *Registry) RemoveUser(ctx context.Context, documentID string, c Conn) {
	r.mu.Lock()
	doc, ok := r.instances[documentID]
	r.mu.Unlock()
	if !ok {
		return
	}

	removed, identity, identityGone, empty := doc.removeConn(c)
	if !removed {
		return
	}

	if identityGone {
		if err := r.snapshots.RemoveCollaborator(ctx, documentID, identity); err != nil {
			log.Printf("session: presence remove for %s on %s failed: %v", identity, documentID, err)
		}
	}

	if identity != "" {
		doc.Broadcast(nil, encodeFrame(Frame{
			Kind:          FrameUserLeave,
			DocumentID:    documentID,
			Identity:      identity,
			Collaborators: r.collaborators(ctx, documentID),
		}))

		before := doc.LastActivity()
		if err := r.persist(ctx, doc); err != nil {
			log.Printf("session: departure persist of %s failed: %v", documentID, err)
		} else {
			r.mu.Lock()
			if doc.LastActivity().Equal(before) {
				delete(r.dirty, documentID)
			}
			r.mu.Unlock()
		}
	}

	if empty {
		doc.scheduleEviction(r.grace, func(gen uint64) { r.evict(doc, gen) })
	}
}

// MarkDirty records that documentID has unpersisted mutations. Only
// documents currently in the registry can be dirty.
func (r *Registry) MarkDirty(documentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[documentID]; !ok {
		return
	}
	if _, already := r.dirty[documentID]; !already {
		r.dirty[documentID] = time.Now()
	}
}

// Collaborators returns the external presence set for a document.
func (r *Registry) Collaborators(ctx context.Context, documentID string) []string {
	return r.collaborators(ctx, documentID)
}

func (r *Registry) collaborators(ctx context.Context, documentID string) []string {
	members, err := r.snapshots.GetCollaborators(ctx, documentID)
	if err != nil {
		log.Printf("session: collaborator lookup for %s failed: %v", documentID, err)
		return nil
	}
	return members
}

// Drop removes a document from the registry without persisting,
// used when the document itself is being deleted. Clears dirtiness and
// any pending eviction.
func (r *Registry) Drop(documentID string) {
	r.mu.Lock()
	doc, ok := r.instances[documentID]
	if ok {
		delete(r.instances, documentID)
		delete(r.dirty, documentID)
	}
	r.mu.Unlock()
	if ok {
		doc.cancelEviction()
	}
}

// Resident reports whether a document currently has an in-memory
// replica. Exposed for observability and tests.
func (r *Registry) Resident(documentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.instances[documentID]
	return ok
}

func (r *Registry) flushLoop() {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case now := <-ticker.C:
			r.flushDirty(context.Background(), now)
		}
	}
}

// flushDirty persists every dirty document that has gone quiet for at
// least one tick, or that has been dirty longer than the staleness cap.
// Failed flushes stay dirty and retry next tick; ids whose document has
// vanished are dropped.
func (r *Registry) flushDirty(ctx context.Context, now time.Time) {
	r.mu.Lock()
	var targets []*ActiveDocument
	for id, since := range r.dirty {
		doc, ok := r.instances[id]
		if !ok {
			delete(r.dirty, id)
			continue
		}
		idle := now.Sub(doc.LastActivity()) >= r.flushInterval
		overdue := now.Sub(since) >= r.maxFlushLag
		if idle || overdue {
			targets = append(targets, doc)
		}
	}
	r.mu.Unlock()

	for _, doc := range targets {
		before := doc.LastActivity()
		if err := r.persist(ctx, doc); err != nil {
			log.Printf("session: flush of %s failed, will retry: %v", doc.ID, err)
			continue
		}
		r.mu.Lock()
		if doc.LastActivity().Equal(before) {
			delete(r.dirty, doc.ID)
		} else {
			// Mutated while we were writing; restart the staleness clock
			// so the overdue path does not fire every tick.
			if _, still := r.dirty[doc.ID]; still {
				r.dirty[doc.ID] = now
			}
		}
		r.mu.Unlock()
	}
}

func (r *Registry) persist(ctx context.Context, doc *ActiveDocument) error {
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	data, err := doc.Save()
	if err != nil {
		return fmt.Errorf("serialize %s: %w", doc.ID, err)
	}
	if err := r.snapshots.PutSnapshot(ctx, doc.ID, data); err != nil {
		return fmt.Errorf("store %s: %w", doc.ID, err)
	}
	return nil
}

// evict persists a document one final time and removes it from the
// registry. It never removes a document that has picked up connections
// since the timer was armed: the generation check catches both a
// cancel-on-reactivation and a connection that slipped in during the
// final persist.
func (r *Registry) evict(doc *ActiveDocument, gen uint64) {
	if !doc.evictionCurrent(gen) {
		return
	}

	ctx := context.Background()
	if err := r.persist(ctx, doc); err != nil {
		// Keep the document resident and dirty; retry eviction later.
		log.Printf("session: eviction persist of %s failed, retrying: %v", doc.ID, err)
		doc.scheduleEviction(r.grace, func(g uint64) { r.evict(doc, g) })
		return
	}

	r.mu.Lock()
	if doc.evictionCurrent(gen) {
		delete(r.instances, doc.ID)
		delete(r.dirty, doc.ID)
	}
	r.mu.Unlock()
}
