package session

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"crdocst/server/internal/auth"
	"crdocst/server/internal/rbac"
	"crdocst/server/internal/replica"
)

var testSecret = []byte("gateway-test-secret")

// roleGate grants identities the configured role and denies everyone
// else, including anonymous callers unless "" is present.
type roleGate struct {
	roles map[string]rbac.Role
}

func (g *roleGate) Check(_ context.Context, _ string, identity string) (bool, rbac.Role, error) {
	role, ok := g.roles[identity]
	return ok, role, nil
}

func testToken(t *testing.T, sub string) string {
	t.Helper()
	token, err := auth.IssueToken(testSecret, auth.Claims{
		Sub:  sub,
		Name: sub,
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return token
}

func setupGateway(t *testing.T, gate AccessGate, store SnapshotStore, opts Options) (string, *Registry) {
	t.Helper()
	r := NewRegistry(store, replica.NewLogootHandle, opts)
	gw := NewGateway(r, gate, testSecret)
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), r
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func writeFrame(t *testing.T, ws *websocket.Conn, f Frame) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, encodeFrame(f)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func writeRaw(t *testing.T, ws *websocket.Conn, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write raw frame: %v", err)
	}
}

func readFrame(t *testing.T, ws *websocket.Conn) (Frame, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	return f, data
}

// expectNoFrame asserts nothing arrives within a short window.
func expectNoFrame(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if _, data, err := ws.Read(ctx); err == nil {
		t.Fatalf("unexpected frame: %s", data)
	}
}

func TestGatewayRejectsUnauthorized(t *testing.T) {
	url, _ := setupGateway(t, &roleGate{roles: map[string]rbac.Role{}}, newFakeSnapshotStore(), Options{})

	ws := dial(t, url)
	writeFrame(t, ws, Frame{Kind: FrameInitialSync, DocumentID: "doc1"})

	f, _ := readFrame(t, ws)
	if f.Kind != FrameReject {
		t.Fatalf("frame kind = %q, want reject", f.Kind)
	}
	if f.Reason == "" {
		t.Fatal("reject frame must carry a reason")
	}

	// The server closes with a normal-closure code after rejecting.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := ws.Read(ctx); websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("close status = %v, want normal closure", websocket.CloseStatus(err))
	}
}

func TestGatewayInitialSyncRepliesToRequesterOnly(t *testing.T) {
	gate := &roleGate{roles: map[string]rbac.Role{"alice": rbac.RoleEditor, "bob": rbac.RoleEditor}}
	url, _ := setupGateway(t, gate, newFakeSnapshotStore(), Options{})

	wsA := dial(t, url)
	writeFrame(t, wsA, Frame{Kind: FrameInitialSync, DocumentID: "doc1", Token: testToken(t, "alice")})
	syncA, _ := readFrame(t, wsA)
	if syncA.Kind != FrameInitialSync {
		t.Fatalf("frame kind = %q, want initial_sync", syncA.Kind)
	}
	restored := replica.NewLogoot("check")
	if err := restored.Load(syncA.Snapshot); err != nil {
		t.Fatalf("snapshot does not load: %v", err)
	}
	if restored.Text() != "" {
		t.Fatalf("cold document snapshot text = %q, want empty", restored.Text())
	}

	wsB := dial(t, url)
	writeFrame(t, wsB, Frame{Kind: FrameInitialSync, DocumentID: "doc1", Token: testToken(t, "bob")})
	syncB, _ := readFrame(t, wsB)
	if syncB.Kind != FrameInitialSync {
		t.Fatalf("frame kind = %q, want initial_sync", syncB.Kind)
	}

	// B's sync request must not have produced anything on A.
	expectNoFrame(t, wsA)
}

func TestGatewayMutationFanOutExcludesSender(t *testing.T) {
	gate := &roleGate{roles: map[string]rbac.Role{"alice": rbac.RoleEditor, "bob": rbac.RoleEditor}}
	url, r := setupGateway(t, gate, newFakeSnapshotStore(), Options{})

	wsA := dial(t, url)
	writeFrame(t, wsA, Frame{Kind: FrameInitialSync, DocumentID: "doc1", Token: testToken(t, "alice")})
	readFrame(t, wsA)

	wsB := dial(t, url)
	writeFrame(t, wsB, Frame{Kind: FrameInitialSync, DocumentID: "doc1", Token: testToken(t, "bob")})
	readFrame(t, wsB)

	mutation := encodeFrame(Frame{
		Kind:       FrameMutation,
		DocumentID: "doc1",
		Payload:    insertPayload("i.alice", "h"),
	})
	writeRaw(t, wsA, mutation)

	_, raw := readFrame(t, wsB)
	if !bytes.Equal(raw, mutation) {
		t.Fatalf("relayed bytes differ from original:\n got %s\nwant %s", raw, mutation)
	}

	// Sender must not receive its own mutation.
	expectNoFrame(t, wsA)

	// The document is now dirty.
	deadline := time.Now().Add(2 * time.Second)
	for {
		r.mu.Lock()
		_, dirty := r.dirty["doc1"]
		r.mu.Unlock()
		if dirty {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("document not marked dirty after mutation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGatewayViewerMutationsAreDropped(t *testing.T) {
	gate := &roleGate{roles: map[string]rbac.Role{"alice": rbac.RoleEditor, "eve": rbac.RoleViewer}}
	url, r := setupGateway(t, gate, newFakeSnapshotStore(), Options{})

	wsA := dial(t, url)
	writeFrame(t, wsA, Frame{Kind: FrameInitialSync, DocumentID: "doc1", Token: testToken(t, "alice")})
	readFrame(t, wsA)

	wsEve := dial(t, url)
	writeFrame(t, wsEve, Frame{Kind: FrameInitialSync, DocumentID: "doc1", Token: testToken(t, "eve")})
	readFrame(t, wsEve)

	writeFrame(t, wsEve, Frame{
		Kind:       FrameMutation,
		DocumentID: "doc1",
		Payload:    insertPayload("i.eve", "x"),
	})

	// Nobody sees the viewer's mutation and the replica is untouched.
	expectNoFrame(t, wsA)

	doc, err := r.GetOrCreate(context.Background(), "doc1")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	saved, err := doc.Save()
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	restored := replica.NewLogoot("check")
	if err := restored.Load(saved); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if restored.Text() != "" {
		t.Fatalf("viewer mutation reached the replica: %q", restored.Text())
	}
	r.mu.Lock()
	_, dirty := r.dirty["doc1"]
	r.mu.Unlock()
	if dirty {
		t.Fatal("viewer mutation marked the document dirty")
	}
}

func TestGatewayPresenceForwardedVerbatimAndNotPersisted(t *testing.T) {
	gate := &roleGate{roles: map[string]rbac.Role{"alice": rbac.RoleEditor, "bob": rbac.RoleViewer}}
	url, r := setupGateway(t, gate, newFakeSnapshotStore(), Options{})

	wsA := dial(t, url)
	writeFrame(t, wsA, Frame{Kind: FrameInitialSync, DocumentID: "doc1", Token: testToken(t, "alice")})
	readFrame(t, wsA)

	wsB := dial(t, url)
	writeFrame(t, wsB, Frame{Kind: FrameInitialSync, DocumentID: "doc1", Token: testToken(t, "bob")})
	readFrame(t, wsB)

	cursor := encodeFrame(Frame{
		Kind:       FramePresence,
		DocumentID: "doc1",
		Payload:    json.RawMessage(`{"cursor":42}`),
	})
	writeRaw(t, wsB, cursor)

	_, raw := readFrame(t, wsA)
	if !bytes.Equal(raw, cursor) {
		t.Fatalf("presence bytes differ:\n got %s\nwant %s", raw, cursor)
	}
	expectNoFrame(t, wsB)

	r.mu.Lock()
	_, dirty := r.dirty["doc1"]
	r.mu.Unlock()
	if dirty {
		t.Fatal("presence frame marked the document dirty")
	}
}

func TestGatewayJoinAnnouncementReachesEveryone(t *testing.T) {
	gate := &roleGate{roles: map[string]rbac.Role{"alice": rbac.RoleEditor, "bob": rbac.RoleEditor}}
	url, _ := setupGateway(t, gate, newFakeSnapshotStore(), Options{})

	wsA := dial(t, url)
	writeFrame(t, wsA, Frame{Kind: FrameInitialSync, DocumentID: "doc1", Token: testToken(t, "alice")})
	readFrame(t, wsA)

	wsB := dial(t, url)
	writeFrame(t, wsB, Frame{Kind: FrameUserJoin, DocumentID: "doc1", Token: testToken(t, "bob")})

	joinA, _ := readFrame(t, wsA)
	if joinA.Kind != FrameUserJoin || joinA.Identity != "bob" {
		t.Fatalf("A got %+v, want user_join from bob", joinA)
	}
	joinB, _ := readFrame(t, wsB)
	if joinB.Kind != FrameUserJoin || joinB.Identity != "bob" {
		t.Fatalf("B got %+v, want its own user_join announcement", joinB)
	}

	want := map[string]bool{"alice": true, "bob": true}
	for _, user := range joinA.Collaborators {
		delete(want, user)
	}
	if len(want) != 0 {
		t.Fatalf("join collaborators missing %v (got %v)", want, joinA.Collaborators)
	}
}

func TestGatewayMalformedFrameKeepsConnectionOpen(t *testing.T) {
	gate := &roleGate{roles: map[string]rbac.Role{"alice": rbac.RoleEditor}}
	url, _ := setupGateway(t, gate, newFakeSnapshotStore(), Options{})

	ws := dial(t, url)
	writeFrame(t, ws, Frame{Kind: FrameInitialSync, DocumentID: "doc1", Token: testToken(t, "alice")})
	readFrame(t, ws)

	writeRaw(t, ws, []byte("{this is not json"))

	// Still alive: a sync request round-trips.
	writeFrame(t, ws, Frame{Kind: FrameInitialSync, DocumentID: "doc1"})
	f, _ := readFrame(t, ws)
	if f.Kind != FrameInitialSync {
		t.Fatalf("frame kind = %q, want initial_sync after malformed frame", f.Kind)
	}
}

// TestGatewayEndToEndSession walks the whole session lifecycle: editor
// joins cold, syncs, a viewer joins, edits fan out, departures persist,
// and a rejoin within the grace period reuses the live replica.
func TestGatewayEndToEndSession(t *testing.T) {
	gate := &roleGate{roles: map[string]rbac.Role{
		"alice": rbac.RoleEditor,
		"bob":   rbac.RoleViewer,
		"carol": rbac.RoleEditor,
	}}
	store := newFakeSnapshotStore()
	url, r := setupGateway(t, gate, store, Options{EvictionGrace: time.Minute})

	wsA := dial(t, url)
	writeFrame(t, wsA, Frame{Kind: FrameInitialSync, DocumentID: "doc1", Token: testToken(t, "alice")})
	syncA, _ := readFrame(t, wsA)
	restored := replica.NewLogoot("check")
	if err := restored.Load(syncA.Snapshot); err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if restored.Text() != "" {
		t.Fatalf("empty storage produced text %q", restored.Text())
	}

	wsB := dial(t, url)
	writeFrame(t, wsB, Frame{Kind: FrameInitialSync, DocumentID: "doc1", Token: testToken(t, "bob")})
	readFrame(t, wsB)

	mutation := encodeFrame(Frame{
		Kind:       FrameMutation,
		DocumentID: "doc1",
		Payload: json.RawMessage(`{"ops":[` +
			`{"kind":"insert","pos":"i.alice","value":"h"},` +
			`{"kind":"insert","pos":"r.alice","value":"i"}]}`),
	})
	writeRaw(t, wsA, mutation)

	_, raw := readFrame(t, wsB)
	if !bytes.Equal(raw, mutation) {
		t.Fatalf("B received different bytes: %s", raw)
	}

	// A leaves; B sees the departure and the document is persisted.
	wsA.Close(websocket.StatusNormalClosure, "")
	leave, _ := readFrame(t, wsB)
	if leave.Kind != FrameUserLeave || leave.Identity != "alice" {
		t.Fatalf("B got %+v, want user_leave from alice", leave)
	}

	wsB.Close(websocket.StatusNormalClosure, "")
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, puts := store.counts(); puts >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("departures did not persist the document")
		}
		time.Sleep(5 * time.Millisecond)
	}

	readsBefore, _ := store.counts()

	// Carol rejoins within the grace period: same replica, no reload.
	wsC := dial(t, url)
	writeFrame(t, wsC, Frame{Kind: FrameInitialSync, DocumentID: "doc1", Token: testToken(t, "carol")})
	syncC, _ := readFrame(t, wsC)
	restored = replica.NewLogoot("check2")
	if err := restored.Load(syncC.Snapshot); err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if restored.Text() != "hi" {
		t.Fatalf("rejoin snapshot text = %q, want %q", restored.Text(), "hi")
	}
	if reads, _ := store.counts(); reads != readsBefore {
		t.Fatalf("rejoin reloaded from storage (reads %d -> %d)", readsBefore, reads)
	}
	if !r.Resident("doc1") {
		t.Fatal("document should be resident after rejoin")
	}
}
