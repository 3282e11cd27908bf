package session

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"crdocst/server/internal/auth"
	"crdocst/server/internal/rbac"
)

const (
	// Outbound frames queued per connection before we start dropping.
	// Delivery is at-most-once; a consumer that cannot keep up loses
	// frames rather than stalling its siblings.
	sendQueueSize = 64

	writeTimeout = 10 * time.Second
)

// AccessGate authorizes a (document, identity) pair. Empty identity is
// an anonymous caller, which the gate may still allow.
type AccessGate interface {
	Check(ctx context.Context, documentID, identity string) (allowed bool, role rbac.Role, err error)
}

// Gateway upgrades HTTP requests to websocket sessions and runs the
// per-connection protocol: authorize on the first frame, join the
// active document, then relay mutations and presence until the
// transport closes.
type Gateway struct {
	registry    *Registry
	gate        AccessGate
	tokenSecret []byte
}

func NewGateway(registry *Registry, gate AccessGate, tokenSecret []byte) *Gateway {
	return &Gateway{registry: registry, gate: gate, tokenSecret: tokenSecret}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Printf("session: websocket accept failed: %v", err)
		return
	}
	g.serve(r.Context(), ws)
}

// serve runs one connection's state machine. Frames are read and
// processed strictly in order, so a single connection's operations are
// applied and broadcast in the order they were sent.
func (g *Gateway) serve(ctx context.Context, ws *websocket.Conn) {
	// First frame: identify the document and the caller.
	_, data, err := ws.Read(ctx)
	if err != nil {
		ws.Close(websocket.StatusNormalClosure, "")
		return
	}
	first, err := decodeFrame(data)
	if err != nil || first.DocumentID == "" {
		g.reject(ctx, ws, "malformed initial frame")
		return
	}

	identity, err := g.resolveIdentity(first)
	if err != nil {
		g.reject(ctx, ws, "invalid token")
		return
	}

	allowed, role, err := g.gate.Check(ctx, first.DocumentID, identity)
	if err != nil {
		log.Printf("session: access check for %s failed: %v", first.DocumentID, err)
		g.reject(ctx, ws, "access check failed")
		return
	}
	if !allowed {
		g.reject(ctx, ws, "access denied")
		return
	}

	doc, err := g.registry.GetOrCreate(ctx, first.DocumentID)
	if err != nil {
		log.Printf("session: open %s failed: %v", first.DocumentID, err)
		g.reject(ctx, ws, "document unavailable")
		return
	}

	conn := newClientConn(ws)
	defer conn.close()

	g.registry.AddUser(ctx, doc, conn, identity)
	defer func() {
		// Cleanup must run even when the serve context is gone.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		g.registry.RemoveUser(cleanupCtx, doc.ID, conn)
	}()

	// The first frame doubles as a normal protocol frame: a client
	// typically opens with initial_sync or a join announcement.
	g.handleFrame(ctx, doc, conn, identity, role, first, data)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && !errors.Is(err, context.Canceled) {
				log.Printf("session: read on %s failed: %v", doc.ID, err)
			}
			ws.Close(websocket.StatusNormalClosure, "")
			return
		}
		frame, err := decodeFrame(data)
		if err != nil {
			// Malformed frames are dropped; the connection stays open.
			log.Printf("session: dropping malformed frame on %s: %v", doc.ID, err)
			continue
		}
		g.handleFrame(ctx, doc, conn, identity, role, frame, data)
	}
}

// handleFrame dispatches one decoded frame. raw is the original wire
// encoding, relayed unmodified so replication is byte-identical.
func (g *Gateway) handleFrame(ctx context.Context, doc *ActiveDocument, conn *clientConn, identity string, role rbac.Role, frame Frame, raw []byte) {
	switch frame.Kind {
	case FrameInitialSync:
		snapshot, err := doc.Save()
		if err != nil {
			log.Printf("session: snapshot of %s for sync failed: %v", doc.ID, err)
			return
		}
		conn.Send(encodeFrame(Frame{
			Kind:          FrameInitialSync,
			DocumentID:    doc.ID,
			Snapshot:      snapshot,
			Collaborators: g.registry.Collaborators(ctx, doc.ID),
		}))

	case FrameUserJoin:
		// A peer announcing themselves; tell the whole document.
		doc.Broadcast(nil, encodeFrame(Frame{
			Kind:          FrameUserJoin,
			DocumentID:    doc.ID,
			Identity:      identity,
			Collaborators: g.registry.Collaborators(ctx, doc.ID),
		}))

	case FrameMutation:
		if !rbac.Can(role, rbac.ActionWrite) {
			// Viewers cannot mutate. The client UI already disables
			// editing; dropping silently covers a tampered client.
			return
		}
		if err := doc.Apply(frame.Payload); err != nil {
			log.Printf("session: dropping bad mutation on %s: %v", doc.ID, err)
			return
		}
		g.registry.MarkDirty(doc.ID)
		doc.Broadcast(conn, raw)

	case FramePresence:
		doc.Broadcast(conn, raw)

	default:
		log.Printf("session: dropping frame of unexpected kind %q on %s", frame.Kind, doc.ID)
	}
}

// resolveIdentity extracts the acting user from the first frame. A
// signed token is authoritative; without one the frame's identity field
// is ignored and the caller is treated as anonymous.
func (g *Gateway) resolveIdentity(first Frame) (string, error) {
	if first.Token == "" {
		return "", nil
	}
	claims, err := auth.ParseToken(g.tokenSecret, first.Token)
	if err != nil {
		return "", err
	}
	return claims.Sub, nil
}

// reject sends a single reject frame and closes with a normal-closure
// code; denial is private to the denied connection.
func (g *Gateway) reject(ctx context.Context, ws *websocket.Conn, reason string) {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_ = ws.Write(writeCtx, websocket.MessageText, encodeFrame(Frame{Kind: FrameReject, Reason: reason}))
	ws.Close(websocket.StatusNormalClosure, reason)
}

// clientConn pumps queued outbound frames to one websocket. Send never
// blocks the caller: the queue absorbs bursts and overflow frames are
// dropped, keeping one slow consumer from stalling the fan-out.
type clientConn struct {
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newClientConn(ws *websocket.Conn) *clientConn {
	c := &clientConn{
		ws:   ws,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *clientConn) Send(frame []byte) {
	select {
	case c.send <- frame:
	case <-c.done:
	default:
		log.Printf("session: send queue full, dropping frame")
	}
}

func (c *clientConn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.ws.Write(ctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				// Transport failure; the read side will observe the
				// close and run cleanup.
				return
			}
		}
	}
}

func (c *clientConn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}
