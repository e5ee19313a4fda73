package mesh

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/groupmesh/pkg/types"
)

var ErrMissingEnvelope = errors.New("mesh: deliver frame without envelope")

const (
	DefaultWriteTimeout = 5 * time.Second
	fanoutLimit         = 64
)

type memberConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *memberConn) write(ctx context.Context, f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.ws, f)
}

// Hub keeps one connection per member and fans envelopes out to them.
type Hub struct {
	mu           sync.RWMutex
	members      map[string]*memberConn
	writeTimeout time.Duration
	log          *slog.Logger
}

// NewHub creates a hub with no members.
func NewHub() *Hub {
	return &Hub{
		members:      make(map[string]*memberConn),
		writeTimeout: DefaultWriteTimeout,
		log:          slog.With("component", "mesh-hub"),
	}
}

// Connected reports whether memberID holds a connection.
func (h *Hub) Connected(memberID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.members[memberID]
	return ok
}

// Size is the number of connected members.
func (h *Hub) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

// Deliver writes env to every connected member and returns the members it
// could not reach. Hub satisfies distributor.Mesh in-process.
func (h *Hub) Deliver(ctx context.Context, members []string, env types.Envelope) ([]string, error) {
	missed := make([]bool, len(members))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanoutLimit)
	for i, m := range members {
		h.mu.RLock()
		conn, ok := h.members[m]
		h.mu.RUnlock()
		if !ok {
			missed[i] = true
			continue
		}
		g.Go(func() error {
			e := env
			e.RecipientID = m
			wctx, cancel := context.WithTimeout(gctx, h.writeTimeout)
			defer cancel()
			if err := conn.write(wctx, Frame{Type: FrameEnvelope, Envelope: &e}); err != nil {
				h.log.Debug("member write failed", "member", m, "error", err)
				missed[i] = true
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var failed []string
	for i, m := range members {
		if missed[i] {
			failed = append(failed, m)
		}
	}
	return failed, nil
}

// HandleMember upgrades a member connection: GET ...?member=<id>. A newer
// connection for the same member replaces the older one.
func (h *Hub) HandleMember(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("member")
	if id == "" {
		http.Error(w, "member is required", http.StatusBadRequest)
		return
	}
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("accept member", "member", id, "error", err)
		return
	}
	ws.SetReadLimit(ReadLimit)
	conn := &memberConn{ws: ws}

	h.mu.Lock()
	old := h.members[id]
	h.members[id] = conn
	h.mu.Unlock()
	if old != nil {
		old.ws.Close(websocket.StatusPolicyViolation, "replaced")
	}
	h.log.Info("member joined", "member", id)

	defer func() {
		h.mu.Lock()
		if h.members[id] == conn {
			delete(h.members, id)
		}
		h.mu.Unlock()
		ws.CloseNow()
		h.log.Info("member left", "member", id)
	}()

	// 成員端只會送 ack，讀取是為了偵測斷線
	for {
		var f Frame
		if err := wsjson.Read(r.Context(), ws, &f); err != nil {
			return
		}
	}
}

// HandleRelay serves a distributor connection. Each deliver frame is fanned
// out and answered with an ack frame carrying the same id.
func (h *Hub) HandleRelay(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("accept relay", "error", err)
		return
	}
	ws.SetReadLimit(ReadLimit)
	defer ws.CloseNow()
	ctx := r.Context()
	out := &memberConn{ws: ws}

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		var f Frame
		if err := wsjson.Read(ctx, ws, &f); err != nil {
			return
		}
		if f.Type != FrameDeliver {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ack := Frame{Type: FrameAck, ID: f.ID}
			if f.Envelope == nil {
				ack.Error = ErrMissingEnvelope.Error()
				ack.Failed = f.Members
			} else if failed, err := h.Deliver(ctx, f.Members, *f.Envelope); err != nil {
				ack.Error = err.Error()
				ack.Failed = f.Members
			} else {
				ack.Failed = failed
			}
			if err := out.write(ctx, ack); err != nil {
				h.log.Debug("relay ack failed", "id", f.ID, "error", err)
			}
		}()
	}
}
