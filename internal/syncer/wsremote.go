package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/extcore/internal/store"
)

// Wire frame types for the replica protocol.
const (
	frameTypePush = "push"
	frameTypeAck  = "ack"
	frameTypePull = "pull"
	frameTypeOps  = "ops"
	frameTypeErr  = "error"
)

type wireOp struct {
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
	Lamport uint64          `json:"lamport"`
	Writer  string          `json:"writer"`
}

type frame struct {
	Type   string   `json:"type"`
	Device string   `json:"device,omitempty"`
	Op     *wireOp  `json:"op,omitempty"`
	Ops    []wireOp `json:"ops,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// WSRemote is the websocket replica transport. One request/response
// exchange at a time; the connection is redialed lazily after any
// failure.
type WSRemote struct {
	url      string
	deviceID string
	logger   *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSRemote creates a transport for the replica at url. deviceID
// identifies this installation in pull cursors on the replica side.
func NewWSRemote(url, deviceID string, logger *slog.Logger) *WSRemote {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRemote{url: url, deviceID: deviceID, logger: logger}
}

func (r *WSRemote) dialLocked(ctx context.Context) error {
	if r.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, r.url, nil)
	if err != nil {
		return fmt.Errorf("dial replica %s: %w", r.url, err)
	}
	r.conn = conn
	r.logger.Debug("replica connected", "url", r.url)
	return nil
}

func (r *WSRemote) dropLocked() {
	if r.conn != nil {
		_ = r.conn.Close(websocket.StatusInternalError, "exchange failed")
		r.conn = nil
	}
}

// exchange writes one frame and reads one reply on the shared
// connection. Any failure drops the connection so the next call redials.
func (r *WSRemote) exchange(ctx context.Context, req frame) (*frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.dialLocked(ctx); err != nil {
		return nil, err
	}
	if err := wsjson.Write(ctx, r.conn, req); err != nil {
		r.dropLocked()
		return nil, fmt.Errorf("write %s frame: %w", req.Type, err)
	}
	var resp frame
	if err := wsjson.Read(ctx, r.conn, &resp); err != nil {
		r.dropLocked()
		return nil, fmt.Errorf("read reply to %s: %w", req.Type, err)
	}
	if resp.Type == frameTypeErr {
		return nil, fmt.Errorf("replica rejected %s: %s", req.Type, resp.Error)
	}
	return &resp, nil
}

// Push implements Remote.
func (r *WSRemote) Push(ctx context.Context, op store.SyncOp) error {
	resp, err := r.exchange(ctx, frame{
		Type:   frameTypePush,
		Device: r.deviceID,
		Op: &wireOp{
			Key:     op.Key,
			Value:   op.Value,
			Deleted: op.Deleted,
			Lamport: op.Lamport,
			Writer:  op.Writer,
		},
	})
	if err != nil {
		return err
	}
	if resp.Type != frameTypeAck {
		return fmt.Errorf("unexpected reply to push: %q", resp.Type)
	}
	return nil
}

// Pull implements Remote.
func (r *WSRemote) Pull(ctx context.Context) ([]store.SyncOp, error) {
	resp, err := r.exchange(ctx, frame{Type: frameTypePull, Device: r.deviceID})
	if err != nil {
		return nil, err
	}
	if resp.Type != frameTypeOps {
		return nil, fmt.Errorf("unexpected reply to pull: %q", resp.Type)
	}
	ops := make([]store.SyncOp, 0, len(resp.Ops))
	for _, w := range resp.Ops {
		ops = append(ops, store.SyncOp{
			Key:     w.Key,
			Value:   w.Value,
			Deleted: w.Deleted,
			Lamport: w.Lamport,
			Writer:  w.Writer,
		})
	}
	return ops, nil
}

// Close shuts the connection down cleanly.
func (r *WSRemote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close(websocket.StatusNormalClosure, "bye")
	r.conn = nil
	return err
}
