package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/dossierbot/dossier/agent"
)

// wsWriteTimeout bounds each frame write so one dead client cannot wedge a
// run forever.
const wsWriteTimeout = 10 * time.Second

// WSSink writes run events to a websocket connection, one JSON text frame per
// event. Writes are serialized; frame order matches emission order.
type WSSink struct {
	conn   *websocket.Conn
	logger *zap.Logger

	mu     sync.Mutex
	failed bool
}

// NewWSSink wraps an accepted websocket connection.
func NewWSSink(conn *websocket.Conn, logger *zap.Logger) *WSSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSSink{conn: conn, logger: logger.With(zap.String("component", "ws_sink"))}
}

// Emit implements agent.EventSink. After the first write failure the sink
// goes dark rather than erroring every subsequent event.
func (s *WSSink) Emit(ev agent.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("event marshal failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.logger.Warn("websocket write failed, muting sink", zap.Error(err))
		s.failed = true
	}
}

// wsRequest is one inbound client message.
type wsRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

// HandleWS upgrades the request to a websocket and serves runs over it: each
// inbound frame is one user message, answered by the run's event stream on
// the same connection. The connection closes when the client disconnects or
// sends an unreadable frame.
func (a *Adapter) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			_ = conn.Close(websocket.StatusInvalidFramePayloadData, "expected a JSON request frame")
			return
		}

		for ev := range a.Message(ctx, req.ConversationID, req.Message) {
			frame, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
