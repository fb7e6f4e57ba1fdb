package event

import (
	"context"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const maxBatch = 64

// Server pushes the producer's events to the master over a WebSocket
// connection. At most one subscriber is active; a newer connection replaces
// the older one. Delivery is best-effort: while no subscriber is connected
// the queue fills and sheds its oldest events.
type Server struct {
	Log      *zap.SugaredLogger
	Producer *Producer

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.Log.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.Log.Debug("accepted event subscriber")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = cancel
	s.mu.Unlock()

	// The subscriber never sends; this read only returns when the
	// connection dies, which stops the sender from consuming events no one
	// will receive.
	go func() {
		_, _, _ = wsConn.Read(ctx)
		cancel()
	}()

	s.send(ctx, wsConn)
}

func (s *Server) send(ctx context.Context, conn *websocket.Conn) {
	for {
		var first Event
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case first = <-s.Producer.Events():
		}

		batch := []Event{first}
	drain:
		for len(batch) < maxBatch {
			select {
			case e := <-s.Producer.Events():
				batch = append(batch, e)
			default:
				break drain
			}
		}

		if err := wsjson.Write(ctx, conn, batch); err != nil {
			s.Log.Debugf("event send error, dropping subscriber: %s", err)
			conn.Close(websocket.StatusInternalError, "write error")
			return
		}
		if d := s.Producer.Dropped(); d > 0 {
			s.Log.Debugw("events dropped under overflow", "Total", d)
		}
	}
}
