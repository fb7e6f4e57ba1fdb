package rpc

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const readLimit = 32768

// Handler dispatches a well-formed Request. Implementations must not block
// on task completion; anything long-running has to be handed off so the
// server can keep answering requests on this connection.
type Handler func(ctx context.Context, req *Request) Response

type Server struct {
	Log     *zap.SugaredLogger
	Handler Handler
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
	wsConn.SetReadLimit(readLimit)
	s.Log.Debug("accepted control conn")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	s.serveConn(ctx, wsConn)
}

func (s *Server) serveConn(ctx context.Context, conn *websocket.Conn) {
	for {
		// Read the raw frame and unmarshal ourselves: a malformed body
		// gets an error response on a live connection, while a transport
		// failure is the only thing that ends the loop.
		_, data, err := conn.Read(ctx)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			s.Log.Debug("control conn closed by client")
			return
		}
		if err != nil {
			s.Log.Debugf("control conn read error: %s", err)
			conn.Close(websocket.StatusInternalError, "read error")
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.Log.Debugf("malformed request: %s", err)
			if !s.write(ctx, conn, Fail("", "malformed request: "+err.Error())) {
				return
			}
			continue
		}
		if req.RequestID == "" {
			if !s.write(ctx, conn, Fail("", "missing request_id")) {
				return
			}
			continue
		}

		resp := s.Handler(ctx, &req)
		resp.RequestID = req.RequestID
		if !s.write(ctx, conn, resp) {
			return
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, resp Response) bool {
	err := wsjson.Write(ctx, conn, resp)
	if err != nil {
		s.Log.Debugf("control conn write error: %s", err)
		conn.Close(websocket.StatusInternalError, "write error")
		return false
	}
	return true
}
