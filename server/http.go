package server

import (
	"encoding/binary"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"zibra/message"
	"zibra/protocol"
)

// ServeHTTP answers POST with the response to the request body. GET returns
// the method list unless disabled with WithGetFunctions(false).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var resp []byte
	switch r.Method {
	case http.MethodGet:
		if !s.getFunctions {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		resp = s.Handle(r.Context(), message.FunctionsRequest, &Context{Request: r})
	case http.MethodPost:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(protocol.MaxBodyLen)))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		resp = s.Handle(r.Context(), body, &Context{Request: r})
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(resp)
}

// HTTPHandler is the server wrapped in CORS handling when WithCrossDomain is set.
func (s *Server) HTTPHandler() http.Handler {
	if s.cors != nil {
		return s.cors.Handler(s)
	}
	return s
}

// WebSocketHandler upgrades the request and serves full-duplex calls on it.
// Every binary message is a 4-byte id followed by a request frame; the
// response goes back under the same id.
func (s *Server) WebSocketHandler() http.Handler {
	upgrader := websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096}
	if s.cors != nil {
		upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.WithError(err).Debug("websocket upgrade failed")
			return
		}
		s.serveWebSocket(r, conn)
	})
}

func (s *Server) serveWebSocket(r *http.Request, conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(int64(protocol.MaxBodyLen) + 4)
	ctx := r.Context()
	var writeMu sync.Mutex

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if len(data) < 4 {
			s.log.Warn("websocket message without id, closing")
			return
		}
		id := binary.BigEndian.Uint32(data)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			resp := s.Handle(ctx, data[4:], &Context{Request: r})
			msg := make([]byte, 4+len(resp))
			binary.BigEndian.PutUint32(msg, id)
			copy(msg[4:], resp)
			writeMu.Lock()
			defer writeMu.Unlock()
			if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				s.log.WithError(err).Debug("failed to write websocket response")
			}
		}()
	}
}
