package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"zibra/message"
	"zibra/protocol"
)

var ErrServerClosed = errors.New("rpc: server closed")

// Listen opens a listener for a tcp, tcp4, tcp6 or unix URI.
func Listen(uri string) (net.Listener, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse uri %q: %w", uri, err)
	}
	switch u.Scheme {
	case "tcp", "tcp4", "tcp6":
		return net.Listen(u.Scheme, u.Host)
	case "unix":
		return net.Listen("unix", u.Path)
	}
	return nil, fmt.Errorf("unsupported scheme %q in %q", u.Scheme, uri)
}

// ListenAndServe listens on uri and serves it until Shutdown.
func (s *Server) ListenAndServe(uri string) error {
	ln, err := Listen(uri)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve enters the Accept loop, one goroutine per connection. When a
// registry is configured the advertised URIs are registered first.
// It returns nil after Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listeners[ln] = struct{}{}
	s.mu.Unlock()

	if err := s.register(); err != nil {
		return err
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			// Check the shutdown flag to distinguish intentional close from real errors.
			if s.shutdown.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			return err
		}
		go s.handleConn(conn)
	}
}

// handleConn runs a single reader per connection: frames must be read
// sequentially to find their boundaries. Every frame is served on its own
// goroutine; half-duplex frames still wait for the one before them, full-duplex
// frames do not, so a slow call does not hold up the others on the same connection.
// A read error ends the connection and cancels the calls still running on it.
//
// The per-connection write mutex keeps concurrent responses from interleaving.
func (s *Server) handleConn(conn net.Conn) {
	if !s.trackConn(conn, true) {
		conn.Close()
		return
	}
	defer s.trackConn(conn, false)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	writeMu := &sync.Mutex{}
	var (
		inflight atomic.Int32
		prev     chan struct{} // done when the previous half-duplex frame is answered
	)

	for {
		if s.idleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}
		header, body, err := protocol.Decode(conn)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && inflight.Load() > 0 {
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.WithError(err).WithField("remote", conn.RemoteAddr().String()).Debug("connection closed")
			}
			return
		}
		s.wg.Add(1)
		inflight.Add(1)
		if header.FullDuplex {
			go func() {
				defer s.wg.Done()
				defer inflight.Add(-1)
				s.serveFrame(ctx, conn, header, body, writeMu)
			}()
			continue
		}
		// Half-duplex frames are answered in arrival order, but off the read
		// loop, so a peer hanging up cancels ctx for the call it left behind.
		done, wait := make(chan struct{}), prev
		prev = done
		go func() {
			defer s.wg.Done()
			defer inflight.Add(-1)
			defer close(done)
			if wait != nil {
				<-wait
			}
			s.serveFrame(ctx, conn, header, body, writeMu)
		}()
	}
}

func (s *Server) serveFrame(ctx context.Context, conn net.Conn, header *protocol.Header, body []byte, writeMu *sync.Mutex) {
	resp := s.Handle(ctx, body, &Context{Conn: conn})
	if len(resp) > int(protocol.MaxBodyLen) {
		resp = message.EncodeError(fmt.Sprintf("response too large: %d bytes", len(resp)))
	}

	// Same id as the request, so the client can match it
	reply := protocol.Header{FullDuplex: header.FullDuplex, ID: header.ID, BodyLen: uint32(len(resp))}
	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.Encode(conn, &reply, resp); err != nil {
		s.log.WithError(err).Debug("failed to write response")
	}
}

func (s *Server) trackConn(conn net.Conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.shutdown.Load() {
			return false
		}
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
	return true
}
