// Package gateway exposes the optional local observer endpoint: a WebSocket
// stream of daemon lifecycle events for dashboards and debugging tools.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/tenex-chat/tenexd/internal/bus"
	"github.com/tenex-chat/tenexd/pkg/protocol"
)

const (
	clientBuffer = 64
	writeTimeout = 5 * time.Second
)

// Server broadcasts bus events to connected WebSocket observers. Listens on
// loopback only by configuration; there is no auth layer.
type Server struct {
	listen string
	events bus.Publisher
	log    *slog.Logger

	mu      sync.Mutex
	clients map[string]chan bus.Event

	httpServer *http.Server
}

func NewServer(listen string, events bus.Publisher, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		listen:  listen,
		events:  events,
		log:     log.With("component", "gateway"),
		clients: make(map[string]chan bus.Event),
	}
}

// Start binds the listener and begins accepting observers. Returns once the
// listener is bound; serving continues until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "protocol": protocol.ProtocolVersion})
	})

	s.httpServer = &http.Server{Handler: mux}
	s.events.Subscribe("gateway", s.fanout)

	go func() {
		if serr := s.httpServer.Serve(ln); serr != nil && serr != http.ErrServerClosed {
			s.log.Error("gateway serve failed", "error", serr)
		}
	}()
	s.log.Info("observer gateway listening", "addr", ln.Addr().String())
	return nil
}

// Shutdown announces the shutdown to observers and closes the listener.
func (s *Server) Shutdown(ctx context.Context) {
	s.events.Unsubscribe("gateway")
	s.fanout(bus.Event{Name: protocol.EventShutdown, Time: time.Now()})

	s.mu.Lock()
	for id, ch := range s.clients {
		close(ch)
		delete(s.clients, id)
	}
	s.mu.Unlock()

	if s.httpServer != nil {
		_ = s.httpServer.Shutdown(ctx)
	}
}

// fanout delivers one event to every connected client, dropping it for
// clients whose buffer is full.
func (s *Server) fanout(ev bus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.clients {
		select {
		case ch <- ev:
		default:
			s.log.Debug("observer too slow, dropping event", "client", id, "event", ev.Name)
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}

	id := uuid.NewString()
	ch := make(chan bus.Event, clientBuffer)
	s.mu.Lock()
	s.clients[id] = ch
	s.mu.Unlock()
	s.log.Info("observer connected", "client", id)

	defer func() {
		s.mu.Lock()
		if _, ok := s.clients[id]; ok {
			close(ch)
			delete(s.clients, id)
		}
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "bye")
		s.log.Info("observer disconnected", "client", id)
	}()

	// Reader goroutine only notices the client going away; observers never
	// send anything we act on.
	readCtx, cancelRead := context.WithCancel(r.Context())
	defer cancelRead()
	go func() {
		for {
			if _, _, rerr := conn.Read(readCtx); rerr != nil {
				cancelRead()
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, merr := json.Marshal(ev)
			if merr != nil {
				continue
			}
			wctx, cancel := context.WithTimeout(readCtx, writeTimeout)
			werr := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if werr != nil {
				return
			}
		case <-readCtx.Done():
			return
		}
	}
}
