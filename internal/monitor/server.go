package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wdc63/qtrader/internal/control"
	"github.com/wdc63/qtrader/internal/runctx"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the monitoring HTTP/websocket server. It never touches
// Context except through CopyOut, and every control command it accepts
// is only enqueued — the scheduler thread decides when to act on it.
type Server struct {
	rc          *runctx.Context
	control     *control.Channel
	broadcaster *Broadcaster
	logger      *log.Logger
}

// New creates a Server over rc, publishing control commands to ch.
func New(rc *runctx.Context, ch *control.Channel, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "", log.LstdFlags)
	}
	return &Server{rc: rc, control: ch, broadcaster: NewBroadcaster(logger), logger: logger}
}

// Start launches the broadcaster's event loop in a new goroutine. Call
// once before serving the Mux.
func (s *Server) Start() { go s.broadcaster.Run() }

// Mux builds the HTTP handler: GET /ws for the snapshot stream, POST
// /control/{pause,resume,stop} for the control surface.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/control/pause", s.handleControl(control.Pause))
	mux.HandleFunc("/control/resume", s.handleControl(control.Resume))
	mux.HandleFunc("/control/stop", s.handleControl(control.Stop))
	return mux
}

func (s *Server) handleControl(cmd control.Command) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.control.Enqueue(cmd)
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("[monitor] websocket upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	client := &Client{ID: r.RemoteAddr, Send: make(chan any, 256)}
	s.broadcaster.Register(client)
	defer s.broadcaster.Unregister(client)
	s.logger.Printf("[monitor] client connected from %s", client.ID)

	go s.writePump(ws, client)
	s.readPump(ws, client)
}

func (s *Server) writePump(ws *websocket.Conn, client *Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteJSON(message); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					s.logger.Printf("[monitor] write error for %s: %v", client.ID, err)
				}
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) readPump(ws *websocket.Conn, client *Client) {
	defer func() {
		s.broadcaster.Unregister(client)
		s.logger.Printf("[monitor] client disconnected from %s", client.ID)
	}()

	ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Printf("[monitor] read error for %s: %v", client.ID, err)
			}
			return
		}
	}
}

// BroadcastSnapshot publishes the Context's current read-only copy-out to
// every connected client.
func (s *Server) BroadcastSnapshot() {
	snap := s.rc.CopyOut()
	s.broadcaster.Broadcast(Message{
		Type:      "snapshot",
		Data:      snap,
		Timestamp: snap.Now.Format(time.RFC3339),
	})
}

// RunPeriodicBroadcast publishes a snapshot every interval until ctx is done.
func (s *Server) RunPeriodicBroadcast(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.BroadcastSnapshot()
		case <-ctx.Done():
			return
		}
	}
}

// Serve is the monitoring thread's whole lifecycle, suitable for direct
// use as the monitorFn argument to scheduler.Scheduler.Run: it starts the
// broadcaster, listens on addr, publishes a snapshot every broadcastEvery,
// and blocks until ctx is cancelled, at which point it shuts the HTTP
// server down and returns nil. Any bind failure is returned immediately.
func (s *Server) Serve(ctx context.Context, addr string, broadcastEvery time.Duration) error {
	s.Start()
	go s.RunPeriodicBroadcast(ctx, broadcastEvery)

	httpServer := &http.Server{Addr: addr, Handler: s.Mux()}
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("monitor: listen on %s: %w", addr, err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		s.broadcaster.Shutdown()
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}
