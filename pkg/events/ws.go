package events

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/speedrun-hq/giwa-runner/pkg/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// WSHandler streams the events of one run to a websocket client
type WSHandler struct {
	bus        *Bus
	upgrader   websocket.Upgrader
	pingPeriod time.Duration
	logger     logger.Logger
}

// NewWSHandler creates a websocket streamer accepting the given origins, "*" or an empty list accepts any
func NewWSHandler(bus *Bus, allowedOrigins []string, log logger.Logger) *WSHandler {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &WSHandler{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		pingPeriod: pingPeriod,
		logger:     log,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// ServeWS replays the retained events of runID and then streams new ones until
// the run finishes or the client goes away
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request, runID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed for run %s: %v", runID, err)
		return
	}
	defer conn.Close()

	events, cancel := h.bus.Subscribe(runID)
	defer cancel()

	// the reader only handles control frames and notices the client leaving
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debug("WebSocket read error for run %s: %v", runID, err)
				}
				return
			}
		}
	}()

	var last uint64
	for _, ev := range h.bus.History(runID) {
		if err := h.write(conn, ev); err != nil {
			return
		}
		last = ev.Seq
	}

	ticker := time.NewTicker(h.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
				return
			}
			if ev.Seq <= last {
				continue
			}
			if err := h.write(conn, ev); err != nil {
				return
			}
			last = ev.Seq
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (h *WSHandler) write(conn *websocket.Conn, ev Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(ev); err != nil {
		h.logger.Debug("WebSocket write failed for run %s: %v", ev.RunID, err)
		return err
	}
	return nil
}
