package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	logx "actuatord/pkg/logx"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	streamBuffer = 256
)

var upgrader = websocket.Upgrader{
	// Auth is enforced by the bearer middleware, not by origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents streams bus events as JSON text frames. ?type=command.,channel.
// limits the stream to the given type prefixes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		writeError(w, http.StatusNotImplemented, "event bus disabled")
		return
	}
	var prefixes []string
	for _, p := range strings.Split(r.URL.Query().Get("type"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			prefixes = append(prefixes, p)
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("event stream upgrade failed", logx.Err(err))
		return
	}
	events, unsub := s.deps.Bus.Subscribe(streamBuffer, prefixes...)
	defer unsub()
	defer conn.Close()

	log := s.log.With(logx.String("remote", r.RemoteAddr))
	log.Debug("event stream opened", logx.Any("types", prefixes))

	// The read pump only serves pongs and notices the peer closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	stop := s.streamCtx().Done()
	for {
		select {
		case <-stop:
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping"), time.Now().Add(writeWait))
			return
		case <-closed:
			log.Debug("event stream closed by peer")
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug("event stream write failed", logx.Err(err))
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
