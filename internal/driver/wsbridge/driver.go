// Package wsbridge drives actuators on a remote controller over a websocket.
//
// One connection is shared by every call; it is dialed lazily and redialed on
// the next call after it drops. Calls are matched to responses by id.
package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"actuatord/internal/actuator"
	logx "actuatord/pkg/logx"
)

var (
	ErrClosed   = errors.New("wsbridge: driver closed")
	ErrConnLost = errors.New("wsbridge: connection lost")
	ErrTimeout  = errors.New("wsbridge: timed out waiting for response")
	ErrRejected = errors.New("wsbridge: command rejected by controller")
)

type Config struct {
	URL string
	// Token is sent as a bearer Authorization header on dial.
	Token string
	// Channel is forwarded so one controller can serve several outputs.
	Channel        string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
}

const (
	defaultDialTimeout    = 5 * time.Second
	defaultRequestTimeout = 10 * time.Second
	writeTimeout          = 5 * time.Second
)

type Driver struct {
	cfg    Config
	log    logx.Logger
	dialer *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	done   chan struct{}
	closed bool

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan wireMessage
}

func New(cfg Config, log logx.Logger) (*Driver, error) {
	u := strings.TrimSpace(cfg.URL)
	switch {
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "ws://"), strings.HasPrefix(u, "wss://"):
	default:
		return nil, fmt.Errorf("wsbridge: unsupported url %q", cfg.URL)
	}
	cfg.URL = u
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Driver{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "wsbridge")),
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		pending: map[string]chan wireMessage{},
	}, nil
}

// Execute sends one actuate request and waits for its response, the request
// timeout, ctx, or the connection dropping, whichever comes first.
func (d *Driver) Execute(ctx context.Context, command string) (*actuator.Result, error) {
	start := time.Now()
	conn, done, err := d.connect(ctx)
	if err != nil {
		return nil, err
	}

	// Random ids keep a late reply from an earlier connection from matching a new call.
	id := uuid.NewString()
	ch := make(chan wireMessage, 1)
	d.pendingMu.Lock()
	d.pending[id] = ch
	d.pendingMu.Unlock()
	defer func() {
		d.pendingMu.Lock()
		delete(d.pending, id)
		d.pendingMu.Unlock()
	}()

	req := wireMessage{Type: "req", ID: id, Method: methodActuate, Params: actuateParams{Channel: d.cfg.Channel, Command: command}}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	d.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = conn.WriteMessage(websocket.TextMessage, data)
	d.writeMu.Unlock()
	if err != nil {
		d.drop(conn)
		return nil, fmt.Errorf("%w: write: %v", ErrConnLost, err)
	}

	timer := time.NewTimer(d.cfg.RequestTimeout)
	defer timer.Stop()

	var resp wireMessage
	select {
	case resp = <-ch:
	case <-done:
		return nil, ErrConnLost
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, command, d.cfg.RequestTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if !resp.OK {
		if resp.Error != nil {
			return nil, fmt.Errorf("%w: %s: %s", ErrRejected, resp.Error.Code, resp.Error.Message)
		}
		return nil, ErrRejected
	}
	var payload actuatePayload
	if len(resp.Payload) > 0 {
		_ = json.Unmarshal(resp.Payload, &payload)
	}
	return &actuator.Result{Command: command, Detail: payload.Detail, Took: time.Since(start)}, nil
}

// Connected reports whether a connection is currently open.
func (d *Driver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn != nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}

func (d *Driver) connect(ctx context.Context) (*websocket.Conn, <-chan struct{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, nil, ErrClosed
	}
	if d.conn != nil {
		return d.conn, d.done, nil
	}

	hdr := http.Header{}
	if d.cfg.Token != "" {
		hdr.Set("Authorization", "Bearer "+d.cfg.Token)
	}
	dctx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
	defer cancel()
	conn, _, err := d.dialer.DialContext(dctx, d.cfg.URL, hdr)
	if err != nil {
		return nil, nil, fmt.Errorf("wsbridge: dial %s: %w", d.cfg.URL, err)
	}
	done := make(chan struct{})
	d.conn, d.done = conn, done
	go d.readLoop(conn, done)

	d.log.Info("bridge connected", logx.String("url", d.cfg.URL))
	return conn, done, nil
}

// drop forgets conn if it is still current so the next call redials.
func (d *Driver) drop(conn *websocket.Conn) {
	d.mu.Lock()
	if d.conn == conn {
		d.conn = nil
	}
	d.mu.Unlock()
	_ = conn.Close()
}

func (d *Driver) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	defer d.drop(conn)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			d.log.Debug("bridge read loop ended", logx.Err(err))
			return
		}
		var msg wireMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			d.log.Warn("bridge sent malformed frame", logx.Err(err))
			continue
		}
		if msg.Type != "res" || msg.ID == "" {
			if msg.Type != "event" {
				d.log.Debug("bridge frame ignored", logx.String("type", msg.Type))
			}
			continue
		}
		d.pendingMu.Lock()
		ch, ok := d.pending[msg.ID]
		d.pendingMu.Unlock()
		if ok {
			select {
			case ch <- msg:
			default:
			}
		}
	}
}
