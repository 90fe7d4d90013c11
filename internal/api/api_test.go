package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actuatord/internal/actuator"
	"actuatord/internal/eventbus"
	"actuatord/internal/routine"
	"actuatord/internal/storage"
	logx "actuatord/pkg/logx"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
	fail  bool
}

func (r *recorder) Execute(ctx context.Context, command string) (*actuator.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, command)
	if r.fail {
		return nil, errors.New("servo stalled")
	}
	return &actuator.Result{Command: command}, nil
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fixture struct {
	reg  *actuator.Registry
	bus  eventbus.Bus
	eyes *recorder
	arm  *recorder
	srv  *Server
	http *httptest.Server
}

func newFixture(t *testing.T, cfg Config, start bool, mutate func(*Deps)) *fixture {
	t.Helper()
	f := &fixture{reg: actuator.NewRegistry(), bus: eventbus.New(), eyes: &recorder{}, arm: &recorder{}}
	for name, drv := range map[string]*recorder{"eyes": f.eyes, "arm": f.arm} {
		ch := actuator.New(actuator.Config{Name: name, FailureThreshold: 1}, drv, actuator.WithBus(f.bus))
		require.NoError(t, f.reg.Add(ch))
	}
	if start {
		require.NoError(t, f.reg.StartAll(context.Background()))
	}
	t.Cleanup(func() { _ = f.reg.StopAll(context.Background()) })

	deps := Deps{Registry: f.reg, Bus: f.bus}
	if mutate != nil {
		mutate(&deps)
	}
	f.srv = New(cfg, deps, logx.Nop())
	f.http = httptest.NewServer(f.srv.Handler())
	t.Cleanup(f.http.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, hdr ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestSubmitDispatches(t *testing.T) {
	f := newFixture(t, Config{}, true, nil)

	resp := f.do(t, http.MethodPost, "/v1/channels/arm/commands", `{"command":"wave","priority":2}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	cmd := decode[actuator.Command](t, resp)
	assert.NotEmpty(t, cmd.ID)
	assert.Equal(t, "wave", cmd.Name)
	assert.Equal(t, "api", cmd.Source)

	assert.Eventually(t, func() bool { return len(f.arm.seen()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSubmitErrors(t *testing.T) {
	f := newFixture(t, Config{}, false, nil)

	cases := []struct {
		name, path, body string
		status           int
	}{
		{"unknown channel", "/v1/channels/tail/commands", `{"command":"wag"}`, http.StatusNotFound},
		{"empty command", "/v1/channels/arm/commands", `{"command":"  "}`, http.StatusBadRequest},
		{"unknown field", "/v1/channels/arm/commands", `{"command":"wave","speed":3}`, http.StatusBadRequest},
		{"trailing data", "/v1/channels/arm/commands", `{"command":"wave"}{}`, http.StatusBadRequest},
		{"bad json", "/v1/channels/arm/commands", `{`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, tc.path, tc.body)
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.NotEmpty(t, decode[errorResponse](t, resp).Error)
		})
	}
}

func TestCircuitOpenRefusesUntilReset(t *testing.T) {
	f := newFixture(t, Config{}, true, nil)
	f.arm.mu.Lock()
	f.arm.fail = true
	f.arm.mu.Unlock()

	resp := f.do(t, http.MethodPost, "/v1/channels/arm/commands", `{"command":"wave"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	ch, err := f.reg.Get("arm")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !ch.Healthy() }, 2*time.Second, 10*time.Millisecond)

	resp = f.do(t, http.MethodPost, "/v1/channels/arm/commands", `{"command":"wave"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	f.arm.mu.Lock()
	f.arm.fail = false
	f.arm.mu.Unlock()
	resp = f.do(t, http.MethodPost, "/v1/channels/arm/commands", `{"command":"rest","force":true}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode, "forced commands pass an open circuit")

	resp = f.do(t, http.MethodPost, "/v1/channels/arm/reset", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decode[actuator.Stats](t, resp)
	assert.False(t, st.CircuitOpen)
	assert.Zero(t, st.ConsecutiveFailures)
}

func TestClearAndStats(t *testing.T) {
	f := newFixture(t, Config{}, false, nil)
	for i := 0; i < 3; i++ {
		resp := f.do(t, http.MethodPost, "/v1/channels/eyes/commands", `{"command":"blink"}`)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}

	resp := f.do(t, http.MethodGet, "/v1/channels/eyes/stats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, decode[actuator.Stats](t, resp).QueueDepth)

	resp = f.do(t, http.MethodPost, "/v1/channels/eyes/clear", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]int{"cleared": 3}, decode[map[string]int](t, resp))

	resp = f.do(t, http.MethodGet, "/v1/channels", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	all := decode[[]actuator.Stats](t, resp)
	require.Len(t, all, 2)
	assert.Equal(t, "arm", all[0].Channel)
	assert.Zero(t, all[1].QueueDepth)
}

func TestExpressionGoesToEyes(t *testing.T) {
	f := newFixture(t, Config{}, true, nil)

	resp := f.do(t, http.MethodPost, "/v1/expressions", `{"emotion":"Joy","priority":3}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "eyes_joy", decode[actuator.Command](t, resp).Name)
	assert.Eventually(t, func() bool {
		got := f.eyes.seen()
		return len(got) == 1 && got[0] == "eyes_joy"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, f.arm.seen())

	resp = f.do(t, http.MethodGet, "/v1/expressions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestExpressionChannelMissing(t *testing.T) {
	f := newFixture(t, Config{ExpressionChannel: "face"}, false, nil)
	resp := f.do(t, http.MethodPost, "/v1/expressions", `{"emotion":"joy"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJWTAuth(t *testing.T) {
	const secret = "test-secret"
	f := newFixture(t, Config{JWTSecret: secret}, false, nil)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "").StatusCode)

	resp := f.do(t, http.MethodGet, "/v1/channels", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Bearer", resp.Header.Get("WWW-Authenticate"))

	wrong, err := SignToken("other-secret", "ops", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/v1/channels", "", "Authorization", "Bearer "+wrong).StatusCode)

	expired, err := SignToken(secret, "ops", -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/v1/channels", "", "Authorization", "Bearer "+expired).StatusCode)

	good, err := SignToken(secret, "ops", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/channels", "", "Authorization", "Bearer "+good).StatusCode)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/channels?token="+good, "").StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/channels/arm/commands", `{"command":"wave"}`, "Authorization", "Bearer "+good)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "api:ops", decode[actuator.Command](t, resp).Source)

	_, err = SignToken("", "ops", time.Minute)
	assert.Error(t, err)
}

func TestPprofMount(t *testing.T) {
	off := newFixture(t, Config{}, false, nil)
	assert.Equal(t, http.StatusNotFound, off.do(t, http.MethodGet, "/debug/pprof/", "").StatusCode)

	const secret = "test-secret"
	on := newFixture(t, Config{Pprof: true, JWTSecret: secret}, false, nil)
	assert.Equal(t, http.StatusUnauthorized, on.do(t, http.MethodGet, "/debug/pprof/", "").StatusCode)

	tok, err := SignToken(secret, "ops", time.Minute)
	require.NoError(t, err)
	resp := on.do(t, http.MethodGet, "/debug/pprof/goroutine?debug=1", "", "Authorization", "Bearer "+tok)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, http.StatusOK, on.do(t, http.MethodGet, "/debug/pprof/cmdline", "", "Authorization", "Bearer "+tok).StatusCode)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, Config{RatePerSec: 0.5, Burst: 2}, false, nil)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/channels", "").StatusCode)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/channels", "").StatusCode)
	resp := f.do(t, http.MethodGet, "/v1/channels", "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "").StatusCode, "health is never throttled")
}

func TestIPLimiterGC(t *testing.T) {
	l := newIPLimiter(1, 0)
	assert.Equal(t, 1, l.burst)
	l.get("10.0.0.1")
	l.gc(time.Now().Add(visitorIdle + time.Second))
	assert.Empty(t, l.visitors)
}

func TestOutcomes(t *testing.T) {
	f := newFixture(t, Config{}, false, nil)
	assert.Equal(t, http.StatusNotImplemented, f.do(t, http.MethodGet, "/v1/outcomes", "").StatusCode)

	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "actuatord")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	for i, ch := range []string{"eyes", "arm", "eyes"} {
		require.NoError(t, st.AppendOutcome(ctx, storage.Outcome{At: time.Now().Add(time.Duration(i) * time.Millisecond), Channel: ch, Command: "c", State: "SUCCESS"}))
	}

	f = newFixture(t, Config{}, false, func(d *Deps) { d.Store = st })
	resp := f.do(t, http.MethodGet, "/v1/channels/eyes/outcomes", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]storage.Outcome](t, resp), 2)

	resp = f.do(t, http.MethodGet, "/v1/outcomes?limit=1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]storage.Outcome](t, resp), 1)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/outcomes?limit=-2", "").StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/channels/tail/outcomes", "").StatusCode)
}

func TestRoutines(t *testing.T) {
	f := newFixture(t, Config{}, false, nil)
	resp := f.do(t, http.MethodGet, "/v1/routines", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]routine.Status](t, resp))

	reg := f.reg
	rs := routine.New(reg, logx.Nop())
	require.NoError(t, rs.Apply([]routine.Routine{{Name: "blink", Channel: "eyes", Command: "blink", Schedule: "1h"}}, ""))
	f = newFixture(t, Config{}, false, func(d *Deps) { d.Registry = reg; d.Routines = rs })

	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/v1/routines/blink/fire", "").StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/routines/nap/fire", "").StatusCode)

	ch, err := reg.Get("eyes")
	require.NoError(t, err)
	assert.Equal(t, 1, ch.QueueDepth())
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, Config{}, true, nil)
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/v1/events?type=command."
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription is registered after the upgrade, so keep submitting
	// until the first event arrives.
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(20 * time.Millisecond):
			}
			resp, err := http.Post(f.http.URL+"/v1/channels/eyes/commands", "application/json", strings.NewReader(`{"command":"blink"}`))
			if err == nil {
				_ = resp.Body.Close()
			}
		}
	}()

	var got eventbus.Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	require.NoError(t, conn.ReadJSON(&got))
	assert.True(t, strings.HasPrefix(got.Type, "command."), got.Type)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, Config{Addr: "127.0.0.1:0"}, false, nil)
	require.NoError(t, f.srv.Start(context.Background()))
	addr := f.srv.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	var body bytes.Buffer
	_, _ = body.ReadFrom(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body.String(), `"channels":2`)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.srv.Stop(ctx))
	assert.Empty(t, f.srv.Addr())
	require.NoError(t, f.srv.Stop(ctx), "second stop is a no-op")

	_, err = http.Get("http://" + addr + "/healthz")
	assert.Error(t, err)
}

func TestIsLoopbackAddr(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:80":  true,
		"localhost:1":   true,
		"[::1]:8680":    true,
		":8680":         false,
		"0.0.0.0:8680":  false,
		"10.1.2.3:8680": false,
	} {
		assert.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}
