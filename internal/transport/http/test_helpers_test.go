package http

import (
	"bytes"
	"context"
	"encoding/json"
	stdhttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wirechat-rooms/internal/auth"
	"github.com/vovakirdan/wirechat-rooms/internal/bus"
	"github.com/vovakirdan/wirechat-rooms/internal/config"
	"github.com/vovakirdan/wirechat-rooms/internal/core"
	wlog "github.com/vovakirdan/wirechat-rooms/internal/log"
	"github.com/vovakirdan/wirechat-rooms/internal/presence"
	"github.com/vovakirdan/wirechat-rooms/internal/proto"
	"github.com/vovakirdan/wirechat-rooms/internal/store/sqlite"
)

type testServer struct {
	ts       *httptest.Server
	server   *Server
	hub      *core.Hub
	presence *presence.Memory
	cfg      *config.Config
}

// frame is an outbound message with its data left undecoded.
type frame struct {
	Type  string          `json:"type"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Error *proto.Error    `json:"error"`
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testServer {
	t.Helper()

	cfg := config.Default()
	cfg.Addr = "127.0.0.1:0"
	cfg.JWTSecret = "test-secret"
	cfg.ShutdownTimeout = 100 * time.Millisecond
	for _, m := range mutate {
		m(&cfg)
	}

	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	b := bus.NewMemory()
	t.Cleanup(func() { _ = b.Close() })

	logger := wlog.Nop()
	ps := presence.NewMemory()
	hub := core.NewHub(st, ps, b, core.Options{
		NodeID:                  "test-node",
		BusPrefix:               cfg.Bus.Prefix,
		BacklogSize:             cfg.BacklogSize,
		StoreTimeout:            cfg.StoreTimeout,
		BusTimeout:              cfg.BusTimeout,
		DrainTimeout:            cfg.ShutdownTimeout,
		AllowAnonymousObservers: cfg.AllowAnonymousObservers,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, hub.Start(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	authService := auth.NewService(st, &auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      cfg.JWTTTL,
	})

	server := NewServer(hub, authService, &cfg, logger)
	ts := httptest.NewServer(server.Handler)
	t.Cleanup(ts.Close)

	return &testServer{ts: ts, server: server, hub: hub, presence: ps, cfg: &cfg}
}

func (s *testServer) postJSON(t *testing.T, path, token string, body any) *stdhttp.Response {
	t.Helper()

	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := stdhttp.NewRequest(stdhttp.MethodPost, s.ts.URL+path, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (s *testServer) register(t *testing.T, username string) AuthResponse {
	t.Helper()

	resp := s.postJSON(t, "/api/register", "", RegisterRequest{Username: username, Password: "secret123"})
	require.Equal(t, stdhttp.StatusCreated, resp.StatusCode)

	var out AuthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.Token)
	return out
}

func (s *testServer) wsURL(path, token string) string {
	u := strings.Replace(s.ts.URL, "http", "ws", 1) + path
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func (s *testServer) dial(t *testing.T, path, token string) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, s.wsURL(path, token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType string, data any) {
	t.Helper()

	in := proto.Inbound{Type: msgType}
	if data != nil {
		raw, err := json.Marshal(data)
		require.NoError(t, err)
		in.Data = raw
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, in))
}

// expectFrame reads until a frame of the given type and event arrives.
func expectFrame(t *testing.T, conn *websocket.Conn, frameType, event string) frame {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		var f frame
		require.NoError(t, wsjson.Read(ctx, conn, &f), "waiting for %s/%s", frameType, event)
		if f.Type == frameType && f.Event == event {
			return f
		}
	}
}

func expectEvent[T any](t *testing.T, conn *websocket.Conn, event string) T {
	t.Helper()

	f := expectFrame(t, conn, proto.OutboundTypeEvent, event)
	var out T
	require.NoError(t, json.Unmarshal(f.Data, &out))
	return out
}
