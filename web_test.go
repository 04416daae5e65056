package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Seednode/kanaparty/games"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConfig(t *testing.T) *Config {
	t.Helper()

	cfg := &Config{}
	newCmd(cfg)
	cfg.log = zerolog.Nop()

	return cfg
}

func newTestServer(t *testing.T, cfg *Config) (*httptest.Server, *games.Registry) {
	t.Helper()

	reg := games.NewRegistry(cfg.gameOptions())
	errs := make(chan error, 16)

	srv := httptest.NewServer(newRouter(cfg, reg, games.NewRouter(reg, cfg.routerOptions()), errs))
	t.Cleanup(srv.Close)

	return srv, reg
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, body
}

func TestHTTPRoutes(t *testing.T) {
	cfg := newTestConfig(t)
	srv, _ := newTestServer(t, cfg)

	t.Run("home", func(t *testing.T) {
		resp, body := get(t, srv.URL+"/")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "Kanaparty Server - Running\n", string(body))
	})

	t.Run("healthz", func(t *testing.T) {
		resp, body := get(t, srv.URL+"/healthz")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "Ok\n", string(body))
	})

	t.Run("version", func(t *testing.T) {
		_, body := get(t, srv.URL+"/version")
		assert.Equal(t, "kanaparty v"+releaseVersion+"\n", string(body))
	})

	t.Run("robots", func(t *testing.T) {
		_, body := get(t, srv.URL+"/robots.txt")
		assert.Contains(t, string(body), "Disallow: /")
	})

	t.Run("stats", func(t *testing.T) {
		resp, body := get(t, srv.URL+"/stats")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
		assert.JSONEq(t, `{"rooms":0,"totalPlayers":0}`, string(body))
	})

	t.Run("unknown path", func(t *testing.T) {
		resp, body := get(t, srv.URL+"/nope")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "Not found\n", string(body))
	})

	t.Run("wrong method", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/stats", "application/json", strings.NewReader("{}"))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("pprof disabled", func(t *testing.T) {
		resp, _ := get(t, srv.URL+"/pprof/heap")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestPrefix(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.prefix = "/party"
	srv, _ := newTestServer(t, cfg)

	resp, _ := get(t, srv.URL+"/party/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = get(t, srv.URL+"/healthz")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQRCode(t *testing.T) {
	cfg := newTestConfig(t)
	srv, _ := newTestServer(t, cfg)

	t.Run("valid code", func(t *testing.T) {
		resp, body := get(t, srv.URL+"/qr/abc123")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
		assert.True(t, bytes.HasPrefix(body, []byte("\x89PNG")))
	})

	for _, code := range []string{"bad", "ABC12!", "ABCDEFG"} {
		t.Run("invalid "+code, func(t *testing.T) {
			resp, _ := get(t, srv.URL+"/qr/"+code)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestJoinLink(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/qr/ABC123", nil)
	r.Host = "quiz.example.com"

	cfg := newTestConfig(t)

	link, err := joinLink(cfg, r, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, "http://quiz.example.com/?room=ABC123", link)

	r.Header.Set("X-Forwarded-Proto", "https")
	cfg.prefix = "/party"
	link, err = joinLink(cfg, r, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, "https://quiz.example.com/party/?room=ABC123", link)

	cfg.joinURL = "https://play.example.com/join?lang=ja"
	link, err = joinLink(cfg, r, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, "https://play.example.com/join?lang=ja&room=ABC123", link)
}

func readUntil(t *testing.T, conn *websocket.Conn, msgType string) map[string]any {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg["type"] == msgType {
			return msg
		}
	}
}

func TestWebsocketSession(t *testing.T) {
	cfg := newTestConfig(t)
	srv, reg := newTestServer(t, cfg)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "create", "clientId": "host-1"}))
	created := readUntil(t, conn, "created")
	code, _ := created["code"].(string)
	require.Len(t, code, games.CodeLength)
	assert.NotEmpty(t, created["hostKey"])

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":     "join",
		"code":     strings.ToLower(code),
		"clientId": "host-1",
		"name":     "Host",
		"isHost":   true,
	}))
	joined := readUntil(t, conn, "joined")
	assert.Equal(t, "host-1", joined["playerId"])
	assert.Equal(t, code, joined["code"])

	state := readUntil(t, conn, "state")
	assert.Equal(t, "lobby", state["phase"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping"}))
	pong := readUntil(t, conn, "pong")
	assert.NotZero(t, pong["serverTime"])

	assert.Equal(t, games.Stats{Rooms: 1, TotalPlayers: 1}, reg.Stats())

	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool {
		return reg.Stats() == games.Stats{}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWebsocketMalformedMessage(t *testing.T) {
	cfg := newTestConfig(t)
	srv, _ := newTestServer(t, cfg)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping"}))

	readUntil(t, conn, "pong")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"cert without key", func(c *Config) { c.tlsCert = "cert.pem" }, true},
		{"cert and key", func(c *Config) { c.tlsCert, c.tlsKey = "cert.pem", "key.pem" }, false},
		{"port zero", func(c *Config) { c.port = 0 }, true},
		{"port too large", func(c *Config) { c.port = 70000 }, true},
		{"no players", func(c *Config) { c.maxPlayers = 0 }, true},
		{"no questions", func(c *Config) { c.totalQuestions = 0 }, true},
		{"negative recap", func(c *Config) { c.recap = -time.Second }, true},
		{"negative rate", func(c *Config) { c.messageRate = -1 }, true},
		{"rate without burst", func(c *Config) { c.messageBurst = 0 }, true},
		{"rate disabled without burst", func(c *Config) { c.messageRate, c.messageBurst = 0, 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newTestConfig(t)
			tt.modify(cfg)

			err := cfg.validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := newTestConfig(t)

	assert.Equal(t, "http", cfg.scheme())

	opts := cfg.gameOptions()
	assert.Equal(t, 40, opts.MaxPlayers)
	assert.Equal(t, 20, opts.TotalQuestions)
	assert.Equal(t, 10*time.Second, opts.TimePerQuestion)
	assert.Equal(t, 3*time.Second, opts.CountdownDuration)
	assert.Equal(t, 3*time.Second, opts.RecapDuration)
	assert.Equal(t, 10*time.Minute, opts.RoomTimeout)
	assert.True(t, opts.AllowLateJoin)
	assert.False(t, opts.DedupeCompletions)
	assert.NotNil(t, opts.Clock)

	assert.Equal(t, games.RouterOptions{MessageRate: 30, MessageBurst: 60}, cfg.routerOptions())
}

func TestHumanReadableSize(t *testing.T) {
	assert.Equal(t, "999 B", humanReadableSize(999))
	assert.Equal(t, "1.0 kB", humanReadableSize(1000))
	assert.Equal(t, "1.5 MB", humanReadableSize(1_500_000))
}

func TestRealIP(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		want    string
	}{
		{"remote addr", "10.0.0.5:4321", nil, "10.0.0.5:4321"},
		{"ipv6 remote addr", "[::1]:4321", nil, "[::1]:4321"},
		{"cloudflare", "10.0.0.5:4321", map[string]string{"CF-Connecting-IP": "203.0.113.7"}, "203.0.113.7"},
		{"real ip", "10.0.0.5:4321", map[string]string{"X-Real-IP": "203.0.113.8"}, "203.0.113.8"},
		{"forwarded chain", "10.0.0.5:4321", map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}, "203.0.113.9"},
		{"cloudflare wins", "10.0.0.5:4321", map[string]string{"CF-Connecting-IP": "203.0.113.7", "X-Real-IP": "203.0.113.8"}, "203.0.113.7"},
		{"garbage header ignored", "10.0.0.5:4321", map[string]string{"X-Real-IP": "not-an-ip"}, "10.0.0.5:4321"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}

			assert.Equal(t, tt.want, realIP(r))
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	cfg := newTestConfig(t)

	w := httptest.NewRecorder()
	securityHeaders(cfg, w)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"))
	assert.Empty(t, w.Header().Get("Cross-Origin-Resource-Policy"))

	cfg.tlsCert, cfg.tlsKey = "cert.pem", "key.pem"
	w = httptest.NewRecorder()
	securityHeaders(cfg, w)
	assert.NotEmpty(t, w.Header().Get("Strict-Transport-Security"))
}

func TestDrainErrors(t *testing.T) {
	var buf bytes.Buffer

	errs := make(chan error, 4)
	drained := drainErrors(zerolog.New(&buf), errs)

	errs <- errors.New("first")
	errs <- errors.New("second")
	close(errs)

	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		t.Fatal("error drain did not finish")
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "first")
	assert.Contains(t, lines[1], "second")
}
