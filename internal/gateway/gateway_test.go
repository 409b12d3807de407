package gateway

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/peterje/conduit/internal/tunnel"
)

const (
	testToken  = "user-token"
	testSecret = "tunnel-secret"
)

// backend stands in for a conduit server and reports what it received.
func backend(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/processes", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Saw-Authorization", r.Header.Get("Authorization"))
		w.Header().Set("X-Saw-Forwarded-For", r.Header.Get("X-Forwarded-For"))
		w.Header().Set("X-Saw-Host", r.Host)
		_, _ = io.WriteString(w, "list:"+r.URL.Query().Get("q"))
	})
	mux.HandleFunc("POST /api/processes/{id}/input", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write(append([]byte(r.PathValue("id")+":"), body...))
	})
	mux.HandleFunc("GET /api/secrets", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "leaked")
	})
	mux.HandleFunc("GET /ws/processes/{id}", func(w http.ResponseWriter, r *http.Request) {
		header := http.Header{"X-Saw-Token": {r.URL.Query().Get("token")}}
		conn, err := upgrader.Upgrade(w, r, header)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, append([]byte(r.PathValue("id")+":"), msg...)); err != nil {
				return
			}
		}
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

// connectedGateway returns a gateway with a tunnel client attached that
// forwards to a local backend.
func connectedGateway(t *testing.T) *httptest.Server {
	t.Helper()
	local := backend(t)

	gw := New(testToken, testSecret, zaptest.NewLogger(t))
	ts := httptest.NewServer(gw.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	client := tunnel.NewClient(tunnel.Options{
		GatewayURL: "ws" + strings.TrimPrefix(ts.URL, "http") + "/tunnel",
		Secret:     testSecret,
		LocalAddr:  strings.TrimPrefix(local.URL, "http://"),
		Logger:     zaptest.NewLogger(t),
	})
	go func() {
		defer close(done)
		_ = client.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		gw.Tunnel().Close()
	})

	require.Eventually(t, gw.Tunnel().Connected, 5*time.Second, 10*time.Millisecond)
	return ts
}

func send(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, url, token string) *http.Response {
	t.Helper()
	return send(t, http.MethodGet, url, token, "")
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestAuthMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := NewAuth(testToken).Middleware(next)

	for _, tc := range []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"missing token", "/api/processes", "", http.StatusUnauthorized},
		{"wrong token", "/api/processes", "Bearer nope", http.StatusUnauthorized},
		{"wrong scheme", "/api/processes", "Basic " + testToken, http.StatusUnauthorized},
		{"valid token", "/api/processes", "Bearer " + testToken, http.StatusTeapot},
		{"scheme is case insensitive", "/api/processes", "bearer " + testToken, http.StatusTeapot},
		{"query token on websocket path", "/ws/processes/x?token=" + testToken, "", http.StatusTeapot},
		{"query token ignored on api path", "/api/processes?token=" + testToken, "", http.StatusUnauthorized},
		{"health exempt", "/api/health", "", http.StatusTeapot},
		{"gateway health exempt", "/gateway/health", "", http.StatusTeapot},
		{"tunnel exempt", "/tunnel", "", http.StatusTeapot},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			require.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestTunnelRejectsWrongSecret(t *testing.T) {
	tun := NewTunnel(testSecret, zaptest.NewLogger(t))
	for _, presented := range []string{"", "wrong"} {
		req := httptest.NewRequest(http.MethodGet, "/tunnel", nil)
		if presented != "" {
			req.Header.Set(tunnel.SecretHeader, presented)
		}
		rec := httptest.NewRecorder()
		tun.ServeHTTP(rec, req)
		require.Equal(t, http.StatusForbidden, rec.Code)
		require.Contains(t, rec.Body.String(), `"code":"forbidden"`)
	}
	require.False(t, tun.Connected())
	require.Equal(t, TunnelStatus{}, tun.Status())
}

func TestProxyWithoutTunnel(t *testing.T) {
	gw := New(testToken, testSecret, zaptest.NewLogger(t))
	ts := httptest.NewServer(gw.Handler())
	t.Cleanup(ts.Close)

	resp := get(t, ts.URL+"/api/processes", testToken)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Equal(t, "tunnel_disconnected", decodeBody[map[string]string](t, resp)["code"])

	resp = get(t, ts.URL+"/gateway/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decodeBody[map[string]any](t, resp)
	require.Equal(t, false, health["connected"])
	require.NotContains(t, health, "rtt_ms")
}

func TestProxyThroughTunnel(t *testing.T) {
	ts := connectedGateway(t)

	resp := get(t, ts.URL+"/api/processes?q=hi", testToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "list:hi", string(body))
	require.Empty(t, resp.Header.Get("X-Saw-Authorization"))
	require.NotEmpty(t, resp.Header.Get("X-Saw-Forwarded-For"))
	require.Equal(t, tunnelHost, resp.Header.Get("X-Saw-Host"))

	resp = send(t, http.MethodPost, ts.URL+"/api/processes/p1/input", testToken, "data")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "p1:data", string(body))

	resp = get(t, ts.URL+"/api/processes", "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Only conduit routes are forwarded.
	for _, path := range []string{"/index.html", "/api/secrets", "/ws/other"} {
		resp = get(t, ts.URL+path, testToken)
		require.Equal(t, http.StatusNotFound, resp.StatusCode, path)
		require.Equal(t, "not_found", decodeBody[map[string]string](t, resp)["code"])
	}
	resp = send(t, http.MethodPut, ts.URL+"/api/processes", testToken, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = get(t, ts.URL+"/gateway/health", "")
	health := decodeBody[map[string]any](t, resp)
	require.Equal(t, true, health["connected"])
	require.NotEmpty(t, health["remote"])
	require.NotEmpty(t, health["since"])
	require.Contains(t, health, "rtt_ms")
}

func TestWebSocketThroughTunnel(t *testing.T) {
	ts := connectedGateway(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/processes/p1?token=" + testToken
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Empty(t, resp.Header.Get("X-Saw-Token"))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("ping")))
	mt, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, mt)
	require.Equal(t, "p1:ping", string(msg))
}

func TestNewTunnelReplacesOld(t *testing.T) {
	ts := connectedGateway(t)
	health := func() map[string]any {
		resp, err := http.Get(ts.URL + "/gateway/health")
		if err != nil {
			return nil
		}
		defer resp.Body.Close()
		var v map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&v)
		return v
	}
	first := health()["remote"]
	require.NotEmpty(t, first)

	local := backend(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	second := tunnel.NewClient(tunnel.Options{
		GatewayURL: "ws" + strings.TrimPrefix(ts.URL, "http") + "/tunnel",
		Secret:     testSecret,
		LocalAddr:  strings.TrimPrefix(local.URL, "http://"),
		Logger:     zaptest.NewLogger(t),
	})
	go func() {
		defer close(done)
		_ = second.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		h := health()
		return h["connected"] == true && h["remote"] != first
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSelfSignedTLSIsCached(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tls")

	first, err := TLSConfig("", "", dir)
	require.NoError(t, err)
	require.Equal(t, uint16(tls.VersionTLS12), first.MinVersion)
	require.FileExists(t, filepath.Join(dir, "gateway.crt"))

	info, err := os.Stat(filepath.Join(dir, "gateway.key"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := TLSConfig("", "", dir)
	require.NoError(t, err)
	require.Equal(t, leafDER(t, first), leafDER(t, second))

	leaf, err := x509.ParseCertificate(leafDER(t, first))
	require.NoError(t, err)
	require.Contains(t, leaf.DNSNames, "localhost")
	require.NoError(t, leaf.VerifyHostname("127.0.0.1"))
}

func leafDER(t *testing.T, cfg *tls.Config) []byte {
	t.Helper()
	cert, err := cfg.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	return cert.Certificate[0]
}

func TestSelfSignedRenewsNearExpiry(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	certPath, _, err := ensureSelfSigned(dir, now)
	require.NoError(t, err)
	first, err := readLeaf(certPath)
	require.NoError(t, err)

	_, _, err = ensureSelfSigned(dir, now.Add(time.Hour))
	require.NoError(t, err)
	same, err := readLeaf(certPath)
	require.NoError(t, err)
	require.Equal(t, first.SerialNumber, same.SerialNumber)

	_, _, err = ensureSelfSigned(dir, now.Add(selfSignedValidity-renewBefore+time.Hour))
	require.NoError(t, err)
	renewed, err := readLeaf(certPath)
	require.NoError(t, err)
	require.NotEqual(t, first.SerialNumber, renewed.SerialNumber)
	require.True(t, renewed.NotAfter.After(first.NotAfter))
}

func TestTLSConfigReloadsRotatedFiles(t *testing.T) {
	certPath, keyPath, err := ensureSelfSigned(t.TempDir(), time.Now())
	require.NoError(t, err)
	cfg, err := TLSConfig(certPath, keyPath, "")
	require.NoError(t, err)
	before := leafDER(t, cfg)

	nextCert, nextKey, err := ensureSelfSigned(t.TempDir(), time.Now())
	require.NoError(t, err)
	for src, dst := range map[string]string{nextCert: certPath, nextKey: keyPath} {
		data, err := os.ReadFile(src)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(dst, data, 0o600))
	}
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(certPath, later, later))

	require.NotEqual(t, before, leafDER(t, cfg))

	// A broken pair keeps the last good certificate in service.
	require.NoError(t, os.WriteFile(keyPath, []byte("garbage"), 0o600))
	evenLater := later.Add(time.Minute)
	require.NoError(t, os.Chtimes(certPath, evenLater, evenLater))
	require.NotEmpty(t, leafDER(t, cfg))
}

func TestTLSConfigBadFiles(t *testing.T) {
	_, err := TLSConfig("/nonexistent/cert.pem", "/nonexistent/key.pem", t.TempDir())
	require.Error(t, err)

	_, err = TLSConfig("/some/cert.pem", "", t.TempDir())
	require.ErrorContains(t, err, "set together")
}

func TestRunRequiresToken(t *testing.T) {
	err := Run(context.Background(), Config{Port: 0, StateDir: t.TempDir()})
	require.ErrorIs(t, err, ErrTokenRequired)
}
