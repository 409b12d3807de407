package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
	"go.uber.org/zap"

	"github.com/peterje/conduit/internal/api"
	"github.com/peterje/conduit/internal/tunnel"
)

var errNoTunnel = errors.New("gateway: no conduit server attached")

var tunnelUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Tunnel holds the session of the conduit server attached to the gateway.
// A new attachment replaces the previous one.
type Tunnel struct {
	secret string
	logger *zap.Logger

	mu       sync.RWMutex
	attached *attachment
}

type attachment struct {
	session *yamux.Session
	remote  string
	since   time.Time
}

// TunnelStatus describes the attached conduit server.
type TunnelStatus struct {
	Connected bool       `json:"connected"`
	Remote    string     `json:"remote,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	RTTMillis *float64   `json:"rtt_ms,omitempty"`
}

func NewTunnel(secret string, logger *zap.Logger) *Tunnel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tunnel{secret: secret, logger: logger}
}

// ServeHTTP accepts a conduit server dialing in on /tunnel. The gateway is
// the yamux client: it opens one stream per proxied request.
func (t *Tunnel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !t.validSecret(r.Header.Get(tunnel.SecretHeader)) {
		t.logger.Warn("tunnel rejected", zap.String("remote", r.RemoteAddr))
		api.WriteErrorCode(w, http.StatusForbidden, "forbidden", "invalid tunnel secret")
		return
	}

	wsConn, err := tunnelUpgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("tunnel upgrade", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	session, err := yamux.Client(tunnel.NewWSConn(wsConn), tunnel.YamuxConfig())
	if err != nil {
		t.logger.Warn("tunnel session", zap.Error(err))
		_ = wsConn.Close()
		return
	}

	a := &attachment{session: session, remote: r.RemoteAddr, since: time.Now().UTC()}
	t.attach(a)
	go t.watch(a)
}

func (t *Tunnel) validSecret(presented string) bool {
	if presented == "" || t.secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(t.secret)) == 1
}

func (t *Tunnel) attach(a *attachment) {
	t.mu.Lock()
	prev := t.attached
	t.attached = a
	t.mu.Unlock()

	if prev != nil {
		_ = prev.session.Close()
		t.logger.Info("conduit server replaced",
			zap.String("previous", prev.remote),
			zap.Duration("attached_for", time.Since(prev.since)))
	}
	t.logger.Info("conduit server attached", zap.String("remote", a.remote))
}

// watch detaches a when its session ends.
func (t *Tunnel) watch(a *attachment) {
	<-a.session.CloseChan()

	t.mu.Lock()
	current := t.attached == a
	if current {
		t.attached = nil
	}
	t.mu.Unlock()

	if current {
		t.logger.Info("conduit server detached",
			zap.String("remote", a.remote),
			zap.Duration("attached_for", time.Since(a.since)))
	}
}

func (t *Tunnel) current() *attachment {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.attached == nil || t.attached.session.IsClosed() {
		return nil
	}
	return t.attached
}

// DialContext opens a stream to the attached conduit server. It has the
// shape of net.Dialer.DialContext so it can back an http.Transport.
func (t *Tunnel) DialContext(ctx context.Context, _, _ string) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a := t.current()
	if a == nil {
		return nil, errNoTunnel
	}
	return a.session.Open()
}

// Connected reports whether a conduit server is attached.
func (t *Tunnel) Connected() bool {
	return t.current() != nil
}

// Status reports the attached server, measuring round-trip time with a
// yamux ping.
func (t *Tunnel) Status() TunnelStatus {
	a := t.current()
	if a == nil {
		return TunnelStatus{}
	}
	since := a.since
	status := TunnelStatus{Connected: true, Remote: a.remote, Since: &since}
	if rtt, err := a.session.Ping(); err == nil {
		ms := float64(rtt) / float64(time.Millisecond)
		status.RTTMillis = &ms
	}
	return status
}

// Close detaches the current conduit server, if any.
func (t *Tunnel) Close() {
	t.mu.Lock()
	a := t.attached
	t.attached = nil
	t.mu.Unlock()
	if a != nil {
		_ = a.session.Close()
	}
}
