package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/peterje/conduit/internal/api"
)

// ErrTokenRequired is returned when the gateway is started without a user token.
var ErrTokenRequired = errors.New("gateway: token is required")

// Config holds gateway configuration.
type Config struct {
	Port     int
	TLSCert  string
	TLSKey   string
	Token    string // bearer token required from users
	Secret   string // pre-shared tunnel secret; generated when empty
	StateDir string // self-signed certificates are cached under StateDir/tls
	Logger   *zap.Logger
}

type gatewayHealth struct {
	Status  string `json:"status"`
	Gateway bool   `json:"gateway"`
	TunnelStatus
}

// Gateway routes authenticated user traffic to a tunnelled conduit instance.
type Gateway struct {
	tunnel *Tunnel
	mux    *http.ServeMux
}

func New(token, secret string, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	auth := NewAuth(token)
	tun := NewTunnel(secret, logger)
	proxy := NewProxy(tun, logger)

	mux := http.NewServeMux()

	// Tunnel endpoint (authenticated by pre-shared secret, not user token)
	mux.Handle("/tunnel", tun)

	// Uses a distinct path so /api/health is proxied to the conduit server.
	mux.HandleFunc("GET /gateway/health", func(w http.ResponseWriter, r *http.Request) {
		api.WriteJSON(w, http.StatusOK, gatewayHealth{
			Status:       "ok",
			Gateway:      true,
			TunnelStatus: tun.Status(),
		})
	})

	// Everything else goes through auth middleware → proxy
	mux.Handle("/", auth.Middleware(proxy))

	return &Gateway{tunnel: tun, mux: mux}
}

func (g *Gateway) Handler() http.Handler { return g.mux }

func (g *Gateway) Tunnel() *Tunnel { return g.tunnel }

// Run starts the gateway and serves TLS until ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Token == "" {
		return ErrTokenRequired
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if cfg.Secret == "" {
		b := make([]byte, 24)
		if _, err := rand.Read(b); err != nil {
			return fmt.Errorf("generate tunnel secret: %w", err)
		}
		cfg.Secret = hex.EncodeToString(b)
		logger.Info("generated tunnel secret", zap.String("secret", cfg.Secret))
	}

	tlsCfg, err := TLSConfig(cfg.TLSCert, cfg.TLSKey, filepath.Join(cfg.StateDir, "tls"))
	if err != nil {
		return fmt.Errorf("TLS config: %w", err)
	}

	gw := New(cfg.Token, cfg.Secret, logger)
	defer gw.tunnel.Close()

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           gw.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}

	tunnelURL := fmt.Sprintf("wss://YOUR_HOST:%d/tunnel", cfg.Port)
	if cfg.Port == 443 {
		tunnelURL = "wss://YOUR_HOST/tunnel"
	}
	logger.Info("gateway listening",
		zap.String("addr", l.Addr().String()),
		zap.String("tunnel_url", tunnelURL))

	errCh := make(chan error, 1)
	go func() {
		// Empty cert/key since TLSConfig is set directly
		errCh <- srv.ServeTLS(l, "", "")
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	gw.tunnel.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown gateway: %w", err)
	}
	return nil
}
