package tunnel

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
	"go.uber.org/zap"
)

// SecretHeader carries the pre-shared secret on the tunnel handshake.
const SecretHeader = "X-Gateway-Secret"

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

type Options struct {
	GatewayURL string // wss://gateway.example.com/tunnel
	Secret     string // pre-shared secret
	LocalAddr  string // e.g. localhost:8800

	// VerifyTLS checks the gateway certificate. The gateway defaults to a
	// self-signed one, so it is off unless configured.
	VerifyTLS bool
	Logger    *zap.Logger
}

// Client connects outbound to a gateway and multiplexes traffic via yamux.
type Client struct {
	opts   Options
	logger *zap.Logger
	dialer websocket.Dialer
}

func NewClient(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		opts:   opts,
		logger: logger,
		dialer: websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			TLSClientConfig:  &tls.Config{InsecureSkipVerify: !opts.VerifyTLS},
		},
	}
}

// Run connects to the gateway and serves tunnel traffic, reconnecting with
// exponential backoff until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	backoff := initialBackoff
	for {
		connected, err := c.connect(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			// Connected successfully at some point, reset backoff
			backoff = initialBackoff
		}
		c.logger.Warn("tunnel connection lost",
			zap.Error(err),
			zap.Duration("retry_in", backoff))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if !connected {
			backoff = min(backoff*2, maxBackoff)
		}
	}
}

func (c *Client) connect(ctx context.Context) (bool, error) {
	header := http.Header{}
	header.Set(SecretHeader, c.opts.Secret)

	wsConn, resp, err := c.dialer.DialContext(ctx, c.opts.GatewayURL, header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dial gateway: %w (status %d)", err, resp.StatusCode)
		}
		return false, fmt.Errorf("dial gateway: %w", err)
	}
	defer wsConn.Close()

	c.logger.Info("tunnel connected", zap.String("gateway", c.opts.GatewayURL))

	// The service side is the yamux server (accepts streams opened by gateway)
	session, err := yamux.Server(NewWSConn(wsConn), YamuxConfig())
	if err != nil {
		return true, fmt.Errorf("yamux server: %w", err)
	}
	defer session.Close()

	stop := context.AfterFunc(ctx, func() { session.Close() })
	defer stop()

	for {
		stream, err := session.Accept()
		if err != nil {
			return true, fmt.Errorf("accept stream: %w", err)
		}
		go c.handleStream(ctx, stream)
	}
}

func (c *Client) handleStream(ctx context.Context, stream net.Conn) {
	defer stream.Close()

	var d net.Dialer
	local, err := d.DialContext(ctx, "tcp", c.opts.LocalAddr)
	if err != nil {
		c.logger.Warn("dial local server", zap.String("addr", c.opts.LocalAddr), zap.Error(err))
		return
	}
	defer local.Close()

	// Bidirectional copy
	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(local, stream)
		if tcp, ok := local.(*net.TCPConn); ok {
			_ = tcp.CloseWrite()
		}
		close(done)
	}()
	_, _ = io.Copy(stream, local)
	<-done
}

// YamuxConfig returns the multiplexer settings both tunnel ends use.
func YamuxConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = io.Discard
	return cfg
}
