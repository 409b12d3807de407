package shepherd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

const (
	launchPoll    = 50 * time.Millisecond
	launchTimeout = 2 * time.Second
)

// ConnectOptions controls how Connect reaches a shepherd.
type ConnectOptions struct {
	SocketPath string
	Logger     *zap.Logger

	// Autostart launches "<Executable> <Args...>" when no shepherd answers.
	Autostart  bool
	Executable string
	Args       []string
}

// Connect connects to an existing shepherd or launches a new one.
func Connect(ctx context.Context, opts ConnectOptions) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if client, err := dialAndPing(ctx, opts.SocketPath, logger); err == nil {
		logger.Info("connected to existing shepherd", zap.String("socket", opts.SocketPath))
		return client, nil
	} else if !opts.Autostart {
		return nil, err
	}

	exe := opts.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("get executable path: %w", err)
		}
	}

	logger.Info("starting shepherd process", zap.String("executable", exe), zap.Strings("args", opts.Args))
	cmd := exec.Command(exe, opts.Args...)
	cmd.SysProcAttr = detachAttr()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start shepherd: %w", err)
	}
	// Detach; the shepherd outlives this process.
	_ = cmd.Process.Release()

	deadline := time.NewTimer(launchTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(launchPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("shepherd did not become available within %s", launchTimeout)
		case <-ticker.C:
			if client, err := dialAndPing(ctx, opts.SocketPath, logger); err == nil {
				logger.Info("shepherd started and connected")
				return client, nil
			}
		}
	}
}

func dialAndPing(ctx context.Context, socketPath string, logger *zap.Logger) (*Client, error) {
	client, err := NewClient(ctx, socketPath, logger)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
