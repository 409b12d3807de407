package cli

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/peterje/conduit/internal/process"
	"github.com/peterje/conduit/internal/pty"
)

type runOptions struct {
	dir  string
	env  []string
	pty  bool
	rows uint16
	cols uint16
}

func (a *app) runCommand() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run [flags] -- command [args...]",
		Short: "Run a command in the foreground under conduit's supervision",
		Long: `Run a command attached to this terminal's standard streams and exit with its
exit code. Interrupting conduit stops the command gracefully, escalating to a
kill after process.stop_grace.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			code, err := a.run(ctx, args, opts, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if code != 0 {
				return &ExitError{Code: code}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.dir, "dir", "", "working directory")
	cmd.Flags().StringArrayVar(&opts.env, "env", nil, "extra environment entry in KEY=VALUE form (repeatable)")
	cmd.Flags().BoolVar(&opts.pty, "pty", false, "attach the command to a pseudo-terminal")
	cmd.Flags().Uint16Var(&opts.rows, "rows", pty.DefaultSize.Rows, "terminal rows with --pty")
	cmd.Flags().Uint16Var(&opts.cols, "cols", pty.DefaultSize.Cols, "terminal columns with --pty")
	return cmd
}

// run executes argv, wiring stdin to its input and its output streams to
// stdout and stderr, and returns its exit code.
func (a *app) run(ctx context.Context, argv []string, opts runOptions, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	host := process.NewHost(context.WithoutCancel(ctx), a.logger.Named("process"))
	defer host.Close()

	command := process.Command{Argv: argv, Dir: opts.dir, Env: opts.env, Group: true}
	procOpts := append(a.processOptions(), process.WithLogger(a.logger.Named("process")))

	var (
		proc *process.Process
		err  error
	)
	if opts.pty {
		proc, err = pty.Start(host, command, pty.Size{Rows: opts.rows, Cols: opts.cols}, procOpts...)
	} else {
		proc, err = process.Start(host, command, procOpts...)
	}
	if err != nil {
		return -1, err
	}
	defer proc.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		copyStream(proc.Stdout(), stdout)
	}()
	go func() {
		defer wg.Done()
		copyStream(proc.Stderr(), stderr)
	}()
	go a.feedStdin(ctx, proc, stdin)

	select {
	case <-proc.Done():
	case <-ctx.Done():
		a.logger.Info("stopping command", zap.Int("pid", proc.PID()))
		if _, err := proc.Stop(context.Background(), a.cfg.Process.StopGrace); err != nil {
			a.logger.Warn("stop command", zap.Error(err))
		}
	}

	wg.Wait()
	return proc.Wait(context.Background())
}

func copyStream(ch <-chan []byte, w io.Writer) {
	if ch == nil {
		return
	}
	for chunk := range ch {
		_, _ = w.Write(chunk)
	}
}

// feedStdin forwards stdin until EOF, then closes the command's input.
func (a *app) feedStdin(ctx context.Context, proc *process.Process, r io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			if sendErr := proc.SendInput(ctx, data); sendErr != nil {
				if !errors.Is(sendErr, process.ErrProcessExited) && !errors.Is(sendErr, context.Canceled) {
					a.logger.Debug("forward stdin", zap.Error(sendErr))
				}
				return
			}
		}
		if err != nil {
			_ = proc.CloseInput()
			return
		}
	}
}
