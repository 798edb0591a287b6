// Package teeclient runs a command, passes its output through to the local
// terminal and uploads a copy to a logteewoop server.
package teeclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"golang.org/x/term"
)

type Options struct {
	// Server is the base URL, e.g. http://localhost:9002.
	Server string
	// StreamID defaults to a fresh random id.
	StreamID uuid.UUID
	Client   *http.Client

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Run executes argv and blocks until it exits and all output is uploaded.
// A non-zero exit of the child is returned as *exec.ExitError.
func Run(ctx context.Context, opts Options, argv []string) error {
	if len(argv) == 0 {
		return errors.New("no command given")
	}
	if opts.StreamID == uuid.Nil {
		opts.StreamID = uuid.New()
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	up, err := NewUploader(ctx, opts.Client, opts.Server, opts.StreamID)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(opts.Stderr, "logteewoop: streaming to %s\n", opts.StreamID)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if isTerminal(opts.Stdout) {
		err = runPTY(cmd, opts, up)
	} else {
		err = runPipes(cmd, opts, up)
	}
	up.Close()

	if n := up.Failures(); n > 0 {
		slog.Warn("Some output was not uploaded", "stream", opts.StreamID, "failed_posts", n)
	}
	return err
}

func runPipes(cmd *exec.Cmd, opts Options, up *Uploader) error {
	cmd.Stdin = opts.Stdin
	cmd.Stdout = io.MultiWriter(opts.Stdout, up)
	cmd.Stderr = io.MultiWriter(opts.Stderr, up)
	return cmd.Run()
}

// runPTY gives the child a terminal so it keeps colours and line buffering.
// stdout and stderr are merged by the PTY.
func runPTY(cmd *exec.Cmd, opts Options, up *Uploader) error {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("failed to start command in pty: %w", err)
	}
	defer func() { _ = ptmx.Close() }()

	if f, ok := opts.Stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if err := pty.InheritSize(f, ptmx); err != nil {
			slog.Debug("Failed to copy terminal size", "error", err)
		}
		oldState, err := term.MakeRaw(int(f.Fd()))
		if err != nil {
			return fmt.Errorf("failed to set raw mode: %w", err)
		}
		defer func() { _ = term.Restore(int(f.Fd()), oldState) }()
	}

	go func() {
		_, _ = io.Copy(ptmx, opts.Stdin)
	}()

	// Reading the pty fails with EIO once the child has exited.
	_, _ = io.Copy(io.MultiWriter(opts.Stdout, up), ptmx)

	return cmd.Wait()
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
