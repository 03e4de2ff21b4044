package bridge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/progrium/chanmux/mux"
)

// Stream spawns the process named by the "spawn" option. Messages become
// its standard input and done closes it. Its output is sent back, stderr
// included unless "err" is "ignore", or "message" which collects stderr
// into the close message. The channel closes with the exit status or
// signal once the process exited and all output was sent.
func Stream(ctx context.Context, ch *Channel) error {
	opts := ch.Options()
	if len(opts.Spawn) == 0 {
		return &mux.CloseError{Problem: string(mux.ProblemProtocol), Message: "missing spawn option"}
	}

	switch opts.Err {
	case "", "out", "message", "ignore":
	default:
		return &mux.CloseError{Problem: string(mux.ProblemProtocol), Message: "invalid err option: " + opts.Err}
	}

	cmd := exec.Command(opts.Spawn[0], opts.Spawn[1:]...)
	cmd.Dir = opts.Directory
	if len(opts.Environ) > 0 {
		cmd.Env = append(os.Environ(), opts.Environ...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	var stderr bytes.Buffer
	switch opts.Err {
	case "", "out":
		cmd.Stderr = pw
	case "message":
		cmd.Stderr = &stderr
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		pw.Close()
		ch.log.Debug().Err(err).Strs("spawn", opts.Spawn).Msg("bridge: spawn failed")
		return &mux.CloseError{Problem: string(startProblem(err)), Message: err.Error()}
	}
	if err := ch.Ready(mux.Options{"pid": cmd.Process.Pid}); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return err
	}

	go func() {
		defer stdin.Close()
		for {
			data, err := ch.Recv()
			if err != nil {
				return
			}
			if _, err := stdin.Write(data); err != nil {
				return
			}
		}
	}()

	exited := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		pw.Close()
		exited <- err
	}()

	stop := context.AfterFunc(ch.ctx, func() {
		cmd.Process.Kill()
	})
	defer stop()

	buf := make([]byte, ch.b.cfg.MaxFrameSize)
	var sendErr error
	for {
		n, err := pr.Read(buf)
		if n > 0 && sendErr == nil {
			sendErr = ch.Send(buf[:n])
			if sendErr != nil {
				cmd.Process.Kill()
			}
		}
		if err != nil {
			break
		}
	}
	waitErr := <-exited
	if sendErr != nil {
		return sendErr
	}
	if err := ch.ctx.Err(); err != nil {
		return err
	}
	if err := ch.Done(); err != nil {
		return err
	}

	exit := &ExitError{Message: strings.TrimSpace(stderr.String())}
	var ee *exec.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &ee):
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			exit.Signal = signalName(ws.Signal())
		} else {
			exit.Status = ee.ExitCode()
		}
	default:
		return waitErr
	}
	return exit
}

func startProblem(err error) mux.Problem {
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return mux.ProblemNotFound
	case errors.Is(err, fs.ErrPermission):
		return mux.ProblemAccessDenied
	default:
		return mux.ProblemInternal
	}
}
