package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Conn is the parent's end of a worker's pipes.
type Conn interface {
	io.Reader
	io.Writer
	// CloseWrite signals end of input to the worker.
	CloseWrite() error
	// Close terminates the worker.
	Close() error
	// Wait blocks until the worker has exited.
	Wait() error
}

// Launcher starts workers.
type Launcher interface {
	Launch(ctx context.Context, id int) (Conn, error)
}

// ProcessLauncher starts each worker as a child process running the
// current executable, with the protocol on its stdin and stdout.
type ProcessLauncher struct {
	Path   string   // defaults to os.Executable()
	Args   []string // e.g. the hidden worker subcommand
	Env    []string // appended to the parent's environment
	Stderr io.Writer
}

// Launch starts one worker process. The process is killed when ctx ends.
func (l *ProcessLauncher) Launch(ctx context.Context, id int) (Conn, error) {
	path := l.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating executable: %w", err)
		}
		path = exe
	}

	cmd := exec.CommandContext(ctx, path, l.Args...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Env = append(cmd.Env, fmt.Sprintf("FORUM_CONVERTER_WORKER_ID=%d", id))
	cmd.Stderr = l.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	cmd.WaitDelay = 5 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker %d: %w", id, err)
	}
	return &processConn{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

type processConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	once   sync.Once
}

func (c *processConn) Read(p []byte) (int, error)  { return c.stdout.Read(p) }
func (c *processConn) Write(p []byte) (int, error) { return c.stdin.Write(p) }
func (c *processConn) CloseWrite() error           { return c.stdin.Close() }
func (c *processConn) Wait() error                 { return c.cmd.Wait() }

func (c *processConn) Close() error {
	var err error
	c.once.Do(func() {
		c.stdin.Close()
		err = c.cmd.Process.Kill()
	})
	return err
}

// InProcessLauncher runs Serve on a goroutine connected through in-memory
// pipes. It is used for parallel_mode "goroutines" and in tests.
type InProcessLauncher struct {
	Resolve Resolver
}

// Launch starts one in-process worker.
func (l *InProcessLauncher) Launch(ctx context.Context, id int) (Conn, error) {
	workerIn, parentOut := io.Pipe()
	parentIn, workerOut := io.Pipe()

	c := &pipeConn{
		r:    parentIn,
		w:    parentOut,
		in:   workerIn,
		out:  workerOut,
		done: make(chan struct{}),
	}
	stop := context.AfterFunc(ctx, func() { c.Close() })
	go func() {
		defer stop()
		c.err = Serve(ctx, workerIn, workerOut, l.Resolve)
		// Unblock a parent still writing to a worker that has returned.
		workerIn.CloseWithError(io.ErrClosedPipe)
		workerOut.Close()
		close(c.done)
	}()
	return c, nil
}

type pipeConn struct {
	r    *io.PipeReader // parent reads results
	w    *io.PipeWriter // parent writes work
	in   *io.PipeReader // worker's input
	out  *io.PipeWriter // worker's output
	once sync.Once
	done chan struct{}
	err  error
}

func (c *pipeConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *pipeConn) Write(p []byte) (int, error) { return c.w.Write(p) }
func (c *pipeConn) CloseWrite() error           { return c.w.Close() }

func (c *pipeConn) Close() error {
	c.once.Do(func() {
		c.in.CloseWithError(io.ErrClosedPipe)
		c.out.CloseWithError(io.ErrClosedPipe)
	})
	return nil
}

func (c *pipeConn) Wait() error {
	<-c.done
	return c.err
}
