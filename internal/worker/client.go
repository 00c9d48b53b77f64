package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/johndauphine/forum-converter/internal/logging"
	"github.com/johndauphine/forum-converter/internal/step"
	"github.com/johndauphine/forum-converter/internal/wire"
)

// ErrWorkerDied is returned when a worker exits or breaks its pipe while it
// still owes results. The step fails; queued items are not redistributed.
var ErrWorkerDied = errors.New("worker died")

// Task is one item queued for the workers.
type Task struct {
	Seq  uint64
	Item step.Item
}

// Result is a worker result tagged with the worker that produced it.
type Result struct {
	Worker int
	wire.Result
}

// Client is the parent-side handle for one worker.
type Client struct {
	id     int
	conn   Conn
	r      *wire.Reader
	w      *wire.Writer
	window int

	mu          sync.Mutex
	outstanding map[uint64]struct{}
	doneSent    bool
}

// Dial launches a worker and completes the handshake. window bounds the
// number of items sent to the worker before their results arrive.
func Dial(ctx context.Context, l Launcher, id int, hello wire.Hello, window int) (*Client, error) {
	if window < 1 {
		window = 1
	}
	conn, err := l.Launch(ctx, id)
	if err != nil {
		return nil, err
	}
	c := &Client{
		id:          id,
		conn:        conn,
		r:           wire.NewReader(conn),
		w:           wire.NewWriter(conn),
		window:      window,
		outstanding: make(map[uint64]struct{}),
	}

	hello.Version = wire.Version
	if err := c.w.Write(hello); err != nil {
		return nil, c.abort(fmt.Errorf("%w: worker %d: sending hello: %v", ErrWorkerDied, id, err))
	}
	msg, err := c.r.Read()
	if err != nil {
		return nil, c.abort(fmt.Errorf("%w: worker %d: awaiting ready: %v", ErrWorkerDied, id, err))
	}
	switch m := msg.(type) {
	case wire.Ready:
		return c, nil
	case wire.Failure:
		return nil, c.abort(fmt.Errorf("worker %d failed to start: %s", id, m.Message))
	default:
		return nil, c.abort(fmt.Errorf("%w: worker %d answered hello with %s", wire.ErrMalformed, id, msg.Kind()))
	}
}

// abort kills the worker and reaps it.
func (c *Client) abort(err error) error {
	c.conn.Close()
	c.conn.Wait()
	return err
}

// Run feeds tasks from work to the worker and delivers its results until
// work is closed and every result has arrived.
func (c *Client) Run(ctx context.Context, work <-chan Task, results chan<- Result) error {
	g, gctx := errgroup.WithContext(ctx)
	slots := make(chan struct{}, c.window)

	g.Go(func() error {
		err := c.send(gctx, work, slots)
		if err != nil {
			c.conn.Close()
		}
		return err
	})
	g.Go(func() error {
		err := c.receive(gctx, results, slots)
		if err != nil {
			c.conn.Close()
		}
		return err
	})

	err := g.Wait()
	waitErr := c.conn.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		if errors.Is(err, ErrWorkerDied) && waitErr != nil {
			return fmt.Errorf("%w (%v)", err, waitErr)
		}
		return err
	}
	if waitErr != nil {
		return fmt.Errorf("%w: worker %d: %v", ErrWorkerDied, c.id, waitErr)
	}
	return nil
}

func (c *Client) send(ctx context.Context, work <-chan Task, slots chan struct{}) error {
	for {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		var (
			task Task
			ok   bool
		)
		select {
		case task, ok = <-work:
		case <-ctx.Done():
			return ctx.Err()
		}
		if !ok {
			break
		}

		c.mu.Lock()
		c.outstanding[task.Seq] = struct{}{}
		c.mu.Unlock()

		if err := c.w.Write(wire.Work{Seq: task.Seq, Item: task.Item}); err != nil {
			if errors.Is(err, wire.ErrEncode) {
				return fmt.Errorf("item %d: %w", task.Seq, err)
			}
			return fmt.Errorf("%w: worker %d: sending item %d: %v", ErrWorkerDied, c.id, task.Seq, err)
		}
	}

	c.mu.Lock()
	c.doneSent = true
	c.mu.Unlock()
	if err := c.w.Write(wire.Done{}); err != nil {
		return fmt.Errorf("%w: worker %d: sending done: %v", ErrWorkerDied, c.id, err)
	}
	return c.conn.CloseWrite()
}

func (c *Client) receive(ctx context.Context, results chan<- Result, slots chan struct{}) error {
	for {
		msg, err := c.r.Read()
		if errors.Is(err, io.EOF) {
			c.mu.Lock()
			pending, finished := len(c.outstanding), c.doneSent
			c.mu.Unlock()
			if pending > 0 || !finished {
				return fmt.Errorf("%w: worker %d exited with %d item(s) in flight", ErrWorkerDied, c.id, pending)
			}
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: worker %d: %v", ErrWorkerDied, c.id, err)
		}

		res, ok := msg.(wire.Result)
		if !ok {
			return fmt.Errorf("%w: worker %d sent %s", wire.ErrMalformed, c.id, msg.Kind())
		}
		c.mu.Lock()
		_, known := c.outstanding[res.Seq]
		delete(c.outstanding, res.Seq)
		c.mu.Unlock()
		if !known {
			return fmt.Errorf("%w: worker %d returned unknown item %d", wire.ErrMalformed, c.id, res.Seq)
		}

		select {
		case results <- Result{Worker: c.id, Result: res}:
		case <-ctx.Done():
			return ctx.Err()
		}
		<-slots
	}
}

// Pool is a set of connected workers sharing one work queue.
type Pool struct {
	clients []*Client
}

// StartPool launches n workers and waits for all of them to be ready.
// Workers that started are stopped again if any of them fails.
func StartPool(ctx context.Context, l Launcher, n int, hello wire.Hello, window int) (*Pool, error) {
	p := &Pool{}
	for i := 1; i <= n; i++ {
		c, err := Dial(ctx, l, i, hello, window)
		if err != nil {
			p.Kill()
			return nil, err
		}
		p.clients = append(p.clients, c)
	}
	logging.Debug("Started %d workers for step %s", n, hello.Step)
	return p, nil
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.clients) }

// Run drives every worker until work is closed and drained. The first
// worker failure cancels the others.
func (p *Pool) Run(ctx context.Context, work <-chan Task, results chan<- Result) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range p.clients {
		g.Go(func() error {
			return c.Run(gctx, work, results)
		})
	}
	return g.Wait()
}

// Kill terminates every worker.
func (p *Pool) Kill() {
	for _, c := range p.clients {
		c.abort(nil)
	}
}
