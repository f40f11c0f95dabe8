package engine

import (
	"sync"

	"github.com/rs/zerolog"
)

// DefaultQueueDepth bounds each per-user command queue.
const DefaultQueueDepth = 64

// Dispatcher serializes command execution per user while letting distinct
// users run in parallel. Each user gets a bounded queue drained by a single
// worker goroutine; a full queue rejects the command instead of blocking the
// ingress.
type Dispatcher struct {
	engine *Engine
	depth  int
	log    zerolog.Logger

	mu     sync.Mutex
	queues map[string]chan request
	closed bool
	wg     sync.WaitGroup
}

type request struct {
	cmd   Command
	reply chan Result
}

// NewDispatcher creates a dispatcher over the engine. Depth is the per-user
// queue bound; zero means DefaultQueueDepth.
func NewDispatcher(engine *Engine, depth int, log zerolog.Logger) *Dispatcher {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Dispatcher{
		engine: engine,
		depth:  depth,
		log:    log.With().Str("component", "dispatcher").Logger(),
		queues: make(map[string]chan request),
	}
}

// Dispatch enqueues the command on its user's queue and blocks until the
// worker has executed it. Commands without a user (DUMPLOG across all users)
// share one system queue.
func (d *Dispatcher) Dispatch(cmd Command) Result {
	key := cmd.UserID
	if key == "" {
		key = "__system__"
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return failure("server is shutting down")
	}
	q, ok := d.queues[key]
	if !ok {
		q = make(chan request, d.depth)
		d.queues[key] = q
		d.wg.Add(1)
		go d.drain(q)
	}

	// The non-blocking send stays under the mutex so Stop cannot close the
	// queue between the closed check and the send.
	req := request{cmd: cmd, reply: make(chan Result, 1)}
	var queued bool
	select {
	case q <- req:
		queued = true
	default:
	}
	d.mu.Unlock()

	if !queued {
		d.log.Warn().
			Str("user", cmd.UserID).
			Str("command", string(cmd.Type)).
			Int("depth", d.depth).
			Msg("Per-user command queue full, rejecting")
		d.engine.audit.ErrorEvent(cmd.TransactionNum, cmd.Type, cmd.UserID, eventSymbol(cmd.Symbol),
			"command queue full, try again")
		return failure("command queue full, try again")
	}
	return <-req.reply
}

func (d *Dispatcher) drain(q chan request) {
	defer d.wg.Done()
	for req := range q {
		req.reply <- d.engine.Execute(req.cmd)
	}
}

// Stop rejects new commands, finishes the queued ones and waits for all
// workers to exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()

	d.wg.Wait()
	d.log.Info().Msg("Dispatcher stopped")
}
