package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/surveykit/internal/errs"
	"github.com/kalambet/surveykit/internal/remote"
)

// Sender delivers response updates to the service.
type Sender interface {
	CreateResponse(ctx context.Context, u remote.ResponseUpdate) (string, error)
	UpdateResponse(ctx context.Context, responseID string, u remote.ResponseUpdate) error
}

// Options tunes retries. Zero values fall back to defaults.
type Options struct {
	MaxRetries int           // retries after the first failed send, default 3
	Backoff    time.Duration // first retry delay, doubled per retry, default 1s
	MaxBackoff time.Duration // cap on a single delay, default 30s
	Logger     *slog.Logger
}

// lane holds the pending updates of one survey attempt. Only the lane's
// worker goroutine touches responseID. A lane lives until the attempt's last
// update is handled; idle lanes of open attempts keep their responseID so
// later updates append to the same response.
type lane struct {
	attemptID  string
	pending    []remote.ResponseUpdate
	running    bool
	done       chan struct{}
	responseID string
	// ended is set once the attempt's last update was delivered or dropped.
	ended bool
}

// Transport delivers response updates at least once, in arrival order per
// attempt. Attempts are delivered independently of each other. Updates that
// exhaust their retries are dropped and logged. Nothing survives a restart.
type Transport struct {
	sender Sender
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	lanes  map[string]*lane
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

// New creates a Transport.
func New(sender Sender, opts Options) *Transport {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		sender: sender,
		opts:   opts,
		logger: logger,
		lanes:  make(map[string]*lane),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Enqueue queues u behind earlier updates of the same attempt. It never
// blocks on the network.
func (t *Transport) Enqueue(u remote.ResponseUpdate) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		t.logger.Warn("transport closed, dropping response update", "survey_id", u.SurveyID, "attempt_id", u.AttemptID)
		return
	}
	l, ok := t.lanes[u.AttemptID]
	if !ok {
		l = &lane{attemptID: u.AttemptID}
		t.lanes[u.AttemptID] = l
	}
	l.pending = append(l.pending, u)
	if !l.running {
		l.running = true
		l.done = make(chan struct{})
		go t.run(t.ctx, l)
	}
}

func (t *Transport) run(ctx context.Context, l *lane) {
	for {
		t.mu.Lock()
		if len(l.pending) == 0 || ctx.Err() != nil {
			l.running = false
			l.pending = nil
			close(l.done)
			if (l.ended || ctx.Err() != nil) && t.lanes[l.attemptID] == l {
				delete(t.lanes, l.attemptID)
			}
			t.mu.Unlock()
			return
		}
		u := l.pending[0]
		l.pending = l.pending[1:]
		t.mu.Unlock()

		t.deliver(ctx, l, u)
		if u.Finished || u.Last {
			t.mu.Lock()
			l.ended = true
			t.mu.Unlock()
		}
	}
}

// deliver sends u with retries and reports whether it arrived.
func (t *Transport) deliver(ctx context.Context, l *lane, u remote.ResponseUpdate) bool {
	log := t.logger.With("survey_id", u.SurveyID, "attempt_id", u.AttemptID, "finished", u.Finished)

	for attempt := 0; ; attempt++ {
		err := t.send(ctx, l, u)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			log.Info("response update abandoned", "error", err)
			return false
		}
		if !errs.Retryable(err) {
			log.Warn("dropping response update", "error", err)
			return false
		}
		if attempt >= t.opts.MaxRetries {
			log.Warn("dropping response update after retries", "attempt", attempt+1, "error", err)
			return false
		}

		delay := t.opts.Backoff << attempt
		if delay > t.opts.MaxBackoff || delay <= 0 {
			delay = t.opts.MaxBackoff
		}
		log.Debug("response update failed, retrying", "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			log.Info("response update abandoned", "error", ctx.Err())
			return false
		case <-time.After(delay):
		}
	}
}

// send creates the remote response on the first delivered update of an
// attempt and appends to it afterwards.
func (t *Transport) send(ctx context.Context, l *lane, u remote.ResponseUpdate) error {
	if l.responseID == "" {
		id, err := t.sender.CreateResponse(ctx, u)
		if err != nil {
			return err
		}
		l.responseID = id
		return nil
	}
	return t.sender.UpdateResponse(ctx, l.responseID, u)
}

// Drain waits until every queued update was delivered or dropped, or ctx ends.
func (t *Transport) Drain(ctx context.Context) error {
	t.mu.Lock()
	var waits []chan struct{}
	for _, l := range t.lanes {
		if l.running {
			waits = append(waits, l.done)
		}
	}
	t.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, done := range waits {
		g.Go(func() error {
			select {
			case <-done:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	return g.Wait()
}

// Pending returns the number of updates not yet handed to the sender.
func (t *Transport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, l := range t.lanes {
		n += len(l.pending)
	}
	return n
}

// Reset abandons every pending update and in-flight retry. The transport
// stays usable.
func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancel()
	t.lanes = make(map[string]*lane)
	t.ctx, t.cancel = context.WithCancel(context.Background())
}

// Close abandons pending updates and rejects new ones.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancel()
	t.closed = true
}
