package distrib

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-metrics"

	"github.com/dreamware/overseer/internal/cluster"
	"github.com/dreamware/overseer/internal/logging"
)

// DefaultRetryPause is the fixed wait before each retry.
const DefaultRetryPause = 500 * time.Millisecond

// Req is one update request bound to one target node.
type Req struct {
	Node    *Node
	Request *UpdateRequest
	Retries int

	sync   bool
	rollup *RollupTracker
	leader *LeaderTracker
}

func (r *Req) String() string {
	return fmt.Sprintf("Req: id=%s; node=%s", r.Request.ID, r.Node)
}

// shouldRetry reports whether r gets another attempt after e. Deletes by
// query are never retried.
func (r *Req) shouldRetry(ctx context.Context, e *Error, log hclog.Logger) bool {
	if r.Request.IsDeleteByQuery() || r.Retries >= r.Node.MaxRetries() {
		return false
	}
	return r.Node.checkRetry(ctx, e, log)
}

func (r *Req) trackResult(resp *UpdateResponse, success bool) {
	rf, ok := resp.AchievedRF()
	if r.leader != nil && !ok {
		r.leader.TrackRequestResult(r.Node, success)
	}
	if r.rollup != nil && ok {
		r.rollup.TestAndSetAchievedRF(rf)
	}
}

// Error is a request that failed for good.
type Error struct {
	Req *Req
	Err error
	// StatusCode is the HTTP status of the reply, or -1 when there was none.
	StatusCode int
}

func newError(req *Req, err error) *Error {
	code := -1
	var se *cluster.StatusError
	if errors.As(err, &se) {
		code = se.Code
	}
	return &Error{Req: req, Err: err, StatusCode: code}
}

func (e *Error) Error() string {
	return fmt.Sprintf("distrib error: statusCode=%d; err=%v; req=%s", e.StatusCode, e.Err, e.Req)
}

func (e *Error) Unwrap() error { return e.Err }

// SubmitOption adjusts how a distributed command is sent.
type SubmitOption func(*Req)

// Synchronous makes the call wait for each request before sending the next.
func Synchronous() SubmitOption { return func(r *Req) { r.sync = true } }

// WithRollupTracker feeds replication factors reported by shard leaders to t.
func WithRollupTracker(t *RollupTracker) SubmitOption { return func(r *Req) { r.rollup = t } }

// WithLeaderTracker counts follower acknowledgements in t.
func WithLeaderTracker(t *LeaderTracker) SubmitOption { return func(r *Req) { r.leader = t } }

// Distributor fans update commands out to replica cores.
//
// Requests to the same target are sent one at a time in submission order. A
// Std node's target is its core URL; a Forward node's is its shard leader,
// whichever core that currently is.
// Requests to different cores run concurrently. BlockUntilFinished waits for
// every submitted request to succeed or fail for good; failures are kept and
// returned by Errors.
type Distributor struct {
	transport  Transport
	log        hclog.Logger
	metrics    *metrics.Metrics
	retryPause time.Duration

	pending *phaser

	lanesMu sync.Mutex
	lanes   map[string]*lane

	errMu  sync.Mutex
	errors []*Error
}

// Option configures a Distributor.
type Option func(*Distributor)

func WithRetryPause(d time.Duration) Option {
	return func(dd *Distributor) { dd.retryPause = d }
}

func WithLogger(l hclog.Logger) Option {
	return func(d *Distributor) { d.log = logging.OrNull(l) }
}

// WithMetrics sets where retry and failure counters go. The default is the
// global go-metrics instance.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Distributor) { d.metrics = m }
}

func New(t Transport, opts ...Option) *Distributor {
	d := &Distributor{
		transport:  t,
		log:        hclog.NewNullLogger(),
		retryPause: DefaultRetryPause,
		pending:    newPhaser(),
		lanes:      make(map[string]*lane),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DistribAdd sends cmd to every node.
func (d *Distributor) DistribAdd(ctx context.Context, cmd AddCommand, nodes []*Node, params map[string]string, opts ...SubmitOption) {
	for _, n := range nodes {
		req := newUpdateRequest(n, params)
		req.Adds = []AddDoc{{
			Doc:            cmd.Doc,
			Version:        cmd.Version,
			Overwrite:      cmd.Overwrite,
			CommitWithinMs: cmd.CommitWithin.Milliseconds(),
		}}
		d.submit(ctx, d.newReq(n, req, opts))
	}
}

// DistribDelete sends cmd to every node. A delete by query first waits for
// everything already submitted so it cannot overtake earlier adds.
func (d *Distributor) DistribDelete(ctx context.Context, cmd DeleteCommand, nodes []*Node, params map[string]string, opts ...SubmitOption) {
	if !cmd.IsDeleteByID() {
		d.BlockUntilFinished()
	}
	for _, n := range nodes {
		req := newUpdateRequest(n, params)
		if cmd.IsDeleteByID() {
			req.Deletes = []DeleteByID{{ID: cmd.ID, Version: cmd.Version}}
		} else {
			req.DeleteQueries = []string{cmd.Query}
		}
		d.submit(ctx, d.newReq(n, req, opts))
	}
}

// DistribCommit waits for outstanding requests, including their retries,
// and then sends the commit to every node.
func (d *Distributor) DistribCommit(ctx context.Context, cmd CommitCommand, nodes []*Node, params map[string]string) {
	d.BlockUntilFinished()
	d.log.Debug("distrib commit", "nodes", len(nodes), "soft", cmd.SoftCommit)
	for _, n := range nodes {
		req := newUpdateRequest(n, params)
		c := cmd
		req.Commit = &c
		d.submit(ctx, d.newReq(n, req, nil))
	}
}

// BlockUntilFinished waits until every submitted request has completed or
// exhausted its retries.
func (d *Distributor) BlockUntilFinished() {
	d.pending.await()
}

// Finish is BlockUntilFinished.
func (d *Distributor) Finish() { d.BlockUntilFinished() }

// Errors returns the requests that failed for good so far.
func (d *Distributor) Errors() []*Error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return append([]*Error(nil), d.errors...)
}

func newUpdateRequest(n *Node, params map[string]string) *UpdateRequest {
	req := &UpdateRequest{
		ID:         uuid.NewString(),
		Collection: n.Collection(),
		Shard:      n.Shard(),
		Params:     make(map[string]string, len(params)),
	}
	for k, v := range params {
		req.Params[k] = v
	}
	return req
}

func (d *Distributor) newReq(n *Node, req *UpdateRequest, opts []SubmitOption) *Req {
	r := &Req{Node: n, Request: req}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (d *Distributor) submit(ctx context.Context, r *Req) {
	d.pending.register()
	done := make(chan struct{})
	d.enqueue(r.Node.laneKey(), func() {
		defer close(done)
		d.run(ctx, r)
	})
	if r.sync {
		<-done
	}
}

// run sends r until it succeeds or fails for good.
func (d *Distributor) run(ctx context.Context, r *Req) {
	defer d.pending.arrive()
	for {
		url := r.Node.URL()
		d.log.Debug("sending update", "url", url, "retry", r.Retries, "id", r.Request.ID)
		resp, err := d.transport.Request(ctx, url, r.Request)
		if err == nil {
			r.trackResult(resp, true)
			return
		}
		e := newError(r, err)
		if !r.shouldRetry(ctx, e, d.log) {
			d.fail(r, e)
			return
		}
		r.Retries++
		d.incr("retry")
		from := "FROMLEADER request to"
		if r.Node.Kind() == Forward {
			from = "forwarding update to"
		}
		d.log.Warn(from+" failed, retrying", "url", url, "retries", r.Retries,
			"max_retries", r.Node.MaxRetries(), "status", e.StatusCode, "error", err)
		if err := sleepCtx(ctx, d.retryPause); err != nil {
			d.fail(r, newError(r, err))
			return
		}
	}
}

func (d *Distributor) fail(r *Req, e *Error) {
	d.incr("failure")
	d.log.Error("update request failed", "url", r.Node.URL(), "retries", r.Retries,
		"status", e.StatusCode, "error", e.Err)
	r.trackResult(nil, false)
	d.errMu.Lock()
	d.errors = append(d.errors, e)
	d.errMu.Unlock()
}

func (d *Distributor) incr(name string) {
	m := d.metrics
	if m == nil {
		m = metrics.Default()
	}
	m.IncrCounter([]string{"overseer", "distrib", name}, 1)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// lane runs the requests for one target in order. Std nodes are keyed by
// core URL and Forward nodes by collection and shard.
type lane struct {
	queue   []func()
	running bool
}

func (d *Distributor) enqueue(key string, fn func()) {
	d.lanesMu.Lock()
	defer d.lanesMu.Unlock()
	l := d.lanes[key]
	if l == nil {
		l = &lane{}
		d.lanes[key] = l
	}
	l.queue = append(l.queue, fn)
	if !l.running {
		l.running = true
		go d.drain(key, l)
	}
}

func (d *Distributor) drain(key string, l *lane) {
	for {
		d.lanesMu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			delete(d.lanes, key)
			d.lanesMu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		d.lanesMu.Unlock()
		fn()
	}
}

// phaser counts outstanding requests; await blocks until none are left.
type phaser struct {
	mu   sync.Mutex
	cond *sync.Cond
	n    int
}

func newPhaser() *phaser {
	p := &phaser{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *phaser) register() {
	p.mu.Lock()
	p.n++
	p.mu.Unlock()
}

func (p *phaser) arrive() {
	p.mu.Lock()
	p.n--
	if p.n == 0 {
		p.cond.Broadcast()
	}
	p.mu.Unlock()
}

func (p *phaser) await() {
	p.mu.Lock()
	for p.n > 0 {
		p.cond.Wait()
	}
	p.mu.Unlock()
}
