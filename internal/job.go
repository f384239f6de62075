package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// _readyTimeout bounds how long a pipeline waits for the client's ready
	// signal before starting anyway.
	_readyTimeout = 5 * time.Second

	// _closeDelay separates the terminal frame from the close frame so slow
	// readers don't lose the summary.
	_closeDelay = time.Second

	// _jobRetention is how long terminal job state stays queryable.
	_jobRetention = 24 * time.Hour

	// Running jobs persist with slack beyond any sane pipeline duration;
	// restart recovery reaps whatever survives a crash.
	_runningTTL = 48 * time.Hour
)

// JobStatus tracks a job through its lifecycle. completed, failed and
// canceled are terminal and permanent.
type JobStatus string

const (
	StatusInitialized JobStatus = "initialized"
	StatusRunning     JobStatus = "running"
	StatusCompleted   JobStatus = "completed"
	StatusFailed      JobStatus = "failed"
	StatusCanceled    JobStatus = "canceled"
)

func (s JobStatus) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// JobState is the observable snapshot of one job, served by the job-state
// endpoint and replayed on reconnect.
type JobState struct {
	JobID          string        `json:"jobId"`
	Pipeline       Pipeline      `json:"pipeline"`
	Status         JobStatus     `json:"status"`
	TotalCount     int           `json:"totalCount"`
	ProcessedCount int           `json:"processedCount"`
	Progress       float64       `json:"progress"`
	StartTime      time.Time     `json:"startTime"`
	LastUpdate     time.Time     `json:"lastUpdate"`
	Canceled       bool          `json:"canceled,omitempty"`
	Summary        any           `json:"summary,omitempty"`
	Error          *errorPayload `json:"error,omitempty"`
}

// persistedJob is the storage shape: public state plus the auth token, so
// restarts and late state reads can still authenticate their callers.
type persistedJob struct {
	JobState
	Token Token `json:"auth"`
}

func jobStateKey(jobID string) string {
	return nsJobState + ":" + jobID
}

// _persistPolicy throttles durable writes per pipeline: persist when either
// the accumulated update count or the elapsed interval is reached. Socket
// broadcasts are never throttled.
var _persistPolicy = map[Pipeline]struct {
	updates  int
	interval time.Duration
}{
	PipelineBatchEnrichment: {updates: 5, interval: 10 * time.Second},
	PipelineCSVImport:       {updates: 20, interval: 30 * time.Second},
	PipelineAIScan:          {updates: 1, interval: 60 * time.Second},
}

// jobActor owns everything about one jobId: its WebSocket, its token, its
// persisted state, and its in-flight work. Every mutation runs on the
// actor's own goroutine via the inbox, so there is no lock to hold wrong and
// no interleaving to reason about.
type jobActor struct {
	id       string
	pipeline Pipeline
	reg      *JobRegistry

	inbox chan func()
	quit  chan struct{}
	stop  sync.Once

	// canceled is polled by pipeline goroutines between units of work
	// without a round-trip through the inbox.
	canceled atomic.Bool

	// ready is closed when the client's first ready arrives. Created once;
	// reconnects reuse it.
	ready chan struct{}

	// Everything below is owned by the run loop. Nothing outside it may
	// touch these fields.
	state       JobState
	token       Token
	conn        *wsConn
	attaches    int
	readySeen   bool
	unpersisted int
	lastPersist time.Time
	workCancel  context.CancelFunc
	cleanup     *time.Timer
}

func (a *jobActor) run() {
	for {
		select {
		case fn := <-a.inbox:
			fn()
		case <-a.quit:
			return
		}
	}
}

// post schedules fn on the actor goroutine and returns immediately.
func (a *jobActor) post(fn func()) {
	select {
	case a.inbox <- fn:
	case <-a.quit:
	}
}

// dispatch runs fn on the actor goroutine and waits for it to finish. Must
// never be called from the run loop itself.
func (a *jobActor) dispatch(fn func()) {
	done := make(chan struct{})
	a.post(func() { fn(); close(done) })
	select {
	case <-done:
	case <-a.quit:
	}
}

func (a *jobActor) shutdown() {
	a.stop.Do(func() { close(a.quit) })
}

// Canceled reports the cooperative cancellation flag. Pipelines poll it at
// unit-of-work boundaries.
func (a *jobActor) Canceled() bool { return a.canceled.Load() }

// Snapshot returns a copy of the current state. A dead actor returns a zero
// state; callers fall back to storage.
func (a *jobActor) Snapshot() JobState {
	var st JobState
	a.dispatch(func() { st = a.state })
	return st
}

// ValidateToken checks a presented bearer value against the active token.
func (a *jobActor) ValidateToken(presented string) bool {
	ok := false
	a.dispatch(func() { ok = a.token.valid(presented, time.Now()) })
	return ok
}

// RefreshToken replaces the active token with a fresh 2h one. Only the
// current token can refresh, and only inside its final 30 minutes; earlier
// attempts are refused so clients can't mint immortal sessions by polling.
func (a *jobActor) RefreshToken(presented string) (Token, error) {
	var tok Token
	var err error
	a.dispatch(func() {
		now := time.Now()
		if !a.token.valid(presented, now) {
			err = errAuth.withMessage("invalid or expired token")
			return
		}
		if !a.token.refreshable(now) {
			err = errAuth.withMessage("token is not yet refreshable")
			return
		}
		a.token = newToken(now)
		a.persist()
		tok = a.token
	})
	if err != nil {
		return Token{}, err
	}
	if tok.Value == "" {
		return Token{}, errNotFound.withMessage("unknown job")
	}
	return tok, nil
}

// Attach upgrades the request to a WebSocket and hands the connection to the
// actor. A prior socket is closed with 1000 and the new one receives a
// reconnected replay of current state. Tokens are checked after the upgrade;
// a bad token closes with 1008 rather than failing the handshake, since by
// then we've already switched protocols.
func (a *jobActor) Attach(w http.ResponseWriter, r *http.Request, presented string) error {
	conn, err := upgradeWS(w, r)
	if err != nil {
		return err
	}

	select {
	case <-a.quit:
		conn.closeWith(websocket.CloseTryAgainLater, "job is shutting down")
		return errNotFound.withMessage("job is no longer active")
	default:
	}

	var ok bool
	a.dispatch(func() { ok = a.token.valid(presented, time.Now()) })
	if !ok {
		conn.closeWith(websocket.ClosePolicyViolation, "invalid or expired token")
		return errAuth.withMessage("invalid or expired token")
	}

	a.post(func() { a.attach(conn) })
	conn.readPump(
		func(m clientMsg) { a.post(func() { a.onClientMsg(conn, m) }) },
		func(err error) { a.post(func() { a.detach(conn, err) }) },
	)
	return nil
}

func (a *jobActor) attach(conn *wsConn) {
	if a.conn != nil {
		a.conn.closeWith(websocket.CloseNormalClosure, "client reconnecting")
	}
	replay := a.attaches > 0
	a.conn = conn
	a.attaches++
	if replay {
		a.broadcast(msgReconnected, a.state)
	}
}

func (a *jobActor) detach(conn *wsConn, err error) {
	if a.conn != conn {
		return // a stale pump outlived its replacement
	}
	a.conn = nil
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		Log(context.Background()).Debug("progress socket dropped", "job", a.id, "err", err)
	}
}

func (a *jobActor) onClientMsg(conn *wsConn, m clientMsg) {
	if a.conn != conn {
		return
	}
	switch m.Type {
	case msgReady:
		if !a.readySeen {
			a.readySeen = true
			close(a.ready)
		}
	case msgPing:
		a.broadcast(msgPong, nil)
	case msgPong:
		// Keepalive reply, nothing to track.
	case msgCancel:
		a.markCanceled()
	default:
		Log(context.Background()).Debug("ignoring client message", "job", a.id, "type", m.Type)
	}
}

// WaitReady blocks until the client signals ready or the timeout lapses.
// Work proceeds either way; readiness only orders the first frames after
// the socket attaches.
func (a *jobActor) WaitReady(timeout time.Duration) bool {
	select {
	case <-a.ready:
		return true
	case <-time.After(timeout):
		return false
	case <-a.quit:
		return false
	}
}

// Ready reports whether a client has signaled ready, without blocking. Job
// acceptance responses use it to tell clients whether their socket beat the
// upload.
func (a *jobActor) Ready() bool {
	select {
	case <-a.ready:
		return true
	default:
		return false
	}
}

// Go runs the heavy pipeline off the scheduling request: the handler returns
// 202 immediately and a zero-delay timer fires the work on its own
// goroutine. A panic becomes a failed job instead of a dead process.
func (a *jobActor) Go(work func(ctx context.Context)) {
	a.post(func() {
		ctx, cancel := context.WithCancel(context.Background())
		a.workCancel = cancel
		time.AfterFunc(0, func() {
			defer cancel()
			defer func() {
				if r := recover(); r != nil {
					Log(ctx).Error("job panicked", "job", a.id, "panic", r, "stack", string(debug.Stack()))
					a.Fail(errInternal.withMessage("internal pipeline failure"))
				}
			}()
			work(ctx)
		})
	})
}

// Started flips the job to running and announces totals.
func (a *jobActor) Started(total int) {
	a.post(func() {
		if a.state.Status.terminal() {
			return
		}
		a.state.Status = StatusRunning
		a.state.TotalCount = total
		a.state.LastUpdate = time.Now().UTC()
		a.persist()
		a.broadcast(msgJobStarted, startedPayload{TotalCount: total})
	})
}

// Progress records one increment. The socket hears about every update;
// storage only per the pipeline's throttle.
func (a *jobActor) Progress(p progressPayload) {
	a.post(func() {
		if a.state.Status.terminal() {
			return
		}
		a.state.ProcessedCount = p.Processed
		if p.Total > 0 {
			a.state.TotalCount = p.Total
			p.Progress = float64(p.Processed) / float64(p.Total)
		}
		a.state.Progress = p.Progress
		a.state.LastUpdate = time.Now().UTC()

		a.unpersisted++
		pol := _persistPolicy[a.pipeline]
		if a.unpersisted >= pol.updates || time.Since(a.lastPersist) >= pol.interval {
			a.persist()
		}
		a.broadcast(msgJobProgress, p)
	})
}

// Complete finishes the job with a summary. If a cancel landed first the
// terminal status is canceled and the close code says so; the summary is
// still delivered, flagged partial by the pipeline.
func (a *jobActor) Complete(summary any) {
	a.post(func() { a.finish(StatusCompleted, summary, nil) })
}

// Fail finishes the job with an error frame instead of a summary.
func (a *jobActor) Fail(jobErr error) {
	a.post(func() {
		se := errStatus(jobErr)
		pay := &errorPayload{
			Code:      se.Code(),
			Message:   se.Error(),
			Retryable: se.Status() >= 500,
		}
		a.finish(StatusFailed, nil, pay)
	})
}

// Cancel flips the cooperative flag and cancels the work context. The
// pipeline notices at its next unit boundary and completes with partials;
// if nothing was running yet the actor finishes immediately.
func (a *jobActor) Cancel() {
	a.post(func() { a.markCanceled() })
}

func (a *jobActor) markCanceled() {
	if a.state.Status.terminal() || a.canceled.Load() {
		return
	}
	a.canceled.Store(true)
	a.state.Canceled = true
	a.state.LastUpdate = time.Now().UTC()
	a.persist()
	if a.workCancel != nil {
		a.workCancel()
	}
	if a.state.Status == StatusInitialized {
		// No work in flight, so nobody else will publish a summary.
		a.finish(StatusCanceled, &JobSummary{Partial: true}, nil)
	}
}

// finish is the single terminal transition. Exactly one terminal frame goes
// out per job; the socket closes after a short delay and storage is reaped
// 24h later.
func (a *jobActor) finish(status JobStatus, summary any, jobErr *errorPayload) {
	if a.state.Status.terminal() {
		return
	}
	if a.canceled.Load() && status == StatusCompleted {
		status = StatusCanceled
	}
	a.state.Status = status
	a.state.Summary = summary
	a.state.Error = jobErr
	a.state.Progress = progressOf(a.state.ProcessedCount, a.state.TotalCount)
	a.state.LastUpdate = time.Now().UTC()
	a.persist()

	code, reason := websocket.CloseNormalClosure, "job complete"
	switch status {
	case StatusFailed:
		a.broadcast(msgError, jobErr)
		code, reason = websocket.CloseInternalServerErr, "job failed"
	case StatusCanceled:
		a.broadcast(msgJobComplete, summary)
		code, reason = websocket.CloseGoingAway, "job canceled"
	default:
		a.broadcast(msgJobComplete, summary)
	}

	a.reg.metrics.completedInc(string(status))
	a.reg.metrics.activeAdd(string(a.pipeline), -1)
	a.armCleanup()

	conn := a.conn
	time.AfterFunc(_closeDelay, func() {
		if conn != nil {
			conn.closeWith(code, reason)
		}
		a.shutdown()
		a.reg.remove(a.id)
	})
}

func progressOf(processed, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(processed) / float64(total)
}

// armCleanup schedules the storage reap. The KV row also carries a 24h TTL,
// so lazy expiry backstops a process that dies before the timer fires.
func (a *jobActor) armCleanup() {
	if a.cleanup != nil {
		a.cleanup.Stop()
	}
	key := jobStateKey(a.id)
	a.cleanup = time.AfterFunc(_jobRetention, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.reg.cache.Invalidate(ctx, key)
	})
}

// persist writes the current state durably. Failures are logged and
// swallowed; progress still flows to the socket when storage is down.
func (a *jobActor) persist() {
	a.unpersisted = 0
	a.lastPersist = time.Now()

	data, err := sonic.Marshal(persistedJob{JobState: a.state, Token: a.token})
	if err != nil {
		Log(context.Background()).Error("marshaling job state", "job", a.id, "err", err)
		return
	}
	ttl := _runningTTL
	if a.state.Status.terminal() {
		ttl = _jobRetention
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.reg.cache.PutDurable(ctx, jobStateKey(a.id), data, ttl)
	a.reg.metrics.persistInc()
}

// broadcast serializes one frame to the attached socket, if any. Frames over
// the hard cap close the socket with 1009; the job itself keeps running and
// state remains readable out-of-band.
func (a *jobActor) broadcast(typ msgType, payload any) {
	if a.conn == nil {
		return
	}
	data, warn, err := newProgressMsg(typ, a.id, a.pipeline, payload).encode()
	if errors.Is(err, errMsgTooLarge) {
		a.reg.metrics.wsOversizeInc()
		a.conn.closeWith(websocket.CloseMessageTooBig, "message too large")
		a.conn = nil
		return
	}
	if err != nil {
		Log(context.Background()).Error("encoding progress message", "job", a.id, "err", err)
		return
	}
	if warn {
		Log(context.Background()).Warn("oversized progress message", "job", a.id, "type", typ, "bytes", len(data))
	}
	if err := a.conn.send(data); err != nil {
		Log(context.Background()).Debug("dropping dead progress socket", "job", a.id, "err", err)
		a.conn = nil
		return
	}
	a.reg.metrics.wsSentInc()
}

// JobRegistry tracks live actors, routes sockets and cancels to them, and
// recovers persisted jobs after a restart.
type JobRegistry struct {
	cache   *TieredCache
	metrics *jobMetrics

	mu     sync.Mutex
	actors map[string]*jobActor
}

func NewJobRegistry(cache *TieredCache, reg *prometheus.Registry) *JobRegistry {
	return &JobRegistry{
		cache:   cache,
		metrics: newJobMetrics(reg),
		actors:  map[string]*jobActor{},
	}
}

// StartJob creates the actor for jobID, or reattaches to a live one of the
// same pipeline, and issues a fresh token either way. Clients may supply
// their own jobID so the progress socket can be opened before a slow upload
// finishes.
func (r *JobRegistry) StartJob(jobID string, pipeline Pipeline) (*jobActor, Token, error) {
	if !pipeline.valid() {
		return nil, Token{}, errBadRequest.withMessage("unknown pipeline %q", pipeline)
	}
	if jobID == "" {
		jobID = uuid.NewString()
	}

	r.mu.Lock()
	a, live := r.actors[jobID]
	if !live {
		a = &jobActor{
			id:       jobID,
			pipeline: pipeline,
			reg:      r,
			inbox:    make(chan func(), 64),
			quit:     make(chan struct{}),
			ready:    make(chan struct{}),
		}
		r.actors[jobID] = a
		go a.run()
	}
	r.mu.Unlock()

	var tok Token
	var err error
	a.dispatch(func() {
		now := time.Now().UTC()
		if live {
			if a.pipeline != pipeline {
				err = errBadRequest.withMessage("job already exists with a different pipeline")
				return
			}
			if a.state.Status.terminal() {
				err = errBadRequest.withMessage("job already finished")
				return
			}
			a.token = newToken(now)
			a.persist()
			tok = a.token
			return
		}
		a.token = newToken(now)
		a.state = JobState{
			JobID:      jobID,
			Pipeline:   pipeline,
			Status:     StatusInitialized,
			StartTime:  now,
			LastUpdate: now,
		}
		a.persist()
		tok = a.token
	})
	if err != nil {
		return nil, Token{}, err
	}
	if !live {
		r.metrics.activeAdd(string(pipeline), 1)
	}
	return a, tok, nil
}

// Get returns the live actor for jobID, filtering out ones that have shut
// down but not yet been removed.
func (r *JobRegistry) Get(jobID string) (*jobActor, bool) {
	r.mu.Lock()
	a, ok := r.actors[jobID]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-a.quit:
		return nil, false
	default:
		return a, true
	}
}

func (r *JobRegistry) remove(jobID string) {
	r.mu.Lock()
	delete(r.actors, jobID)
	r.mu.Unlock()
}

// Upgrade routes a WebSocket upgrade to the job's actor.
func (r *JobRegistry) Upgrade(w http.ResponseWriter, req *http.Request, jobID, token string) error {
	a, ok := r.Get(jobID)
	if !ok {
		return errNotFound.withMessage("unknown job")
	}
	return a.Attach(w, req, token)
}

// Refresh routes a token refresh to the job's actor.
func (r *JobRegistry) Refresh(jobID, presented string) (Token, error) {
	a, ok := r.Get(jobID)
	if !ok {
		return Token{}, errNotFound.withMessage("unknown job")
	}
	return a.RefreshToken(presented)
}

// Cancel requests cooperative cancellation of a live job.
func (r *JobRegistry) Cancel(jobID string) error {
	a, ok := r.Get(jobID)
	if !ok {
		return errNotFound.withMessage("unknown job")
	}
	a.Cancel()
	return nil
}

// State serves the job-state endpoint: the live snapshot when the actor is
// up, otherwise the persisted record, which survives 24h past terminal.
func (r *JobRegistry) State(ctx context.Context, jobID, bearer string) (JobState, error) {
	if a, ok := r.Get(jobID); ok {
		if !a.ValidateToken(bearer) {
			return JobState{}, errAuth.withMessage("invalid or expired token")
		}
		if st := a.Snapshot(); st.JobID != "" {
			return st, nil
		}
	}

	data, _, _, ok := r.cache.Get(ctx, jobStateKey(jobID))
	if !ok || isMissing(data) {
		return JobState{}, errNotFound.withMessage("unknown job")
	}
	var pj persistedJob
	if err := sonic.Unmarshal(data, &pj); err != nil {
		return JobState{}, fmt.Errorf("decoding job state: %w", err)
	}
	if !pj.Token.valid(bearer, time.Now()) {
		return JobState{}, errAuth.withMessage("invalid or expired token")
	}
	return pj.JobState, nil
}

// Recover scans persisted job state after a restart. Jobs that were mid-run
// died with the process and are marked failed; terminal jobs get their
// cleanup timers re-armed so retention honors the original deadline.
func (r *JobRegistry) Recover(ctx context.Context) error {
	after := ""
	var recovered, failed int
	for {
		entries, err := r.cache.kv.List(ctx, nsJobState+":", after, 200)
		if err != nil {
			return fmt.Errorf("listing persisted jobs: %w", err)
		}
		if len(entries) == 0 {
			break
		}
		for _, e := range entries {
			after = e.key
			value, err := decompress(e.value)
			if err != nil {
				continue
			}
			var pj persistedJob
			if err := sonic.Unmarshal(value, &pj); err != nil {
				Log(ctx).Warn("skipping undecodable job state", "key", e.key, "err", err)
				continue
			}
			if pj.Status.terminal() {
				r.armReap(pj.JobID, pj.LastUpdate)
				recovered++
				continue
			}
			pj.Status = StatusFailed
			pj.Error = &errorPayload{
				Code:      "INTERNAL_ERROR",
				Message:   "server restarted during processing",
				Retryable: true,
			}
			pj.LastUpdate = time.Now().UTC()
			if data, err := sonic.Marshal(pj); err == nil {
				r.cache.PutDurable(ctx, jobStateKey(pj.JobID), data, _jobRetention)
			}
			r.armReap(pj.JobID, pj.LastUpdate)
			failed++
		}
	}
	if recovered+failed > 0 {
		Log(ctx).Info("recovered persisted jobs", "terminal", recovered, "marked_failed", failed)
	}
	return nil
}

func (r *JobRegistry) armReap(jobID string, lastUpdate time.Time) {
	delay := time.Until(lastUpdate.Add(_jobRetention))
	if delay < 0 {
		delay = 0
	}
	key := jobStateKey(jobID)
	time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		r.cache.Invalidate(ctx, key)
	})
}

// Shutdown persists final state for every live job and closes sockets with
// 1012 so clients know to reconnect once we're back.
func (r *JobRegistry) Shutdown() {
	r.mu.Lock()
	actors := make([]*jobActor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, a)
	}
	r.actors = map[string]*jobActor{}
	r.mu.Unlock()

	for _, a := range actors {
		a.dispatch(func() {
			a.persist()
			if a.conn != nil {
				a.conn.closeWith(websocket.CloseServiceRestart, "server restarting")
				a.conn = nil
			}
		})
		a.shutdown()
	}
}
