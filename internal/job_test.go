package internal

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readyActor starts a job and marks the client ready, the way a connected
// socket's first message would.
func readyActor(t *testing.T, jobs *JobRegistry, pipeline Pipeline) (*jobActor, Token) {
	t.Helper()
	actor, tok, err := jobs.StartJob("", pipeline)
	require.NoError(t, err)
	actor.dispatch(func() {
		if !actor.readySeen {
			actor.readySeen = true
			close(actor.ready)
		}
	})
	return actor, tok
}

func newTestRegistry(t *testing.T) *JobRegistry {
	t.Helper()
	cache, _, _ := newTestCache(t)
	return NewJobRegistry(cache, prometheus.NewRegistry())
}

func TestStartJobIssuesToken(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	jobs := newTestRegistry(t)

	actor, tok, err := jobs.StartJob("", PipelineCSVImport)
	require.NoError(t, err)
	assert.NotEmpty(t, actor.id)
	assert.NotEmpty(t, tok.Value)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), tok.ExpiresAt, time.Minute)

	st, err := jobs.State(ctx, actor.id, tok.Value)
	require.NoError(t, err)
	assert.Equal(t, StatusInitialized, st.Status)
	assert.Equal(t, PipelineCSVImport, st.Pipeline)
}

func TestStartJobReattachRotatesToken(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	jobs := newTestRegistry(t)

	actor, old, err := jobs.StartJob("reattach-me", PipelineCSVImport)
	require.NoError(t, err)

	again, fresh, err := jobs.StartJob("reattach-me", PipelineCSVImport)
	require.NoError(t, err)
	assert.Equal(t, actor.id, again.id)
	assert.NotEqual(t, old.Value, fresh.Value)

	_, err = jobs.State(ctx, actor.id, old.Value)
	assert.ErrorIs(t, err, errAuth, "reattaching invalidates the previous token")
	_, err = jobs.State(ctx, actor.id, fresh.Value)
	assert.NoError(t, err)
}

func TestStartJobValidatesPipeline(t *testing.T) {
	t.Parallel()
	jobs := newTestRegistry(t)

	_, _, err := jobs.StartJob("", Pipeline("mystery"))
	assert.ErrorIs(t, err, errBadRequest)

	_, _, err = jobs.StartJob("job-1", PipelineCSVImport)
	require.NoError(t, err)
	_, _, err = jobs.StartJob("job-1", PipelineAIScan)
	assert.ErrorIs(t, err, errBadRequest, "a job can't switch pipelines")
}

func TestJobStateAuth(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	jobs := newTestRegistry(t)

	actor, _, err := jobs.StartJob("", PipelineBatchEnrichment)
	require.NoError(t, err)

	_, err = jobs.State(ctx, actor.id, "wrong-token")
	assert.ErrorIs(t, err, errAuth)

	_, err = jobs.State(ctx, "no-such-job", "token")
	assert.ErrorIs(t, err, errNotFound)
}

func TestJobLifecycle(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	jobs := newTestRegistry(t)

	actor, tok, err := jobs.StartJob("", PipelineBatchEnrichment)
	require.NoError(t, err)

	actor.Started(4)
	actor.Progress(progressPayload{Processed: 2, Total: 4})
	actor.Complete(JobSummary{TotalProcessed: 2, SuccessCount: 2})

	assert.Eventually(t, func() bool {
		st, err := jobs.State(ctx, actor.id, tok.Value)
		return err == nil && st.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	st, err := jobs.State(ctx, actor.id, tok.Value)
	require.NoError(t, err)
	assert.Equal(t, 4, st.TotalCount)
	assert.Equal(t, 2, st.ProcessedCount)
	assert.Equal(t, 0.5, st.Progress)
	assert.NotNil(t, st.Summary)
	assert.Nil(t, st.Error)
}

func TestCancelIdleJobFinishesImmediately(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	jobs := newTestRegistry(t)

	actor, tok, err := jobs.StartJob("", PipelineAIScan)
	require.NoError(t, err)

	require.NoError(t, jobs.Cancel(actor.id))

	assert.Eventually(t, func() bool {
		st, err := jobs.State(ctx, actor.id, tok.Value)
		return err == nil && st.Status == StatusCanceled && st.Canceled
	}, 2*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, jobs.Cancel("no-such-job"), errNotFound)
}

func TestRefreshTokenOnlyInsideWindow(t *testing.T) {
	t.Parallel()
	jobs := newTestRegistry(t)

	actor, tok, err := jobs.StartJob("", PipelineCSVImport)
	require.NoError(t, err)

	// A fresh 2h token is nowhere near its refresh window.
	_, err = jobs.Refresh(actor.id, tok.Value)
	assert.ErrorIs(t, err, errAuth)

	// Age the token into its final half hour.
	aged := Token{Value: tok.Value, ExpiresAt: time.Now().Add(10 * time.Minute)}
	actor.dispatch(func() { actor.token = aged })

	fresh, err := jobs.Refresh(actor.id, tok.Value)
	require.NoError(t, err)
	assert.NotEqual(t, tok.Value, fresh.Value)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), fresh.ExpiresAt, time.Minute)

	_, err = jobs.Refresh(actor.id, tok.Value)
	assert.ErrorIs(t, err, errAuth, "the replaced token can't refresh again")

	_, err = jobs.Refresh("no-such-job", fresh.Value)
	assert.ErrorIs(t, err, errNotFound)
}

func TestRecoverAfterRestart(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	kv := newMemoryKV()
	cache, err := NewTieredCache(kv, nil, prometheus.NewRegistry())
	require.NoError(t, err)

	before := NewJobRegistry(cache, prometheus.NewRegistry())

	running, runTok, err := before.StartJob("", PipelineCSVImport)
	require.NoError(t, err)
	running.Started(10)

	finished, doneTok, err := before.StartJob("", PipelineAIScan)
	require.NoError(t, err)
	finished.Started(1)
	finished.Complete(ScanSummary{JobSummary: JobSummary{TotalProcessed: 1, SuccessCount: 1}})
	assert.Eventually(t, func() bool {
		st, err := before.State(ctx, finished.id, doneTok.Value)
		return err == nil && st.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	// Crash: final persist, sockets closed, process gone.
	before.Shutdown()

	after := NewJobRegistry(cache, prometheus.NewRegistry())
	require.NoError(t, after.Recover(ctx))

	st, err := after.State(ctx, running.id, runTok.Value)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, st.Status, "jobs that died mid-run are marked failed")
	require.NotNil(t, st.Error)
	assert.True(t, st.Error.Retryable)
	assert.Contains(t, st.Error.Message, "restarted")

	st, err = after.State(ctx, finished.id, doneTok.Value)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, st.Status, "terminal jobs survive restarts untouched")
}

type testFrame struct {
	Type     msgType         `json:"type"`
	JobID    string          `json:"jobId"`
	Pipeline Pipeline        `json:"pipeline"`
	Version  string          `json:"version"`
	Payload  json.RawMessage `json:"payload"`
}

func readFrame(t *testing.T, conn *websocket.Conn) testFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f testFrame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

// progressServer exposes the registry's upgrade path the way the HTTP layer
// does: job id and token arrive with the request.
func progressServer(t *testing.T, jobs *JobRegistry) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		err := jobs.Upgrade(w, r, q.Get("job"), q.Get("token"))
		if errors.Is(err, errNotFound) {
			// Only the unknown-job reject happens before the upgrade; every
			// later error already closed the socket with its own code.
			serr := errStatus(err)
			http.Error(w, serr.Error(), serr.Status())
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialProgress(t *testing.T, srv *httptest.Server, jobID, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?job=" + jobID + "&token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestProgressSocket(t *testing.T) {
	t.Parallel()
	jobs := newTestRegistry(t)
	srv := progressServer(t, jobs)

	actor, tok, err := jobs.StartJob("", PipelineCSVImport)
	require.NoError(t, err)

	conn := dialProgress(t, srv, actor.id, tok.Value)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ready"}`)))
	assert.True(t, actor.WaitReady(2*time.Second))

	actor.Started(2)
	f := readFrame(t, conn)
	assert.Equal(t, msgJobStarted, f.Type)
	assert.Equal(t, actor.id, f.JobID)
	assert.Equal(t, PipelineCSVImport, f.Pipeline)
	assert.Equal(t, _protocolVersion, f.Version)
	var started startedPayload
	require.NoError(t, json.Unmarshal(f.Payload, &started))
	assert.Equal(t, 2, started.TotalCount)

	actor.Progress(progressPayload{Processed: 1, Total: 2, CurrentItem: "Dune"})
	f = readFrame(t, conn)
	assert.Equal(t, msgJobProgress, f.Type)
	var prog progressPayload
	require.NoError(t, json.Unmarshal(f.Payload, &prog))
	assert.Equal(t, 0.5, prog.Progress)
	assert.Equal(t, "Dune", prog.CurrentItem)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	f = readFrame(t, conn)
	assert.Equal(t, msgPong, f.Type)

	actor.Complete(JobSummary{TotalProcessed: 2, SuccessCount: 2, ResourceID: "csv-results:" + actor.id})
	f = readFrame(t, conn)
	assert.Equal(t, msgJobComplete, f.Type)
	var sum JobSummary
	require.NoError(t, json.Unmarshal(f.Payload, &sum))
	assert.Equal(t, 2, sum.SuccessCount)
	assert.NotEmpty(t, sum.ResourceID, "completions carry a pointer, never the full result")

	// Exactly one terminal frame, then a normal closure.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestProgressSocketClientCancel(t *testing.T) {
	t.Parallel()
	jobs := newTestRegistry(t)
	srv := progressServer(t, jobs)

	actor, tok, err := jobs.StartJob("", PipelineAIScan)
	require.NoError(t, err)

	conn := dialProgress(t, srv, actor.id, tok.Value)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"cancel"}`)))

	// Nothing was running, so the cancel terminates the job outright.
	f := readFrame(t, conn)
	assert.Equal(t, msgJobComplete, f.Type)
	var sum JobSummary
	require.NoError(t, json.Unmarshal(f.Payload, &sum))
	assert.True(t, sum.Partial)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestProgressSocketReconnectReplays(t *testing.T) {
	t.Parallel()
	jobs := newTestRegistry(t)
	srv := progressServer(t, jobs)

	actor, tok, err := jobs.StartJob("", PipelineCSVImport)
	require.NoError(t, err)

	first := dialProgress(t, srv, actor.id, tok.Value)
	require.NoError(t, first.WriteMessage(websocket.TextMessage, []byte(`{"type":"ready"}`)))
	require.True(t, actor.WaitReady(2*time.Second))

	actor.Started(3)
	readFrame(t, first) // job_started

	second := dialProgress(t, srv, actor.id, tok.Value)
	f := readFrame(t, second)
	assert.Equal(t, msgReconnected, f.Type, "a second attach replays current state")
	var st JobState
	require.NoError(t, json.Unmarshal(f.Payload, &st))
	assert.Equal(t, actor.id, st.JobID)
	assert.Equal(t, StatusRunning, st.Status)

	require.NoError(t, first.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = first.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestProgressSocketRejectsBadToken(t *testing.T) {
	t.Parallel()
	jobs := newTestRegistry(t)
	srv := progressServer(t, jobs)

	actor, _, err := jobs.StartJob("", PipelineCSVImport)
	require.NoError(t, err)

	// The handshake succeeds; the policy close arrives immediately after.
	conn := dialProgress(t, srv, actor.id, "wrong-token")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestProgressSocketUnknownJob(t *testing.T) {
	t.Parallel()
	jobs := newTestRegistry(t)
	srv := progressServer(t, jobs)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?job=ghost&token=x"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil) //nolint:bodyclose // handshake failure
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProgressSocketMalformedMessage(t *testing.T) {
	t.Parallel()
	jobs := newTestRegistry(t)
	srv := progressServer(t, jobs)

	actor, tok, err := jobs.StartJob("", PipelineCSVImport)
	require.NoError(t, err)

	conn := dialProgress(t, srv, actor.id, tok.Value)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseProtocolError), "got %v", err)
}
