package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonathan/court-capture/internal/capture"
	"github.com/jonathan/court-capture/internal/pipeline/steps"
	"github.com/jonathan/court-capture/internal/pje"
	"github.com/jonathan/court-capture/internal/retry"
	"github.com/jonathan/court-capture/internal/session"
	"github.com/jonathan/court-capture/internal/tribunal"
	"github.com/jonathan/court-capture/internal/types"
	"github.com/jonathan/court-capture/internal/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPassword = "s3nha-muito-secreta"

type credStore struct {
	mu   sync.Mutex
	rows map[string]*vault.Record
}

func (s *credStore) GetCredential(_ context.Context, key vault.Key) (*vault.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[key.String()]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

type staticResolver struct {
	profile *tribunal.Profile
	err     error
}

func (r *staticResolver) Resolve(context.Context, string, types.Instance) (*tribunal.Profile, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.profile.Clone(), nil
}

type fakeSession struct {
	pages  map[int]string
	getErr error
	// failWhen, when set, fails the matching requests with getErr.
	failWhen func(q url.Values) bool
	gets     atomic.Int32
	closed   atomic.Bool
}

func (s *fakeSession) Get(ctx context.Context, _ string, q url.Values) (json.RawMessage, error) {
	s.gets.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.getErr != nil && (s.failWhen == nil || s.failWhen(q)) {
		return nil, s.getErr
	}
	n, _ := strconv.Atoi(q.Get("pagina"))
	if n == 0 {
		// Hearing datasets page with numeroPagina.
		n, _ = strconv.Atoi(q.Get("numeroPagina"))
	}
	return json.RawMessage(s.pages[n]), nil
}

func (s *fakeSession) Identity() session.Identity {
	return session.Identity{LawyerID: 42}
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeAuth struct {
	sess    *fakeSession
	errs    []error
	calls   atomic.Int32
	gotPass string
	seen    *vault.Credential
}

func (a *fakeAuth) Login(_ context.Context, _ *tribunal.Profile, cred *vault.Credential, timeouts tribunal.Timeouts) (session.Session, error) {
	n := int(a.calls.Add(1))
	a.gotPass = cred.Password()
	a.seen = cred
	if timeouts[tribunal.OpLogin] == 0 {
		return nil, errors.New("login timeout not resolved")
	}
	if n <= len(a.errs) && a.errs[n-1] != nil {
		return nil, a.errs[n-1]
	}
	return a.sess, nil
}

type memRecorder struct {
	mu       sync.Mutex
	statuses []types.RunStatus
	last     types.CaptureRun
	err      error
}

func (m *memRecorder) Record(ctx context.Context, run *types.CaptureRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	m.statuses = append(m.statuses, run.Status)
	m.last = *run
	return m.err
}

func testProfile() *tribunal.Profile {
	return &tribunal.Profile{
		TribunalCode: "TRT3",
		System:       "pje",
		Instance:     types.InstanceFirstDegree,
		AccessMode:   tribunal.AccessFirstDegree,
		BaseURL:      "https://pje.trt3.jus.br",
		LoginURL:     "https://pje.trt3.jus.br/primeirograu/login.seam",
		APIURL:       "https://pje.trt3.jus.br/pje-comum-api/api",
		CustomTimeouts: tribunal.Timeouts{
			tribunal.OpLogin: 90 * time.Second,
		},
	}
}

func defaultTimeouts() tribunal.Timeouts {
	return tribunal.Timeouts{
		tribunal.OpLogin:       60 * time.Second,
		tribunal.OpRedirect:    30 * time.Second,
		tribunal.OpNetworkIdle: 10 * time.Second,
		tribunal.OpAPI:         30 * time.Second,
	}
}

func docketRequest() Request {
	return Request{LawyerID: 42, TribunalCode: "TRT3", Instance: types.InstanceFirstDegree, Kind: types.KindDocket}
}

type harness struct {
	svc      *Service
	auth     *fakeAuth
	sess     *fakeSession
	recorder *memRecorder
	resolver *staticResolver
}

func newHarness(t *testing.T, pages map[int]string) *harness {
	t.Helper()
	c, err := vault.NewCipher(bytes.Repeat([]byte{7}, vault.MasterKeySize), nil)
	require.NoError(t, err)
	store := &credStore{rows: map[string]*vault.Record{}}
	v := vault.New(store, c, nil)

	req := docketRequest()
	key := req.key()
	sealed, err := v.Seal(key, "12345678900", testPassword)
	require.NoError(t, err)
	store.rows[key.String()] = &vault.Record{ID: 9, Key: key, Sealed: sealed, Active: true}

	sess := &fakeSession{pages: pages}
	h := &harness{
		auth:     &fakeAuth{sess: sess},
		sess:     sess,
		recorder: &memRecorder{},
		resolver: &staticResolver{profile: testProfile()},
	}
	h.svc = NewService(h.resolver, v, h.auth, h.recorder, Config{
		Defaults: defaultTimeouts(),
		Capture:  capture.Options{PageSize: 2},
		Retry:    retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2},
	})
	return h
}

func twoPages() map[int]string {
	return map[int]string{
		1: `{"pagina":1,"qtdPaginas":2,"totalRegistros":3,"resultado":[{"id":1},{"id":2}]}`,
		2: `{"pagina":2,"qtdPaginas":2,"totalRegistros":3,"resultado":[{"id":3}]}`,
	}
}

func TestCapture_Success(t *testing.T) {
	h := newHarness(t, twoPages())

	var events []ProgressEvent
	out, err := h.svc.Capture(context.Background(), docketRequest(), func(e ProgressEvent) {
		events = append(events, e)
	})
	require.NoError(t, err)

	assert.Equal(t, 3, out.Result.ItemCount())
	assert.Equal(t, types.RunStatusCompleted, out.Run.Status)
	assert.Equal(t, 3, out.Run.ItemCount)
	assert.Equal(t, 2, out.Run.PageCount)
	assert.Equal(t, []int64{9}, out.Run.CredentialIDs)
	require.NotNil(t, out.Run.FinishedAt)

	assert.Equal(t, []types.RunStatus{types.RunStatusInProgress, types.RunStatusCompleted}, h.recorder.statuses)
	assert.True(t, h.sess.closed.Load())
	assert.Equal(t, testPassword, h.auth.gotPass)
	assert.True(t, h.auth.seen.Wiped(), "credential must be wiped once the session is open")

	var named []string
	for _, e := range events {
		if e.Position > 0 {
			named = append(named, e.Step)
		}
		assert.Equal(t, out.Run.ID.String(), e.RunID)
	}
	assert.Equal(t, steps.Order, named)
}

func TestCapture_InvalidRequest(t *testing.T) {
	h := newHarness(t, twoPages())

	req := docketRequest()
	req.Kind = types.KindHearingsHeld
	out, err := h.svc.Capture(context.Background(), req, nil)
	require.Error(t, err)
	assert.Nil(t, out)
	assert.ErrorIs(t, err, capture.ErrInvalidRequest)
	assert.Equal(t, capture.KindValidation, capture.Classify(err))
	assert.Empty(t, h.recorder.statuses)

	req.Kind = "timeline"
	_, err = h.svc.Capture(context.Background(), req, nil)
	assert.ErrorIs(t, err, capture.ErrInvalidRequest)
}

func TestCapture_ProfileNotFoundFailsBeforeSession(t *testing.T) {
	h := newHarness(t, twoPages())
	h.resolver.err = &tribunal.NotFoundError{Tribunal: "TRT99", Instance: types.InstanceFirstDegree}

	out, err := h.svc.Capture(context.Background(), docketRequest(), nil)
	require.Error(t, err)
	assert.Equal(t, types.RunStatusFailed, out.Run.Status)
	assert.Equal(t, []types.RunStatus{types.RunStatusFailed}, h.recorder.statuses)
	assert.Equal(t, "not_found", h.recorder.last.Summary["kind"])
	assert.Zero(t, h.auth.calls.Load())
}

func TestCapture_MissingCredentialIsNotFound(t *testing.T) {
	h := newHarness(t, twoPages())
	req := docketRequest()
	req.LawyerID = 43

	out, err := h.svc.Capture(context.Background(), req, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, vault.ErrNotFound)
	assert.Equal(t, "not_found", out.Run.Summary["kind"])
	assert.Zero(t, h.auth.calls.Load())
}

func TestCapture_LoginErrorIsRedacted(t *testing.T) {
	h := newHarness(t, twoPages())
	h.auth.errs = []error{&session.AuthError{Tribunal: "TRT3", Reason: "rejected password " + testPassword}}

	out, err := h.svc.Capture(context.Background(), docketRequest(), nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), h.auth.calls.Load(), "auth failures are not retried")

	msg := *out.Run.Error
	assert.NotContains(t, msg, testPassword)
	assert.Contains(t, msg, "[REDACTED]")
	assert.Equal(t, "auth_error", out.Run.Summary["kind"])
	assert.Equal(t, []types.RunStatus{types.RunStatusFailed}, h.recorder.statuses)
}

func TestCapture_LoginRetriesTransient(t *testing.T) {
	h := newHarness(t, twoPages())
	h.auth.errs = []error{&session.HTTPError{Status: 503}, nil}

	_, err := h.svc.Capture(context.Background(), docketRequest(), nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), h.auth.calls.Load())
}

func TestCapture_PageFailureRecordsFailed(t *testing.T) {
	h := newHarness(t, twoPages())
	h.sess.pages[2] = `<html>login</html>`

	out, err := h.svc.Capture(context.Background(), docketRequest(), nil)
	require.Error(t, err)
	assert.Nil(t, out.Result)
	assert.Equal(t, []types.RunStatus{types.RunStatusInProgress, types.RunStatusFailed}, h.recorder.statuses)
	assert.Equal(t, "malformed_response", out.Run.Summary["kind"])
	assert.Equal(t, 2, out.Run.Summary["page"])
	assert.True(t, h.sess.closed.Load())
}

func TestCapture_CancelledIsRecorded(t *testing.T) {
	h := newHarness(t, twoPages())
	ctx, cancel := context.WithCancel(context.Background())
	h.svc.cfg.Capture.InterPageDelay = time.Hour

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.Capture(ctx, docketRequest(), func(e ProgressEvent) {
			if e.Step == steps.FetchPages && e.Position == 0 {
				cancel()
			}
		})
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, capture.KindCancelled, capture.Classify(err))
	case <-time.After(5 * time.Second):
		t.Fatal("capture did not stop after cancel")
	}
	assert.Equal(t, types.RunStatusFailed, h.recorder.last.Status)
	assert.Equal(t, "cancelled", h.recorder.last.Summary["kind"])
}

func TestCapture_RecorderErrorDoesNotFailCapture(t *testing.T) {
	h := newHarness(t, twoPages())
	h.recorder.err = errors.New("db down")

	_, err := h.svc.Capture(context.Background(), docketRequest(), nil)
	assert.NoError(t, err)
}

func TestCapture_NilRecorder(t *testing.T) {
	h := newHarness(t, twoPages())
	h.svc.recorder = nil

	_, err := h.svc.Capture(context.Background(), docketRequest(), nil)
	assert.NoError(t, err)
}

type gatedAuth struct {
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (a *gatedAuth) Login(context.Context, *tribunal.Profile, *vault.Credential, tribunal.Timeouts) (session.Session, error) {
	n := a.inFlight.Add(1)
	defer a.inFlight.Add(-1)
	for {
		p := a.peak.Load()
		if n <= p || a.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return nil, &session.AuthError{Tribunal: "TRT3", Reason: "rejected"}
}

func TestRunBatch(t *testing.T) {
	h := newHarness(t, twoPages())
	gated := &gatedAuth{}
	h.svc.auth = gated

	reqs := make([]Request, 6)
	for i := range reqs {
		reqs[i] = docketRequest()
	}
	reqs[3].Kind = "timeline"

	results := h.svc.RunBatch(context.Background(), reqs, 2, nil)
	require.Len(t, results, 6)
	assert.LessOrEqual(t, gated.peak.Load(), int32(2))
	for i, r := range results {
		require.Error(t, r.Err, "result %d", i)
		assert.NotEmpty(t, r.Error)
	}
	assert.ErrorIs(t, results[3].Err, capture.ErrInvalidRequest)
	assert.ErrorIs(t, results[0].Err, session.ErrAuth)
}

func TestRequest_Validate(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	tests := []struct {
		name    string
		mutate  func(*Request)
		wantErr bool
	}{
		{"docket", func(*Request) {}, false},
		{"missing lawyer", func(r *Request) { r.LawyerID = 0 }, true},
		{"bad instance", func(r *Request) { r.Instance = "terceiro_grau" }, true},
		{"hearings without dates", func(r *Request) { r.Kind = types.KindHearingsScheduled }, true},
		{"hearings with dates", func(r *Request) {
			r.Kind = types.KindHearingsScheduled
			r.Filters = pje.Filters{DateFrom: &from, DateTo: &to}
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := docketRequest()
			tt.mutate(&r)
			err := r.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, capture.ErrInvalidRequest)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func combinedRequest() CombinedRequest {
	from := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC)
	return CombinedRequest{
		LawyerID:     42,
		TribunalCode: "TRT3",
		Instance:     types.InstanceFirstDegree,
		Filters:      pje.Filters{DateFrom: &from, DateTo: &to},
	}
}

func TestCaptureCombined_LogsInOnce(t *testing.T) {
	h := newHarness(t, twoPages())

	results, err := h.svc.CaptureCombined(context.Background(), combinedRequest(), nil)
	require.NoError(t, err)
	require.Len(t, results, len(CombinedKinds))

	assert.Equal(t, int32(1), h.auth.calls.Load())
	assert.True(t, h.auth.seen.Wiped())
	assert.True(t, h.sess.closed.Load())

	ids := map[string]bool{}
	for i, r := range results {
		require.NoError(t, r.Err, "dataset %s", r.Request.Kind)
		assert.Equal(t, CombinedKinds[i], r.Request.Kind)
		assert.Equal(t, CombinedKinds[i], r.Outcome.Run.Kind)
		assert.Equal(t, types.RunStatusCompleted, r.Outcome.Run.Status)
		assert.Equal(t, 3, r.Outcome.Result.ItemCount())
		assert.Equal(t, []int64{9}, r.Outcome.Run.CredentialIDs)
		ids[r.Outcome.Run.ID.String()] = true
	}
	assert.Len(t, ids, len(CombinedKinds), "one run per dataset")
	assert.Len(t, h.recorder.statuses, 2*len(CombinedKinds))
}

func TestCaptureCombined_DatasetFailureIsIsolated(t *testing.T) {
	h := newHarness(t, twoPages())
	h.sess.getErr = &session.HTTPError{Status: 404}
	h.sess.failWhen = func(q url.Values) bool { return q.Get("codigoSituacao") == "C" }

	req := combinedRequest()
	req.Kinds = []types.DatasetKind{types.KindHearingsScheduled, types.KindHearingsCancelled, types.KindDocket}
	results, err := h.svc.CaptureCombined(context.Background(), req, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.NoError(t, results[0].Err)
	require.Error(t, results[1].Err)
	assert.Equal(t, types.RunStatusFailed, results[1].Outcome.Run.Status)
	assert.Nil(t, results[1].Outcome.Result, "a failed dataset keeps no partial pages")
	assert.NotEmpty(t, results[1].Error)
	assert.NoError(t, results[2].Err)
	assert.Equal(t, 3, results[2].Outcome.Run.ItemCount)
	assert.Equal(t, int32(1), h.auth.calls.Load())
}

func TestCaptureCombined_LoginFailureFailsEveryRun(t *testing.T) {
	h := newHarness(t, twoPages())
	h.auth.errs = []error{&session.AuthError{Tribunal: "TRT3", Reason: "rejected password " + testPassword}}

	results, err := h.svc.CaptureCombined(context.Background(), combinedRequest(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrAuth)
	require.Len(t, results, len(CombinedKinds))
	for _, r := range results {
		require.Error(t, r.Err)
		assert.Equal(t, types.RunStatusFailed, r.Outcome.Run.Status)
		assert.NotContains(t, r.Error, testPassword)
		assert.Equal(t, "auth_error", r.Outcome.Run.Summary["kind"])
	}
	assert.Zero(t, h.sess.gets.Load())
	assert.Len(t, h.recorder.statuses, len(CombinedKinds))
}

func TestCombinedRequest_Validate(t *testing.T) {
	h := newHarness(t, twoPages())

	req := combinedRequest()
	req.Kinds = []types.DatasetKind{types.KindDocket, types.KindDocket}
	results, err := h.svc.CaptureCombined(context.Background(), req, nil)
	assert.ErrorIs(t, err, capture.ErrInvalidRequest)
	assert.Nil(t, results)

	req = combinedRequest()
	req.Filters = pje.Filters{}
	assert.ErrorIs(t, req.Validate(), capture.ErrInvalidRequest, "default hearings need a date range")

	req.Kinds = []types.DatasetKind{types.KindDocket, types.KindArchived}
	assert.NoError(t, req.Validate())
	assert.Zero(t, h.auth.calls.Load())
}
