// Package pipeline provides the high-level orchestration of a capture run: profile
// resolution, credential use, login, pagination and audit recording.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/court-capture/internal/capture"
	"github.com/jonathan/court-capture/internal/pipeline/steps"
	"github.com/jonathan/court-capture/internal/pje"
	"github.com/jonathan/court-capture/internal/retry"
	"github.com/jonathan/court-capture/internal/session"
	"github.com/jonathan/court-capture/internal/tribunal"
	"github.com/jonathan/court-capture/internal/types"
	"github.com/jonathan/court-capture/internal/vault"
)

// ProgressEvent represents a progress update during a capture run
type ProgressEvent struct {
	Step     string `json:"step"`
	Category string `json:"category"`
	Message  string `json:"message"`
	RunID    string `json:"run_id,omitempty"`
	Position int    `json:"position"`
	Total    int    `json:"total"`
	Content  any    `json:"content,omitempty"`
}

// ProgressCallback is called when pipeline progress occurs
type ProgressCallback func(event ProgressEvent)

// Request describes one capture.
type Request struct {
	LawyerID     int64             `json:"lawyer_id" validate:"required,gt=0"`
	TribunalCode string            `json:"tribunal_code" validate:"required,max=16"`
	Instance     types.Instance    `json:"instance" validate:"required,oneof=primeiro_grau segundo_grau tribunal_superior"`
	Kind         types.DatasetKind `json:"kind" validate:"required"`
	Filters      pje.Filters       `json:"filters"`
}

var validate = validator.New()

// Validate checks the request shape and the dataset's filter requirements.
func (r *Request) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", capture.ErrInvalidRequest, err)
	}
	ds, err := pje.Lookup(r.Kind)
	if err != nil {
		return fmt.Errorf("%w: %v", capture.ErrInvalidRequest, err)
	}
	if err := ds.ValidateFilters(r.Filters); err != nil {
		return fmt.Errorf("%w: %v", capture.ErrInvalidRequest, err)
	}
	return nil
}

func (r *Request) key() vault.Key {
	return vault.Key{LawyerID: r.LawyerID, Tribunal: r.TribunalCode, Instance: r.Instance}
}

// Recorder persists capture run state for audit.
type Recorder interface {
	Record(ctx context.Context, run *types.CaptureRun) error
}

// ProfileResolver is satisfied by *tribunal.Resolver.
type ProfileResolver interface {
	Resolve(ctx context.Context, code string, instance types.Instance) (*tribunal.Profile, error)
}

// CredentialSource is satisfied by *vault.Vault.
type CredentialSource interface {
	With(ctx context.Context, key vault.Key, fn func(*vault.Credential) error) error
}

// Config holds the service's tunables.
type Config struct {
	// Defaults are the system timeouts used when a profile has no override.
	Defaults tribunal.Timeouts
	// Capture carries page size and inter-page delay.
	Capture capture.Options
	// Retry applies to each page fetch and to login.
	Retry retry.Policy
	// RecordTimeout bounds each recorder call.
	RecordTimeout time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

// Service runs captures.
type Service struct {
	resolver ProfileResolver
	creds    CredentialSource
	auth     session.Authenticator
	recorder Recorder
	cfg      Config
	logger   *slog.Logger
}

// NewService creates a Service. recorder may be nil.
func NewService(resolver ProfileResolver, creds CredentialSource, auth session.Authenticator, recorder Recorder, cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.Capture.PageSize == 0 && cfg.Capture.InterPageDelay == 0 {
		cfg.Capture = capture.DefaultOptions()
	}
	return &Service{
		resolver: resolver,
		creds:    creds,
		auth:     auth,
		recorder: recorder,
		cfg:      cfg,
		logger:   cfg.Logger,
	}
}

// Outcome is a finished capture: the final run record and, on success, the result.
type Outcome struct {
	Run    *types.CaptureRun `json:"run"`
	Result *capture.Result   `json:"result,omitempty"`
}

// run carries per-capture state through the steps.
type run struct {
	rec        *types.CaptureRun
	completed  []string
	onProgress ProgressCallback
	logger     *slog.Logger
}

func (r *run) emit(step, message string, content any) {
	if err := steps.ValidateDependencies(step, r.completed); err != nil {
		r.logger.Error("capture step out of order", "step", step, "error", err)
	}
	r.completed = append(r.completed, step)
	if r.onProgress == nil {
		return
	}
	pos, total := steps.Position(step)
	r.onProgress(ProgressEvent{
		Step:     step,
		Category: steps.Category(step),
		Message:  message,
		RunID:    r.rec.ID.String(),
		Position: pos,
		Total:    total,
		Content:  content,
	})
}

func (s *Service) newRun(req Request, onProgress ProgressCallback) *run {
	rec := types.NewCaptureRun(req.Kind, req.LawyerID, req.TribunalCode, req.Instance, s.cfg.Now())
	logger := s.logger.With(
		"run_id", rec.ID.String(),
		"kind", req.Kind,
		"lawyer_id", req.LawyerID,
		"tribunal", req.TribunalCode,
		"instance", req.Instance)
	return &run{rec: rec, onProgress: onProgress, logger: logger}
}

// Capture runs req end to end. It returns the outcome even on failure so callers
// can inspect the recorded run; the error is the terminal pipeline error.
func (s *Service) Capture(ctx context.Context, req Request, onProgress ProgressCallback) (*Outcome, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	r := s.newRun(req, onProgress)
	out := &Outcome{Run: r.rec}

	sess, summary, err := s.open(ctx, req, []*run{r}, r.logger)
	if err != nil {
		return out, s.fail(ctx, r, err, summary)
	}
	defer s.closeSession(sess, r.logger)

	result, err := s.collect(ctx, r, req, sess)
	if err != nil {
		return out, err
	}
	out.Result = result
	return out, nil
}

// open resolves the profile and logs in once on behalf of runs. The credential is
// wiped before open returns. On failure the summary is already redacted.
func (s *Service) open(ctx context.Context, req Request, runs []*run, logger *slog.Logger) (session.Session, map[string]any, error) {
	profile, err := s.resolver.Resolve(ctx, req.TribunalCode, req.Instance)
	if err != nil {
		return nil, capture.Summary(err), err
	}
	timeouts, err := profile.EffectiveTimeouts(s.cfg.Defaults)
	if err != nil {
		return nil, capture.Summary(err), err
	}
	for _, r := range runs {
		r.emit(steps.ResolveProfile, fmt.Sprintf("Resolved %s profile (%s)", profile.TribunalCode, profile.AccessMode), nil)
	}

	loginPolicy := s.cfg.Retry
	loginPolicy.Name = "login"
	loginPolicy.Logger = logger

	var sess session.Session
	var summary map[string]any
	err = s.creds.With(ctx, req.key(), func(cred *vault.Credential) error {
		for _, r := range runs {
			r.rec.CredentialIDs = []int64{cred.RecordID}
		}
		var loginErr error
		sess, loginErr = retry.Do(ctx, loginPolicy, func(ctx context.Context) (session.Session, error) {
			return s.auth.Login(ctx, profile, cred, timeouts)
		})
		if loginErr != nil {
			summary = capture.SummaryWith(loginErr, cred.RedactFrom)
		}
		return loginErr
	})
	if err != nil {
		if summary == nil {
			summary = capture.Summary(err)
		}
		return nil, summary, err
	}
	return sess, nil, nil
}

// collect captures one dataset over an established session and records the run.
func (s *Service) collect(ctx context.Context, r *run, req Request, sess session.Session) (*capture.Result, error) {
	rec, logger := r.rec, r.logger
	if err := rec.Transition(types.RunStatusInProgress, s.cfg.Now()); err != nil {
		return nil, err
	}
	s.record(ctx, logger, rec)
	r.emit(steps.Login, "Session established", sess.Identity())

	ds, err := pje.Lookup(req.Kind)
	if err != nil {
		return nil, s.fail(ctx, r, err, capture.Summary(err))
	}

	opts := s.cfg.Capture
	opts.Logger = logger
	opts.OnPage = func(p *capture.Page) {
		if r.onProgress != nil {
			r.onProgress(ProgressEvent{
				Step:     steps.FetchPages,
				Category: steps.CategoryCapture,
				Message:  fmt.Sprintf("Fetched page %d/%d (%d items)", p.Number, max(p.TotalPages, 1), len(p.Items)),
				RunID:    rec.ID.String(),
			})
		}
	}

	result, err := capture.CaptureAll(ctx, ds.Fetcher(sess, req.Filters, s.cfg.Retry, logger), opts)
	if err != nil {
		return nil, s.fail(ctx, r, err, capture.Summary(err))
	}
	r.emit(steps.FetchPages, fmt.Sprintf("Captured %d items in %d pages", result.ItemCount(), result.PageCount()), nil)

	rec.ItemCount = result.ItemCount()
	rec.PageCount = result.PageCount()
	rec.Summary = map[string]any{"items": result.ItemCount(), "pages": result.PageCount()}
	if err := rec.Transition(types.RunStatusCompleted, s.cfg.Now()); err != nil {
		return nil, err
	}
	s.record(ctx, logger, rec)
	r.emit(steps.RecordRun, "Run completed", nil)
	logger.Info("capture completed", "items", rec.ItemCount, "pages", rec.PageCount, "duration_ms", *rec.DurationMs)
	return result, nil
}

func (s *Service) closeSession(sess session.Session, logger *slog.Logger) {
	if err := sess.Close(); err != nil {
		logger.Warn("failed to close session", "error", err)
	}
}

func (s *Service) fail(ctx context.Context, r *run, cause error, summary map[string]any) error {
	rec := r.rec
	if err := rec.Transition(types.RunStatusFailed, s.cfg.Now()); err != nil {
		r.logger.Error("cannot mark run failed", "error", err)
		return cause
	}
	msg, _ := summary["error"].(string)
	rec.Error = &msg
	rec.Summary = maps.Clone(summary)
	s.record(ctx, r.logger, rec)
	r.emit(steps.RecordRun, "Run failed", summary)
	r.logger.Error("capture failed", "kind", summary["kind"], "error", msg)
	return cause
}

// record persists rec. Failures are logged and never change the capture's outcome;
// a cancelled capture is still recorded.
func (s *Service) record(ctx context.Context, logger *slog.Logger, rec *types.CaptureRun) {
	if s.recorder == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RecordTimeout)
	defer cancel()
	if err := s.recorder.Record(rctx, rec); err != nil {
		logger.Error("failed to record capture run", "status", rec.Status, "error", err)
	}
}

// BatchResult pairs a request with its outcome.
type BatchResult struct {
	Request Request  `json:"request"`
	Outcome *Outcome `json:"outcome,omitempty"`
	Err     error    `json:"-"`
	Error   string   `json:"error,omitempty"`
}

// setErr records err, preferring the redacted message stored on the run.
func (b *BatchResult) setErr(err error) {
	b.Err = err
	b.Error = err.Error()
	if b.Outcome != nil && b.Outcome.Run != nil && b.Outcome.Run.Error != nil {
		b.Error = *b.Outcome.Run.Error
	}
}

// RunBatch runs independent captures with at most concurrency in flight. One
// failure does not cancel the others; results keep the order of reqs.
func (s *Service) RunBatch(ctx context.Context, reqs []Request, concurrency int, onProgress ProgressCallback) []BatchResult {
	if concurrency <= 0 {
		concurrency = 1
	}
	results := make([]BatchResult, len(reqs))

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, req := range reqs {
		g.Go(func() error {
			out, err := s.Capture(ctx, req, onProgress)
			results[i] = BatchResult{Request: req, Outcome: out}
			if err != nil {
				results[i].setErr(err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// CombinedKinds are the datasets a combined capture takes when none are named:
// every hearing status plus both pending groups.
var CombinedKinds = []types.DatasetKind{
	types.KindHearingsScheduled,
	types.KindHearingsHeld,
	types.KindHearingsCancelled,
	types.KindPendingInDeadline,
	types.KindPendingNoDeadline,
}

// CombinedRequest captures several datasets of one tribunal instance over a
// single login. Filters apply to every dataset that accepts them.
type CombinedRequest struct {
	LawyerID     int64               `json:"lawyer_id" validate:"required,gt=0"`
	TribunalCode string              `json:"tribunal_code" validate:"required,max=16"`
	Instance     types.Instance      `json:"instance" validate:"required,oneof=primeiro_grau segundo_grau tribunal_superior"`
	Kinds        []types.DatasetKind `json:"kinds,omitempty"`
	Filters      pje.Filters         `json:"filters"`
}

// Requests expands r into one Request per dataset, in capture order.
func (r *CombinedRequest) Requests() []Request {
	kinds := r.Kinds
	if len(kinds) == 0 {
		kinds = CombinedKinds
	}
	out := make([]Request, len(kinds))
	for i, k := range kinds {
		out[i] = Request{
			LawyerID:     r.LawyerID,
			TribunalCode: r.TribunalCode,
			Instance:     r.Instance,
			Kind:         k,
			Filters:      r.Filters,
		}
	}
	return out
}

// Validate checks the shared fields and every expanded dataset request.
func (r *CombinedRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", capture.ErrInvalidRequest, err)
	}
	seen := make(map[types.DatasetKind]bool, len(r.Kinds))
	for _, req := range r.Requests() {
		if seen[req.Kind] {
			return fmt.Errorf("%w: dataset %s listed twice", capture.ErrInvalidRequest, req.Kind)
		}
		seen[req.Kind] = true
		if err := req.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// CaptureCombined logs in once and captures each dataset of req in order over that
// session. Every dataset gets its own run and stays all-or-nothing; a failed
// dataset does not stop the next one. The error is non-nil only when the request
// is invalid (nil results) or the session could not be established (every run
// recorded as failed).
func (s *Service) CaptureCombined(ctx context.Context, req CombinedRequest, onProgress ProgressCallback) ([]BatchResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	reqs := req.Requests()
	runs := make([]*run, len(reqs))
	results := make([]BatchResult, len(reqs))
	for i, kr := range reqs {
		runs[i] = s.newRun(kr, onProgress)
		results[i] = BatchResult{Request: kr, Outcome: &Outcome{Run: runs[i].rec}}
	}
	logger := s.logger.With(
		"lawyer_id", req.LawyerID,
		"tribunal", req.TribunalCode,
		"instance", req.Instance,
		"datasets", len(reqs))

	sess, summary, err := s.open(ctx, reqs[0], runs, logger)
	if err != nil {
		for i, r := range runs {
			results[i].setErr(s.fail(ctx, r, err, summary))
		}
		return results, err
	}
	defer s.closeSession(sess, logger)

	failed := 0
	for i, r := range runs {
		result, err := s.collect(ctx, r, reqs[i], sess)
		if err != nil {
			results[i].setErr(err)
			failed++
			continue
		}
		results[i].Outcome.Result = result
	}
	logger.Info("combined capture finished", "completed", len(runs)-failed, "failed", failed)
	return results, nil
}
