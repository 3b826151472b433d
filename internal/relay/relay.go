package relay

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"taskrelay/internal/idempotency"
	"taskrelay/internal/metrics"
	"taskrelay/internal/models"
	"taskrelay/internal/webhook"
)

// Dispatcher delivers one notification to the webhook.
type Dispatcher interface {
	Dispatch(ctx context.Context, destinationURL, secret string, payload interface{}) (models.DeliveryOutcome, error)
}

// Tracker is the idempotency capability the relay needs.
type Tracker interface {
	Lookup(ctx context.Context, sid string) (*models.SubmissionRecord, bool, error)
	Claim(ctx context.Context, sid string) (*idempotency.Claim, error)
	Finalize(ctx context.Context, c *idempotency.Claim, rec models.SubmissionRecord) error
	Release(ctx context.Context, c *idempotency.Claim) error
	ClaimAndFinalize(ctx context.Context, rec models.SubmissionRecord) (bool, *models.SubmissionRecord, error)
}

// Options are the resolved settings the relay runs with.
type Options struct {
	WebhookURL string
	Secret     string
	Title      string
}

type Service struct {
	Tracker    Tracker
	Dispatcher Dispatcher
	Options    Options
	Logger     *zap.Logger
	Now        func() time.Time
	tracer     trace.Tracer
}

func New(tracker Tracker, dispatcher Dispatcher, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.WebhookURL == "" {
		logger.Warn("no webhook configured, submissions are recorded without push")
	}
	return &Service{
		Tracker:    tracker,
		Dispatcher: dispatcher,
		Options:    opts,
		Logger:     logger,
		Now:        time.Now,
		tracer:     otel.Tracer("taskrelay/relay"),
	}
}

// StatusResult answers a read-only status query.
type StatusResult struct {
	SourceID string
	Done     bool
	Record   *models.SubmissionRecord
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s *Service) startSpan(ctx context.Context, name, sid string) (context.Context, trace.Span) {
	tracer := s.tracer
	if tracer == nil {
		tracer = otel.Tracer("taskrelay/relay")
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attribute.String("taskrelay.sid", sid)))
}

func validate(req models.NotificationRequest) error {
	if strings.TrimSpace(req.SourceID) == "" {
		return &ValidationError{Reason: "missing sid"}
	}
	return nil
}

// Status reports whether sid has been finalized. It never writes and never dispatches.
func (s *Service) Status(ctx context.Context, sid string) (StatusResult, error) {
	ctx, span := s.startSpan(ctx, "relay.Status", sid)
	defer span.End()

	res, outcome, err := s.status(ctx, sid)
	metrics.SubmissionsTotal.WithLabelValues(outcome).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	s.logOutcome("status query", attempt{sid: sid, outcome: outcome, err: err}, zap.Bool("done", res.Done))
	return res, err
}

func (s *Service) status(ctx context.Context, sid string) (StatusResult, string, error) {
	if err := validate(models.NotificationRequest{SourceID: sid}); err != nil {
		return StatusResult{}, "invalid", err
	}
	rec, ok, err := s.Tracker.Lookup(ctx, sid)
	if err != nil {
		return StatusResult{}, "store_error", &StoreError{Op: "lookup", Err: err}
	}
	return StatusResult{SourceID: sid, Done: ok, Record: rec}, "status", nil
}

// attempt is what one call did, summarized in its log line.
type attempt struct {
	sid     string
	outcome string
	pushed  bool
	status  int // webhook HTTP status, 0 without a response
	latency time.Duration
	err     error
	readErr error // 2xx answer whose body could not be read
}

// Submit runs one notification through dedupe, dispatch and finalize.
// Once the dispatch starts it is not cancelled by ctx.
func (s *Service) Submit(ctx context.Context, req models.NotificationRequest) (*models.SubmissionRecord, error) {
	ctx, span := s.startSpan(ctx, "relay.Submit", req.SourceID)
	defer span.End()

	a := attempt{sid: req.SourceID}
	rec, err := s.submit(ctx, req, &a)
	a.err = err
	metrics.SubmissionsTotal.WithLabelValues(a.outcome).Inc()
	span.SetAttributes(attribute.String("taskrelay.outcome", a.outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, a.outcome)
	}
	s.logOutcome("submission", a)
	return rec, err
}

func (s *Service) logOutcome(msg string, a attempt, extra ...zap.Field) {
	fields := append([]zap.Field{
		zap.String("sid", a.sid),
		zap.String("outcome", a.outcome),
		zap.Int("status", a.status),
	}, extra...)
	if a.pushed {
		fields = append(fields,
			zap.String("host", webhook.Host(s.Options.WebhookURL)),
			zap.Bool("signed", s.Options.Secret != ""),
			zap.Int64("latency_ms", a.latency.Milliseconds()),
		)
	}
	if a.readErr != nil {
		fields = append(fields, zap.NamedError("response_error", a.readErr))
	}
	if a.err != nil {
		fields = append(fields, zap.Error(a.err))
	}
	switch a.outcome {
	case "store_error":
		s.Logger.Error(msg, fields...)
	case "dispatch_failed":
		s.Logger.Warn(msg, fields...)
	default:
		s.Logger.Info(msg, fields...)
	}
}

func (s *Service) submit(ctx context.Context, req models.NotificationRequest, a *attempt) (*models.SubmissionRecord, error) {
	if err := validate(req); err != nil {
		a.outcome = "invalid"
		return nil, err
	}
	sid := req.SourceID

	existing, ok, err := s.Tracker.Lookup(ctx, sid)
	if err != nil {
		a.outcome = "store_error"
		return nil, &StoreError{Op: "lookup", Err: err}
	}
	if ok {
		a.outcome = "duplicate"
		return nil, &ConflictError{SourceID: sid, Existing: existing}
	}

	if s.Options.WebhookURL == "" {
		return s.finalizeWithoutDispatch(ctx, req, a)
	}

	claim, err := s.Tracker.Claim(ctx, sid)
	if err != nil {
		a.outcome = claimOutcome(err)
		return nil, claimError(sid, err)
	}

	// The dispatch and the write that follows it run to completion even if
	// the caller goes away.
	dctx := context.WithoutCancel(ctx)
	msg := BuildMessage(s.Options.Title, req, s.now())
	start := time.Now()
	out, err := s.Dispatcher.Dispatch(dctx, s.Options.WebhookURL, s.Options.Secret, msg)
	a.pushed = true
	a.latency = time.Since(start)
	a.status = out.StatusCode
	metrics.DispatchLatencyMS.Observe(float64(a.latency.Milliseconds()))

	// A 2xx status means the notification went out, whatever happened to
	// the response body afterwards.
	if !out.Succeeded {
		metrics.DispatchTotal.WithLabelValues("failed").Inc()
		if rerr := s.Tracker.Release(dctx, claim); rerr != nil {
			s.Logger.Warn("release claim failed", zap.String("sid", sid), zap.Error(rerr))
		}
		a.outcome = "dispatch_failed"
		return nil, &UpstreamDeliveryError{StatusCode: out.StatusCode, Body: out.ResponseBody, Err: err}
	}
	a.readErr = err
	metrics.DispatchTotal.WithLabelValues("ok").Inc()

	record := models.NewSubmissionRecord(req, s.now())
	if err := s.Tracker.Finalize(dctx, claim, record); err != nil {
		var dup *idempotency.DuplicateError
		if errors.As(err, &dup) {
			a.outcome = "duplicate"
			return nil, &ConflictError{SourceID: sid, Existing: &dup.Existing}
		}
		a.outcome = "store_error"
		return nil, &StoreError{Op: "finalize", Err: err}
	}
	a.outcome = "finalized"
	return &record, nil
}

// finalizeWithoutDispatch records the sid with a single conditional write
// when no webhook is configured.
func (s *Service) finalizeWithoutDispatch(ctx context.Context, req models.NotificationRequest, a *attempt) (*models.SubmissionRecord, error) {
	record := models.NewSubmissionRecord(req, s.now())
	created, existing, err := s.Tracker.ClaimAndFinalize(ctx, record)
	if err != nil {
		a.outcome = claimOutcome(err)
		return nil, claimError(req.SourceID, err)
	}
	if !created {
		a.outcome = "duplicate"
		return nil, &ConflictError{SourceID: req.SourceID, Existing: existing}
	}
	a.outcome = "finalized"
	return &record, nil
}

func claimOutcome(err error) string {
	var dup *idempotency.DuplicateError
	switch {
	case errors.As(err, &dup):
		return "duplicate"
	case errors.Is(err, idempotency.ErrClaimInFlight):
		return "in_flight"
	default:
		return "store_error"
	}
}

func claimError(sid string, err error) error {
	var dup *idempotency.DuplicateError
	switch {
	case errors.As(err, &dup):
		return &ConflictError{SourceID: sid, Existing: &dup.Existing}
	case errors.Is(err, idempotency.ErrClaimInFlight):
		return &ConflictError{SourceID: sid, InFlight: true}
	default:
		return &StoreError{Op: "claim", Err: err}
	}
}
