// Package publish implements the publish handler (PH): ordered request
// validation followed by a submit to the writer, and the mapping from
// writer/storage errors onto the RPC status contract (spec.md §4.3, §7).
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/adred-codev/sluice/internal/metrics"
	"github.com/adred-codev/sluice/internal/model"
	"github.com/adred-codev/sluice/internal/store"
	"github.com/adred-codev/sluice/internal/writer"
)

// Code is the RPC status family a failure maps onto (spec.md §7).
type Code int

const (
	CodeOK Code = iota
	CodeInvalidArgument
	CodeResourceExhausted
	CodeUnavailable
	CodeInternal
)

// Error wraps a failure with its RPC status code, so transport layers
// can translate it without re-deriving the classification.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string { return e.Message }
func (e *Error) Unwrap() error { return e.cause }

func invalidArgument(format string, args ...any) error {
	return &Error{Code: CodeInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

func resourceExhausted(format string, args ...any) error {
	return &Error{Code: CodeResourceExhausted, Message: fmt.Sprintf(format, args...)}
}

// Request is a publish call's inbound parameters, prior to validation.
type Request struct {
	Topic      string
	Payload    []byte
	Attributes map[string]string
	Now        int64
}

// Result is the durable outcome of a successful publish.
type Result struct {
	MessageID string
	TopicID   int64
	Sequence  uint64
}

// NowFunc supplies the publish timestamp; tests inject a fixed clock.
type NowFunc func() int64

// Handler validates and submits publish requests to the writer.
type Handler struct {
	w       *writer.Writer
	now     NowFunc
	metrics *metrics.Registry
}

// New constructs a Handler backed by w. now defaults to nil, meaning
// callers must always supply Request.Now themselves if they construct
// requests directly; Handle uses now only when set, so tests can fix time.
// met may be nil, in which case publish outcomes are not recorded.
func New(w *writer.Writer, now NowFunc, met *metrics.Registry) *Handler {
	return &Handler{w: w, now: now, metrics: met}
}

// Handle runs the ordered validation checklist from spec.md §4.3, then
// submits to the writer and waits for the durable assignment.
func (h *Handler) Handle(ctx context.Context, req Request) (Result, error) {
	start := time.Now()

	if err := model.ValidateTopicName(req.Topic); err != nil {
		return Result{}, h.observe(req.Topic, "invalid_argument", start, invalidArgument("invalid topic: %v", err))
	}
	if err := model.ValidatePayloadSize(req.Payload); err != nil {
		return Result{}, h.observe(req.Topic, "resource_exhausted", start, resourceExhausted("payload too large: %v", err))
	}
	if req.Attributes != nil {
		if _, err := json.Marshal(req.Attributes); err != nil {
			return Result{}, h.observe(req.Topic, "invalid_argument", start, invalidArgument("attributes not JSON-serializable: %v", err))
		}
	}

	now := req.Now
	if h.now != nil {
		now = h.now()
	}

	res, err := h.w.Submit(ctx, writer.PublishRequest{
		Topic:      req.Topic,
		Payload:    req.Payload,
		Attributes: req.Attributes,
		Now:        now,
	})
	if err != nil {
		classified := classifyWriterError(err)
		return Result{}, h.observe(req.Topic, outcomeFor(classified), start, classified)
	}

	h.observe(req.Topic, "ok", start, nil)
	return Result{MessageID: res.MessageID, TopicID: res.TopicID, Sequence: res.Sequence}, nil
}

// observe records the publish outcome and latency, if a metrics registry
// was configured, and returns err unchanged so callers can return its
// result directly from Handle.
func (h *Handler) observe(topic, outcome string, start time.Time, err error) error {
	if h.metrics != nil {
		h.metrics.ObservePublish(topic, outcome, time.Since(start).Seconds())
	}
	return err
}

// outcomeFor maps a classified *Error onto the outcome label ObservePublish
// expects (spec.md §6).
func outcomeFor(err error) string {
	var e *Error
	if errors.As(err, &e) {
		switch e.Code {
		case CodeInvalidArgument:
			return "invalid_argument"
		case CodeResourceExhausted:
			return "resource_exhausted"
		case CodeUnavailable:
			return "unavailable"
		default:
			return "internal"
		}
	}
	return "internal"
}

// classifyWriterError maps a writer-side failure onto an RPC code.
// Transient storage errors (lock contention, disk pressure) surface as
// Unavailable so a client can retry; everything else is Internal.
func classifyWriterError(err error) error {
	if errors.Is(err, writer.ErrClosed) {
		return &Error{Code: CodeUnavailable, Message: "shutting down", cause: err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeUnavailable, Message: "writer did not respond in time", cause: err}
	}
	if store.IsTransient(err) {
		return &Error{Code: CodeUnavailable, Message: "durable log is temporarily unavailable", cause: err}
	}
	return &Error{Code: CodeInternal, Message: "durable log write failed", cause: err}
}
