// Package subscribe implements the subscribe handler (SH): the
// per-subscription state machine that goes AwaitingInit -> Serving ->
// Terminated, delivering messages under credit-based flow control and
// refilling on either a notification-bus hint or a poll ticker
// (spec.md §4.4). Run never enters the Draining state: on a client close
// it flushes the ack cursor and returns at once, since every reserved
// credit has already been delivered synchronously.
package subscribe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/sluice/internal/credit"
	"github.com/adred-codev/sluice/internal/metrics"
	"github.com/adred-codev/sluice/internal/model"
	"github.com/adred-codev/sluice/internal/notify"
	"github.com/adred-codev/sluice/internal/readerpool"
	"github.com/adred-codev/sluice/internal/registry"
	"github.com/adred-codev/sluice/internal/store"
	"github.com/adred-codev/sluice/internal/writer"
)

// Sentinel errors a transport layer can match with errors.Is when
// translating a *TerminatedError onto the RPC status table (spec.md §7).
var (
	ErrUnknownTopic   = errors.New("subscribe: topic does not exist")
	ErrCreditOverflow = errors.New("subscribe: credit grant overflowed uint32")
	ErrTakenOver      = errors.New("subscribe: displaced by a newer subscription on the same group")
)

// State is one point in the subscription's lifecycle.
type State int

const (
	AwaitingInit State = iota
	Serving
	Draining
	Terminated
)

func (s State) String() string {
	switch s {
	case AwaitingInit:
		return "AwaitingInit"
	case Serving:
		return "Serving"
	case Draining:
		return "Draining"
	case Terminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// InitFrame opens a subscription on (topic, group). InitialPosition only
// matters the first time a group is created; an existing group's cursor
// is always honored (spec.md §4.4, Open Question decision in DESIGN.md).
type InitFrame struct {
	Topic           string
	Group           string
	InitialPosition model.InitialPosition
}

// CreditFrame grants n additional delivery credits.
type CreditFrame struct{ N uint32 }

// AckFrame acknowledges delivery up to and including MessageID.
type AckFrame struct{ MessageID string }

// CloseFrame requests a clean shutdown of the subscription.
type CloseFrame struct{}

// ClientFrame is the union of frames SH accepts from upstream.
type ClientFrame interface{ isClientFrame() }

func (InitFrame) isClientFrame()   {}
func (CreditFrame) isClientFrame() {}
func (AckFrame) isClientFrame()    {}
func (CloseFrame) isClientFrame()  {}

// InitAckFrame confirms a subscription and reports where delivery
// resumes from.
type InitAckFrame struct {
	TopicID  int64
	StartSeq uint64
}

// MessageFrame delivers one durable message.
type MessageFrame struct {
	model.Message
}

// DrainFrame carries a closing reason. Run never sends one; termination
// is reported through Run's returned error.
type DrainFrame struct{ Reason string }

// ServerFrame is the union of frames SH emits downstream.
type ServerFrame interface{ isServerFrame() }

func (InitAckFrame) isServerFrame() {}
func (MessageFrame) isServerFrame() {}
func (DrainFrame) isServerFrame()   {}

// TerminationReason classifies why Run returned.
type TerminationReason int

const (
	ReasonClientClose TerminationReason = iota
	ReasonTakeover
	ReasonCreditViolation
	ReasonNotFound
	ReasonInvalidArgument
	ReasonInternal
	ReasonContextDone
)

// TerminatedError is returned by Run whenever the subscription ends for
// any reason other than a clean client-initiated close. Cause, when set,
// is one of the package's sentinel errors (or a model validation error)
// and is reachable via errors.Is/errors.As so a transport layer can map
// it onto the RPC status table in spec.md §7 without re-deriving Reason.
type TerminatedError struct {
	Reason TerminationReason
	Detail string
	Cause  error
}

func (e *TerminatedError) Error() string {
	return fmt.Sprintf("subscription terminated: %s", e.Detail)
}

func (e *TerminatedError) Unwrap() error { return e.Cause }

const defaultRefillPoll = 2 * time.Second

// Handler runs one subscription's FSM. A Handler is reused across
// subscriptions; each call to Run is an independent instance of the
// state machine.
type Handler struct {
	pool     *readerpool.Pool
	writer   *writer.Writer
	bus      *notify.Bus
	registry *registry.Registry
	metrics  *metrics.Registry
	logger   zerolog.Logger

	refillPoll time.Duration
	fetchLimit int
}

// New constructs a subscribe Handler. met may be nil, in which case
// per-subscription backpressure/lag gauges are not recorded.
func New(pool *readerpool.Pool, w *writer.Writer, bus *notify.Bus, reg *registry.Registry, met *metrics.Registry, logger zerolog.Logger) *Handler {
	return &Handler{
		pool:       pool,
		writer:     w,
		bus:        bus,
		registry:   reg,
		metrics:    met,
		logger:     logger,
		refillPoll: defaultRefillPoll,
		fetchLimit: 100,
	}
}

// Run drives one subscription from AwaitingInit to Terminated, reading
// ClientFrames from in and writing ServerFrames to out. It returns nil
// only on a clean client-initiated close; every other exit path returns
// a *TerminatedError.
func (h *Handler) Run(ctx context.Context, in <-chan ClientFrame, out chan<- ServerFrame) error {
	state := AwaitingInit

	init, err := h.awaitInit(ctx, in)
	if err != nil {
		return err
	}

	topicID, found, err := h.lookupTopic(ctx, init.Topic)
	if err != nil {
		return &TerminatedError{Reason: ReasonInternal, Detail: err.Error()}
	}
	if !found {
		return &TerminatedError{Reason: ReasonNotFound, Detail: fmt.Sprintf("topic %q does not exist", init.Topic), Cause: ErrUnknownTopic}
	}

	key := registry.Key{TopicID: topicID, Group: init.Group}
	takeover := make(chan string, 1)
	token := h.registry.Register(key, func(reason string) {
		select {
		case takeover <- reason:
		default:
		}
	})
	defer h.registry.Unregister(key, token)

	startSeq, err := h.resolveStart(ctx, topicID, init.Group, init.InitialPosition)
	if err != nil {
		return &TerminatedError{Reason: ReasonInternal, Detail: err.Error()}
	}

	select {
	case out <- InitAckFrame{TopicID: topicID, StartSeq: startSeq}:
	case <-ctx.Done():
		return &TerminatedError{Reason: ReasonContextDone, Detail: ctx.Err().Error()}
	}

	state = Serving
	sess := &session{
		handler:      h,
		topic:        init.Topic,
		topicID:      topicID,
		group:        init.Group,
		deliveryCur:  startSeq,
		ackCursor:    startSeq,
		lastKnownMax: startSeq,
		inFlight:     make(map[string]uint64),
		sub:          h.bus.Subscribe(),
		creditBal:    &credit.Balance{},
	}
	defer sess.sub.Close()
	defer sess.clearMetrics()

	h.logger.Debug().Str("topic", init.Topic).Str("group", init.Group).Uint64("start_seq", startSeq).Msg("subscription serving")

	reason := sess.serve(ctx, in, out, takeover)
	state = Terminated
	h.logger.Debug().Str("topic", init.Topic).Str("group", init.Group).Str("state", state.String()).Msg("subscription terminated")
	return reason
}

func (h *Handler) awaitInit(ctx context.Context, in <-chan ClientFrame) (InitFrame, error) {
	select {
	case frame, ok := <-in:
		if !ok {
			return InitFrame{}, &TerminatedError{Reason: ReasonClientClose, Detail: "client closed before init"}
		}
		init, ok := frame.(InitFrame)
		if !ok {
			return InitFrame{}, &TerminatedError{Reason: ReasonInvalidArgument, Detail: "first frame was not Init"}
		}
		if err := model.ValidateTopicName(init.Topic); err != nil {
			return InitFrame{}, &TerminatedError{Reason: ReasonInvalidArgument, Detail: err.Error(), Cause: err}
		}
		return init, nil
	case <-ctx.Done():
		return InitFrame{}, &TerminatedError{Reason: ReasonContextDone, Detail: ctx.Err().Error()}
	}
}

func (h *Handler) lookupTopic(ctx context.Context, name string) (int64, bool, error) {
	co, err := h.pool.Get(ctx)
	if err != nil {
		return 0, false, err
	}
	defer co.Release()
	return store.LookupTopicID(ctx, co.DB(), name)
}

func (h *Handler) resolveStart(ctx context.Context, topicID int64, group string, pos model.InitialPosition) (uint64, error) {
	co, err := h.pool.Get(ctx)
	if err != nil {
		return 0, err
	}
	defer co.Release()

	if seq, found, err := store.LoadCursor(ctx, co.DB(), topicID, group); err != nil {
		return 0, err
	} else if found {
		return seq, nil
	}

	if pos == model.Earliest {
		return 0, nil
	}
	return store.MaxSequence(ctx, co.DB(), topicID)
}

// session holds per-subscription Serving-state.
type session struct {
	handler      *Handler
	topic        string
	topicID      int64
	group        string
	deliveryCur  uint64
	ackCursor    uint64
	lastKnownMax uint64
	inFlight     map[string]uint64
	sub          *notify.Subscription
	creditBal    *credit.Balance
}

// reportLag records the subscription's committed-but-unacked backlog.
func (s *session) reportLag() {
	if s.handler.metrics == nil {
		return
	}
	lag := float64(0)
	if s.lastKnownMax > s.ackCursor {
		lag = float64(s.lastKnownMax - s.ackCursor)
	}
	s.handler.metrics.SetLag(s.topic, s.group, lag)
}

// clearMetrics zeroes this subscription's gauges on exit so a terminated
// subscription doesn't leave a stale backpressure/lag reading behind.
func (s *session) clearMetrics() {
	if s.handler.metrics == nil {
		return
	}
	s.handler.metrics.SetBackpressure(s.topic, s.group, false)
	s.handler.metrics.SetLag(s.topic, s.group, 0)
}

func (s *session) serve(ctx context.Context, in <-chan ClientFrame, out chan<- ServerFrame, takeover <-chan string) error {
	ticker := time.NewTicker(s.handler.refillPoll)
	defer ticker.Stop()

	for {
		if err := s.refill(ctx, out); err != nil {
			return &TerminatedError{Reason: ReasonInternal, Detail: err.Error()}
		}

		select {
		case frame, ok := <-in:
			if !ok {
				s.flushCursor(ctx)
				return nil
			}
			switch f := frame.(type) {
			case CreditFrame:
				if _, overflowed := s.creditBal.AddClamped(f.N); overflowed {
					s.flushCursor(ctx)
					return &TerminatedError{Reason: ReasonCreditViolation, Detail: "credit grant overflowed uint32", Cause: ErrCreditOverflow}
				}
			case AckFrame:
				s.handleAck(ctx, f.MessageID)
			case CloseFrame:
				s.flushCursor(ctx)
				return nil
			}
		case u := <-s.sub.Updates():
			if u.TopicID == s.topicID && u.MaxSeq > s.lastKnownMax {
				s.lastKnownMax = u.MaxSeq
			}
			// loop iterates and calls refill again
		case <-s.sub.Lagged():
			// loop iterates and calls refill again
		case <-ticker.C:
			// loop iterates and calls refill again
		case reason := <-takeover:
			s.flushCursor(ctx)
			return &TerminatedError{Reason: ReasonTakeover, Detail: reason, Cause: ErrTakenOver}
		case <-ctx.Done():
			s.flushCursor(ctx)
			return &TerminatedError{Reason: ReasonContextDone, Detail: ctx.Err().Error()}
		}
	}
}

func (s *session) handleAck(ctx context.Context, messageID string) {
	seq, ok := s.inFlight[messageID]
	if !ok {
		s.handler.logger.Warn().Str("message_id", messageID).Msg("ack for unknown or already-acked message")
		return
	}
	delete(s.inFlight, messageID)
	if seq > s.ackCursor {
		s.ackCursor = seq
	}
	if err := s.handler.writer.AdvanceCursor(ctx, writer.CursorAdvance{TopicID: s.topicID, Group: s.group, Seq: s.ackCursor}); err != nil {
		s.handler.logger.Warn().Err(err).Msg("cursor advance failed; ack remains best-effort")
	}
	s.reportLag()
}

func (s *session) flushCursor(ctx context.Context) {
	if s.ackCursor == 0 {
		return
	}
	if err := s.handler.writer.AdvanceCursor(ctx, writer.CursorAdvance{TopicID: s.topicID, Group: s.group, Seq: s.ackCursor}); err != nil {
		s.handler.logger.Warn().Err(err).Msg("final cursor flush failed")
	}
}

// refill delivers as many messages as available credit and the durable
// log allow, stopping when credit is exhausted or no newer rows exist.
func (s *session) refill(ctx context.Context, out chan<- ServerFrame) error {
	for {
		if s.creditBal.Available() == 0 {
			if s.handler.metrics != nil {
				s.handler.metrics.SetBackpressure(s.topic, s.group, true)
			}
			return nil
		}
		if s.handler.metrics != nil {
			s.handler.metrics.SetBackpressure(s.topic, s.group, false)
		}

		n := s.creditBal.Available()
		if n > uint32(s.handler.fetchLimit) {
			n = uint32(s.handler.fetchLimit)
		}

		msgs, err := s.fetch(ctx, n)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}

		for _, m := range msgs {
			if s.creditBal.TryConsumeMany(1) == 0 {
				return nil
			}
			select {
			case out <- MessageFrame{Message: m}:
			case <-ctx.Done():
				return ctx.Err()
			}
			s.inFlight[m.MessageID] = m.Sequence
			s.deliveryCur = m.Sequence
			if m.Sequence > s.lastKnownMax {
				s.lastKnownMax = m.Sequence
			}
		}
		s.reportLag()
	}
}

func (s *session) fetch(ctx context.Context, limit uint32) ([]model.Message, error) {
	co, err := s.handler.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer co.Release()
	return fetchRange(ctx, co.DB(), s.topicID, s.deliveryCur, int(limit))
}

func fetchRange(ctx context.Context, db *sql.DB, topicID int64, after uint64, limit int) ([]model.Message, error) {
	msgs, err := store.FetchRange(ctx, db, topicID, after, limit)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return msgs, nil
}
