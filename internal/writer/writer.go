// Package writer implements the single writer (W): the one goroutine
// that owns the durable log's write connection, batches commands into
// group-commit transactions, and notifies the bus once per batch per
// touched topic (spec.md §4.2).
package writer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/sluice/internal/model"
	"github.com/adred-codev/sluice/internal/notify"
	"github.com/adred-codev/sluice/internal/store"
)

// ErrClosed is returned by Submit/AdvanceCursor once the writer's intake
// has shut down (spec.md §4.3: a late write surfaces Unavailable, not a
// panic on a closed channel).
var ErrClosed = errors.New("writer: intake closed")

// PublishRequest is one message awaiting durable assignment.
type PublishRequest struct {
	Topic      string
	Payload    []byte
	Attributes map[string]string
	Now        int64 // unix millis, caller-supplied so tests are deterministic
}

// PublishResult is the durable outcome of a PublishRequest.
type PublishResult struct {
	MessageID string
	TopicID   int64
	Sequence  uint64
}

// CursorAdvance is one ack's durable bookmark update.
type CursorAdvance struct {
	TopicID int64
	Group   string
	Seq     uint64
}

type kind int

const (
	kindPublish kind = iota
	kindCursor
)

type command struct {
	kind    kind
	publish PublishRequest
	cursor  CursorAdvance
	reply   chan reply
}

type reply struct {
	result PublishResult
	err    error
}

// Writer owns the single write-capable SQLite connection. Every mutation
// to the durable log flows through Submit/AdvanceCursor, queued onto one
// channel and applied by one goroutine, never concurrently.
type Writer struct {
	db     *sql.DB
	bus    *notify.Bus
	logger zerolog.Logger

	batchSize  int
	batchDelay time.Duration

	cmds chan command
	wg   sync.WaitGroup

	closeMu sync.RWMutex // guards closed and the close(w.cmds) transition
	closed  bool

	mu          sync.RWMutex
	topicCache  map[string]int64
	maxSeqCache map[int64]uint64
}

// Config controls batching behavior (spec.md §6: batch_size, batch_delay).
type Config struct {
	BatchSize   int
	BatchDelay  time.Duration
	ChannelSize int
}

// New constructs a Writer and starts its run loop. Call Close to drain
// and stop it.
func New(db *sql.DB, bus *notify.Bus, logger zerolog.Logger, cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchDelay <= 0 {
		cfg.BatchDelay = 5 * time.Millisecond
	}
	if cfg.ChannelSize <= 0 {
		cfg.ChannelSize = 1000
	}
	w := &Writer{
		db:          db,
		bus:         bus,
		logger:      logger,
		batchSize:   cfg.BatchSize,
		batchDelay:  cfg.BatchDelay,
		cmds:        make(chan command, cfg.ChannelSize),
		topicCache:  make(map[string]int64),
		maxSeqCache: make(map[int64]uint64),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Submit durably assigns a sequence to req and returns its outcome. It
// blocks until the containing batch commits (or the writer shuts down).
func (w *Writer) Submit(ctx context.Context, req PublishRequest) (PublishResult, error) {
	cmd := command{kind: kindPublish, publish: req, reply: make(chan reply, 1)}
	return w.enqueue(ctx, cmd)
}

// AdvanceCursor durably records group's high-watermark for topicID.
func (w *Writer) AdvanceCursor(ctx context.Context, adv CursorAdvance) error {
	cmd := command{kind: kindCursor, cursor: adv, reply: make(chan reply, 1)}
	_, err := w.enqueue(ctx, cmd)
	return err
}

func (w *Writer) enqueue(ctx context.Context, cmd command) (PublishResult, error) {
	w.closeMu.RLock()
	if w.closed {
		w.closeMu.RUnlock()
		return PublishResult{}, ErrClosed
	}
	select {
	case w.cmds <- cmd:
		w.closeMu.RUnlock()
	case <-ctx.Done():
		w.closeMu.RUnlock()
		return PublishResult{}, ctx.Err()
	}

	select {
	case r := <-cmd.reply:
		return r.result, r.err
	case <-ctx.Done():
		return PublishResult{}, ctx.Err()
	}
}

// QueueDepth reports the writer's current backlog and channel capacity,
// for the admission snapshot (spec.md §6).
func (w *Writer) QueueDepth() (depth, capacity int) {
	return len(w.cmds), cap(w.cmds)
}

// Close stops accepting new commands (any Submit/AdvanceCursor racing
// with or arriving after Close returns ErrClosed rather than panicking
// on a closed channel), waits for the run loop to drain whatever was
// already queued and commit its final batch, then closes the underlying
// database handle. Safe to call more than once.
func (w *Writer) Close() error {
	w.closeMu.Lock()
	alreadyClosed := w.closed
	if !alreadyClosed {
		w.closed = true
		close(w.cmds)
	}
	w.closeMu.Unlock()

	if alreadyClosed {
		return nil
	}
	w.wg.Wait()
	return w.db.Close()
}

func (w *Writer) run() {
	defer w.wg.Done()
	for first, ok := <-w.cmds; ok; first, ok = <-w.cmds {
		batch := []command{first}
		timer := time.NewTimer(w.batchDelay)

	drain:
		for len(batch) < w.batchSize {
			select {
			case c, ok := <-w.cmds:
				if !ok {
					break drain
				}
				batch = append(batch, c)
			case <-timer.C:
				break drain
			}
		}
		timer.Stop()
		w.commitBatch(batch)
	}
}

func (w *Writer) commitBatch(batch []command) {
	ctx := context.Background()
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		w.failAll(batch, fmt.Errorf("writer: begin transaction: %w", err))
		return
	}

	touched := make(map[int64]uint64)
	results := make([]reply, len(batch))

	for i, cmd := range batch {
		switch cmd.kind {
		case kindPublish:
			res, err := w.applyPublish(ctx, tx, cmd.publish)
			if err != nil {
				_ = tx.Rollback()
				w.invalidateCaches()
				w.failAll(batch, err)
				return
			}
			results[i] = reply{result: res}
			touched[res.TopicID] = res.Sequence
		case kindCursor:
			if err := store.AdvanceCursor(ctx, tx, cmd.cursor.TopicID, cmd.cursor.Group, cmd.cursor.Seq); err != nil {
				_ = tx.Rollback()
				w.invalidateCaches()
				w.failAll(batch, err)
				return
			}
			results[i] = reply{}
		}
	}

	if err := tx.Commit(); err != nil {
		w.invalidateCaches()
		w.failAll(batch, fmt.Errorf("writer: commit batch of %d: %w", len(batch), err))
		return
	}

	for i, cmd := range batch {
		cmd.reply <- results[i]
	}
	for topicID, maxSeq := range touched {
		w.bus.Publish(notify.Update{TopicID: topicID, MaxSeq: maxSeq})
	}
}

func (w *Writer) applyPublish(ctx context.Context, tx *sql.Tx, req PublishRequest) (PublishResult, error) {
	topicID, err := w.resolveTopic(ctx, tx, req.Topic, req.Now)
	if err != nil {
		return PublishResult{}, err
	}

	seq, err := w.nextSequence(ctx, tx, topicID)
	if err != nil {
		return PublishResult{}, err
	}

	msg := model.Message{
		TopicID:    topicID,
		Sequence:   seq,
		MessageID:  model.NewMessageID(),
		Payload:    req.Payload,
		Attributes: req.Attributes,
		Timestamp:  req.Now,
	}
	if err := store.InsertMessage(ctx, tx, msg); err != nil {
		return PublishResult{}, err
	}

	w.mu.Lock()
	w.topicCache[req.Topic] = topicID
	w.maxSeqCache[topicID] = seq
	w.mu.Unlock()

	return PublishResult{MessageID: msg.MessageID, TopicID: topicID, Sequence: seq}, nil
}

func (w *Writer) resolveTopic(ctx context.Context, tx *sql.Tx, name string, now int64) (int64, error) {
	w.mu.RLock()
	id, ok := w.topicCache[name]
	w.mu.RUnlock()
	if ok {
		return id, nil
	}
	return store.ResolveOrCreateTopic(ctx, tx, name, now)
}

func (w *Writer) nextSequence(ctx context.Context, tx *sql.Tx, topicID int64) (uint64, error) {
	w.mu.RLock()
	max, ok := w.maxSeqCache[topicID]
	w.mu.RUnlock()
	if !ok {
		var err error
		max, err = store.MaxSequence(ctx, tx, topicID)
		if err != nil {
			return 0, err
		}
	}
	return max + 1, nil
}

func (w *Writer) failAll(batch []command, err error) {
	w.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("batch commit failed")
	for _, cmd := range batch {
		cmd.reply <- reply{err: err}
	}
}

func (w *Writer) invalidateCaches() {
	w.mu.Lock()
	w.topicCache = make(map[string]int64)
	w.maxSeqCache = make(map[int64]uint64)
	w.mu.Unlock()
}
