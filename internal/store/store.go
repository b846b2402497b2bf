// Package store is the conversation cache in front of the durable store.
// Reads are served from memory; writes land in memory synchronously and
// reach the durable store asynchronously through a bounded worker pool.
// Within one process the cache is authoritative for a conversation's
// history and handoff state; the durable store is the cross-replica
// source of truth that new processes hydrate from.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/vtorres/leadline/internal/audit"
	"github.com/vtorres/leadline/internal/console"
	"github.com/vtorres/leadline/internal/handoff"
	"github.com/vtorres/leadline/internal/models"
	"github.com/vtorres/leadline/internal/pending"
	"github.com/vtorres/leadline/internal/retry"
)

// entry is the cached state for one conversation. Its mutex linearizes all
// operations for the phone; the store-level mutex only guards the map.
type entry struct {
	mu             sync.Mutex
	hydrated       bool
	messages       []models.Message
	attributes     map[string]string
	handoffState   string
	pausedAt       *time.Time
	questionStreak int
	nextSeq        int
}

// Store is the in-memory conversation store.
type Store struct {
	durable      Durable
	queue        *pending.Queue
	exec         *retry.Executor
	trail        *audit.Trail
	mirror       console.Mirror
	historyLimit int
	pool         *taskPool

	mu      sync.Mutex
	entries map[string]*entry
}

// Opts holds parameters for creating a Store.
type Opts struct {
	Durable      Durable
	Queue        *pending.Queue
	Executor     *retry.Executor
	Trail        *audit.Trail   // optional
	Mirror       console.Mirror // optional, defaults to console.Nop
	HistoryLimit int            // messages kept in memory per phone, defaults to 50
	Workers      int            // defaults to 4
	QueueSize    int            // task backlog, defaults to 256
}

// New creates a Store.
func New(opts Opts) (*Store, error) {
	if opts.Durable == nil {
		return nil, fmt.Errorf("store: durable is required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("store: pending queue is required")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("store: retry executor is required")
	}
	if opts.Mirror == nil {
		opts.Mirror = console.Nop{}
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	return &Store{
		durable:      opts.Durable,
		queue:        opts.Queue,
		exec:         opts.Executor,
		trail:        opts.Trail,
		mirror:       opts.Mirror,
		historyLimit: opts.HistoryLimit,
		pool:         newTaskPool(opts.Workers, opts.QueueSize),
		entries:      make(map[string]*entry),
	}, nil
}

// Close drains the async task backlog. Call after all producers stopped.
func (s *Store) Close() {
	s.pool.close()
}

// NormalizePhone reduces a raw phone number to its digits. All store
// operations key on the normalized form.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (s *Store) entryFor(phone string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[phone]
	if !ok {
		e = &entry{attributes: make(map[string]string), handoffState: models.HandoffActive, nextSeq: 1}
		s.entries[phone] = e
	}
	return e
}

// hydrate loads the entry from the durable store on first touch. Runs
// synchronously so the first operation on a phone after restart sees the
// durable history. Caller holds e.mu.
func (s *Store) hydrate(ctx context.Context, e *entry, phone string) error {
	if e.hydrated {
		return nil
	}
	conv, err := s.durable.LoadConversation(ctx, phone)
	if err != nil {
		return fmt.Errorf("store: hydrate %s: %w", phone, err)
	}
	if conv != nil {
		e.handoffState = conv.HandoffState
		e.pausedAt = conv.PausedAt
		e.questionStreak = conv.QuestionStreak
	}
	msgs, err := s.durable.LoadMessages(ctx, phone, s.historyLimit)
	if err != nil {
		return fmt.Errorf("store: hydrate %s: %w", phone, err)
	}
	e.messages = msgs
	if n := len(msgs); n > 0 {
		e.nextSeq = msgs[n-1].Sequence + 1
	}
	attrs, err := s.durable.LoadAttributes(ctx, phone)
	if err != nil {
		return fmt.Errorf("store: hydrate %s: %w", phone, err)
	}
	for k, v := range attrs {
		e.attributes[k] = v
	}
	e.hydrated = true
	return nil
}

// GetHistory returns the most recent limit messages in chronological order.
// limit <= 0 returns the full cached window.
func (s *Store) GetHistory(ctx context.Context, phone string, limit int) ([]models.Message, error) {
	e := s.entryFor(phone)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.hydrate(ctx, e, phone); err != nil {
		return nil, err
	}
	msgs := e.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// AppendMessage assigns the next sequence number, updates the cache, and
// schedules the durable write and console mirror. The returned message is
// visible to subsequent reads immediately.
func (s *Store) AppendMessage(ctx context.Context, phone, role, content string, sentAt time.Time) (models.Message, error) {
	e := s.entryFor(phone)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.hydrate(ctx, e, phone); err != nil {
		return models.Message{}, err
	}

	msg := models.Message{
		PhoneKey: phone,
		Sequence: e.nextSeq,
		Role:     role,
		Content:  content,
		SentAt:   sentAt,
	}
	e.nextSeq++
	e.messages = append(e.messages, msg)
	if len(e.messages) > s.historyLimit {
		e.messages = e.messages[len(e.messages)-s.historyLimit:]
	}

	// A lead reply ends any run of unanswered agent questions.
	if role == models.RoleLead && e.questionStreak != 0 {
		e.questionStreak = 0
		s.schedulePersistConversation(e.snapshot(phone))
	}

	s.pool.submit(func() {
		s.persistMessage(msg)
		if err := s.mirror.MirrorMessage(context.Background(), phone, role, content); err != nil {
			log.Printf("store: mirror %s seq %d: %v", phone, msg.Sequence, err)
		}
	})
	return msg, nil
}

// persistMessage writes one message durably, falling back to the pending
// queue when the retry budget runs out.
func (s *Store) persistMessage(msg models.Message) {
	err := s.exec.Execute(context.Background(), "message_append", func(ctx context.Context) error {
		return s.durable.AppendMessage(ctx, &msg)
	})
	if err == nil {
		return
	}
	log.Printf("store: persist message %s seq %d: %v", msg.PhoneKey, msg.Sequence, err)
	if !retry.IsExhausted(err) {
		return
	}
	if _, qerr := s.queue.Enqueue(models.OpMessageAppend, "message", msg.PhoneKey, msg, 0); qerr != nil {
		log.Printf("store: enqueue message %s seq %d: %v", msg.PhoneKey, msg.Sequence, qerr)
	}
}

// GetAttributes returns a copy of the collected lead attributes.
func (s *Store) GetAttributes(ctx context.Context, phone string) (map[string]string, error) {
	e := s.entryFor(phone)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.hydrate(ctx, e, phone); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(e.attributes))
	for k, v := range e.attributes {
		out[k] = v
	}
	return out, nil
}

// attributeMergePayload is the pending-queue payload for a deferred
// attribute merge.
type attributeMergePayload struct {
	PhoneKey   string            `json:"phone_key"`
	Attributes map[string]string `json:"attributes"`
}

// MergeAttributes merges a partial attribute set into the cache and
// schedules the durable merge. Fields absent from partial are untouched;
// the change is audited with PII fields masked.
func (s *Store) MergeAttributes(ctx context.Context, phone string, partial map[string]string) error {
	if len(partial) == 0 {
		return nil
	}
	e := s.entryFor(phone)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.hydrate(ctx, e, phone); err != nil {
		return err
	}

	before := make(map[string]string, len(partial))
	after := make(map[string]string, len(partial))
	for k, v := range partial {
		if prev, ok := e.attributes[k]; !ok || prev != v {
			before[k] = e.attributes[k]
			after[k] = v
		}
		e.attributes[k] = v
	}
	if len(after) == 0 {
		return nil
	}

	merged := make(map[string]string, len(partial))
	for k, v := range partial {
		merged[k] = v
	}
	s.pool.submit(func() {
		s.persistAttributes(phone, merged)
		if s.trail != nil {
			if err := s.trail.Record(models.AuditUpdate, "lead", phone, "system", before, after, nil); err != nil {
				log.Printf("store: audit attributes %s: %v", phone, err)
			}
		}
	})
	return nil
}

func (s *Store) persistAttributes(phone string, partial map[string]string) {
	err := s.exec.Execute(context.Background(), "attribute_merge", func(ctx context.Context) error {
		return s.durable.MergeAttributes(ctx, phone, partial)
	})
	if err == nil {
		return
	}
	log.Printf("store: persist attributes %s: %v", phone, err)
	if !retry.IsExhausted(err) {
		return
	}
	payload := attributeMergePayload{PhoneKey: phone, Attributes: partial}
	if _, qerr := s.queue.Enqueue(models.OpAttributeMerge, "lead", phone, payload, 0); qerr != nil {
		log.Printf("store: enqueue attributes %s: %v", phone, qerr)
	}
}

// QuestionStreak returns the count of consecutive agent questions sent
// without a lead reply.
func (s *Store) QuestionStreak(ctx context.Context, phone string) (int, error) {
	e := s.entryFor(phone)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.hydrate(ctx, e, phone); err != nil {
		return 0, err
	}
	return e.questionStreak, nil
}

// IncrementQuestionStreak records that the agent just asked a question and
// returns the new streak.
func (s *Store) IncrementQuestionStreak(ctx context.Context, phone string) (int, error) {
	e := s.entryFor(phone)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.hydrate(ctx, e, phone); err != nil {
		return 0, err
	}
	e.questionStreak++
	s.schedulePersistConversation(e.snapshot(phone))
	return e.questionStreak, nil
}

// HandoffState returns the current handoff state.
func (s *Store) HandoffState(ctx context.Context, phone string) (string, error) {
	e := s.entryFor(phone)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.hydrate(ctx, e, phone); err != nil {
		return "", err
	}
	return e.handoffState, nil
}

// EvaluateHandoff runs the handoff machine for one inbound message and
// applies any transition atomically with respect to other operations on
// the phone. The decision reflects the state the message should be handled
// under.
func (s *Store) EvaluateHandoff(ctx context.Context, phone string, m *handoff.Machine, origin, text string, now time.Time) (handoff.Decision, error) {
	e := s.entryFor(phone)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.hydrate(ctx, e, phone); err != nil {
		return handoff.Decision{}, err
	}

	d := m.Decide(e.handoffState, origin, text, now)
	if !d.Changed {
		return d, nil
	}

	e.handoffState = d.To
	if d.To == models.HandoffPaused {
		pausedAt := now
		e.pausedAt = &pausedAt
	} else {
		e.pausedAt = nil
	}
	log.Printf("store: handoff %s %s -> %s (%s)", phone, d.From, d.To, d.Rule)

	snap := e.snapshot(phone)
	s.pool.submit(func() {
		s.persistConversation(snap)
		if s.trail != nil {
			meta := map[string]string{"rule": d.Rule, "origin": d.Origin}
			err := s.trail.Record(models.AuditUpdate, "conversation", phone, d.Origin,
				map[string]string{"handoff_state": d.From},
				map[string]string{"handoff_state": d.To}, meta)
			if err != nil {
				log.Printf("store: audit handoff %s: %v", phone, err)
			}
		}
	})
	return d, nil
}

// snapshot copies the conversation row fields for async persistence.
// Caller holds e.mu.
func (e *entry) snapshot(phone string) models.Conversation {
	return models.Conversation{
		PhoneKey:       phone,
		HandoffState:   e.handoffState,
		PausedAt:       e.pausedAt,
		QuestionStreak: e.questionStreak,
	}
}

func (s *Store) schedulePersistConversation(snap models.Conversation) {
	s.pool.submit(func() { s.persistConversation(snap) })
}

// persistConversation upserts the conversation row. No pending-queue
// fallback: the cache stays authoritative in-process, and the next
// successful upsert carries the full current state.
func (s *Store) persistConversation(snap models.Conversation) {
	err := s.exec.Execute(context.Background(), "conversation_upsert", func(ctx context.Context) error {
		return s.durable.UpsertConversation(ctx, &snap)
	})
	if err != nil {
		log.Printf("store: persist conversation %s: %v", snap.PhoneKey, err)
	}
}

// RegisterReplayHandlers installs the durable-write replay handlers on a
// reconciler. Replays go straight to the durable store; message appends
// are idempotent by (phone, sequence) and attribute merges are
// last-write-wins, so a replay racing a later write is harmless.
func (s *Store) RegisterReplayHandlers(r *pending.Reconciler) {
	r.Register(models.OpMessageAppend, s.replayMessageAppend)
	r.Register(models.OpAttributeMerge, s.replayAttributeMerge)
}

func (s *Store) replayMessageAppend(ctx context.Context, op models.PendingOperation) error {
	var msg models.Message
	if err := json.Unmarshal([]byte(op.Payload), &msg); err != nil {
		return retry.Permanent(fmt.Errorf("store: decode message payload: %w", err))
	}
	return s.durable.AppendMessage(ctx, &msg)
}

func (s *Store) replayAttributeMerge(ctx context.Context, op models.PendingOperation) error {
	var payload attributeMergePayload
	if err := json.Unmarshal([]byte(op.Payload), &payload); err != nil {
		return retry.Permanent(fmt.Errorf("store: decode attribute payload: %w", err))
	}
	return s.durable.MergeAttributes(ctx, payload.PhoneKey, payload.Attributes)
}
