// Package ingest is the single entry point for inbound messages. It runs
// the handoff machine, records the message, and drives the automated
// responder and CRM sync for lead messages handled while active.
package ingest

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/vtorres/leadline/internal/crm"
	"github.com/vtorres/leadline/internal/handoff"
	"github.com/vtorres/leadline/internal/models"
	"github.com/vtorres/leadline/internal/pending"
	"github.com/vtorres/leadline/internal/retry"
	"github.com/vtorres/leadline/internal/store"
)

// Request is what the responder sees for one lead message.
type Request struct {
	Phone      string
	Content    string
	History    []models.Message  // chronological, most recent last, includes Content
	Attributes map[string]string // collected so far
	// AllowQuestion is false once the consecutive-question budget is
	// spent; the responder must then close or summarize instead of
	// asking again.
	AllowQuestion bool
}

// Reply is the responder's output.
type Reply struct {
	Text       string
	Attributes map[string]string // newly extracted fields, merged into the lead
	IsQuestion bool
}

// Responder produces the automated reply for a lead message. An empty
// reply text means the responder chose to stay silent; the inbound message
// is still recorded and its attributes merged.
type Responder interface {
	Respond(ctx context.Context, req Request) (Reply, error)
}

// NopResponder never replies. Used when no agent backend is configured:
// messages are still recorded, mirrored, and synced, just not answered.
type NopResponder struct{}

func (NopResponder) Respond(ctx context.Context, req Request) (Reply, error) {
	return Reply{}, nil
}

// Result reports what Deliver did with a message.
type Result struct {
	Phone    string
	Decision handoff.Decision
	Message  models.Message
	Replied  bool
	Reply    models.Message // zero unless Replied
}

// Service wires the store, handoff machine, responder, and CRM writer.
type Service struct {
	store       *store.Store
	machine     *handoff.Machine
	responder   Responder
	crm         crm.Writer // optional
	queue       *pending.Queue
	exec        *retry.Executor
	streakLimit int
}

// Opts holds parameters for creating a Service.
type Opts struct {
	Store       *store.Store
	Machine     *handoff.Machine
	Responder   Responder
	CRM         crm.Writer     // optional; no CRM sync when nil
	Queue       *pending.Queue // required when CRM is set
	Executor    *retry.Executor
	StreakLimit int // consecutive agent questions allowed, defaults to 2
}

// New creates a Service.
func New(opts Opts) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("ingest: store is required")
	}
	if opts.Machine == nil {
		return nil, fmt.Errorf("ingest: handoff machine is required")
	}
	if opts.Responder == nil {
		return nil, fmt.Errorf("ingest: responder is required")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("ingest: retry executor is required")
	}
	if opts.CRM != nil && opts.Queue == nil {
		return nil, fmt.Errorf("ingest: pending queue is required with a crm writer")
	}
	if opts.StreakLimit <= 0 {
		opts.StreakLimit = 2
	}
	return &Service{
		store:       opts.Store,
		machine:     opts.Machine,
		responder:   opts.Responder,
		crm:         opts.CRM,
		queue:       opts.Queue,
		exec:        opts.Executor,
		streakLimit: opts.StreakLimit,
	}, nil
}

// Deliver processes one inbound message. The handoff decision is applied
// before the message is handled, so a message that flips the state is the
// first one handled under the new state. Operator messages and lead
// messages arriving while paused are recorded but never answered.
func (s *Service) Deliver(ctx context.Context, rawPhone, origin, content string, sentAt time.Time) (Result, error) {
	phone := store.NormalizePhone(rawPhone)
	if phone == "" {
		return Result{}, fmt.Errorf("ingest: phone %q has no digits", rawPhone)
	}
	if origin != handoff.OriginLead && origin != handoff.OriginOperator {
		return Result{}, fmt.Errorf("ingest: unknown origin %q", origin)
	}

	decision, err := s.store.EvaluateHandoff(ctx, phone, s.machine, origin, content, sentAt)
	if err != nil {
		return Result{}, err
	}

	role := models.RoleLead
	if origin == handoff.OriginOperator {
		role = models.RoleOperator
	}
	msg, err := s.store.AppendMessage(ctx, phone, role, content, sentAt)
	if err != nil {
		return Result{}, err
	}

	res := Result{Phone: phone, Decision: decision, Message: msg}
	if origin != handoff.OriginLead || decision.To != models.HandoffActive {
		return res, nil
	}

	reply, err := s.respond(ctx, phone, content)
	if err != nil {
		return res, err
	}
	if reply.Text == "" {
		return res, nil
	}

	replyMsg, err := s.store.AppendMessage(ctx, phone, models.RoleAgent, reply.Text, time.Now())
	if err != nil {
		return res, err
	}
	if reply.IsQuestion {
		if _, err := s.store.IncrementQuestionStreak(ctx, phone); err != nil {
			log.Printf("ingest: question streak %s: %v", phone, err)
		}
	}
	res.Replied = true
	res.Reply = replyMsg
	return res, nil
}

// respond invokes the responder and applies its side effects: attribute
// merge and CRM sync.
func (s *Service) respond(ctx context.Context, phone, content string) (Reply, error) {
	history, err := s.store.GetHistory(ctx, phone, 0)
	if err != nil {
		return Reply{}, err
	}
	attrs, err := s.store.GetAttributes(ctx, phone)
	if err != nil {
		return Reply{}, err
	}
	streak, err := s.store.QuestionStreak(ctx, phone)
	if err != nil {
		return Reply{}, err
	}

	reply, err := s.responder.Respond(ctx, Request{
		Phone:         phone,
		Content:       content,
		History:       history,
		Attributes:    attrs,
		AllowQuestion: streak < s.streakLimit,
	})
	if err != nil {
		return Reply{}, fmt.Errorf("ingest: respond for %s: %w", phone, err)
	}

	if len(reply.Attributes) > 0 {
		if err := s.store.MergeAttributes(ctx, phone, reply.Attributes); err != nil {
			return Reply{}, err
		}
		s.syncCRM(ctx, phone)
	}
	return reply, nil
}

// syncCRM pushes the lead's full attribute set to the CRM, escalating to
// the pending queue when the retry budget runs out. CRM trouble never
// blocks or fails the conversation.
func (s *Service) syncCRM(ctx context.Context, phone string) {
	if s.crm == nil {
		return
	}
	attrs, err := s.store.GetAttributes(ctx, phone)
	if err != nil {
		log.Printf("ingest: crm sync %s: load attributes: %v", phone, err)
		return
	}
	fields := make(map[string]string, len(attrs)+1)
	for k, v := range attrs {
		fields[k] = v
	}
	fields[crm.NaturalKey] = phone

	err = s.exec.Execute(ctx, "crm_upsert", func(ctx context.Context) error {
		_, err := s.crm.CreateOrUpdate(ctx, "lead", fields)
		return err
	})
	if err == nil {
		return
	}
	log.Printf("ingest: crm sync %s: %v", phone, err)
	if !retry.IsExhausted(err) {
		return
	}
	payload := crm.UpsertPayload{EntityType: "lead", Fields: fields}
	if _, qerr := s.queue.Enqueue(models.OpCRMUpsert, "lead", phone, payload, 0); qerr != nil {
		log.Printf("ingest: enqueue crm upsert %s: %v", phone, qerr)
	}
}
