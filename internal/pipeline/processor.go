package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatflow-platform/internal/billing"
	"chatflow-platform/internal/delivery"
	"chatflow-platform/internal/flow"
	"chatflow-platform/internal/gateway"
	"chatflow-platform/internal/ingest"
	"chatflow-platform/internal/messages"
	"chatflow-platform/internal/pricing"
	"chatflow-platform/internal/sessions"
	"chatflow-platform/pkg/logger"
)

// Biller is the billing capability the pipeline needs.
type Biller interface {
	Debit(ctx context.Context, orgID, messageID string, tokens int) (billing.DebitResult, error)
	Blocked(ctx context.Context, orgID string) (bool, error)
}

// Alerter receives flow configuration alerts and action records.
type Alerter interface {
	AlertFlowConfig(ctx context.Context, orgID, flowID, sessionID, messageID, reason string) error
	RecordFlowAction(ctx context.Context, orgID, flowID, sessionID, messageID, action string, params map[string]string) error
}

type Deps struct {
	Ingest   *ingest.Service
	Messages messages.Repository
	Sessions *sessions.Store
	Catalog  *flow.Catalog
	Engine   *flow.Engine
	Delivery *delivery.Reporter
	Billing  Biller
	Alerts   Alerter
}

// Processor runs the inbound pipeline for one webhook event:
//
//  1. ingest (dedup on instance id + gateway message id)
//  2. under the conversation lock: load or create the session, run the flow
//     engine, send replies, save the session together with the message id and
//     its tokens, then record tokens on the message
//  3. debit the message (exactly once, keyed by message id)
//
// Duplicates re-enter at step 2 and stop there when the message was already
// processed, so a retry after a 5xx finishes the work without repeating it.
// When only the session save landed, the retry takes the tokens from the
// session instead of running the flow again.
type Processor struct {
	ingest   *ingest.Service
	messages messages.Repository
	sessions *sessions.Store
	catalog  *flow.Catalog
	engine   *flow.Engine
	delivery *delivery.Reporter
	billing  Biller
	alerts   Alerter
	clock    func() time.Time
}

func New(d Deps) *Processor {
	return &Processor{
		ingest:   d.Ingest,
		messages: d.Messages,
		sessions: d.Sessions,
		catalog:  d.Catalog,
		engine:   d.Engine,
		delivery: d.Delivery,
		billing:  d.Billing,
		alerts:   d.Alerts,
		clock:    time.Now,
	}
}

// HandleEvent implements gateway.EventProcessor.
func (p *Processor) HandleEvent(ctx context.Context, ev gateway.Event) (gateway.Ack, error) {
	switch ev.Kind {
	case gateway.EventKindMessage:
		if ev.Message == nil {
			return gateway.Ack{}, fmt.Errorf("%w: message event without message", gateway.ErrMalformedPayload)
		}
		ack, err := p.handleMessage(ctx, *ev.Message)
		if err != nil || len(ev.Batch) == 0 {
			return ack, err
		}
		// A failure fails the whole batch; the retry finds the earlier records
		// as duplicates.
		items := []gateway.Ack{ack}
		for _, in := range ev.Batch {
			a, err := p.handleMessage(ctx, in)
			if err != nil {
				return gateway.Ack{}, err
			}
			items = append(items, a)
		}
		return gateway.Ack{Status: gateway.AckAccepted, Items: items}, nil

	case gateway.EventKindConnection:
		if ev.Connection == nil {
			return gateway.Ack{}, fmt.Errorf("%w: connection event without state", gateway.ErrMalformedPayload)
		}
		ok, err := p.ingest.ApplyConnection(ctx, *ev.Connection)
		if err != nil {
			return gateway.Ack{}, err
		}
		if !ok {
			return gateway.Ack{Status: gateway.AckIgnored, Reason: ingest.ReasonUnknownInstance}, nil
		}
		return gateway.Ack{Status: gateway.AckAccepted}, nil

	case gateway.EventKindStatus:
		if ev.Status == nil {
			return gateway.Ack{}, fmt.Errorf("%w: status event without status", gateway.ErrMalformedPayload)
		}
		ok, err := p.delivery.Reconcile(ctx, *ev.Status)
		if err != nil {
			return gateway.Ack{}, err
		}
		if !ok {
			return gateway.Ack{Status: gateway.AckIgnored, Reason: "stale_or_unknown_status"}, nil
		}
		return gateway.Ack{Status: gateway.AckAccepted}, nil

	default:
		reason := ev.IgnoredReason
		if reason == "" {
			reason = "not_a_message"
		}
		return gateway.Ack{Status: gateway.AckIgnored, Reason: reason}, nil
	}
}

func (p *Processor) handleMessage(ctx context.Context, in gateway.InboundEvent) (gateway.Ack, error) {
	res, err := p.ingest.Ingest(ctx, in)
	if err != nil {
		if errors.Is(err, ingest.ErrInvalidEvent) {
			return gateway.Ack{}, fmt.Errorf("%w: %v", gateway.ErrMalformedPayload, err)
		}
		return gateway.Ack{}, err
	}
	if res.Status == ingest.StatusRejected {
		return gateway.Ack{Status: gateway.AckRejected, Reason: res.Reason}, nil
	}

	msg := res.Message
	ctx = logger.WithAttrs(ctx, "org_id", msg.OrgID, "message_id", msg.ID, "phone", msg.Phone)

	if err := p.process(ctx, msg, res.Device, in.IsText); err != nil {
		return gateway.Ack{}, err
	}

	status := gateway.AckAccepted
	if res.Status == ingest.StatusDuplicate {
		status = gateway.AckDuplicate
	}
	return gateway.Ack{Status: status, MessageID: msg.ID}, nil
}

func (p *Processor) process(ctx context.Context, msg messages.Message, dev ingest.Device, isText bool) error {
	var current messages.Message
	err := p.sessions.WithConversation(ctx, msg.OrgID, msg.Phone, func(ctx context.Context) error {
		// Sends already dispatched to the gateway must be recorded even if the
		// webhook request is gone.
		ctx = context.WithoutCancel(ctx)

		var err error
		current, err = p.messages.Get(ctx, msg.OrgID, msg.ID)
		if err != nil {
			return err
		}
		if current.ProcessedAt != nil || current.BillingStatus.Final() {
			return nil
		}

		tokens, sessionID, applied, err := p.appliedRun(ctx, current)
		if err != nil {
			return err
		}
		if !applied {
			tokens, sessionID, err = p.runFlow(ctx, current, dev, isText)
			if err != nil {
				return err
			}
		}
		at := p.clock().UTC()
		if err := p.messages.MarkProcessed(ctx, msg.ID, sessionID, tokens, at); err != nil {
			return fmt.Errorf("mark processed: %w", err)
		}
		current.TokensUsed = tokens
		current.SessionID = sessionID
		current.ProcessedAt = &at
		return nil
	})
	if err != nil {
		return err
	}
	if current.BillingStatus.Final() {
		return nil
	}

	// Debit outside the conversation lock; the ledger is atomic on its own.
	if _, err := p.billing.Debit(ctx, msg.OrgID, msg.ID, current.TokensUsed); err != nil {
		return fmt.Errorf("debit: %w", err)
	}
	return nil
}

// appliedRun finds a flow run for msg that was saved on its session before
// MarkProcessed failed. The retry records that run instead of running the
// flow against the already advanced session.
func (p *Processor) appliedRun(ctx context.Context, msg messages.Message) (int, string, bool, error) {
	sess, ok, err := p.sessions.Applied(ctx, msg.OrgID, msg.ID)
	if err != nil || !ok {
		return 0, "", false, err
	}
	logger.From(ctx).Info("flow run already applied; recording it",
		"session_id", sess.ID, "session_status", sess.Status, "tokens", sess.LastTokens)
	return sess.LastTokens, sess.ID, true, nil
}

// runFlow decides and executes the conversation step for msg. It returns the
// tokens to bill and the session the message belongs to (may be empty).
func (p *Processor) runFlow(ctx context.Context, msg messages.Message, dev ingest.Device, isText bool) (int, string, error) {
	log := logger.From(ctx)
	if !isText || msg.Content == "" {
		log.Debug("non-text inbound; flow not run", "message_type", msg.MessageType)
		return 0, "", nil
	}

	blocked, err := p.billing.Blocked(ctx, msg.OrgID)
	if err != nil {
		return 0, "", err
	}
	if blocked {
		log.Warn("org throttled for insufficient credits; flow not run")
		return 0, "", nil
	}

	sess, live, err := p.sessions.Current(ctx, msg.OrgID, msg.Phone)
	if err != nil {
		return 0, "", err
	}

	fx := &effects{p: p, msg: msg, dev: dev}

	if live && sess.ActiveFlowID != "" {
		g, err := p.catalog.Graph(ctx, msg.OrgID, sess.ActiveFlowID)
		switch {
		case errors.Is(err, flow.ErrNotFound):
			log.Warn("session flow no longer exists; expiring session", "session_id", sess.ID, "flow_id", sess.ActiveFlowID)
			if _, err := p.sessions.Advance(ctx, sess, func(s *sessions.Session) error {
				s.Status = sessions.StatusExpired
				return nil
			}); err != nil {
				return 0, "", err
			}
			live = false
		case err != nil:
			return 0, "", err
		default:
			res, err := p.step(ctx, sess, g, fx, func(s *sessions.Session) (flow.Result, error) {
				return p.engine.Resume(ctx, g, s, msg.Content, fx)
			})
			if err != nil {
				return 0, "", err
			}
			return billableTokens(msg.Content, res), sess.ID, nil
		}
	}

	graphs, err := p.catalog.Active(ctx, msg.OrgID)
	if err != nil {
		return 0, "", err
	}
	m, ok := flow.MatchTrigger(graphs, msg.Content)
	if !ok {
		log.Debug("no trigger matched")
		if live {
			return 0, sess.ID, nil
		}
		return 0, "", nil
	}
	if !live {
		sess, err = p.sessions.Start(ctx, msg.OrgID, msg.Phone, dev.ID)
		if err != nil {
			return 0, "", err
		}
	}
	log.Info("flow triggered", "flow_id", m.Graph.ID(), "keyword", m.Keyword, "session_id", sess.ID)

	res, err := p.step(ctx, sess, m.Graph, fx, func(s *sessions.Session) (flow.Result, error) {
		return p.engine.Start(ctx, m.Graph, m.EntryNodeID, s, msg.Content, fx)
	})
	if err != nil {
		return 0, "", err
	}
	return billableTokens(msg.Content, res), sess.ID, nil
}

// step runs the engine on a copy of sess and saves it. Flow configuration
// errors are persisted (the session is expired) and alerted, not returned.
func (p *Processor) step(ctx context.Context, sess sessions.Session, g *flow.Graph, fx *effects, run func(*sessions.Session) (flow.Result, error)) (flow.Result, error) {
	fx.sessionID = sess.ID
	fx.flowID = g.ID()

	var (
		res    flow.Result
		runErr error
	)
	_, err := p.sessions.Advance(ctx, sess, func(s *sessions.Session) error {
		res, runErr = run(s)
		if runErr != nil && !errors.Is(runErr, flow.ErrFlowConfiguration) {
			return runErr
		}
		s.LastMessageID = fx.msg.ID
		s.LastTokens = billableTokens(fx.msg.Content, res)
		return nil
	})
	if err != nil {
		return flow.Result{}, err
	}

	log := logger.From(ctx).With("session_id", sess.ID, "flow_id", g.ID())
	if runErr != nil {
		log.Error("flow configuration error; session expired", "err", runErr, "node_id", res.NodeID)
		if p.alerts != nil {
			if err := p.alerts.AlertFlowConfig(ctx, sess.OrgID, g.ID(), sess.ID, fx.msg.ID, runErr.Error()); err != nil {
				log.Error("flow configuration alert failed", "err", err)
			}
		}
		return res, nil
	}
	log.Info("flow advanced", "node_id", res.NodeID, "status", res.Status, "hops", res.Hops, "sent", len(res.Sent))
	return res, nil
}

// billableTokens is the inbound text plus every reply the engine produced.
func billableTokens(inbound string, res flow.Result) int {
	n := pricing.EstimateTokens(inbound)
	for _, s := range res.Sent {
		n += pricing.EstimateTokens(s)
	}
	return n
}

// effects binds engine side effects to the conversation being processed.
type effects struct {
	p         *Processor
	msg       messages.Message
	dev       ingest.Device
	sessionID string
	flowID    string
}

func (e *effects) Send(ctx context.Context, text string) error {
	_, err := e.p.delivery.Deliver(ctx, delivery.Outbound{
		OrgID:            e.msg.OrgID,
		DeviceID:         e.dev.ID,
		SessionID:        e.sessionID,
		InstanceID:       e.msg.InstanceID,
		Phone:            e.msg.Phone,
		Text:             text,
		InboundMessageID: e.msg.ID,
	})
	return err
}

func (e *effects) Action(ctx context.Context, name string, params map[string]string) error {
	logger.From(ctx).Info("flow action", "action", name, "session_id", e.sessionID)
	if e.p.alerts == nil {
		return nil
	}
	return e.p.alerts.RecordFlowAction(ctx, e.msg.OrgID, e.flowID, e.sessionID, e.msg.ID, name, params)
}
