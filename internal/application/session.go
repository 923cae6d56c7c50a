package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bnema/paychat/internal/domain"
	"github.com/bnema/paychat/internal/ports"
)

const (
	DefaultSettlementGrace = 8 * time.Second
	defaultInboxSize       = 64
	maxNotices             = 20
	maxRecreateAttempts    = 2
)

var ErrSessionClosed = errors.New("session closed")

const reconnectFailedNotice = "We could not reconnect. Please wait a moment and try again."

type SessionConfig struct {
	Wallet          string
	TargetAgent     string
	Resume          *ports.SessionInfo
	Transport       TransportConfig
	SettlementGrace time.Duration
	ScoreDebounce   time.Duration
}

type SessionDeps struct {
	API       ports.ChatAPI
	Dialer    ports.StreamDialer
	Signer    ports.Signer
	Ledger    ports.PaymentLedger
	Scores    ports.ScoreSource
	Publisher ports.EventPublisher
	Clock     ports.Clock
	Logger    *slog.Logger
}

type Notice struct {
	At   time.Time
	Text string
}

// Snapshot is an immutable view of the session published after every event.
type Snapshot struct {
	Info        ports.SessionInfo
	Timeline    []domain.Message
	Waiting     bool
	Transport   TransportStatus
	Payments    []PaymentAttempt
	Score       *int
	ScoreChange *ScoreChange
	Notices     []Notice
}

// Session owns everything about one conversation. All state lives here and is
// touched only by Run; every other goroutine talks to it through the inbox.
type Session struct {
	cfg  SessionConfig
	deps SessionDeps

	inbox   chan event
	done    chan struct{}
	started chan struct{}
	closeMu sync.Once

	ctx          context.Context
	info         ports.SessionInfo
	timeline     []domain.Message
	seen         *IDTracker
	reconciler   *Reconciler
	transport    *TransportManager
	payments     *PaymentOrchestrator
	scores       *ScoreWatcher
	waiting      bool
	placeholders map[domain.PaymentID]domain.MessageID
	graceToken   uint64
	scoreChange  *ScoreChange
	notices      []Notice

	// recreating is set while a replacement session is being created; sends
	// that expire meanwhile wait in pendingResends.
	recreating     bool
	pendingResends []sendRequested

	snapMu   sync.RWMutex
	snapshot Snapshot
	updates  chan Snapshot
}

func NewSession(cfg SessionConfig, deps SessionDeps) (*Session, error) {
	if deps.API == nil {
		return nil, errors.New("chat api is required")
	}
	if deps.Dialer == nil {
		return nil, errors.New("stream dialer is required")
	}
	if deps.Clock == nil {
		deps.Clock = ports.SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Publisher == nil {
		deps.Publisher = ports.NopPublisher{}
	}
	if cfg.SettlementGrace <= 0 {
		cfg.SettlementGrace = DefaultSettlementGrace
	}
	if deps.Signer != nil && cfg.Wallet == "" {
		cfg.Wallet = deps.Signer.Address()
	}

	s := &Session{
		cfg:          cfg,
		deps:         deps,
		inbox:        make(chan event, defaultInboxSize),
		done:         make(chan struct{}),
		started:      make(chan struct{}),
		seen:         NewIDTracker(),
		placeholders: map[domain.PaymentID]domain.MessageID{},
		updates:      make(chan Snapshot, 1),
	}
	logger := deps.Logger.With(slog.String("component", "session"))
	s.reconciler = NewReconciler(s.seen, deps.Clock, logger)
	s.transport = NewTransportManager(cfg.Transport, deps.Dialer, deps.API, s.post, logger)
	s.payments = NewPaymentOrchestrator(deps.Signer, deps.API, deps.Ledger, deps.Publisher, deps.Clock, logger)
	s.scores = NewScoreWatcher(deps.Scores, cfg.Wallet, cfg.ScoreDebounce, s.post, logger)
	if cfg.Resume != nil {
		s.info = *cfg.Resume
	}
	return s, nil
}

// Run drives the session until ctx is cancelled. It creates a server session
// first unless one was supplied to resume.
func (s *Session) Run(ctx context.Context) error {
	s.ctx = ctx
	defer s.shutdown()

	if s.info.ConversationID == "" {
		info, err := s.deps.API.CreateSession(ctx, s.cfg.Wallet)
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		s.info = info
	}
	s.transport.SetConversation(s.info.ConversationID)
	s.publish()
	close(s.started)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.inbox:
			s.dispatch(ev)
			s.publish()
		}
	}
}

// Started is closed once the session has a conversation and accepts sends.
func (s *Session) Started() <-chan struct{} {
	return s.started
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Send queues a user message. It returns once the message is on the local
// timeline; delivery and any payment continue in the background.
func (s *Session) Send(ctx context.Context, body, target string) error {
	req := sendRequested{body: body, target: target, done: make(chan error, 1)}
	return s.request(ctx, req, req.done)
}

// RetryPayment starts a new attempt for an aborted payment.
func (s *Session) RetryPayment(ctx context.Context, id domain.PaymentID) error {
	req := paymentRetryRequested{id: id, done: make(chan error, 1)}
	return s.request(ctx, req, req.done)
}

// Follow starts delivery without sending anything, so a watcher sees the
// conversation history and whatever arrives next.
func (s *Session) Follow(ctx context.Context) error {
	req := followRequested{done: make(chan error, 1)}
	return s.request(ctx, req, req.done)
}

func (s *Session) request(ctx context.Context, ev event, done chan error) error {
	select {
	case s.inbox <- ev:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) Snapshot() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snapshot
}

// Updates delivers the latest snapshot; intermediate ones may be skipped.
func (s *Session) Updates() <-chan Snapshot {
	return s.updates
}

func (s *Session) post(ev event) bool {
	select {
	case s.inbox <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) dispatch(ev event) {
	switch e := ev.(type) {
	case transportEvent:
		delivery := s.transport.Handle(s.ctx, e)
		s.deliver(delivery)
	case sendRequested:
		e.done <- s.handleSend(e.body, e.target, 0)
	case sendFinished:
		s.handleSendFinished(e)
	case paymentProgress:
		s.handlePayment(e)
	case paymentRetryRequested:
		e.done <- s.handleRetry(e.id)
	case followRequested:
		s.transport.Arm(s.ctx)
		e.done <- nil
	case settlementGrace:
		if e.token == s.graceToken {
			if _, pending := s.placeholders[e.id]; pending {
				s.deps.Logger.Info("no reply after settlement, polling once", slog.String("payment_id", string(e.id)))
				s.transport.PollOnce(s.ctx)
			}
		}
	case scoreFetchDue:
		s.scores.Fetch(s.ctx, e)
	case scoreFetched:
		if change, ok := s.scores.Apply(e); ok {
			s.scoreChange = &change
			s.notify(fmt.Sprintf("Score %+d (now %d)", change.Delta, change.Current))
		}
	case sessionRecreated:
		s.handleRecreated(e)
	}
}

func (s *Session) deliver(d Delivery) {
	if d.Err != nil {
		if errors.Is(d.Err, domain.ErrSessionExpired) {
			s.recreate(nil)
			return
		}
		s.deps.Logger.Warn("poll failed", slog.String("op", "application.Session.deliver"), slog.Any("err", d.Err))
		return
	}
	if d.From == "" {
		return
	}
	fresh := s.ingest(d.Messages)
	if d.From == PathPoll {
		s.transport.ObservePoll(fresh)
	}
}

// ingest reconciles a batch and dispatches the fresh messages to payment and
// score handling. It reports whether anything new arrived.
func (s *Session) ingest(batch []ports.WireMessage) bool {
	identity := s.identity()
	msgs := make([]domain.Message, 0, len(batch))
	for _, w := range batch {
		if w.ConversationID != "" && w.ConversationID != s.info.ConversationID {
			continue
		}
		msgs = append(msgs, FromWire(w, identity))
	}

	result := s.reconciler.Reconcile(s.timeline, msgs)
	s.timeline = result.Timeline
	if !result.Changed() {
		return false
	}
	s.transport.ObserveActivity()

	finalReply := false
	for _, in := range result.Fresh {
		if in.Message.AgentOriginated && in.Parsed.Payment != nil {
			s.startPayment(*in.Parsed.Payment, s.originFor(in.Message))
		}
		if change, ok := s.scores.Observe(in); ok {
			s.scoreChange = &change
			s.notify(fmt.Sprintf("Score %+d (now %d): %s", change.Delta, change.Current, change.Reason))
		}
		if in.Message.IsFinalAgentReply() {
			finalReply = true
		}
	}

	if finalReply {
		for id, placeholder := range s.placeholders {
			s.timeline = RemoveMessage(s.timeline, placeholder)
			delete(s.placeholders, id)
		}
		s.transport.ObserveFinalReply()
	}
	if result.ClearWaiting && len(s.placeholders) == 0 {
		s.waiting = false
	}
	return true
}

func (s *Session) handleSend(body, target string, attempt int) error {
	if strings.TrimSpace(body) == "" {
		return errors.New("message body is empty")
	}
	if target == "" {
		target = s.cfg.TargetAgent
	}

	msg := domain.Message{
		ID:             domain.NewOptimisticID(),
		ConversationID: s.info.ConversationID,
		Sender:         s.identity(),
		Mentions:       []string{target},
		Body:           body,
		RawBody:        body,
		CreatedAt:      s.deps.Clock.Now(),
		Class:          domain.ClassUserDirected,
	}
	s.timeline = AddOptimistic(s.timeline, msg)
	s.waiting = true
	s.transport.Arm(s.ctx)

	req := ports.SendRequest{
		SessionID:      s.info.SessionID,
		ConversationID: s.info.ConversationID,
		Body:           body,
		TargetAgent:    target,
		SenderWallet:   s.cfg.Wallet,
	}
	go func() {
		result, err := s.deps.API.Send(s.ctx, req)
		s.post(sendFinished{
			optimisticID: msg.ID,
			body:         body,
			target:       target,
			sessionID:    req.SessionID,
			attempt:      attempt,
			result:       result,
			err:          err,
		})
	}()
	return nil
}

func (s *Session) handleSendFinished(e sendFinished) {
	if e.sessionID != s.info.SessionID {
		return
	}
	if e.err == nil {
		s.ingest([]ports.WireMessage{e.result.Message})
		return
	}

	var required *domain.PaymentRequiredError
	switch {
	case errors.As(e.err, &required):
		s.startPayment(required.Directive, PaymentOrigin{
			SessionID:      s.info.SessionID,
			ConversationID: s.info.ConversationID,
			TargetAgent:    e.target,
			Body:           e.body,
			OptimisticID:   e.optimisticID,
		})
	case errors.Is(e.err, domain.ErrSessionExpired):
		s.timeline = RemoveMessage(s.timeline, e.optimisticID)
		if e.attempt >= maxRecreateAttempts {
			s.waiting = false
			s.deps.Logger.Warn("conversation keeps expiring, giving up",
				slog.String("op", "application.Session.handleSendFinished"),
				slog.Int("attempts", e.attempt))
			s.notify(reconnectFailedNotice)
			return
		}
		s.recreate(&sendRequested{body: e.body, target: e.target, attempt: e.attempt + 1})
	default:
		s.timeline = RemoveMessage(s.timeline, e.optimisticID)
		s.waiting = false
		s.deps.Logger.Warn("send failed", slog.String("op", "application.Session.handleSendFinished"), slog.Any("err", e.err))
		s.notify("Your message could not be sent. Please wait a moment and try again.")
	}
}

func (s *Session) startPayment(d domain.PaymentDirective, origin PaymentOrigin) {
	if s.deps.Signer == nil {
		if origin.OptimisticID != "" {
			s.timeline = RemoveMessage(s.timeline, origin.OptimisticID)
			s.waiting = false
		}
		s.notify(fmt.Sprintf("%s requires a payment of %s %s. Connect a wallet to pay.", origin.TargetAgent, d.Amount, d.Currency))
		return
	}
	if !s.payments.Detect(s.ctx, d, origin, s.timeline) {
		if origin.OptimisticID != "" {
			s.timeline = RemoveMessage(s.timeline, origin.OptimisticID)
			s.waiting = false
		}
		return
	}

	attempt, _ := s.payments.Attempt(d.ID)
	s.notify(fmt.Sprintf("Payment of %s %s required for %s. Approve it in your wallet.", d.Amount, d.Currency, d.ServiceType))
	go s.payments.Execute(s.ctx, attempt, s.post)
}

func (s *Session) handleRetry(id domain.PaymentID) error {
	attempt, err := s.payments.Retry(s.ctx, id)
	if err != nil {
		return err
	}
	s.notify(fmt.Sprintf("Retrying payment %s.", id))
	go s.payments.Execute(s.ctx, attempt, s.post)
	return nil
}

func (s *Session) handlePayment(e paymentProgress) {
	update, ok := s.payments.Advance(s.ctx, e)
	if !ok {
		return
	}
	if update.Notice != "" {
		s.notify(update.Notice)
	}

	attempt := update.Attempt
	switch attempt.State {
	case domain.PaymentSettled:
		placeholder := domain.Message{
			ID:             domain.NewOptimisticID(),
			ConversationID: s.info.ConversationID,
			Sender:         domain.SystemSender,
			Body:           fmt.Sprintf("Payment confirmed. Waiting for %s...", attempt.Origin.TargetAgent),
			CreatedAt:      s.deps.Clock.Now(),
			Class:          domain.ClassSystemPlaceholder,
		}
		s.timeline = append(s.timeline, placeholder)
		s.placeholders[attempt.Directive.ID] = placeholder.ID
		s.waiting = true
		s.transport.Arm(s.ctx)

		s.graceToken++
		token, id := s.graceToken, attempt.Directive.ID
		time.AfterFunc(s.cfg.SettlementGrace, func() {
			s.post(settlementGrace{id: id, token: token})
		})
	case domain.PaymentCompleted:
		if update.Delivered != nil {
			s.ingest([]ports.WireMessage{*update.Delivered})
		}
	case domain.PaymentAborted:
		if attempt.Origin.OptimisticID != "" {
			s.timeline = RemoveMessage(s.timeline, attempt.Origin.OptimisticID)
		}
		if placeholder, ok := s.placeholders[attempt.Directive.ID]; ok {
			s.timeline = RemoveMessage(s.timeline, placeholder)
			delete(s.placeholders, attempt.Directive.ID)
		}
		if len(s.placeholders) == 0 {
			s.waiting = false
		}
	}
}

// recreate handles an expired conversation: full local reset, then a new
// server session, then a resend of any message that hit the 410. Only one
// re-create runs at a time; later expiries join it.
func (s *Session) recreate(resend *sendRequested) {
	if resend != nil {
		s.pendingResends = append(s.pendingResends, *resend)
	}
	if s.recreating {
		return
	}
	s.recreating = true
	s.notify("Reconnecting...")
	s.reset()

	go func() {
		info, err := s.deps.API.CreateSession(s.ctx, s.cfg.Wallet)
		s.post(sessionRecreated{info: info, err: err})
	}()
}

func (s *Session) handleRecreated(e sessionRecreated) {
	if !s.recreating {
		return
	}
	s.recreating = false
	resends := s.pendingResends
	s.pendingResends = nil

	if e.err != nil {
		s.deps.Logger.Error("session re-create failed", slog.String("op", "application.Session.handleRecreated"), slog.Any("err", e.err))
		if errors.Is(e.err, domain.ErrPoolsNotReady) {
			s.notify("The agents are still starting up. Please wait a minute and try again.")
			return
		}
		s.notify(reconnectFailedNotice)
		return
	}

	s.info = e.info
	s.transport.SetConversation(e.info.ConversationID)
	for _, r := range resends {
		if err := s.handleSend(r.body, r.target, r.attempt); err != nil {
			s.notify(err.Error())
		}
	}
}

func (s *Session) reset() {
	s.transport.Disarm()
	s.timeline = nil
	s.seen.Reset()
	s.scores.Reset()
	s.placeholders = map[domain.PaymentID]domain.MessageID{}
	s.waiting = false
	s.graceToken++
}

// originFor finds the user message an agent's payment directive answers.
func (s *Session) originFor(reply domain.Message) PaymentOrigin {
	origin := PaymentOrigin{
		SessionID:      s.info.SessionID,
		ConversationID: s.info.ConversationID,
		TargetAgent:    reply.Sender,
	}
	identity := s.identity()
	for i := len(s.timeline) - 1; i >= 0; i-- {
		msg := s.timeline[i]
		if msg.AgentOriginated || msg.Sender != identity || msg.CreatedAt.After(reply.CreatedAt) {
			continue
		}
		origin.Body = msg.Body
		break
	}
	if origin.Body == "" {
		origin.Body = fmt.Sprintf("@%s payment for premium service", reply.Sender)
	}
	return origin
}

func (s *Session) identity() string {
	if s.cfg.Wallet != "" {
		return s.cfg.Wallet
	}
	return ports.AnonymousSender
}

func (s *Session) notify(text string) {
	s.notices = append(s.notices, Notice{At: s.deps.Clock.Now(), Text: text})
	if len(s.notices) > maxNotices {
		s.notices = s.notices[len(s.notices)-maxNotices:]
	}
}

func (s *Session) publish() {
	snap := Snapshot{
		Info:        s.info,
		Timeline:    append([]domain.Message(nil), s.timeline...),
		Waiting:     s.waiting,
		Transport:   s.transport.Status(),
		Payments:    s.payments.Attempts(),
		ScoreChange: s.scoreChange,
		Notices:     append([]Notice(nil), s.notices...),
	}
	if score, ok := s.scores.Last(); ok {
		snap.Score = &score
	}

	s.snapMu.Lock()
	s.snapshot = snap
	s.snapMu.Unlock()

	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- snap:
	default:
	}
}

func (s *Session) shutdown() {
	s.closeMu.Do(func() {
		s.transport.Disarm()
		s.scores.Reset()
		close(s.done)
	})
}
