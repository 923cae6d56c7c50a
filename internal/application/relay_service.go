package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/bnema/paychat/internal/domain"
	"github.com/bnema/paychat/internal/ports"
	"github.com/google/uuid"
)

const (
	DefaultSessionTTL   = 24 * time.Hour
	DefaultHistoryLimit = 500

	minEvaluationScore = -3.0
	maxEvaluationScore = 3.0
	minScore           = 0
	maxScore           = 100
	subscriberBuffer   = 16
)

type RelayConfig struct {
	SessionTTL   time.Duration
	HistoryLimit int
}

// ScoreUpdate is one evaluation submitted by an agent for a user.
type ScoreUpdate struct {
	Wallet          string
	EvaluationScore float64
	Reason          string
	Category        string
	Subcategory     string
	AgentID         string
	MessageID       string
	PremiumPayment  float64
}

type ScoreResult struct {
	Previous int
	Current  int
	Delta    int
	Feedback string
}

type subscriber struct {
	conversationID string
	ch             chan []ports.WireMessage
}

// RelayService is the server half: it owns sessions, gates paid agents behind
// payment directives and fans stored messages out to stream subscribers.
type RelayService struct {
	store     ports.RelayStore
	assigner  *PoolAssigner
	registry  *AgentRegistry
	catalog   *Catalog
	verifier  ports.TransferVerifier
	settler   ports.Settler
	publisher ports.EventPublisher
	clock     ports.Clock
	logger    *slog.Logger
	cfg       RelayConfig

	mu      sync.Mutex
	nextSub uint64
	subs    map[uint64]subscriber
}

type RelayDeps struct {
	Store     ports.RelayStore
	Assigner  *PoolAssigner
	Registry  *AgentRegistry
	Catalog   *Catalog
	Verifier  ports.TransferVerifier
	Settler   ports.Settler
	Publisher ports.EventPublisher
	Clock     ports.Clock
	Logger    *slog.Logger
}

func NewRelayService(cfg RelayConfig, deps RelayDeps) *RelayService {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if deps.Clock == nil {
		deps.Clock = ports.SystemClock{}
	}
	if deps.Publisher == nil {
		deps.Publisher = ports.NopPublisher{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Registry == nil {
		deps.Registry = NewAgentRegistry(DefaultHeartbeatTTL, deps.Clock)
	}

	return &RelayService{
		store:     deps.Store,
		assigner:  deps.Assigner,
		registry:  deps.Registry,
		catalog:   deps.Catalog,
		verifier:  deps.Verifier,
		settler:   deps.Settler,
		publisher: deps.Publisher,
		clock:     deps.Clock,
		logger:    deps.Logger,
		cfg:       cfg,
		subs:      map[uint64]subscriber{},
	}
}

func (s *RelayService) CreateSession(ctx context.Context, wallet string) (ports.SessionInfo, error) {
	const op = "application.RelayService.CreateSession"

	assignment, err := s.assigner.Assign(ctx, wallet)
	if err != nil {
		s.logger.Warn("pool assignment failed", slog.String("op", op), slog.Any("err", err))
		return ports.SessionInfo{}, err
	}

	session := ports.StoredSession{
		ID:             uuid.NewString(),
		ConversationID: uuid.NewString(),
		PoolID:         assignment.PoolID,
		Wallet:         strings.TrimSpace(wallet),
		CreatedAt:      s.clock.Now(),
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return ports.SessionInfo{}, fmt.Errorf("store session: %w", err)
	}

	s.logger.Info("session created",
		slog.String("session_id", session.ID),
		slog.String("pool_id", string(session.PoolID)),
		slog.Bool("routing", assignment.Routing))

	return ports.SessionInfo{
		SessionID:      session.ID,
		ConversationID: session.ConversationID,
		PoolID:         session.PoolID,
		Routing:        assignment.Routing,
	}, nil
}

// PostUserMessage stores a user message. Messages to a priced agent need a
// signed transfer; without one the caller gets a *PaymentRequiredError.
func (s *RelayService) PostUserMessage(ctx context.Context, req ports.SendRequest) (ports.SendResult, error) {
	session, err := s.store.SessionByConversation(ctx, req.ConversationID)
	if err != nil {
		return ports.SendResult{}, err
	}
	if req.SessionID != "" && req.SessionID != session.ID {
		return ports.SendResult{}, domain.ErrSessionExpired
	}
	body := strings.TrimSpace(req.Body)
	if body == "" {
		return ports.SendResult{}, fmt.Errorf("%w: body is required", domain.ErrInvalidRequest)
	}

	now := s.clock.Now()
	svc, priced := s.catalog.Lookup(req.TargetAgent)

	var receipt *domain.SettlementReceipt
	var completion *domain.PaymentCompletion
	switch {
	case req.Payment != nil:
		settled, serviceType, err := s.settle(ctx, session, req)
		if err != nil {
			return ports.SendResult{}, err
		}
		receipt = &settled
		completion = &domain.PaymentCompletion{PaymentID: settled.PaymentID, Signature: settled.Signature}
		body = body + "\n\n" + domain.FormatCompletionMarker(settled, serviceType)
	case priced:
		directive := s.catalog.Directive(svc, req.TargetAgent, now)
		if err := s.store.SavePendingPayment(ctx, ports.PendingPayment{
			Directive:      directive,
			ConversationID: session.ConversationID,
			TargetAgent:    req.TargetAgent,
		}); err != nil {
			return ports.SendResult{}, fmt.Errorf("store pending payment: %w", err)
		}
		s.logger.Info("payment required",
			slog.String("payment_id", string(directive.ID)),
			slog.String("agent", req.TargetAgent),
			slog.String("amount", directive.Amount.String()))
		return ports.SendResult{}, &domain.PaymentRequiredError{Directive: directive}
	}

	msg := ports.WireMessage{
		ID:             uuid.NewString(),
		ConversationID: session.ConversationID,
		Sender:         senderFor(session, req.SenderWallet),
		SenderKind:     ports.SenderKindUser,
		Body:           body,
		CreatedAt:      now.UnixMilli(),
		Completion:     completion,
	}
	if req.TargetAgent != "" {
		msg.Mentions = []string{req.TargetAgent}
	}
	if err := s.append(ctx, msg); err != nil {
		return ports.SendResult{}, err
	}

	return ports.SendResult{Message: msg, Settlement: receipt}, nil
}

func (s *RelayService) settle(ctx context.Context, session ports.StoredSession, req ports.SendRequest) (domain.SettlementReceipt, string, error) {
	const op = "application.RelayService.settle"
	transfer := req.Payment.Transfer
	id := transfer.PaymentID

	if s.verifier == nil || s.settler == nil {
		return domain.SettlementReceipt{}, "", &domain.SettlementError{Retryable: true, Err: errors.New("settlement is not configured")}
	}
	if err := s.verifier.Verify(*req.Payment); err != nil {
		return domain.SettlementReceipt{}, "", fmt.Errorf("%w: %v", domain.ErrPaymentRejected, err)
	}
	if _, err := s.store.Settlement(ctx, id); err == nil {
		return domain.SettlementReceipt{}, "", domain.ErrAlreadySettled
	} else if !errors.Is(err, domain.ErrPaymentNotFound) {
		return domain.SettlementReceipt{}, "", fmt.Errorf("load settlement: %w", err)
	}

	expected, err := s.expectedPayment(ctx, session, req)
	if err != nil {
		return domain.SettlementReceipt{}, "", err
	}
	if expected.Expired(s.clock.Now()) {
		return domain.SettlementReceipt{}, "", fmt.Errorf("%w: directive %s expired", domain.ErrPaymentRejected, id)
	}
	if transfer.To != expected.Recipient {
		return domain.SettlementReceipt{}, "", fmt.Errorf("%w: recipient mismatch", domain.ErrPaymentRejected)
	}
	if transfer.Amount < expected.Amount {
		return domain.SettlementReceipt{}, "", fmt.Errorf("%w: amount %s below %s", domain.ErrPaymentRejected, transfer.Amount, expected.Amount)
	}

	// The claim is what keeps concurrent submissions of one transfer from
	// each reaching the settler.
	if err := s.store.ClaimSettlement(ctx, id, s.clock.Now()); err != nil {
		return domain.SettlementReceipt{}, "", err
	}
	receipt, err := s.settler.Settle(ctx, *req.Payment)
	if err != nil {
		s.logger.Error("settlement failed", slog.String("op", op), slog.String("payment_id", string(id)), slog.Any("err", err))
		if releaseErr := s.store.ReleaseSettlement(ctx, id); releaseErr != nil {
			s.logger.Error("release settlement claim failed", slog.String("op", op), slog.String("payment_id", string(id)), slog.Any("err", releaseErr))
		}
		return domain.SettlementReceipt{}, "", err
	}
	if err := s.store.RecordSettlement(ctx, receipt, s.clock.Now()); err != nil {
		return domain.SettlementReceipt{}, "", fmt.Errorf("record settlement: %w", err)
	}

	s.logger.Info("payment settled",
		slog.String("payment_id", string(id)),
		slog.String("amount", receipt.Amount.String()))
	s.publish(ctx, "payment.settled", map[string]any{
		"payment_id":      receipt.PaymentID,
		"signature":       receipt.Signature,
		"amount":          receipt.Amount.String(),
		"conversation_id": session.ConversationID,
		"service_type":    expected.ServiceType,
	})
	return receipt, expected.ServiceType, nil
}

// expectedPayment resolves what a transfer must satisfy: the pending directive
// if this relay issued one, otherwise the catalog price for an agent-issued id.
func (s *RelayService) expectedPayment(ctx context.Context, session ports.StoredSession, req ports.SendRequest) (domain.PaymentDirective, error) {
	id := req.Payment.Transfer.PaymentID

	pending, err := s.store.PendingPayment(ctx, id)
	if err == nil {
		if pending.ConversationID != session.ConversationID {
			return domain.PaymentDirective{}, fmt.Errorf("%w: payment %s belongs to another conversation", domain.ErrPaymentRejected, id)
		}
		return pending.Directive, nil
	}
	if !errors.Is(err, domain.ErrPaymentNotFound) {
		return domain.PaymentDirective{}, fmt.Errorf("load pending payment: %w", err)
	}

	correlation, ok := domain.ParsePaymentID(id)
	if !ok {
		return domain.PaymentDirective{}, fmt.Errorf("%w: unknown payment %s", domain.ErrPaymentRejected, id)
	}
	expected := domain.PaymentDirective{ID: id, ServiceType: correlation.ServiceType, Amount: 1}
	if s.catalog != nil {
		expected.Recipient = s.catalog.Recipient
		if svc, ok := s.catalog.Lookup(req.TargetAgent); ok && svc.ServiceType == correlation.ServiceType {
			expected.Amount = svc.Amount()
		}
	}
	return expected, nil
}

// PostAgentReply stores an agent message. Score directives inside it update
// the user's score; payment directives are remembered for later settlement.
func (s *RelayService) PostAgentReply(ctx context.Context, agent, conversationID, body string, mentions []string) (ports.WireMessage, error) {
	const op = "application.RelayService.PostAgentReply"

	session, err := s.store.SessionByConversation(ctx, conversationID)
	if err != nil {
		return ports.WireMessage{}, err
	}
	if strings.TrimSpace(agent) == "" || strings.TrimSpace(body) == "" {
		return ports.WireMessage{}, fmt.Errorf("%w: agent and body are required", domain.ErrInvalidRequest)
	}

	now := s.clock.Now()
	parsed := domain.ParseBody(body, now)
	for _, malformed := range parsed.Malformed {
		s.logger.Warn("agent reply carries a malformed directive", slog.String("op", op), slog.String("agent", agent), slog.Any("err", malformed))
	}
	if parsed.Payment != nil {
		if err := s.store.SavePendingPayment(ctx, ports.PendingPayment{
			Directive:      *parsed.Payment,
			ConversationID: conversationID,
			TargetAgent:    agent,
		}); err != nil {
			return ports.WireMessage{}, fmt.Errorf("store pending payment: %w", err)
		}
	}
	if parsed.Score != nil && session.Wallet != "" {
		score := clampScore(parsed.Score.Current)
		if err := s.store.SaveScore(ctx, session.Wallet, score, now); err != nil {
			s.logger.Error("save score failed", slog.String("op", op), slog.Any("err", err))
		}
	}

	msg := ports.WireMessage{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Sender:         agent,
		SenderKind:     ports.SenderKindAgent,
		Mentions:       mentions,
		Body:           body,
		CreatedAt:      now.UnixMilli(),
	}
	if err := s.append(ctx, msg); err != nil {
		return ports.WireMessage{}, err
	}
	return msg, nil
}

func (s *RelayService) Messages(ctx context.Context, conversationID string) ([]ports.WireMessage, error) {
	if _, err := s.store.SessionByConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	return s.store.Messages(ctx, conversationID, s.cfg.HistoryLimit)
}

// Subscribe registers a stream listener for conversationID. A subscriber that
// falls behind is dropped and its channel closed; it must reconnect.
func (s *RelayService) Subscribe(ctx context.Context, conversationID string) (<-chan []ports.WireMessage, func(), error) {
	if _, err := s.store.SessionByConversation(ctx, conversationID); err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	id := s.nextSub
	ch := make(chan []ports.WireMessage, subscriberBuffer)
	s.subs[id] = subscriber{conversationID: conversationID, ch: ch}

	var once sync.Once
	cancel := func() {
		once.Do(func() { s.unsubscribe(id) })
	}
	return ch, cancel, nil
}

func (s *RelayService) unsubscribe(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(sub.ch)
	}
}

func (s *RelayService) append(ctx context.Context, msg ports.WireMessage) error {
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	s.broadcast(msg)
	s.publish(ctx, "message."+msg.SenderKind, msg)
	return nil
}

func (s *RelayService) broadcast(msg ports.WireMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subs {
		if sub.conversationID != msg.ConversationID {
			continue
		}
		select {
		case sub.ch <- []ports.WireMessage{msg}:
		default:
			s.logger.Warn("dropping slow stream subscriber", slog.String("conversation_id", sub.conversationID))
			delete(s.subs, id)
			close(sub.ch)
		}
	}
}

// Heartbeat marks agent as ready in pool and enrols it on first sight.
func (s *RelayService) Heartbeat(ctx context.Context, pool domain.PoolID, agent string) error {
	if strings.TrimSpace(agent) == "" {
		return fmt.Errorf("%w: agent is required", domain.ErrInvalidRequest)
	}
	if _, err := s.assigner.Register(ctx, pool, agent); err != nil {
		return err
	}
	s.registry.Beat(pool, agent)
	return nil
}

func (s *RelayService) Pools(ctx context.Context) ([]PoolStatus, error) {
	return s.assigner.Status(ctx)
}

// UpdateScore applies an agent's evaluation. The evaluation is clamped to
// [-3, 3], a premium payment adds a 2 to 10 point bonus, and the resulting
// score stays within [0, 100].
func (s *RelayService) UpdateScore(ctx context.Context, update ScoreUpdate) (ScoreResult, error) {
	if strings.TrimSpace(update.Wallet) == "" {
		return ScoreResult{}, fmt.Errorf("%w: wallet is required", domain.ErrInvalidRequest)
	}
	if math.IsNaN(update.EvaluationScore) || math.IsInf(update.EvaluationScore, 0) {
		return ScoreResult{}, fmt.Errorf("%w: evaluation score must be finite", domain.ErrInvalidRequest)
	}

	previous, err := s.store.Score(ctx, update.Wallet)
	if err != nil {
		return ScoreResult{}, fmt.Errorf("load score: %w", err)
	}

	evaluation := math.Max(minEvaluationScore, math.Min(maxEvaluationScore, update.EvaluationScore))
	delta := int(math.Round(evaluation)) + premiumBonus(update.PremiumPayment)
	current := clampScore(previous + delta)

	if err := s.store.SaveScore(ctx, update.Wallet, current, s.clock.Now()); err != nil {
		return ScoreResult{}, fmt.Errorf("save score: %w", err)
	}

	result := ScoreResult{Previous: previous, Current: current, Delta: current - previous, Feedback: scoreFeedback(current)}
	s.publish(ctx, "score.updated", map[string]any{
		"wallet":     update.Wallet,
		"score":      current,
		"delta":      result.Delta,
		"reason":     update.Reason,
		"category":   update.Category,
		"agent_id":   update.AgentID,
		"message_id": update.MessageID,
	})
	return result, nil
}

func (s *RelayService) Score(ctx context.Context, wallet string) (int, error) {
	return s.store.Score(ctx, wallet)
}

// PruneExpiredSessions drops sessions older than the configured TTL.
func (s *RelayService) PruneExpiredSessions(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.cfg.SessionTTL)
	n, err := s.store.PruneSessions(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	if n > 0 {
		s.logger.Info("pruned expired sessions", slog.Int("count", n))
	}
	return n, nil
}

func (s *RelayService) publish(ctx context.Context, key string, payload any) {
	if err := s.publisher.Publish(ctx, key, payload); err != nil {
		s.logger.Warn("publish failed", slog.String("op", "application.RelayService.publish"), slog.String("key", key), slog.Any("err", err))
	}
}

func senderFor(session ports.StoredSession, wallet string) string {
	if session.Wallet != "" {
		return session.Wallet
	}
	if w := strings.TrimSpace(wallet); w != "" {
		return w
	}
	return ports.AnonymousSender
}

func premiumBonus(amount float64) int {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return 0
	}
	return max(2, min(10, int(math.Round(amount*2000))))
}

func clampScore(score int) int {
	return max(minScore, min(maxScore, score))
}

func scoreFeedback(score int) string {
	switch {
	case score >= 80:
		return "Excellent progress. You're in the prize zone."
	case score >= 60:
		return fmt.Sprintf("Good work. %d more points to qualify for prizes.", 80-score)
	case score >= 40:
		return "Making progress. Try a different strategy."
	case score >= 20:
		return "Slow start. Consider paying for intel to build momentum."
	default:
		return "New strategy needed."
	}
}
