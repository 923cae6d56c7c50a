package application

import (
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/bnema/paychat/internal/domain"
	"github.com/bnema/paychat/internal/ports"
)

// Inbound is a freshly reconciled message together with the directives that
// were parsed out of its raw body.
type Inbound struct {
	Message domain.Message
	Parsed  domain.Parsed
}

type ReconcileResult struct {
	Timeline     []domain.Message
	Fresh        []Inbound
	Replaced     map[domain.MessageID]domain.MessageID
	ClearWaiting bool
	Dropped      int
}

// Changed reports whether the batch contributed anything to the timeline.
func (r ReconcileResult) Changed() bool {
	return len(r.Fresh) > 0
}

type Reconciler struct {
	seen   *IDTracker
	clock  ports.Clock
	logger *slog.Logger
}

func NewReconciler(seen *IDTracker, clock ports.Clock, logger *slog.Logger) *Reconciler {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{seen: seen, clock: clock, logger: logger}
}

// FromWire converts a delivered record into a message. The body is left raw;
// Reconcile strips it.
func FromWire(w ports.WireMessage, user string) domain.Message {
	agent := w.SenderKind == ports.SenderKindAgent
	sender := w.Sender
	if w.SenderKind == ports.SenderKindSystem {
		sender = domain.SystemSender
	}

	return domain.Message{
		ID:              domain.MessageID(strings.TrimSpace(w.ID)),
		ConversationID:  w.ConversationID,
		Sender:          sender,
		Mentions:        w.Mentions,
		Body:            w.Body,
		RawBody:         w.Body,
		CreatedAt:       time.UnixMilli(w.CreatedAt).UTC(),
		AgentOriginated: agent,
		Class:           domain.Classify(sender, agent, w.Mentions, user),
		Completion:      w.Completion,
	}
}

// Reconcile merges batch into timeline. Applying the same batch twice leaves
// the timeline unchanged the second time.
func (r *Reconciler) Reconcile(timeline []domain.Message, batch []domain.Message) ReconcileResult {
	const op = "application.Reconcile"

	result := ReconcileResult{Replaced: map[domain.MessageID]domain.MessageID{}}

	present := make(map[domain.MessageID]struct{}, len(timeline))
	for _, msg := range timeline {
		present[msg.ID] = struct{}{}
	}

	now := r.clock.Now()
	fresh := make([]Inbound, 0, len(batch))
	for _, msg := range batch {
		if msg.ID == "" {
			result.Dropped++
			r.logger.Warn("dropping message without id", slog.String("op", op), slog.String("sender", msg.Sender))
			continue
		}
		if r.seen.HasSeen(msg.ID) {
			continue
		}
		r.seen.MarkSeen(msg.ID)
		if _, ok := present[msg.ID]; ok {
			continue
		}

		if msg.RawBody == "" {
			msg.RawBody = msg.Body
		}
		parsed := domain.ParseBody(msg.RawBody, now)
		for _, err := range parsed.Malformed {
			r.logger.Warn("ignoring malformed directive", slog.String("op", op), slog.String("message_id", string(msg.ID)), slog.Any("err", err))
		}
		msg.Body = parsed.Display
		fresh = append(fresh, Inbound{Message: msg, Parsed: parsed})
	}

	merged := make([]domain.Message, len(timeline))
	copy(merged, timeline)

	consumed := make([]bool, len(fresh))
	for i := range merged {
		if !merged[i].ID.IsOptimistic() || merged[i].Class == domain.ClassSystemPlaceholder {
			continue
		}
		key := domain.NormalizeBody(merged[i].Body)
		for j := range fresh {
			if consumed[j] || fresh[j].Message.AgentOriginated {
				continue
			}
			if fresh[j].Message.Sender != merged[i].Sender || domain.NormalizeBody(fresh[j].Message.Body) != key {
				continue
			}
			replacement := fresh[j].Message
			replacement.CreatedAt = merged[i].CreatedAt
			result.Replaced[merged[i].ID] = replacement.ID
			merged[i] = replacement
			consumed[j] = true
			break
		}
	}

	for j, in := range fresh {
		if consumed[j] {
			continue
		}
		merged = append(merged, in.Message)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.Before(merged[j].CreatedAt)
	})

	for _, in := range fresh {
		if in.Message.IsFinalAgentReply() {
			result.ClearWaiting = true
			break
		}
	}

	result.Timeline = merged
	result.Fresh = fresh
	return result
}

// AddOptimistic appends a local entry, replacing any live optimistic entry for
// the same sender and text so only one is ever shown.
func AddOptimistic(timeline []domain.Message, msg domain.Message) []domain.Message {
	key := domain.NormalizeBody(msg.Body)
	out := make([]domain.Message, 0, len(timeline)+1)
	for _, existing := range timeline {
		if existing.ID.IsOptimistic() && existing.Sender == msg.Sender && domain.NormalizeBody(existing.Body) == key {
			continue
		}
		out = append(out, existing)
	}
	return append(out, msg)
}

func RemoveMessage(timeline []domain.Message, id domain.MessageID) []domain.Message {
	out := make([]domain.Message, 0, len(timeline))
	for _, msg := range timeline {
		if msg.ID != id {
			out = append(out, msg)
		}
	}
	return out
}
