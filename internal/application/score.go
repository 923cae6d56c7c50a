package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/bnema/paychat/internal/domain"
	"github.com/bnema/paychat/internal/ports"
)

const DefaultScoreDebounce = 1500 * time.Millisecond

type ScoreChange struct {
	MessageID   domain.MessageID
	Current     int
	Delta       int
	Reason      string
	Category    string
	Feedback    string
	Synthesized bool
}

// ScoreWatcher keeps the last known score. Each message is scored at most
// once, independently of any payment it carries.
type ScoreWatcher struct {
	source   ports.ScoreSource
	wallet   string
	debounce time.Duration
	emit     emitFunc
	logger   *slog.Logger

	last      *int
	processed map[domain.MessageID]struct{}
	fetchDue  bool
	token     uint64
	timer     *time.Timer
}

func NewScoreWatcher(source ports.ScoreSource, wallet string, debounce time.Duration, emit emitFunc, logger *slog.Logger) *ScoreWatcher {
	if debounce <= 0 {
		debounce = DefaultScoreDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ScoreWatcher{
		source:    source,
		wallet:    wallet,
		debounce:  debounce,
		emit:      emit,
		logger:    logger,
		processed: map[domain.MessageID]struct{}{},
	}
}

func (w *ScoreWatcher) Last() (int, bool) {
	if w.last == nil {
		return 0, false
	}
	return *w.last, true
}

// Observe inspects one freshly reconciled message. An embedded directive is
// applied at once; otherwise a debounced authoritative fetch is scheduled.
func (w *ScoreWatcher) Observe(in Inbound) (ScoreChange, bool) {
	msg := in.Message
	if !msg.AgentOriginated || msg.Class == domain.ClassSystemPlaceholder {
		return ScoreChange{}, false
	}
	if _, ok := w.processed[msg.ID]; ok {
		return ScoreChange{}, false
	}
	w.processed[msg.ID] = struct{}{}

	if in.Parsed.Score != nil {
		s := in.Parsed.Score
		current := s.Current
		w.last = &current
		return ScoreChange{
			MessageID: msg.ID,
			Current:   s.Current,
			Delta:     s.Delta,
			Reason:    s.Reason,
			Category:  s.Category,
			Feedback:  s.Feedback,
		}, true
	}

	w.scheduleFetch()
	return ScoreChange{}, false
}

func (w *ScoreWatcher) scheduleFetch() {
	if w.source == nil || w.wallet == "" || w.fetchDue {
		return
	}
	w.fetchDue = true
	w.token++
	token := w.token
	w.timer = time.AfterFunc(w.debounce, func() {
		w.emit(scoreFetchDue{token: token})
	})
}

// Fetch runs the delayed lookup. The session calls it on scoreFetchDue.
func (w *ScoreWatcher) Fetch(ctx context.Context, due scoreFetchDue) {
	if due.token != w.token || w.source == nil {
		return
	}
	wallet := w.wallet
	token := due.token
	go func() {
		score, err := w.source.CurrentScore(ctx, wallet)
		w.emit(scoreFetched{token: token, score: score, err: err})
	}()
}

// Apply compares a fetched score with the last known one and synthesizes a
// change only when they differ.
func (w *ScoreWatcher) Apply(ev scoreFetched) (ScoreChange, bool) {
	if ev.token != w.token {
		return ScoreChange{}, false
	}
	w.fetchDue = false
	if ev.err != nil {
		w.logger.Warn("score fetch failed", slog.String("op", "application.ScoreWatcher.Apply"), slog.Any("err", ev.err))
		return ScoreChange{}, false
	}

	previous := w.last
	current := ev.score
	w.last = &current
	if previous == nil || *previous == current {
		return ScoreChange{}, false
	}
	return ScoreChange{Current: current, Delta: current - *previous, Synthesized: true}, true
}

func (w *ScoreWatcher) Reset() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.token++
	w.fetchDue = false
	w.processed = map[domain.MessageID]struct{}{}
}
