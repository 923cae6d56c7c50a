package application

import (
	"context"
	"testing"
	"time"

	"github.com/bnema/paychat/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func agentInbound(id string, score *domain.ScoreDirective) Inbound {
	msg := domain.Message{ID: domain.MessageID(id), Sender: "trump", AgentOriginated: true, Class: domain.ClassUserDirected}
	parsed := domain.Parsed{Score: score}
	if score != nil {
		parsed.Variant = domain.ScoreDirectiveMessage
	}
	return Inbound{Message: msg, Parsed: parsed}
}

func TestScoreWatcherAppliesEmbeddedDirectiveOnce(t *testing.T) {
	t.Parallel()

	w := NewScoreWatcher(&fakeScores{}, "wallet-a", time.Hour, newEventSink().emit, quietLogger())
	directive := &domain.ScoreDirective{Current: 42, Delta: 3, Reason: "sharp question", Category: "negotiation"}

	change, ok := w.Observe(agentInbound("m1", directive))
	require.True(t, ok)
	assert.Equal(t, 42, change.Current)
	assert.Equal(t, 3, change.Delta)
	assert.False(t, change.Synthesized)

	_, ok = w.Observe(agentInbound("m1", directive))
	assert.False(t, ok)

	last, ok := w.Last()
	require.True(t, ok)
	assert.Equal(t, 42, last)
}

func TestScoreWatcherIgnoresUserAndPlaceholderMessages(t *testing.T) {
	t.Parallel()

	sink := newEventSink()
	w := NewScoreWatcher(&fakeScores{}, "wallet-a", time.Millisecond, sink.emit, quietLogger())

	_, ok := w.Observe(Inbound{Message: domain.Message{ID: "u1", Sender: "wallet-a"}})
	assert.False(t, ok)
	_, ok = w.Observe(Inbound{Message: domain.Message{ID: "p1", AgentOriginated: true, Class: domain.ClassSystemPlaceholder}})
	assert.False(t, ok)

	_, got := sink.next(50 * time.Millisecond)
	assert.False(t, got, "no fetch scheduled")
}

func TestScoreWatcherSynthesizesDeltaFromFetch(t *testing.T) {
	t.Parallel()

	scores := &fakeScores{score: 10}
	sink := newEventSink()
	w := NewScoreWatcher(scores, "wallet-a", 5*time.Millisecond, sink.emit, quietLogger())

	fetch := func() (ScoreChange, bool) {
		ev, ok := sink.next(time.Second)
		require.True(t, ok)
		w.Fetch(context.Background(), ev.(scoreFetchDue))
		ev, ok = sink.next(time.Second)
		require.True(t, ok)
		return w.Apply(ev.(scoreFetched))
	}

	_, ok := w.Observe(agentInbound("m1", nil))
	require.False(t, ok)
	_, changed := fetch()
	assert.False(t, changed, "first fetch only establishes a baseline")

	scores.set(14)
	w.Observe(agentInbound("m2", nil))
	change, changed := fetch()
	require.True(t, changed)
	assert.Equal(t, 4, change.Delta)
	assert.Equal(t, 14, change.Current)
	assert.True(t, change.Synthesized)

	w.Observe(agentInbound("m3", nil))
	_, changed = fetch()
	assert.False(t, changed, "unchanged score")
}

func TestScoreWatcherDebouncesFetches(t *testing.T) {
	t.Parallel()

	scores := &fakeScores{score: 1}
	sink := newEventSink()
	w := NewScoreWatcher(scores, "wallet-a", 20*time.Millisecond, sink.emit, quietLogger())

	w.Observe(agentInbound("m1", nil))
	w.Observe(agentInbound("m2", nil))
	w.Observe(agentInbound("m3", nil))

	ev, ok := sink.next(time.Second)
	require.True(t, ok)
	_, isDue := ev.(scoreFetchDue)
	assert.True(t, isDue)

	_, more := sink.next(60 * time.Millisecond)
	assert.False(t, more)
}

func TestScoreWatcherResetDropsPendingFetch(t *testing.T) {
	t.Parallel()

	scores := &fakeScores{}
	sink := newEventSink()
	w := NewScoreWatcher(scores, "wallet-a", 5*time.Millisecond, sink.emit, quietLogger())

	w.Observe(agentInbound("m1", nil))
	w.Reset()

	if ev, ok := sink.next(50 * time.Millisecond); ok {
		w.Fetch(context.Background(), ev.(scoreFetchDue))
	}
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, scores.callCount())

	_, ok := w.Observe(agentInbound("m1", &domain.ScoreDirective{Current: 5}))
	assert.True(t, ok, "processed set cleared")
}
