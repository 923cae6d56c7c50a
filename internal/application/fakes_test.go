package application

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bnema/paychat/internal/domain"
	"github.com/bnema/paychat/internal/ports"
)

type fakeChatAPI struct {
	mu       sync.Mutex
	sessions []ports.SessionInfo
	created  int
	sendFn   func(req ports.SendRequest) (ports.SendResult, error)
	sends    []ports.SendRequest
	pollFn   func(conversationID string) ([]ports.WireMessage, error)
	polls    int
}

func (f *fakeChatAPI) CreateSession(_ context.Context, _ string) (ports.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return ports.SessionInfo{}, domain.ErrPoolsNotReady
	}
	info := f.sessions[min(f.created, len(f.sessions)-1)]
	f.created++
	return info, nil
}

func (f *fakeChatAPI) Send(_ context.Context, req ports.SendRequest) (ports.SendResult, error) {
	f.mu.Lock()
	f.sends = append(f.sends, req)
	fn := f.sendFn
	f.mu.Unlock()
	if fn == nil {
		return ports.SendResult{}, errors.New("send not configured")
	}
	return fn(req)
}

func (f *fakeChatAPI) Poll(_ context.Context, conversationID string) ([]ports.WireMessage, error) {
	f.mu.Lock()
	f.polls++
	fn := f.pollFn
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(conversationID)
}

func (f *fakeChatAPI) sent() []ports.SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ports.SendRequest(nil), f.sends...)
}

func (f *fakeChatAPI) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func (f *fakeChatAPI) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

// fakeDialer hands out connections fed by the test through push.
type fakeDialer struct {
	mu    sync.Mutex
	err   error
	conns []*fakeConn
	dials int
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (ports.StreamConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	conn := &fakeConn{events: make(chan ports.StreamEvent, 8), closed: make(chan struct{})}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// gatedDialer holds every dial until release is closed.
type gatedDialer struct {
	*fakeDialer
	release chan struct{}
}

func (d *gatedDialer) Dial(ctx context.Context, conversationID string) (ports.StreamConn, error) {
	select {
	case <-d.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return d.fakeDialer.Dial(ctx, conversationID)
}

type fakeConn struct {
	events    chan ports.StreamEvent
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *fakeConn) Next(ctx context.Context) (ports.StreamEvent, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	case <-c.closed:
		return ports.StreamEvent{}, errors.New("connection closed")
	case <-ctx.Done():
		return ports.StreamEvent{}, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(msgs ...ports.WireMessage) {
	c.events <- ports.StreamEvent{Type: ports.StreamEventMessages, Messages: msgs}
}

type fakeSigner struct {
	address string
	err     error
	mu      sync.Mutex
	signed  []domain.TransferRequest
}

func (s *fakeSigner) Address() string { return s.address }

func (s *fakeSigner) SignTransfer(_ context.Context, transfer domain.TransferRequest) (domain.SignedTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return domain.SignedTransfer{}, s.err
	}
	s.signed = append(s.signed, transfer)
	return domain.SignedTransfer{Transfer: transfer, Signature: "sig" + string(transfer.PaymentID)}, nil
}

type memLedger struct {
	mu      sync.Mutex
	records map[domain.PaymentID]ports.PaymentRecord
}

func (l *memLedger) Get(_ context.Context, id domain.PaymentID) (ports.PaymentRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok := l.records[id]
	if !ok {
		return ports.PaymentRecord{}, domain.ErrPaymentNotFound
	}
	return record, nil
}

func (l *memLedger) List(_ context.Context) ([]ports.PaymentRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ports.PaymentRecord, 0, len(l.records))
	for _, record := range l.records {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaymentID < out[j].PaymentID })
	return out, nil
}

func (l *memLedger) Save(_ context.Context, record ports.PaymentRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.records == nil {
		l.records = map[domain.PaymentID]ports.PaymentRecord{}
	}
	l.records[record.PaymentID] = record
	return nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
}

func (p *recordingPublisher) Publish(_ context.Context, key string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	return nil
}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

type fakeScores struct {
	mu    sync.Mutex
	score int
	err   error
	calls int
}

func (f *fakeScores) CurrentScore(_ context.Context, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.score, f.err
}

func (f *fakeScores) set(score int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.score = score
}

func (f *fakeScores) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// eventSink collects events emitted by components under test.
type eventSink struct {
	ch chan event
}

func newEventSink() *eventSink {
	return &eventSink{ch: make(chan event, 64)}
}

func (s *eventSink) emit(ev event) bool {
	s.ch <- ev
	return true
}

func (s *eventSink) next(timeout time.Duration) (event, bool) {
	select {
	case ev := <-s.ch:
		return ev, true
	case <-time.After(timeout):
		return nil, false
	}
}

type memRelayStore struct {
	mu          sync.Mutex
	sessions    map[string]ports.StoredSession
	messages    map[string][]ports.WireMessage
	pending     map[domain.PaymentID]ports.PendingPayment
	settlements map[domain.PaymentID]domain.SettlementReceipt
	claims      map[domain.PaymentID]struct{}
	scores      map[string]int
}

func newMemRelayStore() *memRelayStore {
	return &memRelayStore{
		sessions:    map[string]ports.StoredSession{},
		messages:    map[string][]ports.WireMessage{},
		pending:     map[domain.PaymentID]ports.PendingPayment{},
		settlements: map[domain.PaymentID]domain.SettlementReceipt{},
		claims:      map[domain.PaymentID]struct{}{},
		scores:      map[string]int{},
	}
}

func (s *memRelayStore) CreateSession(_ context.Context, session ports.StoredSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ConversationID] = session
	return nil
}

func (s *memRelayStore) SessionByConversation(_ context.Context, conversationID string) (ports.StoredSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[conversationID]
	if !ok {
		return ports.StoredSession{}, domain.ErrSessionExpired
	}
	return session, nil
}

func (s *memRelayStore) AppendMessage(_ context.Context, msg ports.WireMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	return nil
}

func (s *memRelayStore) Messages(_ context.Context, conversationID string, limit int) ([]ports.WireMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]ports.WireMessage(nil), msgs...), nil
}

func (s *memRelayStore) SavePendingPayment(_ context.Context, pending ports.PendingPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[pending.Directive.ID] = pending
	return nil
}

func (s *memRelayStore) PendingPayment(_ context.Context, id domain.PaymentID) (ports.PendingPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, ok := s.pending[id]
	if !ok {
		return ports.PendingPayment{}, domain.ErrPaymentNotFound
	}
	return pending, nil
}

func (s *memRelayStore) ClaimSettlement(_ context.Context, id domain.PaymentID, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.claims[id]; ok {
		return domain.ErrAlreadySettled
	}
	s.claims[id] = struct{}{}
	return nil
}

func (s *memRelayStore) ReleaseSettlement(_ context.Context, id domain.PaymentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, id)
	return nil
}

func (s *memRelayStore) RecordSettlement(_ context.Context, receipt domain.SettlementReceipt, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.settlements[receipt.PaymentID]; ok {
		return domain.ErrAlreadySettled
	}
	s.settlements[receipt.PaymentID] = receipt
	return nil
}

func (s *memRelayStore) Settlement(_ context.Context, id domain.PaymentID) (domain.SettlementReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	receipt, ok := s.settlements[id]
	if !ok {
		return domain.SettlementReceipt{}, domain.ErrPaymentNotFound
	}
	return receipt, nil
}

func (s *memRelayStore) Score(_ context.Context, wallet string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scores[wallet], nil
}

func (s *memRelayStore) SaveScore(_ context.Context, wallet string, score int, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[wallet] = score
	return nil
}

func (s *memRelayStore) PruneSessions(_ context.Context, createdBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, session := range s.sessions {
		if session.CreatedAt.Before(createdBefore) {
			delete(s.sessions, id)
			delete(s.messages, id)
			n++
		}
	}
	return n, nil
}

type fakeVerifier struct{ err error }

func (v fakeVerifier) Verify(domain.SignedTransfer) error { return v.err }

type fakeSettler struct {
	mu    sync.Mutex
	err   error
	delay time.Duration
	calls int
}

func (s *fakeSettler) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *fakeSettler) Settle(_ context.Context, transfer domain.SignedTransfer) (domain.SettlementReceipt, error) {
	time.Sleep(s.delay)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return domain.SettlementReceipt{}, s.err
	}
	return domain.SettlementReceipt{
		PaymentID: transfer.Transfer.PaymentID,
		Signature: "5VERv8NMvzbJMEkV8xnrLkEaWRtSz9CosKDYjCJjBRnb",
		Amount:    transfer.Transfer.Amount,
	}, nil
}

// mutableClock is a clock tests can move forward.
type mutableClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mutableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mutableClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
