package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/paychat/internal/application"
	"github.com/bnema/paychat/internal/domain"
	"github.com/bnema/paychat/internal/ports"
)

type fakeRelay struct {
	mu sync.Mutex

	createErr error
	info      ports.SessionInfo
	sendErr   error
	sendReqs  []ports.SendRequest
	messages  []ports.WireMessage
	subs      chan []ports.WireMessage
	beats     []string
	pools     []application.PoolStatus
	updates   []application.ScoreUpdate
	scores    map[string]int
}

func (f *fakeRelay) CreateSession(_ context.Context, wallet string) (ports.SessionInfo, error) {
	if f.createErr != nil {
		return ports.SessionInfo{}, f.createErr
	}
	return f.info, nil
}

func (f *fakeRelay) PostUserMessage(_ context.Context, req ports.SendRequest) (ports.SendResult, error) {
	f.mu.Lock()
	f.sendReqs = append(f.sendReqs, req)
	f.mu.Unlock()
	if f.sendErr != nil {
		return ports.SendResult{}, f.sendErr
	}
	result := ports.SendResult{Message: ports.WireMessage{ID: "m1", ConversationID: req.ConversationID, Sender: req.SenderWallet, SenderKind: ports.SenderKindUser, Body: req.Body}}
	if req.Payment != nil {
		result.Settlement = &domain.SettlementReceipt{PaymentID: req.Payment.Transfer.PaymentID, Signature: "tx", Amount: req.Payment.Transfer.Amount}
	}
	return result, nil
}

func (f *fakeRelay) PostAgentReply(_ context.Context, agent, conversationID, body string, mentions []string) (ports.WireMessage, error) {
	if conversationID == "gone" {
		return ports.WireMessage{}, domain.ErrSessionExpired
	}
	return ports.WireMessage{ID: "r1", ConversationID: conversationID, Sender: agent, SenderKind: ports.SenderKindAgent, Body: body, Mentions: mentions}, nil
}

func (f *fakeRelay) Messages(_ context.Context, conversationID string) ([]ports.WireMessage, error) {
	if conversationID == "gone" {
		return nil, domain.ErrSessionExpired
	}
	return f.messages, nil
}

func (f *fakeRelay) Subscribe(_ context.Context, conversationID string) (<-chan []ports.WireMessage, func(), error) {
	if conversationID == "gone" {
		return nil, nil, domain.ErrSessionExpired
	}
	return f.subs, func() {}, nil
}

func (f *fakeRelay) Heartbeat(_ context.Context, pool domain.PoolID, agent string) error {
	if agent == "" {
		return domain.ErrInvalidRequest
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beats = append(f.beats, string(pool)+"/"+agent)
	return nil
}

func (f *fakeRelay) Pools(context.Context) ([]application.PoolStatus, error) {
	return f.pools, nil
}

func (f *fakeRelay) UpdateScore(_ context.Context, update application.ScoreUpdate) (application.ScoreResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, update)
	return application.ScoreResult{Previous: 10, Current: 13, Delta: 3, Feedback: "Keep going."}, nil
}

func (f *fakeRelay) Score(_ context.Context, wallet string) (int, error) {
	return f.scores[wallet], nil
}

func (f *fakeRelay) sent() []ports.SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ports.SendRequest(nil), f.sendReqs...)
}

func (f *fakeRelay) heartbeats() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.beats...)
}

func (f *fakeRelay) scoreUpdates() []application.ScoreUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]application.ScoreUpdate(nil), f.updates...)
}

func newTestServer(t *testing.T, relay *fakeRelay) *httptest.Server {
	t.Helper()

	handler := NewRouter(relay, Options{
		PingInterval: 20 * time.Millisecond,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any, header http.Header) *http.Response {
	t.Helper()

	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) ErrorBody {
	t.Helper()

	var body ErrorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestCreateSession(t *testing.T) {
	t.Parallel()

	relay := &fakeRelay{info: ports.SessionInfo{SessionID: "s1", ConversationID: "c1", PoolID: "pool-1", Routing: true}}
	srv := newTestServer(t, relay)

	resp := postJSON(t, srv.URL+"/api/sessions", CreateSessionRequest{Wallet: "w"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var info ports.SessionInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, relay.info, info)
}

func TestCreateSessionPoolsNotReadyIsRetryable(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeRelay{createErr: domain.ErrPoolsNotReady})

	resp := postJSON(t, srv.URL+"/api/sessions", CreateSessionRequest{}, nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	body := decodeError(t, resp)
	assert.Equal(t, CodePoolsNotReady, body.Error)
	assert.True(t, body.Retryable)
}

func TestSendMessagePaymentRequiredCarriesDirective(t *testing.T) {
	t.Parallel()

	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	directive := domain.PaymentDirective{
		ID:          domain.NewPaymentID("white_house", "insider_info", "insider-agent", issued),
		Recipient:   "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU",
		Amount:      500,
		Currency:    "USDC",
		Network:     "solana-devnet",
		ServiceType: "insider_info",
		IssuedAt:    issued,
		ExpiresAt:   issued.Add(domain.DirectiveTTL),
	}
	srv := newTestServer(t, &fakeRelay{sendErr: &domain.PaymentRequiredError{Directive: directive}})

	resp := postJSON(t, srv.URL+"/api/sessions/s1/conversations/c1/messages", SendMessageRequest{Body: "@insider-agent tips?", TargetAgent: "insider-agent"}, nil)
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)

	body := decodeError(t, resp)
	assert.Equal(t, CodePaymentRequired, body.Error)
	got, err := domain.DecodePaymentDirective(body.Payment, issued)
	require.NoError(t, err)
	assert.Equal(t, directive.ID, got.ID)
	assert.Equal(t, directive.Amount, got.Amount)
	assert.Equal(t, directive.Recipient, got.Recipient)
	assert.Equal(t, directive.ExpiresAt, got.ExpiresAt)
}

func TestSendMessageWithPaymentHeader(t *testing.T) {
	t.Parallel()

	relay := &fakeRelay{}
	srv := newTestServer(t, relay)

	transfer := domain.SignedTransfer{
		Transfer:  domain.TransferRequest{PaymentID: "wht-white_house-insider_info-1772366400", From: "payer", To: "payee", Amount: 500},
		Signature: "c2ln",
	}
	header, err := EncodePayment(transfer)
	require.NoError(t, err)

	resp := postJSON(t, srv.URL+"/api/sessions/s1/conversations/c1/messages",
		SendMessageRequest{Body: "paid", TargetAgent: "insider-agent", SenderWallet: "payer"},
		http.Header{PaymentHeader: []string{header}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out SendMessageResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotNil(t, out.Settlement)
	assert.Equal(t, transfer.Transfer.PaymentID, out.Settlement.PaymentID)

	sent := relay.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "s1", sent[0].SessionID)
	assert.Equal(t, "c1", sent[0].ConversationID)
	require.NotNil(t, sent[0].Payment)
	assert.Equal(t, transfer, *sent[0].Payment)
}

func TestSendMessageBadPaymentHeader(t *testing.T) {
	t.Parallel()

	relay := &fakeRelay{}
	srv := newTestServer(t, relay)

	resp := postJSON(t, srv.URL+"/api/sessions/s1/conversations/c1/messages", SendMessageRequest{Body: "x"}, http.Header{PaymentHeader: []string{"!!!"}})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, relay.sent())
}

func TestSendMessageErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		status    int
		code      string
		retryable bool
	}{
		{name: "expired", err: domain.ErrSessionExpired, status: http.StatusGone, code: CodeSessionExpired},
		{name: "processor down", err: &domain.SettlementError{Retryable: true, Err: errors.New("rpc timeout")}, status: http.StatusServiceUnavailable, code: CodeSettlementUnavailable, retryable: true},
		{name: "processor refused", err: &domain.SettlementError{Err: errors.New("insufficient funds")}, status: http.StatusUnprocessableEntity, code: CodePaymentRejected},
		{name: "rejected", err: domain.ErrPaymentRejected, status: http.StatusUnprocessableEntity, code: CodePaymentRejected},
		{name: "duplicate", err: domain.ErrAlreadySettled, status: http.StatusConflict, code: CodeAlreadySettled},
		{name: "invalid", err: domain.ErrInvalidRequest, status: http.StatusBadRequest, code: CodeInvalidRequest},
		{name: "unexpected", err: errors.New("disk on fire"), status: http.StatusInternalServerError, code: CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := newTestServer(t, &fakeRelay{sendErr: tt.err})
			resp := postJSON(t, srv.URL+"/api/sessions/s1/conversations/c1/messages", SendMessageRequest{Body: "x"}, nil)
			require.Equal(t, tt.status, resp.StatusCode)

			body := decodeError(t, resp)
			assert.Equal(t, tt.code, body.Error)
			assert.Equal(t, tt.retryable, body.Retryable)
		})
	}
}

func TestListMessagesReturnsEmptyArray(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeRelay{})

	resp, err := http.Get(srv.URL + "/api/conversations/c1/messages")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"messages":[]}`, string(data))
}

func TestListMessagesUnknownConversation(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeRelay{})

	resp, err := http.Get(srv.URL + "/api/conversations/gone/messages")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestAgentReplyAndHeartbeat(t *testing.T) {
	t.Parallel()

	relay := &fakeRelay{}
	srv := newTestServer(t, relay)

	resp := postJSON(t, srv.URL+"/api/agents/insider-agent/conversations/c1/replies", AgentReplyRequest{Body: "hello", Mentions: []string{"w"}}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var msg ports.WireMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	assert.Equal(t, "insider-agent", msg.Sender)
	assert.Equal(t, ports.SenderKindAgent, msg.SenderKind)

	resp = postJSON(t, srv.URL+"/api/pools/pool-1/agents/insider-agent/heartbeat", struct{}{}, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"pool-1/insider-agent"}, relay.heartbeats())
}

func TestListPools(t *testing.T) {
	t.Parallel()

	relay := &fakeRelay{pools: []application.PoolStatus{
		{Pool: domain.Pool{ID: "pool-0", Name: "pool-0", Active: true, Agents: []string{"a"}}, Health: domain.PoolHealth{PoolID: "pool-0", ReadyAgents: 1, MinReady: 1}},
		{Pool: domain.Pool{ID: "pool-1", Name: "pool-1", Active: true}, Err: errors.New("probe timeout")},
	}}
	srv := newTestServer(t, relay)

	resp, err := http.Get(srv.URL + "/api/pools")
	require.NoError(t, err)
	defer resp.Body.Close()

	var views []PoolView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&views))
	require.Len(t, views, 2)
	assert.True(t, views[0].Healthy)
	assert.Equal(t, []string{"a"}, views[0].Agents)
	assert.False(t, views[1].Healthy)
	assert.Equal(t, "probe timeout", views[1].Error)
	assert.Equal(t, []string{}, views[1].Agents)
}

func TestScoringEndpointsUseCamelCase(t *testing.T) {
	t.Parallel()

	relay := &fakeRelay{scores: map[string]int{"w": 42}}
	srv := newTestServer(t, relay)

	resp := postJSON(t, srv.URL+"/api/scoring/update", map[string]any{
		"userWallet":            "w",
		"evaluationScore":       2.5,
		"reason":                "clever question",
		"category":              "strategy",
		"agentId":               "strategy-agent",
		"messageId":             "m9",
		"premiumServicePayment": 0.001,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"previousScore":10,"newScore":13,"delta":3,"feedback":"Keep going."}`, string(data))

	updates := relay.scoreUpdates()
	require.Len(t, updates, 1)
	assert.Equal(t, application.ScoreUpdate{
		Wallet:          "w",
		EvaluationScore: 2.5,
		Reason:          "clever question",
		Category:        "strategy",
		AgentID:         "strategy-agent",
		MessageID:       "m9",
		PremiumPayment:  0.001,
	}, updates[0])

	get, err := http.Get(srv.URL + "/api/scores/w")
	require.NoError(t, err)
	defer get.Body.Close()
	var score ScoreResponse
	require.NoError(t, json.NewDecoder(get.Body).Decode(&score))
	assert.Equal(t, ScoreResponse{Wallet: "w", Score: 42}, score)
}

func TestStreamSendsHistoryUpdatesAndPings(t *testing.T) {
	t.Parallel()

	relay := &fakeRelay{
		messages: []ports.WireMessage{{ID: "h1", ConversationID: "c1", Sender: "a", SenderKind: ports.SenderKindAgent, Body: "earlier"}},
		subs:     make(chan []ports.WireMessage, 1),
	}
	srv := newTestServer(t, relay)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/conversations/c1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var first ports.StreamEvent
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, ports.StreamEventMessages, first.Type)
	require.Len(t, first.Messages, 1)
	assert.Equal(t, "h1", first.Messages[0].ID)

	relay.subs <- []ports.WireMessage{{ID: "n1", ConversationID: "c1", Sender: "a", SenderKind: ports.SenderKindAgent, Body: "new"}}

	sawUpdate, sawPing := false, false
	for !(sawUpdate && sawPing) {
		var ev ports.StreamEvent
		require.NoError(t, conn.ReadJSON(&ev))
		switch ev.Type {
		case ports.StreamEventMessages:
			require.Len(t, ev.Messages, 1)
			assert.Equal(t, "n1", ev.Messages[0].ID)
			sawUpdate = true
		case ports.StreamEventPing:
			sawPing = true
		}
	}
}

func TestStreamUnknownConversationIsGone(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeRelay{})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/conversations/gone/stream"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestStreamClosesWhenSubscriberDropped(t *testing.T) {
	t.Parallel()

	relay := &fakeRelay{subs: make(chan []ports.WireMessage)}
	srv := newTestServer(t, relay)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/conversations/c1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	close(relay.subs)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err = conn.ReadMessage()
		if err != nil {
			break
		}
	}
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater))
}
