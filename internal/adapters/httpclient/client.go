// Package httpclient talks to a relay over HTTP and its websocket stream.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bnema/paychat/internal/adapters/httpapi"
	"github.com/bnema/paychat/internal/domain"
	"github.com/bnema/paychat/internal/ports"
)

const DefaultTimeout = 30 * time.Second

type Client struct {
	baseURL string
	http    *http.Client
	clock   ports.Clock
	logger  *slog.Logger
}

var (
	_ ports.ChatAPI         = (*Client)(nil)
	_ ports.ScoreSource     = (*Client)(nil)
	_ ports.PoolHealthProbe = (*Client)(nil)
)

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithClock(clock ports.Clock) Option {
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func New(baseURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("relay url must be http or https, got %q", baseURL)
	}

	c := &Client{
		baseURL: parsed.String(),
		http:    &http.Client{Timeout: DefaultTimeout},
		clock:   ports.SystemClock{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) CreateSession(ctx context.Context, wallet string) (ports.SessionInfo, error) {
	var info ports.SessionInfo
	err := c.do(ctx, http.MethodPost, "/api/sessions", httpapi.CreateSessionRequest{Wallet: wallet}, nil, &info)
	return info, err
}

func (c *Client) Send(ctx context.Context, req ports.SendRequest) (ports.SendResult, error) {
	header := http.Header{}
	if req.Payment != nil {
		encoded, err := httpapi.EncodePayment(*req.Payment)
		if err != nil {
			return ports.SendResult{}, err
		}
		header.Set(httpapi.PaymentHeader, encoded)
	}

	path := "/api/sessions/" + url.PathEscape(req.SessionID) + "/conversations/" + url.PathEscape(req.ConversationID) + "/messages"
	body := httpapi.SendMessageRequest{Body: req.Body, TargetAgent: req.TargetAgent, SenderWallet: req.SenderWallet}

	var out httpapi.SendMessageResponse
	if err := c.do(ctx, http.MethodPost, path, body, header, &out); err != nil {
		return ports.SendResult{}, err
	}
	return ports.SendResult{Message: out.Message, Settlement: out.Settlement}, nil
}

func (c *Client) Poll(ctx context.Context, conversationID string) ([]ports.WireMessage, error) {
	var out httpapi.MessagesResponse
	if err := c.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(conversationID)+"/messages", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) CurrentScore(ctx context.Context, wallet string) (int, error) {
	var out httpapi.ScoreResponse
	if err := c.do(ctx, http.MethodGet, "/api/scores/"+url.PathEscape(wallet), nil, nil, &out); err != nil {
		return 0, err
	}
	return out.Score, nil
}

func (c *Client) Pools(ctx context.Context) ([]httpapi.PoolView, error) {
	var out []httpapi.PoolView
	err := c.do(ctx, http.MethodGet, "/api/pools", nil, nil, &out)
	return out, err
}

// Health reports a pool's readiness as the relay sees it, so pool assignment
// can be previewed from a workstation.
func (c *Client) Health(ctx context.Context, pool domain.Pool) (domain.PoolHealth, error) {
	views, err := c.Pools(ctx)
	if err != nil {
		return domain.PoolHealth{}, err
	}
	for _, view := range views {
		if view.ID != pool.ID {
			continue
		}
		if view.Error != "" {
			return domain.PoolHealth{}, fmt.Errorf("pool %s: %s", pool.ID, view.Error)
		}
		return domain.PoolHealth{PoolID: pool.ID, ReadyAgents: view.ReadyAgents, MinReady: view.MinReady}, nil
	}
	return domain.PoolHealth{PoolID: pool.ID, MinReady: pool.MinReadyAgents}, nil
}

func (c *Client) Heartbeat(ctx context.Context, pool domain.PoolID, agent string) error {
	path := "/api/pools/" + url.PathEscape(string(pool)) + "/agents/" + url.PathEscape(agent) + "/heartbeat"
	return c.do(ctx, http.MethodPost, path, nil, nil, nil)
}

func (c *Client) PostAgentReply(ctx context.Context, agent, conversationID, body string, mentions []string) (ports.WireMessage, error) {
	path := "/api/agents/" + url.PathEscape(agent) + "/conversations/" + url.PathEscape(conversationID) + "/replies"
	var msg ports.WireMessage
	err := c.do(ctx, http.MethodPost, path, httpapi.AgentReplyRequest{Body: body, Mentions: mentions}, nil, &msg)
	return msg, err
}

func (c *Client) do(ctx context.Context, method, path string, in any, header http.Header, out any) error {
	const op = "httpclient.Client.do"

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		err := c.decodeError(resp)
		c.logger.Debug("relay request failed", slog.String("op", op), slog.String("path", path), slog.Int("status", resp.StatusCode), slog.Any("err", err))
		return err
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// decodeError turns a relay error response back into the domain error the
// relay started from.
func (c *Client) decodeError(resp *http.Response) error {
	var body httpapi.ErrorBody
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := json.Unmarshal(data, &body); err != nil {
		body.Message = strings.TrimSpace(string(data))
	}
	message := body.Message
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusPaymentRequired:
		if len(body.Payment) == 0 {
			return fmt.Errorf("%w: 402 without payment details", domain.ErrMalformedDirective)
		}
		directive, err := domain.DecodePaymentDirective(body.Payment, c.clock.Now())
		if err != nil {
			return err
		}
		return &domain.PaymentRequiredError{Directive: directive}
	case http.StatusGone:
		return domain.ErrSessionExpired
	case http.StatusServiceUnavailable:
		if body.Error == httpapi.CodePoolsNotReady {
			return domain.ErrPoolsNotReady
		}
		return &domain.SettlementError{Retryable: true, Err: errors.New(message)}
	case http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", domain.ErrPaymentRejected, message)
	case http.StatusConflict:
		return domain.ErrAlreadySettled
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", domain.ErrInvalidRequest, message)
	default:
		return fmt.Errorf("relay returned %d: %s", resp.StatusCode, message)
	}
}
