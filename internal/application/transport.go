package application

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bnema/paychat/internal/ports"
	"golang.org/x/time/rate"
)

type TransportPhase string

const (
	PhaseIdle       TransportPhase = "idle"
	PhaseConnecting TransportPhase = "connecting"
	PhaseLive       TransportPhase = "live"
	PhaseError      TransportPhase = "error"
	PhaseStalled    TransportPhase = "stalled"
)

type DeliveryPath string

const (
	PathNone   DeliveryPath = "none"
	PathStream DeliveryPath = "stream"
	PathPoll   DeliveryPath = "poll"
)

type TransportConfig struct {
	LiveDeadline      time.Duration
	PollInterval      time.Duration
	StallAfter        time.Duration
	QuietWindow       time.Duration
	ReconnectCooldown time.Duration
	EmptyPollLimit    int
}

func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		LiveDeadline:      4 * time.Second,
		PollInterval:      3 * time.Second,
		StallAfter:        45 * time.Second,
		QuietWindow:       3 * time.Minute,
		ReconnectCooldown: 5 * time.Second,
		EmptyPollLimit:    10,
	}
}

func (c TransportConfig) withDefaults() TransportConfig {
	def := DefaultTransportConfig()
	if c.LiveDeadline <= 0 {
		c.LiveDeadline = def.LiveDeadline
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.StallAfter <= 0 {
		c.StallAfter = def.StallAfter
	}
	if c.QuietWindow <= 0 {
		c.QuietWindow = def.QuietWindow
	}
	if c.ReconnectCooldown <= 0 {
		c.ReconnectCooldown = def.ReconnectCooldown
	}
	if c.EmptyPollLimit <= 0 {
		c.EmptyPollLimit = def.EmptyPollLimit
	}
	return c
}

type TransportStatus struct {
	Phase      TransportPhase
	Active     DeliveryPath
	Armed      bool
	Polling    bool
	EmptyPolls int
}

// Delivery is what a transport event contributes to the session.
type Delivery struct {
	Messages []ports.WireMessage
	From     DeliveryPath
	Err      error
}

type emitFunc func(event) bool

// TransportManager owns the live stream and the fallback poller for one
// conversation. Its methods are only called from the session loop; the
// goroutines it starts report back through emit and are identified by token,
// so a torn-down handle can never mutate newer state.
type TransportManager struct {
	cfg            TransportConfig
	dialer         ports.StreamDialer
	poller         ports.ChatAPI
	conversationID string
	emit           emitFunc
	logger         *slog.Logger
	limiter        *rate.Limiter

	phase      TransportPhase
	armed      bool
	attempt    int
	emptyPolls int

	nextToken      uint64
	streamToken    uint64
	pollToken      uint64
	liveToken      uint64
	quietToken     uint64
	reconnectToken uint64

	streamCancel context.CancelFunc
	pollCancel   context.CancelFunc
	liveTimer    *time.Timer
	quietTimer   *time.Timer
	retryTimer   *time.Timer
}

func NewTransportManager(cfg TransportConfig, dialer ports.StreamDialer, poller ports.ChatAPI, emit emitFunc, logger *slog.Logger) *TransportManager {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &TransportManager{
		cfg:     cfg,
		dialer:  dialer,
		poller:  poller,
		emit:    emit,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(cfg.ReconnectCooldown), 1),
		phase:   PhaseIdle,
	}
}

// SetConversation points the manager at a new conversation. Any running
// delivery is torn down first.
func (m *TransportManager) SetConversation(conversationID string) {
	if m.conversationID == conversationID {
		return
	}
	m.Disarm()
	m.conversationID = conversationID
}

func (m *TransportManager) Status() TransportStatus {
	return TransportStatus{
		Phase:      m.phase,
		Active:     m.Active(),
		Armed:      m.armed,
		Polling:    m.pollCancel != nil,
		EmptyPolls: m.emptyPolls,
	}
}

// Active names the path currently delivering. The stream wins once live; the
// poller is stopped at that point.
func (m *TransportManager) Active() DeliveryPath {
	switch {
	case m.phase == PhaseLive:
		return PathStream
	case m.pollCancel != nil:
		return PathPoll
	default:
		return PathNone
	}
}

// Arm starts delivery after a send or a payment. It is a no-op for the parts
// that are already running.
func (m *TransportManager) Arm(ctx context.Context) {
	m.stopQuietTimer()
	m.armed = true
	m.emptyPolls = 0

	switch m.phase {
	case PhaseLive:
		return
	case PhaseConnecting:
	default:
		m.connect(ctx)
	}

	if m.liveTimer == nil {
		m.liveToken = m.newToken()
		token := m.liveToken
		m.liveTimer = time.AfterFunc(m.cfg.LiveDeadline, func() {
			m.emit(liveDeadline{token: token})
		})
	}
}

// Disarm tears everything down. The next Arm starts again from Idle.
func (m *TransportManager) Disarm() {
	m.armed = false
	m.stopStream()
	m.stopPolling()
	m.stopLiveTimer()
	m.stopQuietTimer()
	m.stopRetryTimer()
	m.phase = PhaseIdle
	m.attempt = 0
	m.emptyPolls = 0
}

// Handle applies a transport event. Events from stale handles are ignored.
func (m *TransportManager) Handle(ctx context.Context, ev transportEvent) Delivery {
	switch e := ev.(type) {
	case streamOpened:
		if e.token != m.streamToken || m.streamCancel == nil {
			return Delivery{}
		}
		m.phase = PhaseLive
		m.attempt = 0
		m.stopLiveTimer()
		m.stopPolling()
		m.logger.Info("stream live", slog.String("conversation_id", m.conversationID))
		return Delivery{}

	case streamFrame:
		if e.token != m.streamToken || m.phase != PhaseLive {
			return Delivery{}
		}
		return Delivery{Messages: e.messages, From: PathStream}

	case streamFailed:
		if e.token != m.streamToken || m.streamCancel == nil {
			return Delivery{}
		}
		m.stopStream()
		m.phase = PhaseError
		if e.stalled {
			m.phase = PhaseStalled
		}
		m.attempt++
		m.logger.Warn("stream lost",
			slog.String("op", "application.TransportManager.Handle"),
			slog.String("phase", string(m.phase)),
			slog.Int("attempt", m.attempt),
			slog.Any("err", e.err))
		if m.armed {
			m.startPolling(ctx)
			m.scheduleReconnect(ctx)
		}
		return Delivery{}

	case pollResult:
		if !e.oneShot && e.token != m.pollToken {
			return Delivery{}
		}
		if e.err != nil {
			return Delivery{From: PathPoll, Err: e.err}
		}
		return Delivery{Messages: e.messages, From: PathPoll}

	case liveDeadline:
		if e.token != m.liveToken {
			return Delivery{}
		}
		m.liveTimer = nil
		if m.armed && m.phase != PhaseLive {
			m.logger.Info("stream not live yet, polling", slog.String("conversation_id", m.conversationID))
			m.startPolling(ctx)
		}
		return Delivery{}

	case reconnectDue:
		if e.token != m.reconnectToken {
			return Delivery{}
		}
		m.retryTimer = nil
		if m.armed && m.phase != PhaseLive && m.phase != PhaseConnecting {
			m.dial(ctx)
		}
		return Delivery{}

	case quietElapsed:
		if e.token != m.quietToken {
			return Delivery{}
		}
		m.quietTimer = nil
		m.logger.Info("conversation quiet, disarming", slog.String("conversation_id", m.conversationID))
		m.Disarm()
		return Delivery{}
	}

	return Delivery{}
}

// ObservePoll feeds back whether a poll produced anything new. Enough empty
// polls in a row stop the poller.
func (m *TransportManager) ObservePoll(fresh bool) {
	if fresh {
		m.emptyPolls = 0
		return
	}
	m.emptyPolls++
	if m.emptyPolls >= m.cfg.EmptyPollLimit && m.pollCancel != nil {
		m.logger.Info("poller idle, stopping", slog.Int("empty_polls", m.emptyPolls))
		m.stopPolling()
	}
}

// ObserveFinalReply restarts the quiet window after a genuine agent reply.
func (m *TransportManager) ObserveFinalReply() {
	if !m.armed {
		return
	}
	m.stopQuietTimer()
	m.quietToken = m.newToken()
	token := m.quietToken
	m.quietTimer = time.AfterFunc(m.cfg.QuietWindow, func() {
		m.emit(quietElapsed{token: token})
	})
}

// ObserveActivity pushes back a running quiet window.
func (m *TransportManager) ObserveActivity() {
	if m.quietTimer != nil {
		m.ObserveFinalReply()
	}
}

// PollOnce runs a single poll outside the regular poller.
func (m *TransportManager) PollOnce(ctx context.Context) {
	if m.conversationID == "" {
		return
	}
	conversationID := m.conversationID
	go func() {
		messages, err := m.poller.Poll(ctx, conversationID)
		m.emit(pollResult{messages: messages, err: err, oneShot: true})
	}()
}

func (m *TransportManager) connect(ctx context.Context) {
	if m.retryTimer != nil {
		return
	}
	if r := m.limiter.Reserve(); r.OK() {
		if delay := r.Delay(); delay > 0 {
			m.scheduleAfter(delay)
			return
		}
	}
	m.dial(ctx)
}

func (m *TransportManager) scheduleReconnect(ctx context.Context) {
	if m.retryTimer != nil {
		return
	}
	delay := ExponentialDelay(m.attempt, backoffBase, backoffCap)
	if r := m.limiter.Reserve(); r.OK() {
		delay = max(delay, r.Delay())
	}
	m.scheduleAfter(delay)
}

func (m *TransportManager) scheduleAfter(delay time.Duration) {
	m.reconnectToken = m.newToken()
	token := m.reconnectToken
	m.retryTimer = time.AfterFunc(delay, func() {
		m.emit(reconnectDue{token: token})
	})
}

func (m *TransportManager) dial(ctx context.Context) {
	if m.conversationID == "" {
		return
	}
	m.stopStream()
	m.phase = PhaseConnecting

	streamCtx, cancel := context.WithCancel(ctx)
	m.streamCancel = cancel
	m.streamToken = m.newToken()
	token := m.streamToken
	conversationID := m.conversationID
	stallAfter := m.cfg.StallAfter

	go func() {
		conn, err := m.dialer.Dial(streamCtx, conversationID)
		if err != nil {
			m.emit(streamFailed{token: token, err: err})
			return
		}
		stop := context.AfterFunc(streamCtx, func() { _ = conn.Close() })
		defer stop()
		defer conn.Close()

		if !m.emit(streamOpened{token: token}) {
			return
		}

		for {
			readCtx, cancelRead := context.WithTimeout(streamCtx, stallAfter)
			ev, err := conn.Next(readCtx)
			cancelRead()
			if err != nil {
				if streamCtx.Err() != nil {
					return
				}
				stalled := errors.Is(err, context.DeadlineExceeded)
				m.emit(streamFailed{token: token, err: err, stalled: stalled})
				return
			}
			if ev.Type != ports.StreamEventMessages || len(ev.Messages) == 0 {
				continue
			}
			if !m.emit(streamFrame{token: token, messages: ev.Messages}) {
				return
			}
		}
	}()
}

func (m *TransportManager) startPolling(ctx context.Context) {
	if m.pollCancel != nil || m.phase == PhaseLive || m.conversationID == "" {
		return
	}
	m.emptyPolls = 0

	pollCtx, cancel := context.WithCancel(ctx)
	m.pollCancel = cancel
	m.pollToken = m.newToken()
	token := m.pollToken
	conversationID := m.conversationID
	interval := m.cfg.PollInterval

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			messages, err := m.poller.Poll(pollCtx, conversationID)
			if pollCtx.Err() != nil {
				return
			}
			if !m.emit(pollResult{token: token, messages: messages, err: err}) {
				return
			}
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (m *TransportManager) stopStream() {
	if m.streamCancel != nil {
		m.streamCancel()
		m.streamCancel = nil
	}
	m.streamToken = m.newToken()
}

func (m *TransportManager) stopPolling() {
	if m.pollCancel != nil {
		m.pollCancel()
		m.pollCancel = nil
	}
	m.pollToken = m.newToken()
}

func (m *TransportManager) stopLiveTimer() {
	if m.liveTimer != nil {
		m.liveTimer.Stop()
		m.liveTimer = nil
	}
	m.liveToken = m.newToken()
}

func (m *TransportManager) stopQuietTimer() {
	if m.quietTimer != nil {
		m.quietTimer.Stop()
		m.quietTimer = nil
	}
	m.quietToken = m.newToken()
}

func (m *TransportManager) stopRetryTimer() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.reconnectToken = m.newToken()
}

func (m *TransportManager) newToken() uint64 {
	m.nextToken++
	return m.nextToken
}
