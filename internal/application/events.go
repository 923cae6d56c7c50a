package application

import (
	"github.com/bnema/paychat/internal/domain"
	"github.com/bnema/paychat/internal/ports"
)

// event is anything delivered to a Session inbox. Every event source, from the
// stream reader to timers and payment continuations, only ever posts events;
// state is mutated by the loop alone.
type event interface {
	isEvent()
}

type transportEvent interface {
	event
	transportToken() uint64
}

type streamOpened struct{ token uint64 }

type streamFrame struct {
	token    uint64
	messages []ports.WireMessage
}

type streamFailed struct {
	token   uint64
	err     error
	stalled bool
}

type pollResult struct {
	token    uint64
	messages []ports.WireMessage
	err      error
	oneShot  bool
}

type liveDeadline struct{ token uint64 }

type reconnectDue struct{ token uint64 }

type quietElapsed struct{ token uint64 }

type sendRequested struct {
	body   string
	target string
	// attempt counts the session re-creates this message has already caused.
	attempt int
	done    chan error
}

type sendFinished struct {
	optimisticID domain.MessageID
	body         string
	target       string
	sessionID    string
	attempt      int
	result       ports.SendResult
	err          error
}

type paymentProgress struct {
	id      domain.PaymentID
	state   domain.PaymentState
	receipt *domain.SettlementReceipt
	message *ports.WireMessage
	err     error
}

type paymentRetryRequested struct {
	id   domain.PaymentID
	done chan error
}

type followRequested struct {
	done chan error
}

type settlementGrace struct {
	id    domain.PaymentID
	token uint64
}

type scoreFetchDue struct{ token uint64 }

type scoreFetched struct {
	token uint64
	score int
	err   error
}

type sessionRecreated struct {
	info ports.SessionInfo
	err  error
}

func (streamOpened) isEvent()          {}
func (streamFrame) isEvent()           {}
func (streamFailed) isEvent()          {}
func (pollResult) isEvent()            {}
func (liveDeadline) isEvent()          {}
func (reconnectDue) isEvent()          {}
func (quietElapsed) isEvent()          {}
func (sendRequested) isEvent()         {}
func (sendFinished) isEvent()          {}
func (paymentProgress) isEvent()       {}
func (paymentRetryRequested) isEvent() {}
func (followRequested) isEvent()       {}
func (settlementGrace) isEvent()       {}
func (scoreFetchDue) isEvent()         {}
func (scoreFetched) isEvent()          {}
func (sessionRecreated) isEvent()      {}

func (e streamOpened) transportToken() uint64 { return e.token }
func (e streamFrame) transportToken() uint64  { return e.token }
func (e streamFailed) transportToken() uint64 { return e.token }
func (e pollResult) transportToken() uint64   { return e.token }
func (e liveDeadline) transportToken() uint64 { return e.token }
func (e reconnectDue) transportToken() uint64 { return e.token }
func (e quietElapsed) transportToken() uint64 { return e.token }
