package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/bnema/paychat/internal/application"
	"github.com/bnema/paychat/internal/domain"
	"github.com/bnema/paychat/internal/ports"
)

const maxBodyBytes = 1 << 20

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	info, err := s.relay.CreateSession(r.Context(), req.Wallet)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	send := ports.SendRequest{
		SessionID:      chi.URLParam(r, "sessionID"),
		ConversationID: chi.URLParam(r, "conversationID"),
		Body:           req.Body,
		TargetAgent:    req.TargetAgent,
		SenderWallet:   req.SenderWallet,
	}
	if header := r.Header.Get(PaymentHeader); header != "" {
		transfer, err := DecodePayment(header)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		send.Payment = &transfer
	}

	result, err := s.relay.PostUserMessage(r.Context(), send)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SendMessageResponse{Message: result.Message, Settlement: result.Settlement})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.relay.Messages(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []ports.WireMessage{}
	}
	writeJSON(w, http.StatusOK, MessagesResponse{Messages: msgs})
}

func (s *Server) agentReply(w http.ResponseWriter, r *http.Request) {
	var req AgentReplyRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	msg, err := s.relay.PostAgentReply(r.Context(), chi.URLParam(r, "agent"), chi.URLParam(r, "conversationID"), req.Body, req.Mentions)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	pool := domain.PoolID(chi.URLParam(r, "poolID"))
	if err := s.relay.Heartbeat(r.Context(), pool, chi.URLParam(r, "agent")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listPools(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.relay.Pools(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	views := make([]PoolView, 0, len(statuses))
	for _, status := range statuses {
		views = append(views, NewPoolView(status))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) updateScore(w http.ResponseWriter, r *http.Request) {
	var req ScoreUpdateRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.relay.UpdateScore(r.Context(), application.ScoreUpdate{
		Wallet:          req.UserWallet,
		EvaluationScore: req.EvaluationScore,
		Reason:          req.Reason,
		Category:        req.Category,
		Subcategory:     req.Subcategory,
		AgentID:         req.AgentID,
		MessageID:       req.MessageID,
		PremiumPayment:  req.PremiumServicePayment,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ScoreUpdateResponse{
		PreviousScore: result.Previous,
		NewScore:      result.Current,
		Delta:         result.Delta,
		Feedback:      result.Feedback,
	})
}

func (s *Server) score(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "wallet")
	score, err := s.relay.Score(r.Context(), wallet)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ScoreResponse{Wallet: wallet, Score: score})
}

// NewPoolView flattens a probed pool for the wire.
func NewPoolView(status application.PoolStatus) PoolView {
	agents := status.Pool.Agents
	if agents == nil {
		agents = []string{}
	}
	view := PoolView{
		ID:          status.Pool.ID,
		Name:        status.Pool.Name,
		Active:      status.Pool.Active,
		Agents:      agents,
		ReadyAgents: status.Health.ReadyAgents,
		MinReady:    status.Health.MinReady,
		Healthy:     status.Err == nil && status.Health.Healthy(),
	}
	if status.Err != nil {
		view.Error = status.Err.Error()
	}
	return view
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto status codes the client understands.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Error("request failed",
			slog.String("op", "httpapi.Server.writeError"),
			slog.String("path", r.URL.Path),
			slog.Any("err", err))
	}
	writeJSON(w, status, body)
}

func errorResponse(err error) (int, ErrorBody) {
	var required *domain.PaymentRequiredError
	if errors.As(err, &required) {
		body := ErrorBody{Error: CodePaymentRequired, Message: "payment required"}
		if data, encErr := domain.MarshalPaymentDirective(required.Directive); encErr == nil {
			body.Payment = data
		}
		return http.StatusPaymentRequired, body
	}

	var settlement *domain.SettlementError
	switch {
	case errors.Is(err, domain.ErrSessionExpired):
		return http.StatusGone, ErrorBody{Error: CodeSessionExpired, Message: err.Error()}
	case errors.Is(err, domain.ErrPoolsNotReady):
		return http.StatusServiceUnavailable, ErrorBody{Error: CodePoolsNotReady, Message: err.Error(), Retryable: true}
	case errors.Is(err, domain.ErrSettlementUnavailable):
		return http.StatusServiceUnavailable, ErrorBody{Error: CodeSettlementUnavailable, Message: err.Error(), Retryable: true}
	case errors.Is(err, domain.ErrAlreadySettled):
		return http.StatusConflict, ErrorBody{Error: CodeAlreadySettled, Message: err.Error()}
	case errors.Is(err, domain.ErrPaymentRejected), errors.As(err, &settlement):
		return http.StatusUnprocessableEntity, ErrorBody{Error: CodePaymentRejected, Message: err.Error()}
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest, ErrorBody{Error: CodeInvalidRequest, Message: strings.TrimPrefix(err.Error(), domain.ErrInvalidRequest.Error()+": ")}
	case errors.Is(err, domain.ErrPoolNotFound):
		return http.StatusNotFound, ErrorBody{Error: CodeNotFound, Message: err.Error()}
	default:
		return http.StatusInternalServerError, ErrorBody{Error: CodeInternal, Message: "internal error"}
	}
}
