// Package sqlite stores relay sessions, messages, payments and scores in a
// single SQLite file using the pure Go driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bnema/paychat/internal/domain"
	"github.com/bnema/paychat/internal/ports"

	_ "modernc.org/sqlite"
)

const pragmas = "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ ports.RelayStore = (*Store)(nil)

// Open creates the database file if needed and applies pending migrations.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+pragmas)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite serializes writers anyway; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("relay store ready", slog.String("path", path))
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateSession(ctx context.Context, session ports.StoredSession) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, conversation_id, pool_id, wallet, created_at) VALUES (?, ?, ?, ?, ?)`,
		session.ID, session.ConversationID, string(session.PoolID), session.Wallet, session.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Store) SessionByConversation(ctx context.Context, conversationID string) (ports.StoredSession, error) {
	var (
		session   ports.StoredSession
		poolID    string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, pool_id, wallet, created_at FROM sessions WHERE conversation_id = ?`,
		conversationID).Scan(&session.ID, &session.ConversationID, &poolID, &session.Wallet, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ports.StoredSession{}, domain.ErrSessionExpired
	}
	if err != nil {
		return ports.StoredSession{}, fmt.Errorf("select session: %w", err)
	}
	session.PoolID = domain.PoolID(poolID)
	session.CreatedAt = time.UnixMilli(createdAt).UTC()
	return session, nil
}

func (s *Store) AppendMessage(ctx context.Context, msg ports.WireMessage) error {
	mentions := msg.Mentions
	if mentions == nil {
		mentions = []string{}
	}
	mentionsJSON, err := json.Marshal(mentions)
	if err != nil {
		return fmt.Errorf("encode mentions: %w", err)
	}

	var completion sql.NullString
	if msg.Completion != nil {
		data, err := json.Marshal(msg.Completion)
		if err != nil {
			return fmt.Errorf("encode completion: %w", err)
		}
		completion = sql.NullString{String: string(data), Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender, sender_kind, mentions, body, created_at, completion)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Sender, msg.SenderKind, string(mentionsJSON), msg.Body, msg.CreatedAt, completion)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Messages returns the newest limit messages in insertion order. A limit of
// zero or less returns the whole conversation.
func (s *Store) Messages(ctx context.Context, conversationID string, limit int) ([]ports.WireMessage, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, sender, sender_kind, mentions, body, created_at, completion FROM (
		     SELECT * FROM messages WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?
		 ) ORDER BY seq ASC`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	var out []ports.WireMessage
	for rows.Next() {
		var (
			msg        ports.WireMessage
			mentions   string
			completion sql.NullString
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Sender, &msg.SenderKind, &mentions, &msg.Body, &msg.CreatedAt, &completion); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := json.Unmarshal([]byte(mentions), &msg.Mentions); err != nil {
			s.logger.Warn("bad mentions column", slog.String("op", "sqlite.Store.Messages"), slog.String("message_id", msg.ID), slog.Any("err", err))
		}
		if completion.Valid {
			var c domain.PaymentCompletion
			if err := json.Unmarshal([]byte(completion.String), &c); err == nil {
				msg.Completion = &c
			}
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func (s *Store) SavePendingPayment(ctx context.Context, pending ports.PendingPayment) error {
	d := pending.Directive
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_payments
		     (payment_id, conversation_id, target_agent, recipient, amount, currency, network, service_type, reason, issued_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (payment_id) DO UPDATE SET
		     conversation_id = excluded.conversation_id,
		     target_agent = excluded.target_agent,
		     recipient = excluded.recipient,
		     amount = excluded.amount,
		     currency = excluded.currency,
		     network = excluded.network,
		     service_type = excluded.service_type,
		     reason = excluded.reason,
		     issued_at = excluded.issued_at,
		     expires_at = excluded.expires_at`,
		string(d.ID), pending.ConversationID, pending.TargetAgent, d.Recipient, int64(d.Amount), d.Currency, d.Network,
		d.ServiceType, d.Reason, d.IssuedAt.UnixMilli(), d.ExpiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert pending payment: %w", err)
	}
	return nil
}

func (s *Store) PendingPayment(ctx context.Context, id domain.PaymentID) (ports.PendingPayment, error) {
	var (
		pending   ports.PendingPayment
		d         domain.PaymentDirective
		paymentID string
		amount    int64
		issuedAt  int64
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT payment_id, conversation_id, target_agent, recipient, amount, currency, network, service_type, reason, issued_at, expires_at
		 FROM pending_payments WHERE payment_id = ?`, string(id)).
		Scan(&paymentID, &pending.ConversationID, &pending.TargetAgent, &d.Recipient, &amount, &d.Currency, &d.Network,
			&d.ServiceType, &d.Reason, &issuedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ports.PendingPayment{}, domain.ErrPaymentNotFound
	}
	if err != nil {
		return ports.PendingPayment{}, fmt.Errorf("select pending payment: %w", err)
	}
	d.ID = domain.PaymentID(paymentID)
	d.Amount = domain.Amount(amount)
	d.IssuedAt = time.UnixMilli(issuedAt).UTC()
	d.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	pending.Directive = d
	return pending, nil
}

func (s *Store) ClaimSettlement(ctx context.Context, id domain.PaymentID, claimedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settlement_claims (payment_id, claimed_at) VALUES (?, ?)`,
		string(id), claimedAt.UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s is already being settled", domain.ErrAlreadySettled, id)
		}
		return fmt.Errorf("insert settlement claim: %w", err)
	}
	return nil
}

func (s *Store) ReleaseSettlement(ctx context.Context, id domain.PaymentID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM settlement_claims WHERE payment_id = ?`, string(id)); err != nil {
		return fmt.Errorf("delete settlement claim: %w", err)
	}
	return nil
}

// RecordSettlement fails with domain.ErrAlreadySettled when the payment id was
// settled before.
func (s *Store) RecordSettlement(ctx context.Context, receipt domain.SettlementReceipt, settledAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settlements (payment_id, signature, amount, settled_at) VALUES (?, ?, ?, ?)`,
		string(receipt.PaymentID), receipt.Signature, int64(receipt.Amount), settledAt.UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", domain.ErrAlreadySettled, receipt.PaymentID)
		}
		return fmt.Errorf("insert settlement: %w", err)
	}
	return nil
}

func (s *Store) Settlement(ctx context.Context, id domain.PaymentID) (domain.SettlementReceipt, error) {
	var (
		receipt domain.SettlementReceipt
		pid     string
		amount  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT payment_id, signature, amount FROM settlements WHERE payment_id = ?`, string(id)).
		Scan(&pid, &receipt.Signature, &amount)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SettlementReceipt{}, domain.ErrPaymentNotFound
	}
	if err != nil {
		return domain.SettlementReceipt{}, fmt.Errorf("select settlement: %w", err)
	}
	receipt.PaymentID = domain.PaymentID(pid)
	receipt.Amount = domain.Amount(amount)
	return receipt, nil
}

// Score returns zero for wallets that were never scored.
func (s *Store) Score(ctx context.Context, wallet string) (int, error) {
	var score int
	err := s.db.QueryRowContext(ctx, `SELECT score FROM scores WHERE wallet = ?`, wallet).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("select score: %w", err)
	}
	return score, nil
}

func (s *Store) SaveScore(ctx context.Context, wallet string, score int, updatedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scores (wallet, score, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (wallet) DO UPDATE SET score = excluded.score, updated_at = excluded.updated_at`,
		wallet, score, updatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert score: %w", err)
	}
	return nil
}

// PruneSessions removes sessions created before the cutoff together with
// their messages and pending payments. Settlements and scores are kept.
func (s *Store) PruneSessions(ctx context.Context, createdBefore time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := createdBefore.UnixMilli()
	stale := `SELECT conversation_id FROM sessions WHERE created_at < ?`
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id IN (`+stale+`)`, cutoff); err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_payments WHERE conversation_id IN (`+stale+`)`, cutoff); err != nil {
		return 0, fmt.Errorf("prune pending payments: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return int(n), nil
}
