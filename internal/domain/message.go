package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type MessageID string

const OptimisticPrefix = "optimistic-"

// NewOptimisticID returns a local id that can never collide with a server id.
func NewOptimisticID() MessageID {
	return MessageID(OptimisticPrefix + uuid.NewString())
}

func (id MessageID) IsOptimistic() bool {
	return strings.HasPrefix(string(id), OptimisticPrefix)
}

// Classification is computed once at ingestion and carried with the message.
type Classification string

const (
	ClassUserDirected      Classification = "user-directed"
	ClassSideChannel       Classification = "side-channel"
	ClassSystemPlaceholder Classification = "system-placeholder"
)

const SystemSender = "system"

type PaymentCompletion struct {
	PaymentID PaymentID `json:"payment_id"`
	Signature string    `json:"signature"`
}

type Message struct {
	ID              MessageID
	ConversationID  string
	Sender          string
	Mentions        []string
	Body            string
	RawBody         string
	CreatedAt       time.Time
	AgentOriginated bool
	Class           Classification
	Completion      *PaymentCompletion
}

// IsFinalAgentReply reports whether the message is a genuine agent reply
// addressed to the user.
func (m Message) IsFinalAgentReply() bool {
	return m.AgentOriginated && m.Class == ClassUserDirected
}

// NormalizeBody folds whitespace and case so an optimistic entry can be matched
// against the server copy of the same text.
func NormalizeBody(body string) string {
	return strings.ToLower(strings.Join(strings.Fields(body), " "))
}

// Classify assigns the three-valued classification. user is the local
// participant identity (usually the wallet address).
func Classify(sender string, agentOriginated bool, mentions []string, user string) Classification {
	if sender == SystemSender {
		return ClassSystemPlaceholder
	}
	if !agentOriginated {
		return ClassUserDirected
	}
	if len(mentions) == 0 {
		return ClassUserDirected
	}
	for _, mention := range mentions {
		name := strings.TrimPrefix(mention, "@")
		if name == "" || strings.EqualFold(name, user) || strings.EqualFold(name, "user") {
			return ClassUserDirected
		}
	}
	return ClassSideChannel
}
