package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/remindmeorg/remindbot/database/db"
)

// Outcome records what ingestion decided about a mention.
type Outcome string

const (
	OutcomeScheduled          Outcome = "SCHEDULED"
	OutcomeRejectedNoDuration Outcome = "REJECTED_NO_DURATION"
	OutcomeRejectedMalformed  Outcome = "REJECTED_MALFORMED"
	OutcomeIgnored            Outcome = "IGNORED"
)

func ParseOutcome(s string) (Outcome, error) {
	switch strings.ToUpper(s) {
	case string(OutcomeScheduled):
		return OutcomeScheduled, nil
	case string(OutcomeRejectedNoDuration):
		return OutcomeRejectedNoDuration, nil
	case string(OutcomeRejectedMalformed):
		return OutcomeRejectedMalformed, nil
	case string(OutcomeIgnored):
		return OutcomeIgnored, nil
	default:
		return OutcomeIgnored, fmt.Errorf("unknown outcome: %s", s)
	}
}

// ProcessedMention is the durable record of one inbound mention, whatever
// ingestion decided about it. The ID is the platform-assigned tweet ID, so
// re-seeing the same mention is a no-op.
type ProcessedMention struct {
	ID           string
	AuthorHandle string
	Text         string
	SeenAt       time.Time
	Outcome      Outcome
}

func MentionFromProcessedMention(pm db.ProcessedMention) (*ProcessedMention, error) {
	outcome, err := ParseOutcome(pm.Outcome)
	if err != nil {
		return nil, err
	}
	return &ProcessedMention{
		ID:           pm.ID,
		AuthorHandle: pm.AuthorHandle,
		Text:         pm.MentionText,
		SeenAt:       pm.SeenAt,
		Outcome:      outcome,
	}, nil
}
