package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/remindmeorg/remindbot/database/db"
)

// ReminderStatus moves only forward: PENDING -> DELIVERING and from there
// to DELIVERED (terminal), FAILED (terminal) or back to PENDING for a
// retry below the attempt limit.
type ReminderStatus string

const (
	StatusPending    ReminderStatus = "PENDING"
	StatusDelivering ReminderStatus = "DELIVERING"
	StatusDelivered  ReminderStatus = "DELIVERED"
	StatusFailed     ReminderStatus = "FAILED"
)

func ParseReminderStatus(s string) (ReminderStatus, error) {
	switch strings.ToUpper(s) {
	case string(StatusPending):
		return StatusPending, nil
	case string(StatusDelivering):
		return StatusDelivering, nil
	case string(StatusDelivered):
		return StatusDelivered, nil
	case string(StatusFailed):
		return StatusFailed, nil
	default:
		return StatusPending, fmt.Errorf("unknown reminder status: %s", s)
	}
}

// Reminder is the durable commitment to post a reply at FireAt. FireAt is
// fixed at creation; RetryAt floats forward as delivery attempts back off.
type Reminder struct {
	ID               string
	SourceMentionID  string
	RequesterHandle  string
	OriginalTweetID  string
	ReplyTarget      string
	RequestedSeconds int64
	CreatedAt        time.Time
	FireAt           time.Time
	RetryAt          time.Time
	Status           ReminderStatus
	AttemptCount     int
	ClaimedAt        *time.Time
	LastError        string
	DeliveredAt      *time.Time
	ReplyTweetID     string
}

func ReminderFromRow(row db.Reminder) (*Reminder, error) {
	status, err := ParseReminderStatus(row.Status)
	if err != nil {
		return nil, err
	}
	reminder := &Reminder{
		ID:               row.ID,
		SourceMentionID:  row.SourceMentionID,
		RequesterHandle:  row.RequesterHandle,
		OriginalTweetID:  row.OriginalTweetID,
		ReplyTarget:      row.ReplyTarget,
		RequestedSeconds: row.RequestedSeconds,
		CreatedAt:        row.CreatedAt,
		FireAt:           row.FireAt,
		RetryAt:          row.RetryAt,
		Status:           status,
		AttemptCount:     row.AttemptCount,
		ClaimedAt:        row.ClaimedAt,
		DeliveredAt:      row.DeliveredAt,
	}
	if row.LastError != nil {
		reminder.LastError = *row.LastError
	}
	if row.ReplyTweetID != nil {
		reminder.ReplyTweetID = *row.ReplyTweetID
	}
	return reminder, nil
}

// Stats is the read-only aggregate exposed by the status surface.
type Stats struct {
	Reminders        map[ReminderStatus]int `json:"reminders"`
	Mentions         map[Outcome]int        `json:"mentions"`
	Cursor           string                 `json:"cursor"`
	LastIngestTick   *time.Time             `json:"lastIngestTick"`
	LastDispatchTick *time.Time             `json:"lastDispatchTick"`
}
