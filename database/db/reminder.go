package db

import "time"

type Reminder struct {
	ID               string     `db:"id"`
	SourceMentionID  string     `db:"source_mention_id"`
	RequesterHandle  string     `db:"requester_handle"`
	OriginalTweetID  string     `db:"original_tweet_id"`
	ReplyTarget      string     `db:"reply_target"`
	RequestedSeconds int64      `db:"requested_seconds"`
	CreatedAt        time.Time  `db:"created_at"`
	FireAt           time.Time  `db:"fire_at"`
	RetryAt          time.Time  `db:"retry_at"`
	Status           string     `db:"status"`
	AttemptCount     int        `db:"attempt_count"`
	ClaimedAt        *time.Time `db:"claimed_at"`
	LastError        *string    `db:"last_error"`
	DeliveredAt      *time.Time `db:"delivered_at"`
	ReplyTweetID     *string    `db:"reply_tweet_id"`
}
