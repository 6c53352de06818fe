package db

import "time"

type ProcessedMention struct {
	ID           string    `db:"id"`
	AuthorHandle string    `db:"author_handle"`
	MentionText  string    `db:"mention_text"`
	SeenAt       time.Time `db:"seen_at"`
	Outcome      string    `db:"outcome"`
}
