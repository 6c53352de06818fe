package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/remindmeorg/remindbot/model"
	twitterutil "github.com/remindmeorg/remindbot/twitter"

	log "github.com/sirupsen/logrus"
)

// StatsReader is the read-only slice of the store the status surface needs.
type StatsReader interface {
	Stats(ctx context.Context) (*model.Stats, error)
	UpcomingReminders(ctx context.Context, limit int) ([]model.Reminder, error)
	RecentMentions(ctx context.Context, limit int) ([]model.ProcessedMention, error)
}

type Healthchecker struct {
	Server http.Server
}

func NewHealthchecker(healthcheckPort int, store StatsReader, botUserName string, staleAfter time.Duration) Healthchecker {
	mux := http.NewServeMux()
	mux.Handle("/health", handleHealthcheck(store, staleAfter, time.Now()))
	mux.Handle("/api/stats", handleStats(store, botUserName))
	mux.Handle("/", handleStatusPage(store, botUserName))
	return Healthchecker{
		Server: http.Server{
			Addr:    fmt.Sprintf("0.0.0.0:%d", healthcheckPort),
			Handler: mux,
		},
	}
}

// A tick timestamp older than staleAfter means a loop has stopped making
// progress, so deployed instances get restarted by their supervisor. A loop
// that has never recorded a tick counts from process start, so an instance
// that never gets going also reads stale instead of healthy forever.
func handleHealthcheck(store StatsReader, staleAfter time.Duration, startedAt time.Time) http.Handler {
	return http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			log.Debug("received healthcheck request")
			stats, err := store.Stats(r.Context())
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": err.Error()})
				return
			}
			status := "healthy"
			code := http.StatusOK
			for _, tick := range []*time.Time{stats.LastIngestTick, stats.LastDispatchTick} {
				if tick == nil {
					tick = &startedAt
				}
				if time.Since(*tick) > staleAfter {
					status = "stale"
					code = http.StatusServiceUnavailable
				}
			}
			writeJSON(w, code, map[string]interface{}{
				"status":           status,
				"timestamp":        time.Now().UTC().Format(time.RFC3339),
				"lastIngestTick":   stats.LastIngestTick,
				"lastDispatchTick": stats.LastDispatchTick,
			})
		},
	)
}

func handleStats(store StatsReader, botUserName string) http.Handler {
	return http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			stats, err := store.Stats(r.Context())
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"botUserName": botUserName,
				"stats":       stats,
			})
		},
	)
}

func handleStatusPage(store StatsReader, botUserName string) http.Handler {
	type upcoming struct {
		RequesterHandle string    `json:"requesterHandle"`
		FireAt          time.Time `json:"fireAt"`
	}
	type recent struct {
		AuthorHandle string        `json:"authorHandle"`
		TweetURL     string        `json:"tweetURL"`
		Outcome      model.Outcome `json:"outcome"`
		SeenAt       time.Time     `json:"seenAt"`
	}
	return http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			stats, err := store.Stats(r.Context())
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			reminders, err := store.UpcomingReminders(r.Context(), 10)
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			mentions, err := store.RecentMentions(r.Context(), 10)
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			upcomingReminders := make([]upcoming, 0, len(reminders))
			for _, reminder := range reminders {
				upcomingReminders = append(upcomingReminders, upcoming{
					RequesterHandle: reminder.RequesterHandle,
					FireAt:          reminder.FireAt,
				})
			}
			recentMentions := make([]recent, 0, len(mentions))
			for _, mention := range mentions {
				recentMentions = append(recentMentions, recent{
					AuthorHandle: mention.AuthorHandle,
					TweetURL:     twitterutil.ConstructTweetURL(mention.AuthorHandle, mention.ID),
					Outcome:      mention.Outcome,
					SeenAt:       mention.SeenAt,
				})
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"botUserName":    botUserName,
				"stats":          stats,
				"upcoming":       upcomingReminders,
				"recentMentions": recentMentions,
				"serverTime":     time.Now().UTC().Format(time.RFC3339),
			})
		},
	)
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Errorf("error writing response: %v", err)
	}
}
