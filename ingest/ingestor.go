/*
Package ingest polls the bot's mention timeline and turns qualifying
mentions into scheduled reminders.

Each tick drains every page of mentions newer than the stored cursor,
processes them oldest-first, and only advances the cursor once the whole
batch is durably recorded. A crash mid-batch means the next tick re-fetches
the same range; the processed-mention dedup makes that a no-op.
*/
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/g8rswimmer/go-twitter/v2"
	"github.com/remindmeorg/remindbot/database"
	"github.com/remindmeorg/remindbot/duration"
	"github.com/remindmeorg/remindbot/model"
	twitterutil "github.com/remindmeorg/remindbot/twitter"

	log "github.com/sirupsen/logrus"
)

const (
	// Multi-page drains can take a while on a backlog
	tickTimeout = 2 * time.Minute

	confirmationMsg = "⏰ Got it, @%s! I'll remind you in %s (around %s)."
	helpMsg         = "Sorry @%s, I couldn't understand that time. Try something like:\n• @%s 3 months\n• @%s 2 weeks\n• @%s 1 year"

	confirmationTimeLayout = "January 02, 2006 at 15:04 UTC"
)

type MentionSource interface {
	GetAllTimelineMentionsSince(ctx context.Context, sinceID string) ([]*twitter.TweetDictionary, error)
	TweetResponse(ctx context.Context, replyToID string, message string) (*twitter.CreateTweetResponse, error)
	BotUserName() string
}

type ReminderScheduler interface {
	MentionProcessed(ctx context.Context, mentionID string) (bool, error)
	RecordMention(ctx context.Context, mention model.ProcessedMention) error
	ScheduleReminder(ctx context.Context, mention model.ProcessedMention, reminder model.Reminder) (string, error)
	Cursor(ctx context.Context) (string, error)
	SetCursor(ctx context.Context, mentionID string) error
	TouchTick(ctx context.Context, key string) error
}

type IngestReport struct {
	Processed int
	Scheduled int
	Rejected  int
	Ignored   int
	Skipped   int
}

type Ingestor struct {
	source          MentionSource
	store           ReminderScheduler
	maxDuration     time.Duration
	interval        time.Duration
	testModeEnabled bool
}

func NewIngestor(source MentionSource, store ReminderScheduler, maxDuration time.Duration, interval time.Duration, isTestMode bool) *Ingestor {
	return &Ingestor{
		source:          source,
		store:           store,
		maxDuration:     maxDuration,
		interval:        interval,
		testModeEnabled: isTestMode,
	}
}

// Run polls on the configured interval until the context closes. Tick
// errors leave the cursor untouched, so the next pass retries the same
// mention range.
func (i *Ingestor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			log.Debug("exiting Ingestor by closing channel")
			return nil
		case <-time.After(i.interval):
			tickCtx, cancel := context.WithTimeout(ctx, tickTimeout)
			report, err := i.Tick(tickCtx)
			cancel()
			if err != nil {
				if rateLimit, ok := twitter.RateLimitFromError(err); ok {
					// If we hit the rate limit, sleep until it resets and try again
					log.WithField("limit", rateLimit.Limit).WithField("remaining", rateLimit.Remaining).Warnf("X rate limit encountered, sleeping for %fs", time.Until(rateLimit.Reset.Time()).Seconds())
					time.Sleep(time.Until(rateLimit.Reset.Time()))
					continue
				}
				if ctx.Err() != nil {
					return nil
				}
				log.Errorf("error ingesting mentions: %v", err)
				continue
			}
			if report.Processed > 0 {
				log.WithField("processed", report.Processed).WithField("scheduled", report.Scheduled).WithField("rejected", report.Rejected).WithField("ignored", report.Ignored).Info("ingested mentions")
			}
		}
	}
}

/*
Tick fetches all mentions newer than the cursor and processes them in
order. A store or fetch error aborts the tick before the cursor advances;
per-mention parse failures and advisory reply failures never abort the
batch.
*/
func (i *Ingestor) Tick(ctx context.Context) (IngestReport, error) {
	var report IngestReport

	cursor, err := i.store.Cursor(ctx)
	if err != nil {
		return report, err
	}

	tweets, err := i.source.GetAllTimelineMentionsSince(ctx, cursor)
	if err != nil {
		return report, err
	}

	for _, tweet := range tweets {
		if err := i.processMention(ctx, tweet, &report); err != nil {
			return report, err
		}
	}

	// The batch is durably recorded, so the cursor may move. Tweets arrive
	// oldest-first, so the last one is the newest seen.
	if len(tweets) > 0 {
		if err := i.store.SetCursor(ctx, tweets[len(tweets)-1].Tweet.ID); err != nil {
			return report, err
		}
	}

	if err := i.store.TouchTick(ctx, database.StateKeyLastIngestTick); err != nil {
		log.Warnf("error recording ingest tick time: %v", err)
	}
	return report, nil
}

func (i *Ingestor) processMention(ctx context.Context, tweet *twitter.TweetDictionary, report *IngestReport) error {
	tweetID := tweet.Tweet.ID
	authorHandle := tweet.Author.UserName

	processed, err := i.store.MentionProcessed(ctx, tweetID)
	if err != nil {
		return err
	}
	if processed {
		// Overlapping fetches re-serve old mentions; nothing to do
		log.WithField("tweetID", tweetID).Debug("mention already processed, skipping")
		report.Skipped++
		return nil
	}
	report.Processed++

	mention := model.ProcessedMention{
		ID:           tweetID,
		AuthorHandle: authorHandle,
		Text:         tweet.Tweet.Text,
	}

	originalTweetID, isReply := twitterutil.RepliedToTweetID(tweet)
	if !isReply {
		// A top-level mention has nothing to time-bound a reminder against
		mention.Outcome = model.OutcomeIgnored
		if err := i.store.RecordMention(ctx, mention); err != nil {
			return err
		}
		report.Ignored++
		return nil
	}

	requested, err := duration.Parse(tweet.Tweet.Text, i.maxDuration)
	if err != nil {
		mention.Outcome = model.OutcomeRejectedMalformed
		var parseErr *duration.ParseError
		if errors.As(err, &parseErr) && parseErr.Kind == duration.ErrNoDurationFound {
			mention.Outcome = model.OutcomeRejectedNoDuration
		}
		if err := i.store.RecordMention(ctx, mention); err != nil {
			return err
		}
		report.Rejected++
		log.WithField("tweetID", tweetID).WithField("outcome", mention.Outcome).Infof("could not parse duration from mention: %v", err)
		bot := i.source.BotUserName()
		i.postAdvisoryReply(ctx, tweetID, fmt.Sprintf(helpMsg, authorHandle, bot, bot, bot))
		return nil
	}

	now := time.Now().UTC()
	reminder := model.Reminder{
		RequesterHandle: authorHandle,
		OriginalTweetID: originalTweetID,
		// Reply to the mention itself so the requester is notified in-thread
		ReplyTarget:      tweetID,
		RequestedSeconds: int64(requested / time.Second),
		CreatedAt:        now,
		FireAt:           now.Add(requested),
	}
	reminderID, err := i.store.ScheduleReminder(ctx, mention, reminder)
	if err != nil {
		return err
	}
	if reminderID == "" {
		// Lost a race with another fetch of the same mention
		report.Skipped++
		return nil
	}
	report.Scheduled++
	log.WithField("tweetID", tweetID).WithField("reminderID", reminderID).WithField("fireAt", reminder.FireAt).Infof("scheduled reminder for @%s in %s", authorHandle, duration.Format(requested))

	confirmation := fmt.Sprintf(confirmationMsg, authorHandle, duration.Format(requested), reminder.FireAt.Format(confirmationTimeLayout))
	i.postAdvisoryReply(ctx, tweetID, confirmation)
	return nil
}

// postAdvisoryReply posts a confirmation or help reply. The reminder row is
// the authoritative commitment; these replies are best-effort and a failure
// is logged, never retried.
func (i *Ingestor) postAdvisoryReply(ctx context.Context, replyToID string, message string) {
	if i.testModeEnabled {
		log.WithField("replyToID", replyToID).WithField("message", message).Info("simulating advisory reply")
		return
	}
	if _, err := i.source.TweetResponse(ctx, replyToID, message); err != nil {
		log.WithField("replyToID", replyToID).Errorf("error posting advisory reply: %v", err)
	}
}
