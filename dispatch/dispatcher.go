/*
Package dispatch delivers due reminders.

Delivery is at-least-once: a reminder is claimed with a conditional
PENDING -> DELIVERING write that only one tick can win, and a claimed
reminder either ends DELIVERED, goes back to PENDING with a backoff floor
for another attempt, or ends FAILED once attempts run out or the reply
target is permanently gone.
*/
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/g8rswimmer/go-twitter/v2"
	"github.com/lucsky/cuid"
	"github.com/remindmeorg/remindbot/database"
	"github.com/remindmeorg/remindbot/duration"
	"github.com/remindmeorg/remindbot/model"

	log "github.com/sirupsen/logrus"
)

const (
	tickTimeout = time.Minute

	// A DELIVERING claim older than this can only belong to a tick that
	// crashed or timed out before recording an outcome; tickTimeout bounds
	// how long a live tick can hold one.
	staleClaimAfter = 5 * tickTimeout

	reminderMsg = "⏰ Hey @%s, your reminder is here! You asked me to remind you about this %s ago."

	// Copied from the Twitter response, beware the risk of this changing over time.
	deletedPostErrorMsg   = "You attempted to reply to a Tweet that is deleted or not visible to you."
	duplicatePostErrorMsg = "You are not allowed to create a Tweet with duplicate content."
)

type ReminderQueue interface {
	RequeueStaleDeliveries(ctx context.Context, staleBefore time.Time) (int, error)
	DueReminders(ctx context.Context, now time.Time) ([]model.Reminder, error)
	ClaimReminder(ctx context.Context, reminderID string) (bool, error)
	MarkDelivered(ctx context.Context, reminderID string, replyTweetID string) error
	MarkRetry(ctx context.Context, reminderID string, lastError string, retryAt time.Time) error
	MarkFailed(ctx context.Context, reminderID string, lastError string) error
	TouchTick(ctx context.Context, key string) error
}

type ReplyPoster interface {
	TweetResponse(ctx context.Context, replyToID string, message string) (*twitter.CreateTweetResponse, error)
}

type DispatchReport struct {
	Requeued  int
	Due       int
	Delivered int
	Retried   int
	Failed    int
	Skipped   int
}

type Dispatcher struct {
	queue           ReminderQueue
	poster          ReplyPoster
	maxAttempts     int
	backoffBase     time.Duration
	interval        time.Duration
	testModeEnabled bool
}

func NewDispatcher(queue ReminderQueue, poster ReplyPoster, maxAttempts int, backoffBase time.Duration, interval time.Duration, isTestMode bool) *Dispatcher {
	return &Dispatcher{
		queue:           queue,
		poster:          poster,
		maxAttempts:     maxAttempts,
		backoffBase:     backoffBase,
		interval:        interval,
		testModeEnabled: isTestMode,
	}
}

func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			log.Debug("exiting Dispatcher by closing channel")
			return nil
		case <-time.After(d.interval):
			tickCtx, cancel := context.WithTimeout(ctx, tickTimeout)
			report, err := d.Tick(tickCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Errorf("error dispatching reminders: %v", err)
				continue
			}
			if report.Due > 0 {
				log.WithField("due", report.Due).WithField("delivered", report.Delivered).WithField("retried", report.Retried).WithField("failed", report.Failed).Info("dispatched reminders")
			}
		}
	}
}

// Tick delivers every reminder that is due, oldest fire time first. Store
// errors abort the tick; delivery failures are absorbed into the reminder's
// own retry state.
func (d *Dispatcher) Tick(ctx context.Context) (DispatchReport, error) {
	var report DispatchReport

	// Sweep claims orphaned by an earlier crashed or cut-off tick back to
	// PENDING before querying, so they come due again.
	requeued, err := d.queue.RequeueStaleDeliveries(ctx, time.Now().UTC().Add(-staleClaimAfter))
	if err != nil {
		return report, err
	}
	report.Requeued = requeued
	if requeued > 0 {
		log.Warnf("requeued %d reminder(s) stuck mid-delivery", requeued)
	}

	due, err := d.queue.DueReminders(ctx, time.Now().UTC())
	if err != nil {
		return report, err
	}
	report.Due = len(due)
	if len(due) > 0 {
		log.Infof("found %d due reminder(s)", len(due))
	}

	for _, reminder := range due {
		claimed, err := d.queue.ClaimReminder(ctx, reminder.ID)
		if err != nil {
			return report, err
		}
		if !claimed {
			// A concurrent tick won the claim
			log.WithField("reminderID", reminder.ID).Debug("reminder claimed elsewhere, skipping")
			report.Skipped++
			continue
		}
		if err := d.deliver(ctx, reminder, &report); err != nil {
			return report, err
		}
	}

	if err := d.queue.TouchTick(ctx, database.StateKeyLastDispatchTick); err != nil {
		log.Warnf("error recording dispatch tick time: %v", err)
	}
	return report, nil
}

func (d *Dispatcher) deliver(ctx context.Context, reminder model.Reminder, report *DispatchReport) error {
	elapsed := duration.Format(time.Duration(reminder.RequestedSeconds) * time.Second)
	message := fmt.Sprintf(reminderMsg, reminder.RequesterHandle, elapsed)

	var replyID string
	var postErr error
	if d.testModeEnabled {
		replyID = cuid.New()
		log.WithField("replyToID", reminder.ReplyTarget).WithField("message", message).Infof("Simulating reminder delivery with post ID %s", replyID)
	} else {
		resp, err := d.poster.TweetResponse(ctx, reminder.ReplyTarget, message)
		if err != nil {
			postErr = err
		} else {
			replyID = resp.Tweet.ID
		}
	}

	if postErr == nil {
		if err := d.queue.MarkDelivered(ctx, reminder.ID, replyID); err != nil {
			return err
		}
		report.Delivered++
		log.WithField("reminderID", reminder.ID).WithField("replyID", replyID).Infof("delivered reminder to @%s", reminder.RequesterHandle)
		return nil
	}

	if isDuplicateReplyError(postErr) {
		// The reply was already posted but never recorded, most likely a
		// crash between posting and MarkDelivered. Record a placeholder ID
		// so the reminder doesn't wedge.
		log.WithField("reminderID", reminder.ID).Warn("duplicate reply detected, recording delivery with placeholder ID")
		if err := d.queue.MarkDelivered(ctx, reminder.ID, cuid.New()); err != nil {
			return err
		}
		report.Delivered++
		return nil
	}

	if isPermanentReplyError(postErr) {
		log.WithField("reminderID", reminder.ID).Errorf("reply target permanently unavailable: %v", postErr)
		if err := d.queue.MarkFailed(ctx, reminder.ID, postErr.Error()); err != nil {
			return err
		}
		report.Failed++
		return nil
	}

	// Transient failure; retry below the attempt limit with exponential
	// backoff, give up at the limit.
	attempts := reminder.AttemptCount + 1
	if attempts >= d.maxAttempts {
		log.WithField("reminderID", reminder.ID).WithField("attempts", attempts).Errorf("delivery attempts exhausted: %v", postErr)
		if err := d.queue.MarkFailed(ctx, reminder.ID, postErr.Error()); err != nil {
			return err
		}
		report.Failed++
		return nil
	}
	retryAt := time.Now().UTC().Add(d.backoffBase << reminder.AttemptCount)
	log.WithField("reminderID", reminder.ID).WithField("attempts", attempts).WithField("retryAt", retryAt).Warnf("delivery failed, will retry: %v", postErr)
	if err := d.queue.MarkRetry(ctx, reminder.ID, postErr.Error(), retryAt); err != nil {
		return err
	}
	report.Retried++
	return nil
}

func isDuplicateReplyError(err error) bool {
	var apiError *twitter.ErrorResponse
	return errors.As(err, &apiError) && apiError.Detail == duplicatePostErrorMsg
}

// isPermanentReplyError reports whether a reply can never succeed: the
// target account or tweet is gone, or the bot is blocked. Everything else
// (timeouts, rate limits, 5xx) is treated as transient.
func isPermanentReplyError(err error) bool {
	var apiError *twitter.ErrorResponse
	if !errors.As(err, &apiError) {
		return false
	}
	if apiError.Detail == deletedPostErrorMsg {
		return true
	}
	switch apiError.StatusCode {
	case 403, 404:
		return true
	default:
		return false
	}
}
