package ingest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/g8rswimmer/go-twitter/v2"
	"github.com/remindmeorg/remindbot/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockMentionSource struct {
	mock.Mock
}

func (m *MockMentionSource) GetAllTimelineMentionsSince(ctx context.Context, sinceID string) ([]*twitter.TweetDictionary, error) {
	args := m.Called(ctx, sinceID)
	return args.Get(0).([]*twitter.TweetDictionary), args.Error(1)
}

func (m *MockMentionSource) TweetResponse(ctx context.Context, replyToID string, message string) (*twitter.CreateTweetResponse, error) {
	args := m.Called(ctx, replyToID, message)
	return args.Get(0).(*twitter.CreateTweetResponse), args.Error(1)
}

func (m *MockMentionSource) BotUserName() string {
	return "RemindMeXplz"
}

type MockReminderScheduler struct {
	mock.Mock
}

func (m *MockReminderScheduler) MentionProcessed(ctx context.Context, mentionID string) (bool, error) {
	args := m.Called(ctx, mentionID)
	return args.Bool(0), args.Error(1)
}

func (m *MockReminderScheduler) RecordMention(ctx context.Context, mention model.ProcessedMention) error {
	args := m.Called(ctx, mention)
	return args.Error(0)
}

func (m *MockReminderScheduler) ScheduleReminder(ctx context.Context, mention model.ProcessedMention, reminder model.Reminder) (string, error) {
	args := m.Called(ctx, mention, reminder)
	return args.String(0), args.Error(1)
}

func (m *MockReminderScheduler) Cursor(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockReminderScheduler) SetCursor(ctx context.Context, mentionID string) error {
	args := m.Called(ctx, mentionID)
	return args.Error(0)
}

func (m *MockReminderScheduler) TouchTick(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func replyMention(id string, author string, text string, repliedTo string) *twitter.TweetDictionary {
	mention := &twitter.TweetDictionary{
		Tweet:  twitter.TweetObj{ID: id, Text: text},
		Author: &twitter.UserObj{UserName: author},
	}
	if repliedTo != "" {
		mention.ReferencedTweets = []*twitter.TweetReference{
			{
				Reference: &twitter.TweetReferencedTweetObj{Type: "replied_to", ID: repliedTo},
				TweetDictionary: &twitter.TweetDictionary{
					Tweet: twitter.TweetObj{ID: repliedTo},
				},
			},
		}
	}
	return mention
}

func newTestIngestor(source *MockMentionSource, store *MockReminderScheduler) *Ingestor {
	return NewIngestor(source, store, 5*365*24*time.Hour, time.Second, false)
}

func TestTickSchedules(t *testing.T) {
	t.Run("schedules a reminder for a parseable reply mention", func(t *testing.T) {
		mention := replyMention("1001", "foo", "@RemindMeXplz 2 hours", "900")

		mockStore := new(MockReminderScheduler)
		mockStore.On("Cursor", mock.Anything).Return("", nil)
		mockStore.On("MentionProcessed", mock.Anything, "1001").Return(false, nil)
		mockStore.On("ScheduleReminder", mock.Anything, mock.MatchedBy(func(pm model.ProcessedMention) bool {
			return pm.ID == "1001" && pm.AuthorHandle == "foo"
		}), mock.MatchedBy(func(r model.Reminder) bool {
			return r.RequesterHandle == "foo" &&
				r.OriginalTweetID == "900" &&
				r.ReplyTarget == "1001" &&
				r.RequestedSeconds == 7200 &&
				r.FireAt.Sub(r.CreatedAt) == 2*time.Hour
		})).Return("rem1", nil)
		mockStore.On("SetCursor", mock.Anything, "1001").Return(nil)
		mockStore.On("TouchTick", mock.Anything, mock.Anything).Return(nil)
		mockSource := new(MockMentionSource)
		mockSource.On("GetAllTimelineMentionsSince", mock.Anything, "").Return([]*twitter.TweetDictionary{mention}, nil)
		mockSource.On("TweetResponse", mock.Anything, "1001", mock.Anything).Return(&twitter.CreateTweetResponse{Tweet: &twitter.CreateTweetData{ID: "2001"}}, nil)

		report, err := newTestIngestor(mockSource, mockStore).Tick(context.TODO())
		assert.NoError(t, err)
		assert.Equal(t, 1, report.Processed)
		assert.Equal(t, 1, report.Scheduled)
		mockStore.AssertNumberOfCalls(t, "ScheduleReminder", 1)
		// One confirmation reply
		mockSource.AssertNumberOfCalls(t, "TweetResponse", 1)
	})

	t.Run("an already-processed mention is a no-op", func(t *testing.T) {
		mention := replyMention("1001", "foo", "@RemindMeXplz 2 hours", "900")

		mockStore := new(MockReminderScheduler)
		mockStore.On("Cursor", mock.Anything).Return("", nil)
		mockStore.On("MentionProcessed", mock.Anything, "1001").Return(true, nil)
		mockStore.On("SetCursor", mock.Anything, "1001").Return(nil)
		mockStore.On("TouchTick", mock.Anything, mock.Anything).Return(nil)
		mockSource := new(MockMentionSource)
		mockSource.On("GetAllTimelineMentionsSince", mock.Anything, "").Return([]*twitter.TweetDictionary{mention}, nil)

		report, err := newTestIngestor(mockSource, mockStore).Tick(context.TODO())
		assert.NoError(t, err)
		assert.Equal(t, 1, report.Skipped)
		assert.Equal(t, 0, report.Processed)
		mockStore.AssertNumberOfCalls(t, "RecordMention", 0)
		mockStore.AssertNumberOfCalls(t, "ScheduleReminder", 0)
		mockSource.AssertNumberOfCalls(t, "TweetResponse", 0)
	})

	t.Run("running the same range twice schedules nothing new", func(t *testing.T) {
		mention := replyMention("1001", "foo", "@RemindMeXplz 2 hours", "900")

		mockStore := new(MockReminderScheduler)
		mockStore.On("Cursor", mock.Anything).Return("", nil)
		// First pass: unseen. Second pass: already recorded.
		mockStore.On("MentionProcessed", mock.Anything, "1001").Return(false, nil).Once()
		mockStore.On("MentionProcessed", mock.Anything, "1001").Return(true, nil)
		mockStore.On("ScheduleReminder", mock.Anything, mock.Anything, mock.Anything).Return("rem1", nil)
		mockStore.On("SetCursor", mock.Anything, "1001").Return(nil)
		mockStore.On("TouchTick", mock.Anything, mock.Anything).Return(nil)
		mockSource := new(MockMentionSource)
		mockSource.On("GetAllTimelineMentionsSince", mock.Anything, "").Return([]*twitter.TweetDictionary{mention}, nil)
		mockSource.On("TweetResponse", mock.Anything, "1001", mock.Anything).Return(&twitter.CreateTweetResponse{Tweet: &twitter.CreateTweetData{ID: "2001"}}, nil)

		ingestor := newTestIngestor(mockSource, mockStore)
		first, err := ingestor.Tick(context.TODO())
		assert.NoError(t, err)
		second, err := ingestor.Tick(context.TODO())
		assert.NoError(t, err)
		assert.Equal(t, 1, first.Scheduled)
		assert.Equal(t, 0, second.Scheduled)
		mockStore.AssertNumberOfCalls(t, "ScheduleReminder", 1)
	})

	t.Run("mentions are processed oldest first", func(t *testing.T) {
		var order []string

		mockStore := new(MockReminderScheduler)
		mockStore.On("Cursor", mock.Anything).Return("", nil)
		mockStore.On("MentionProcessed", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
			order = append(order, args.String(1))
		}).Return(true, nil)
		mockStore.On("SetCursor", mock.Anything, "1003").Return(nil)
		mockStore.On("TouchTick", mock.Anything, mock.Anything).Return(nil)
		mockSource := new(MockMentionSource)
		mockSource.On("GetAllTimelineMentionsSince", mock.Anything, "").Return([]*twitter.TweetDictionary{
			replyMention("1001", "a", "1 day", "900"),
			replyMention("1002", "b", "1 day", "900"),
			replyMention("1003", "c", "1 day", "900"),
		}, nil)

		_, err := newTestIngestor(mockSource, mockStore).Tick(context.TODO())
		assert.NoError(t, err)
		assert.Equal(t, []string{"1001", "1002", "1003"}, order)
		mockStore.AssertCalled(t, "SetCursor", mock.Anything, "1003")
	})
}

func TestTickRejects(t *testing.T) {
	t.Run("a mention with no duration is recorded and gets a help reply", func(t *testing.T) {
		mention := replyMention("1001", "foo", "@RemindMeXplz whenever", "900")

		mockStore := new(MockReminderScheduler)
		mockStore.On("Cursor", mock.Anything).Return("", nil)
		mockStore.On("MentionProcessed", mock.Anything, "1001").Return(false, nil)
		mockStore.On("RecordMention", mock.Anything, mock.MatchedBy(func(pm model.ProcessedMention) bool {
			return pm.ID == "1001" && pm.Outcome == model.OutcomeRejectedNoDuration
		})).Return(nil)
		mockStore.On("SetCursor", mock.Anything, "1001").Return(nil)
		mockStore.On("TouchTick", mock.Anything, mock.Anything).Return(nil)
		mockSource := new(MockMentionSource)
		mockSource.On("GetAllTimelineMentionsSince", mock.Anything, "").Return([]*twitter.TweetDictionary{mention}, nil)
		mockSource.On("TweetResponse", mock.Anything, "1001", mock.Anything).Return(&twitter.CreateTweetResponse{Tweet: &twitter.CreateTweetData{ID: "2001"}}, nil)

		report, err := newTestIngestor(mockSource, mockStore).Tick(context.TODO())
		assert.NoError(t, err)
		assert.Equal(t, 1, report.Rejected)
		mockStore.AssertNumberOfCalls(t, "ScheduleReminder", 0)
		mockSource.AssertNumberOfCalls(t, "TweetResponse", 1)
	})

	t.Run("an ambiguous unit is recorded as malformed", func(t *testing.T) {
		mention := replyMention("1001", "foo", "@RemindMeXplz 5m", "900")

		mockStore := new(MockReminderScheduler)
		mockStore.On("Cursor", mock.Anything).Return("", nil)
		mockStore.On("MentionProcessed", mock.Anything, "1001").Return(false, nil)
		mockStore.On("RecordMention", mock.Anything, mock.MatchedBy(func(pm model.ProcessedMention) bool {
			return pm.Outcome == model.OutcomeRejectedMalformed
		})).Return(nil)
		mockStore.On("SetCursor", mock.Anything, "1001").Return(nil)
		mockStore.On("TouchTick", mock.Anything, mock.Anything).Return(nil)
		mockSource := new(MockMentionSource)
		mockSource.On("GetAllTimelineMentionsSince", mock.Anything, "").Return([]*twitter.TweetDictionary{mention}, nil)
		mockSource.On("TweetResponse", mock.Anything, "1001", mock.Anything).Return(&twitter.CreateTweetResponse{Tweet: &twitter.CreateTweetData{ID: "2001"}}, nil)

		report, err := newTestIngestor(mockSource, mockStore).Tick(context.TODO())
		assert.NoError(t, err)
		assert.Equal(t, 1, report.Rejected)
	})

	t.Run("a top-level mention is ignored without a reply", func(t *testing.T) {
		mention := replyMention("1001", "foo", "@RemindMeXplz 2 hours", "")

		mockStore := new(MockReminderScheduler)
		mockStore.On("Cursor", mock.Anything).Return("", nil)
		mockStore.On("MentionProcessed", mock.Anything, "1001").Return(false, nil)
		mockStore.On("RecordMention", mock.Anything, mock.MatchedBy(func(pm model.ProcessedMention) bool {
			return pm.Outcome == model.OutcomeIgnored
		})).Return(nil)
		mockStore.On("SetCursor", mock.Anything, "1001").Return(nil)
		mockStore.On("TouchTick", mock.Anything, mock.Anything).Return(nil)
		mockSource := new(MockMentionSource)
		mockSource.On("GetAllTimelineMentionsSince", mock.Anything, "").Return([]*twitter.TweetDictionary{mention}, nil)

		report, err := newTestIngestor(mockSource, mockStore).Tick(context.TODO())
		assert.NoError(t, err)
		assert.Equal(t, 1, report.Ignored)
		mockSource.AssertNumberOfCalls(t, "TweetResponse", 0)
	})
}

func TestTickFailureSemantics(t *testing.T) {
	t.Run("a fetch error aborts before the cursor moves", func(t *testing.T) {
		mockStore := new(MockReminderScheduler)
		mockStore.On("Cursor", mock.Anything).Return("1000", nil)
		mockSource := new(MockMentionSource)
		mockSource.On("GetAllTimelineMentionsSince", mock.Anything, "1000").Return([]*twitter.TweetDictionary{}, fmt.Errorf("timeout"))

		_, err := newTestIngestor(mockSource, mockStore).Tick(context.TODO())
		assert.Error(t, err)
		mockStore.AssertNumberOfCalls(t, "SetCursor", 0)
	})

	t.Run("a store error mid-batch aborts before the cursor moves", func(t *testing.T) {
		mockStore := new(MockReminderScheduler)
		mockStore.On("Cursor", mock.Anything).Return("", nil)
		mockStore.On("MentionProcessed", mock.Anything, "1001").Return(false, nil)
		mockStore.On("ScheduleReminder", mock.Anything, mock.Anything, mock.Anything).Return("", fmt.Errorf("connection lost"))
		mockSource := new(MockMentionSource)
		mockSource.On("GetAllTimelineMentionsSince", mock.Anything, "").Return([]*twitter.TweetDictionary{
			replyMention("1001", "foo", "2 hours", "900"),
		}, nil)

		_, err := newTestIngestor(mockSource, mockStore).Tick(context.TODO())
		assert.Error(t, err)
		mockStore.AssertNumberOfCalls(t, "SetCursor", 0)
	})

	t.Run("a failed confirmation reply does not unwind the reminder", func(t *testing.T) {
		mention := replyMention("1001", "foo", "2 hours", "900")

		mockStore := new(MockReminderScheduler)
		mockStore.On("Cursor", mock.Anything).Return("", nil)
		mockStore.On("MentionProcessed", mock.Anything, "1001").Return(false, nil)
		mockStore.On("ScheduleReminder", mock.Anything, mock.Anything, mock.Anything).Return("rem1", nil)
		mockStore.On("SetCursor", mock.Anything, "1001").Return(nil)
		mockStore.On("TouchTick", mock.Anything, mock.Anything).Return(nil)
		mockSource := new(MockMentionSource)
		mockSource.On("GetAllTimelineMentionsSince", mock.Anything, "").Return([]*twitter.TweetDictionary{mention}, nil)
		mockSource.On("TweetResponse", mock.Anything, "1001", mock.Anything).Return(&twitter.CreateTweetResponse{}, fmt.Errorf("oh nooooo"))

		report, err := newTestIngestor(mockSource, mockStore).Tick(context.TODO())
		assert.NoError(t, err)
		assert.Equal(t, 1, report.Scheduled)
		mockStore.AssertCalled(t, "SetCursor", mock.Anything, "1001")
	})
}
