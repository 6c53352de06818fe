package twitter

import (
	"fmt"

	gotwitter "github.com/g8rswimmer/go-twitter/v2"
)

type TweetReferenceType string

const (
	TweetReferenceRepliedTo TweetReferenceType = "replied_to"
)

func ConstructTweetURL(authorName string, tweetID string) string {
	return fmt.Sprintf("https://twitter.com/%s/status/%s", authorName, tweetID)
}

func IsReplyReference(tweetRef *gotwitter.TweetReference) bool {
	return tweetRef.Reference.Type == string(TweetReferenceRepliedTo)
}

// RepliedToTweetID returns the ID of the tweet a mention replies to, if the
// mention is a reply at all. A top-level mention has no reply target and
// nothing to time-bound a reminder against.
func RepliedToTweetID(tweet *gotwitter.TweetDictionary) (string, bool) {
	for _, referencedTweet := range tweet.ReferencedTweets {
		if IsReplyReference(referencedTweet) {
			return referencedTweet.TweetDictionary.Tweet.ID, true
		}
	}
	return "", false
}
