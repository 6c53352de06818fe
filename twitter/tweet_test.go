package twitter

import (
	"testing"

	gotwitter "github.com/g8rswimmer/go-twitter/v2"
	"github.com/stretchr/testify/assert"
)

func TestConstructTweetURL(t *testing.T) {
	assert.Equal(t, "https://twitter.com/FooBar/status/1234567", ConstructTweetURL("FooBar", "1234567"))
}

func TestRepliedToTweetID(t *testing.T) {
	t.Run("finds the replied-to reference", func(t *testing.T) {
		tweet := &gotwitter.TweetDictionary{
			ReferencedTweets: []*gotwitter.TweetReference{
				{
					Reference: &gotwitter.TweetReferencedTweetObj{Type: "quoted", ID: "111"},
					TweetDictionary: &gotwitter.TweetDictionary{
						Tweet: gotwitter.TweetObj{ID: "111"},
					},
				},
				{
					Reference: &gotwitter.TweetReferencedTweetObj{Type: "replied_to", ID: "222"},
					TweetDictionary: &gotwitter.TweetDictionary{
						Tweet: gotwitter.TweetObj{ID: "222"},
					},
				},
			},
		}
		id, ok := RepliedToTweetID(tweet)
		assert.True(t, ok)
		assert.Equal(t, "222", id)
	})

	t.Run("top-level mentions have no reply target", func(t *testing.T) {
		id, ok := RepliedToTweetID(&gotwitter.TweetDictionary{})
		assert.False(t, ok)
		assert.Equal(t, "", id)
	})
}
