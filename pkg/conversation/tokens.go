package conversation

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// tiktokenCounter counts tokens with the cl100k_base encoding. The
// encoding is loaded lazily and shared; when the vocabulary cannot be
// loaded the counter degrades to a character-based estimate.
type tiktokenCounter struct {
	once     sync.Once
	encoding *tiktoken.Tiktoken
}

func newTiktokenCounter() *tiktokenCounter {
	return &tiktokenCounter{}
}

func (c *tiktokenCounter) Count(text string) int {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			c.encoding = enc
		}
	})
	if c.encoding != nil {
		return len(c.encoding.Encode(text, nil, nil))
	}
	// Rough estimate: about four characters per token.
	return (utf8.RuneCountInString(text) + 3) / 4
}
