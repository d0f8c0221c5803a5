package conversation

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates token counts for pruning decisions. It uses the
// cl100k_base encoding; when the encoder cannot be initialized it falls back
// to a bytes/4 approximation so pruning still functions offline.
type TokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

func NewTokenCounter() *TokenCounter {
	return &TokenCounter{}
}

// Count returns the estimated token count of a string.
func (t *TokenCounter) Count(s string) int {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("tokens: encoder unavailable, using approximation", "error", err)
			return
		}
		t.enc = enc
	})
	if t.enc == nil {
		return (len(s) + 3) / 4
	}
	return len(t.enc.Encode(s, nil, nil))
}

// CountThread sums the token estimate across a message list, with a small
// per-message framing overhead.
func (t *TokenCounter) CountThread(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += t.Count(m.Content) + 4
	}
	return total
}
