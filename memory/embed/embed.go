// Package embed turns text into fixed-dimension vectors for semantic search.
// It defines the Provider contract, the OpenAI-backed implementation, and an
// adaptive tokens-per-minute limiter that wraps any provider.
package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"unicode/utf8"
)

const (
	// Dim is the embedding dimensionality every provider must produce.
	Dim = 1536

	// MaxBatch bounds the number of inputs sent in a single provider call.
	// Larger Embed requests are split into successive calls.
	MaxBatch = 100

	// MaxInputTokens is the provider-side input ceiling. Longer texts are
	// truncated before submission and reported in Result.Truncated.
	MaxInputTokens = 8191
)

// maxInputChars approximates MaxInputTokens at four characters per token.
const maxInputChars = MaxInputTokens * 4

type (
	// Provider produces embedding vectors for batches of text.
	//
	// Implementations must return one vector per input, in input order, each
	// of length Dim. Model reports the identifier used for cache keying so
	// that switching models never serves stale vectors.
	Provider interface {
		Embed(ctx context.Context, texts []string) (*Result, error)
		Model() string
	}

	// Result is the outcome of one Embed call.
	Result struct {
		// Vectors holds one embedding per input text, in input order.
		Vectors [][]float32
		// Tokens is the total number of input tokens billed by the provider.
		Tokens int
		// Truncated lists the indices of inputs that were cut down to the
		// input ceiling before submission.
		Truncated []int
	}
)

// CacheDigest derives the cache key digest for a (model, text) pair: the
// first 16 bytes of sha256(model || NUL || text), hex encoded. The NUL
// separator keeps distinct pairs from colliding.
func CacheDigest(model, text string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// Truncate cuts text down to the input ceiling, respecting rune boundaries.
// The boolean reports whether anything was removed.
func Truncate(text string) (string, bool) {
	if len(text) <= maxInputChars {
		return text, false
	}
	cut := maxInputChars
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut], true
}
