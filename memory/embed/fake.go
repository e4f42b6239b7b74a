package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sync"
)

// Fake is a deterministic in-process Provider for tests and local runs. The
// same text always yields the same unit-length vector, so similarity scores
// are stable across processes without network access.
type Fake struct {
	mu sync.Mutex

	// Err, when set, is returned by every Embed call.
	Err error

	calls int
	texts [][]string
}

// NewFake returns a deterministic fake provider.
func NewFake() *Fake { return &Fake{} }

// Model returns a fixed identifier distinct from any real model.
func (f *Fake) Model() string { return "fake-embedding-1536" }

// Embed derives one unit vector per text from a hash of its content.
func (f *Fake) Embed(_ context.Context, texts []string) (*Result, error) {
	f.mu.Lock()
	f.calls++
	f.texts = append(f.texts, append([]string(nil), texts...))
	err := f.Err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	res := &Result{Vectors: make([][]float32, len(texts))}
	for i, text := range texts {
		cut, truncated := Truncate(text)
		if truncated {
			res.Truncated = append(res.Truncated, i)
		}
		res.Vectors[i] = hashVector(cut)
		res.Tokens += (len(cut) + 3) / 4
	}
	return res, nil
}

// Calls reports how many Embed invocations were made.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Batches returns the text batches passed to Embed, in call order.
func (f *Fake) Batches() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.texts))
	copy(out, f.texts)
	return out
}

// hashVector expands sha256(text) into a deterministic unit vector by
// hashing a counter alongside the digest for each block of components.
func hashVector(text string) []float32 {
	seed := sha256.Sum256([]byte(text))
	vec := make([]float32, Dim)
	var norm float64
	var block [8]byte
	for i := 0; i < Dim; i += 8 {
		binary.BigEndian.PutUint64(block[:], uint64(i))
		h := sha256.New()
		h.Write(seed[:])
		h.Write(block[:])
		sum := h.Sum(nil)
		for j := 0; j < 8 && i+j < Dim; j++ {
			bits := binary.BigEndian.Uint32(sum[j*4 : j*4+4])
			v := float64(bits)/float64(math.MaxUint32)*2 - 1
			vec[i+j] = float32(v)
			norm += v * v
		}
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}
