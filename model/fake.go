package model

import (
	"context"
	"io"
	"sync"
)

// Fake is a scripted Client for tests. Responses are consumed in order; the
// last one repeats once the script runs out. Set Handler for per-request
// behavior instead.
type Fake struct {
	mu        sync.Mutex
	Responses []Response
	Err       error
	Handler   func(Request) (Response, error)

	next int
	reqs []Request
}

var _ Client = (*Fake)(nil)

// Complete returns the next scripted response.
func (f *Fake) Complete(_ context.Context, req Request) (Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.Err != nil {
		return Response{}, f.Err
	}
	if f.Handler != nil {
		return f.Handler(req)
	}
	if len(f.Responses) == 0 {
		return Response{Text: "ok"}, nil
	}
	resp := f.Responses[f.next]
	if f.next < len(f.Responses)-1 {
		f.next++
	}
	return resp, nil
}

// Stream yields the next scripted response as a single chunk.
func (f *Fake) Stream(ctx context.Context, req Request) (Streamer, error) {
	resp, err := f.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return &fakeStreamer{text: resp.Text}, nil
}

// Requests returns a copy of every request seen so far.
func (f *Fake) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Request, len(f.reqs))
	copy(out, f.reqs)
	return out
}

type fakeStreamer struct {
	text string
	done bool
}

func (s *fakeStreamer) Recv() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}
	s.done = true
	return Chunk{Text: s.text}, nil
}

func (s *fakeStreamer) Close() error { return nil }
