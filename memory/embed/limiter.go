package embed

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/pulse/rmap"

	"github.com/pomandi/mainstage/fault"
)

type (
	// AdaptiveLimiter applies an AIMD-style token bucket in front of a
	// Provider. It estimates the token cost of each batch, blocks callers
	// until capacity is available, bounds in-flight provider calls, and
	// adjusts its effective tokens-per-minute budget when the provider
	// signals rate limiting.
	//
	// One instance per process sits at the provider boundary; wrap the
	// Provider with Middleware before handing it to the memory manager.
	AdaptiveLimiter struct {
		mu sync.Mutex

		bucket *rate.Limiter
		sem    chan struct{}

		currentTPM float64
		minTPM     float64
		maxTPM     float64

		recoveryRate float64

		onBackoff func(newTPM float64)
		onProbe   func(newTPM float64)
	}

	limitedProvider struct {
		next    Provider
		limiter *AdaptiveLimiter
	}

	// budgetMap is the subset of rmap.Map used to share the budget across
	// worker processes.
	budgetMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}

	rmapBudget struct {
		m *rmap.Map
	}
)

// NewAdaptiveLimiter constructs an AdaptiveLimiter with a tokens-per-minute
// budget and an in-flight call bound. When m and key are set, the budget is
// shared across processes through a Pulse replicated map; otherwise the
// limiter is process-local.
func NewAdaptiveLimiter(ctx context.Context, m *rmap.Map, key string, initialTPM, maxTPM float64, maxConcurrent int) *AdaptiveLimiter {
	var bm budgetMap
	if m != nil {
		bm = &rmapBudget{m: m}
	}
	return newSharedLimiter(ctx, bm, key, initialTPM, maxTPM, maxConcurrent)
}

// newLimiter builds a process-local limiter. initialTPM and maxTPM are
// tokens per minute; maxTPM is clamped up to initialTPM when smaller.
func newLimiter(initialTPM, maxTPM float64, maxConcurrent int) *AdaptiveLimiter {
	if initialTPM <= 0 {
		// Embedding models carry generous budgets; default conservatively.
		initialTPM = 350000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &AdaptiveLimiter{
		bucket:       rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		sem:          make(chan struct{}, maxConcurrent),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Saturated reports whether sustained provider rate limiting has pushed the
// budget down to its floor.
func (l *AdaptiveLimiter) Saturated() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM <= l.minTPM
}

// Middleware wraps a Provider with the adaptive limit.
func (l *AdaptiveLimiter) Middleware() func(Provider) Provider {
	return func(next Provider) Provider {
		if next == nil {
			return nil
		}
		return &limitedProvider{next: next, limiter: l}
	}
}

func (p *limitedProvider) Model() string { return p.next.Model() }

// Embed blocks until token and concurrency capacity are available, then
// delegates to the underlying provider.
func (p *limitedProvider) Embed(ctx context.Context, texts []string) (*Result, error) {
	l := p.limiter
	select {
	case l.sem <- struct{}{}:
		defer func() { <-l.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := l.bucket.WaitN(ctx, estimateTokens(texts)); err != nil {
		return nil, err
	}
	res, err := p.next.Embed(ctx, texts)
	l.observe(err)
	return res, err
}

func (l *AdaptiveLimiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	if fault.Is(err, fault.RateLimited) {
		l.backoff()
	}
}

func (l *AdaptiveLimiter) backoff() {
	l.mu.Lock()

	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.currentTPM = newTPM
	l.bucket.SetLimit(rate.Limit(newTPM / 60.0))
	l.bucket.SetBurst(int(newTPM))

	cb := l.onBackoff

	l.mu.Unlock()

	if cb != nil {
		cb(newTPM)
	}
}

func (l *AdaptiveLimiter) probe() {
	l.mu.Lock()

	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.currentTPM = newTPM
	l.bucket.SetLimit(rate.Limit(newTPM / 60.0))
	l.bucket.SetBurst(int(newTPM))

	cb := l.onProbe

	l.mu.Unlock()

	if cb != nil {
		cb(newTPM)
	}
}

// replaceTPM overwrites the effective budget, clamped to [minTPM, maxTPM].
func (l *AdaptiveLimiter) replaceTPM(tpm float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tpm < l.minTPM {
		tpm = l.minTPM
	}
	if tpm > l.maxTPM {
		tpm = l.maxTPM
	}
	if tpm == l.currentTPM {
		return
	}
	l.currentTPM = tpm
	l.bucket.SetLimit(rate.Limit(tpm / 60.0))
	l.bucket.SetBurst(int(tpm))
}

// estimateTokens approximates the billed token count of a batch at four
// characters per token with a floor of one token per input.
func estimateTokens(texts []string) int {
	tokens := 0
	for _, text := range texts {
		n := len(text) / 4
		if n < 1 {
			n = 1
		}
		tokens += n
	}
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

func newSharedLimiter(ctx context.Context, m budgetMap, key string, initialTPM, maxTPM float64, maxConcurrent int) *AdaptiveLimiter {
	if key == "" || m == nil {
		return newLimiter(initialTPM, maxTPM, maxConcurrent)
	}

	// Seed the shared budget when absent. A concurrent writer may win the
	// race; the refresh below picks up whoever did.
	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, strconv.Itoa(int(initialTPM))); err != nil {
			// Shared state is unavailable; run process-local so callers
			// still make progress.
			return newLimiter(initialTPM, maxTPM, maxConcurrent)
		}
	}

	sharedTPM := initialTPM
	if cur, ok := m.Get(key); ok {
		if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
			sharedTPM = v
		}
	}

	l := newLimiter(sharedTPM, maxTPM, maxConcurrent)

	floor, ceiling, step := l.minTPM, l.maxTPM, l.recoveryRate

	l.onBackoff = func(float64) {
		go casBudget(context.Background(), m, key, func(cur float64) float64 {
			next := cur * 0.5
			if next < floor {
				next = floor
			}
			return next
		})
	}
	l.onProbe = func(float64) {
		go casBudget(context.Background(), m, key, func(cur float64) float64 {
			if cur >= ceiling {
				return cur
			}
			next := cur + step
			if next > ceiling {
				next = ceiling
			}
			return next
		})
	}

	// Reconcile the local bucket whenever another process moves the shared
	// budget.
	ch := m.Subscribe()
	go func() {
		for range ch {
			cur, ok := m.Get(key)
			if !ok {
				continue
			}
			v, err := strconv.ParseFloat(cur, 64)
			if err != nil || v <= 0 {
				continue
			}
			l.replaceTPM(v)
		}
	}()

	return l
}

// casBudget applies fn to the shared budget with a bounded compare-and-set
// loop. Contention beyond maxAttempts is abandoned; the subscription path
// reconciles eventually.
func casBudget(ctx context.Context, m budgetMap, key string, fn func(cur float64) float64) {
	const maxAttempts = 3

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for i := 0; i < maxAttempts; i++ {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		next := fn(cur)
		if next == cur {
			return
		}
		prev, err := m.TestAndSet(ctx, key, curStr, strconv.Itoa(int(next)))
		if err != nil {
			return
		}
		if prev == curStr {
			return
		}
	}
}

func (b *rmapBudget) Get(key string) (string, bool) {
	return b.m.Get(key)
}

func (b *rmapBudget) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	return b.m.SetIfNotExists(ctx, key, value)
}

func (b *rmapBudget) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	return b.m.TestAndSet(ctx, key, test, value)
}

func (b *rmapBudget) Subscribe() <-chan rmap.EventKind {
	return b.m.Subscribe()
}
