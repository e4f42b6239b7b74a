package activities

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pomandi/mainstage/fault"
	"github.com/pomandi/mainstage/memory"
	"github.com/pomandi/mainstage/memory/embed"
	"github.com/pomandi/mainstage/memory/store"
)

type stubPoster struct {
	posts []SocialPost
	err   error
}

func (p *stubPoster) Post(_ context.Context, post SocialPost) (SocialReceipt, error) {
	if p.err != nil {
		return SocialReceipt{}, p.err
	}
	p.posts = append(p.posts, post)
	return SocialReceipt{
		PostID:      fmt.Sprintf("ig_%d", len(p.posts)),
		PublishedAt: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}, nil
}

// failingUpserts lets a fixed number of writes through, then fails.
type failingUpserts struct {
	store.Store
	allow int
	calls int
}

func (s *failingUpserts) Upsert(ctx context.Context, collection string, points []store.Point) error {
	s.calls++
	if s.calls > s.allow {
		return fault.New(fault.Transient, "store.upsert", "disk full")
	}
	return s.Store.Upsert(ctx, collection, points)
}

func newSocialEnv(t *testing.T, st store.Store) (*SocialActivities, *stubPoster, *memory.Manager) {
	t.Helper()
	mgr, err := memory.New(memory.Config{Store: st, Provider: embed.NewFake()})
	require.NoError(t, err)
	require.NoError(t, mgr.EnsureCollections(context.Background()))
	poster := &stubPoster{}
	return NewSocialActivities(poster, mgr, nil), poster, mgr
}

func socialInput(key string) PostSocialInput {
	return PostSocialInput{
		Platform:       "instagram",
		Brand:          "pomandi",
		Content:        "Nieuw binnen: onze blauwe blazer ✨",
		MediaKey:       "photos/blazer.jpg",
		IdempotencyKey: key,
		AgentName:      "feed_publisher",
	}
}

func TestPostSocialDeliversAndRecords(t *testing.T) {
	acts, poster, mgr := newSocialEnv(t, store.NewMem())
	ctx := context.Background()
	key := "feed-2025-03-01-pomandi-instagram"

	out, err := acts.Post(ctx, socialInput(key))
	require.NoError(t, err)
	assert.Equal(t, "ig_1", out.PostID)
	assert.Equal(t, "2025-03-01T09:00:00Z", out.PublishedAt)
	assert.False(t, out.AlreadyPublished)

	require.Len(t, poster.posts, 1)
	assert.Equal(t, "photos/blazer.jpg", poster.posts[0].MediaKey)
	assert.Equal(t, key, poster.posts[0].IdempotencyKey)

	filter := store.NewFilter(
		store.Eq("context_type", "social_post"),
		store.Eq("transaction_id", key),
	)
	hits, err := mgr.Search(ctx, memory.CollectionAgentContext, key, 1, filter)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "feed_publisher", hits[0].Payload["agent_name"])

	var rec socialRecord
	require.NoError(t, json.Unmarshal([]byte(hits[0].Payload["metadata"].(string)), &rec))
	assert.Equal(t, "ig_1", rec.PostID)
	assert.Equal(t, "instagram", rec.Platform)
}

func TestPostSocialSecondCallReturnsPriorReceipt(t *testing.T) {
	acts, poster, _ := newSocialEnv(t, store.NewMem())
	ctx := context.Background()
	key := "feed-2025-03-01-pomandi-instagram"

	first, err := acts.Post(ctx, socialInput(key))
	require.NoError(t, err)

	second, err := acts.Post(ctx, socialInput(key))
	require.NoError(t, err)
	assert.True(t, second.AlreadyPublished)
	assert.Equal(t, first.PostID, second.PostID)
	assert.Equal(t, first.PublishedAt, second.PublishedAt)
	assert.Len(t, poster.posts, 1, "the platform saw exactly one post")
}

func TestPostSocialDistinctKeysPostSeparately(t *testing.T) {
	acts, poster, _ := newSocialEnv(t, store.NewMem())
	ctx := context.Background()

	_, err := acts.Post(ctx, socialInput("key-a"))
	require.NoError(t, err)
	out, err := acts.Post(ctx, socialInput("key-b"))
	require.NoError(t, err)
	assert.False(t, out.AlreadyPublished)
	assert.Len(t, poster.posts, 2)
}

func TestPostSocialValidatesInput(t *testing.T) {
	acts, _, _ := newSocialEnv(t, store.NewMem())

	in := socialInput("key")
	in.Content = ""
	_, err := acts.Post(context.Background(), in)
	assertNonRetryable(t, err, string(fault.SchemaViolation))

	in = socialInput("")
	_, err = acts.Post(context.Background(), in)
	assertNonRetryable(t, err, string(fault.SchemaViolation))
}

func TestPostSocialPosterErrorPropagates(t *testing.T) {
	acts, poster, _ := newSocialEnv(t, store.NewMem())
	poster.err = fault.New(fault.RateLimited, "graph.api", "rate limit hit")

	_, err := acts.Post(context.Background(), socialInput("key"))
	assertRetryable(t, err, string(fault.RateLimited))
}

func TestPostSocialLedgerFailureDoesNotFailDelivery(t *testing.T) {
	acts, poster, _ := newSocialEnv(t, &failingUpserts{Store: store.NewMem()})

	out, err := acts.Post(context.Background(), socialInput("key"))
	require.NoError(t, err, "the post went out, so the activity must succeed")
	assert.Equal(t, "ig_1", out.PostID)
	assert.Len(t, poster.posts, 1)
}

func TestPostSocialWithoutMemoryAlwaysPosts(t *testing.T) {
	poster := &stubPoster{}
	acts := NewSocialActivities(poster, nil, nil)
	ctx := context.Background()

	_, err := acts.Post(ctx, socialInput("key"))
	require.NoError(t, err)
	_, err = acts.Post(ctx, socialInput("key"))
	require.NoError(t, err)
	assert.Len(t, poster.posts, 2)
}
