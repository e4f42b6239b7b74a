package activities

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pomandi/mainstage/fault"
	"github.com/pomandi/mainstage/memory"
	"github.com/pomandi/mainstage/memory/store"
	"github.com/pomandi/mainstage/telemetry"
)

// socialContextType tags agent_context records written by the social
// activity. The idempotency key lives in the record's transaction_id field
// so a retried activity can find its prior success.
const socialContextType = "social_post"

// SocialPoster delivers one post to a social platform.
type SocialPoster interface {
	Post(ctx context.Context, post SocialPost) (SocialReceipt, error)
}

// SocialPost is the platform-independent delivery request.
type SocialPost struct {
	Platform       string
	Brand          string
	Content        string
	MediaKey       string
	IdempotencyKey string
}

// SocialReceipt identifies a delivered post.
type SocialReceipt struct {
	PostID      string
	PublishedAt time.Time
}

// SocialActivities posts to social platforms with an idempotency ledger in
// agent context memory. When no memory manager is configured the activity
// posts unconditionally.
type SocialActivities struct {
	poster SocialPoster
	mem    *memory.Manager
	logger telemetry.Logger
}

// NewSocialActivities wraps a poster and the memory manager backing the
// idempotency ledger.
func NewSocialActivities(poster SocialPoster, mem *memory.Manager, logger telemetry.Logger) *SocialActivities {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &SocialActivities{poster: poster, mem: mem, logger: logger}
}

// Register registers the post.social activity.
func (a *SocialActivities) Register(r Registrar) error {
	return r.RegisterActivity(PostSocial, a.Post)
}

type (
	// PostSocialInput requests one social post. IdempotencyKey must be
	// stable across workflow retries of the same logical post.
	PostSocialInput struct {
		Platform       string `json:"platform"`
		Brand          string `json:"brand"`
		Content        string `json:"content"`
		MediaKey       string `json:"media_key,omitempty"`
		IdempotencyKey string `json:"idempotency_key"`
		AgentName      string `json:"agent_name,omitempty"`
	}

	// PostSocialOutput reports the delivered post. AlreadyPublished is set
	// when a prior invocation with the same key succeeded and no new post
	// was made.
	PostSocialOutput struct {
		PostID           string `json:"post_id"`
		PublishedAt      string `json:"published_at,omitempty"`
		AlreadyPublished bool   `json:"already_published,omitempty"`
	}

	// socialRecord is the JSON document stored in the ledger record's
	// metadata field.
	socialRecord struct {
		PostID      string `json:"post_id"`
		Platform    string `json:"platform"`
		PublishedAt string `json:"published_at"`
	}
)

// Post delivers one social post. A retried invocation whose prior attempt
// already published returns that attempt's receipt instead of posting again.
func (a *SocialActivities) Post(ctx context.Context, in PostSocialInput) (PostSocialOutput, error) {
	if in.Platform == "" || in.Brand == "" || in.Content == "" || in.IdempotencyKey == "" {
		return PostSocialOutput{}, Translate(fault.New(fault.SchemaViolation, "post.social",
			"platform, brand, content and idempotency_key are required"))
	}

	if prior, ok := a.priorSuccess(ctx, in.IdempotencyKey); ok {
		a.logger.Info(ctx, "social post already delivered",
			"platform", in.Platform, "brand", in.Brand, "post_id", prior.PostID)
		return PostSocialOutput{
			PostID:           prior.PostID,
			PublishedAt:      prior.PublishedAt,
			AlreadyPublished: true,
		}, nil
	}

	receipt, err := a.poster.Post(ctx, SocialPost{
		Platform:       in.Platform,
		Brand:          in.Brand,
		Content:        in.Content,
		MediaKey:       in.MediaKey,
		IdempotencyKey: in.IdempotencyKey,
	})
	if err != nil {
		return PostSocialOutput{}, Translate(err)
	}
	publishedAt := receipt.PublishedAt
	if publishedAt.IsZero() {
		publishedAt = time.Now().UTC()
	}
	out := PostSocialOutput{
		PostID:      receipt.PostID,
		PublishedAt: publishedAt.UTC().Format(time.RFC3339),
	}

	// The post went out. A ledger write failure must not fail the activity:
	// a retry would publish a second copy.
	if err := a.record(ctx, in, out); err != nil {
		a.logger.Warn(ctx, "social post delivered but ledger write failed",
			"platform", in.Platform, "brand", in.Brand, "post_id", out.PostID, "err", err)
	}
	return out, nil
}

// priorSuccess looks up the ledger record for an idempotency key.
func (a *SocialActivities) priorSuccess(ctx context.Context, key string) (socialRecord, bool) {
	if a.mem == nil {
		return socialRecord{}, false
	}
	filter := store.NewFilter(
		store.Eq("context_type", socialContextType),
		store.Eq("transaction_id", key),
	)
	hits, err := a.mem.Search(ctx, memory.CollectionAgentContext, key, 1, filter)
	if err != nil {
		a.logger.Warn(ctx, "idempotency lookup failed, posting anyway", "err", err)
		return socialRecord{}, false
	}
	if len(hits) == 0 {
		return socialRecord{}, false
	}
	var rec socialRecord
	if raw, ok := hits[0].Payload["metadata"].(string); ok {
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			a.logger.Warn(ctx, "ledger record metadata is malformed", "id", hits[0].ID, "err", err)
		}
	}
	return rec, true
}

func (a *SocialActivities) record(ctx context.Context, in PostSocialInput, out PostSocialOutput) error {
	if a.mem == nil {
		return nil
	}
	encoded, err := json.Marshal(socialRecord{
		PostID:      out.PostID,
		Platform:    in.Platform,
		PublishedAt: out.PublishedAt,
	})
	if err != nil {
		return err
	}
	meta := map[string]any{
		"context_type":   socialContextType,
		"transaction_id": in.IdempotencyKey,
		"timestamp":      out.PublishedAt,
		"metadata":       string(encoded),
	}
	if in.AgentName != "" {
		meta["agent_name"] = in.AgentName
	}
	content := fmt.Sprintf("published %s post for %s", in.Platform, in.Brand)
	_, err = a.mem.Save(ctx, memory.CollectionAgentContext, content, meta)
	return err
}
