package feedpublisher

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pomandi/mainstage/fault"
	"github.com/pomandi/mainstage/graph"
	"github.com/pomandi/mainstage/memory"
	"github.com/pomandi/mainstage/memory/store"
	"github.com/pomandi/mainstage/model"
	"github.com/pomandi/mainstage/telemetry"
)

// GraphName is the registry key for this agent's graph.
const GraphName = "feed_publisher"

const (
	historyTopK        = 10
	duplicateThreshold = 0.90
	captionMaxTokens   = 300
)

// builtinBrands are the identities the agent publishes for out of the box.
var builtinBrands = map[string]Brand{
	"pomandi": {Name: "Pomandi", Language: "nl", Voice: "casual, trendy, Dutch audience"},
	"costume": {Name: "Costume", Language: "fr", Voice: "elegant, sophisticated, French audience"},
}

// Memory is the subset of memory operations the publisher needs. Satisfied
// by *memory.Manager.
type Memory interface {
	Search(ctx context.Context, collection, query string, topK int, filter *store.Filter) ([]memory.Hit, error)
	Save(ctx context.Context, collection, content string, metadata map[string]any) (uint64, error)
}

// Describer turns a stored photo into a text description for the caption
// prompt. Nil deps fall back to a description derived from the object key.
type Describer interface {
	Describe(ctx context.Context, photoKey string) (string, error)
}

// Publisher delivers an approved caption to a social platform. Nil deps run
// the graph in decide-only mode: the publish route records the decision and
// leaves delivery to the caller.
type Publisher interface {
	Publish(ctx context.Context, req PublishRequest) (Receipt, error)
}

// PublishRequest is the delivery order handed to a Publisher.
type PublishRequest struct {
	Brand          string
	Platform       string
	Caption        string
	PhotoKey       string
	IdempotencyKey string
}

// Receipt reports a delivered post.
type Receipt struct {
	PostID      string
	PublishedAt time.Time
}

// Deps carries the collaborators node closures capture.
type Deps struct {
	Memory    Memory
	Model     model.Client
	Describer Describer
	Publisher Publisher
	Brands    map[string]Brand
	Logger    telemetry.Logger
}

func (d Deps) brand(key string) (Brand, bool) {
	brands := d.Brands
	if brands == nil {
		brands = builtinBrands
	}
	b, ok := brands[strings.ToLower(key)]
	return b, ok
}

// NewGraph compiles the publishing graph with the given dependencies.
func NewGraph(deps Deps) (*graph.Graph[*PublishState], error) {
	if deps.Memory == nil {
		return nil, errors.New("feedpublisher: memory is required")
	}
	if deps.Model == nil {
		return nil, errors.New("feedpublisher: model client is required")
	}
	if deps.Logger == nil {
		deps.Logger = telemetry.NewNoopLogger()
	}
	return graph.New[*PublishState](GraphName).
		AddNode("check_history", checkHistory(deps)).
		AddNode("describe_image", describeImage(deps)).
		AddNode("generate_caption", generateCaption(deps)).
		AddNode("quality_check", qualityCheck(deps)).
		AddNode("publish", publish(deps)).
		AddNode("save_memory", saveMemory(deps)).
		AddEdge("check_history", "describe_image").
		AddEdge("describe_image", "generate_caption").
		AddEdge("generate_caption", "quality_check").
		AddConditionalEdges("quality_check", decisionRouter, map[string]string{
			DecisionPublish:     "publish",
			DecisionHumanReview: "save_memory",
			DecisionSaveOnly:    "save_memory",
		}).
		AddEdge("publish", "save_memory").
		AddEdge("save_memory", graph.End).
		SetEntryPoint("check_history").
		Compile()
}

// checkHistory validates the request and looks for a near-duplicate among
// published posts of the same brand and platform. A provided caption is the
// search query; otherwise a generic brand+platform query retrieves recent
// captions as context for generation.
func checkHistory(deps Deps) graph.NodeFunc[*PublishState] {
	return func(ctx context.Context, s *PublishState) error {
		p := s.Post
		b, ok := deps.brand(p.Brand)
		if !ok {
			return fault.Errorf(fault.SchemaViolation, "feed_publisher", "unknown brand %q", p.Brand)
		}
		if p.Platform == "" {
			return fault.New(fault.SchemaViolation, "feed_publisher", "platform is required")
		}
		if p.PhotoKey == "" {
			return fault.New(fault.SchemaViolation, "feed_publisher", "photo key is required")
		}
		s.Language = b.Language

		query := p.Caption
		if query == "" {
			query = fmt.Sprintf("%s %s social media post", p.Brand, p.Platform)
		}
		hits, err := deps.Memory.Search(ctx, memory.CollectionSocialPosts, query, historyTopK,
			store.NewFilter(
				store.Eq("brand", p.Brand),
				store.Eq("platform", p.Platform),
				store.Eq("published", true),
			))
		if err != nil {
			return err
		}
		s.SimilarPosts = hits
		if len(hits) > 0 {
			s.SimilarityScore = hits[0].Score
			if hits[0].Score > duplicateThreshold {
				s.DuplicateDetected = true
				if caption, ok := hits[0].Payload["caption"].(string); ok {
					s.SimilarCaption = caption
				}
				s.AddWarning("very similar caption found (similarity %.0f%%)", hits[0].Score*100)
			}
		}
		deps.Logger.Debug(ctx, "caption history checked",
			"brand", p.Brand,
			"platform", p.Platform,
			"similar", len(hits),
			"duplicate", s.DuplicateDetected)
		return nil
	}
}

// describeImage resolves a text description of the photo. Without an
// external describer the description is derived from the object key.
func describeImage(deps Deps) graph.NodeFunc[*PublishState] {
	return func(ctx context.Context, s *PublishState) error {
		if deps.Describer == nil {
			s.ImageDescription = keyDescription(s.Post.PhotoKey)
			return nil
		}
		desc, err := deps.Describer.Describe(ctx, s.Post.PhotoKey)
		if err != nil {
			return err
		}
		s.ImageDescription = desc
		return nil
	}
}

// generateCaption produces the caption through the model, or adopts the
// caller-provided caption unchanged.
func generateCaption(deps Deps) graph.NodeFunc[*PublishState] {
	return func(ctx context.Context, s *PublishState) error {
		if s.Post.Caption != "" {
			s.Caption = s.Post.Caption
			return nil
		}
		b, _ := deps.brand(s.Post.Brand)
		resp, err := deps.Model.Complete(ctx, captionRequest(s, b))
		if err != nil {
			return err
		}
		caption := strings.TrimSpace(resp.Text)
		if caption == "" {
			return fault.New(fault.Internal, "feed_publisher", "model returned an empty caption")
		}
		s.Caption = caption
		deps.Logger.Debug(ctx, "caption generated",
			"brand", s.Post.Brand,
			"language", s.Language,
			"length", len(caption))
		return nil
	}
}

// captionRequest builds the model request: brand voice as system prompt,
// image and platform context plus recent captions to steer away from.
func captionRequest(s *PublishState, b Brand) model.Request {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Image: %s\nPlatform: %s\n", s.ImageDescription, s.Post.Platform)
	if len(s.SimilarPosts) > 0 {
		sb.WriteString("Recent captions to avoid duplicating:\n")
		for i, hit := range s.SimilarPosts {
			if i == 3 {
				break
			}
			if caption, ok := hit.Payload["caption"].(string); ok && caption != "" {
				fmt.Fprintf(&sb, "- %s\n", caption)
			}
		}
	}
	fmt.Fprintf(&sb, "Write one %s caption of 50-150 characters. Include the brand name %s, 2-3 emoji and a call to action. Return the caption only.",
		languageName(b.Language), b.Name)
	return model.Request{
		System:      fmt.Sprintf("You write %s social media captions for %s. Voice: %s.", languageName(b.Language), b.Name, b.Voice),
		Messages:    []model.Message{model.User(sb.String())},
		MaxTokens:   captionMaxTokens,
		Temperature: 0.7,
	}
}

// qualityCheck scores the caption and decides the route.
func qualityCheck(deps Deps) graph.NodeFunc[*PublishState] {
	return func(ctx context.Context, s *PublishState) error {
		b, _ := deps.brand(s.Post.Brand)
		q := Score(s.Caption, b)
		s.Quality = q

		if q.Language == 0 {
			s.AddWarning("caption may not be in %s", languageName(b.Language))
		}
		if q.Brand == 0 {
			s.AddWarning("brand name missing from caption")
		}
		if q.Length <= 0.3 {
			s.AddWarning("caption length %d characters is outside the target range", utf8.RuneCountInString(s.Caption))
		}
		if q.Engagement == 0 {
			s.AddWarning("caption has no emoji, call to action or hashtag")
		}

		s.Decision = Decide(q.Overall, s.DuplicateDetected)
		s.RequiresApproval = s.Decision == DecisionHumanReview

		deps.Logger.Info(ctx, "caption quality checked",
			"brand", s.Post.Brand,
			"quality", q.Overall,
			"decision", s.Decision)
		return nil
	}
}

func decisionRouter(s *PublishState) string {
	return s.Decision
}

// publish delivers the caption when a Publisher is wired. In decide-only
// mode the decision stays in state and the caller owns delivery.
func publish(deps Deps) graph.NodeFunc[*PublishState] {
	return func(ctx context.Context, s *PublishState) error {
		if deps.Publisher == nil {
			deps.Logger.Info(ctx, "publish decision recorded, delivery deferred to caller",
				"brand", s.Post.Brand,
				"platform", s.Post.Platform)
			return nil
		}
		receipt, err := deps.Publisher.Publish(ctx, PublishRequest{
			Brand:          s.Post.Brand,
			Platform:       s.Post.Platform,
			Caption:        s.Caption,
			PhotoKey:       s.Post.PhotoKey,
			IdempotencyKey: s.Post.IdempotencyKey,
		})
		if err != nil {
			return err
		}
		at := receipt.PublishedAt
		if at.IsZero() {
			at = time.Now().UTC()
		}
		s.Published = true
		s.PublishedAt = at.UTC().Format(time.RFC3339)
		if s.PostIDs == nil {
			s.PostIDs = make(map[string]string, 1)
		}
		s.PostIDs[s.Post.Platform] = receipt.PostID
		deps.Logger.Info(ctx, "post published",
			"brand", s.Post.Brand,
			"platform", s.Post.Platform,
			"post_id", receipt.PostID)
		return nil
	}
}

// saveMemory records the caption in social_posts for future duplicate
// checks. The caption text itself is the embedded content.
func saveMemory(deps Deps) graph.NodeFunc[*PublishState] {
	return func(ctx context.Context, s *PublishState) error {
		meta := map[string]any{
			"brand":            s.Post.Brand,
			"platform":         s.Post.Platform,
			"caption":          s.Caption,
			"caption_language": s.Language,
			"quality_score":    s.Quality.Overall,
			"decision":         s.Decision,
			"published":        s.Published,
			"content_hash":     fmt.Sprintf("%x", sha256.Sum256([]byte(s.Caption))),
		}
		if s.Post.PhotoKey != "" {
			meta["photo_key"] = s.Post.PhotoKey
		}
		if id, ok := s.PostIDs[s.Post.Platform]; ok {
			meta["post_id"] = id
		}
		id, err := deps.Memory.Save(ctx, memory.CollectionSocialPosts, s.Caption, meta)
		if err != nil {
			return err
		}
		s.MemoryID = id
		deps.Logger.Debug(ctx, "caption saved to memory",
			"brand", s.Post.Brand,
			"memory_id", id)
		return nil
	}
}

// keyDescription derives a readable description from the photo object key.
func keyDescription(key string) string {
	base := path.Base(key)
	base = strings.TrimSuffix(base, path.Ext(base))
	base = strings.ReplaceAll(base, "-", " ")
	base = strings.ReplaceAll(base, "_", " ")
	return "product photo: " + base
}

func languageName(code string) string {
	if name, ok := languageNames[code]; ok {
		return name
	}
	return code
}
