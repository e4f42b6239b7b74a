// Package feedpublisher implements the memory-aware social feed agent. It
// checks caption history for near-duplicates, describes the product photo,
// generates a brand-voiced caption, scores its quality and routes the result
// to publishing, human review or a record-only save.
package feedpublisher

import (
	"github.com/pomandi/mainstage/graph"
	"github.com/pomandi/mainstage/memory"
)

// Decisions produced by the quality router.
const (
	DecisionPublish     = "publish"
	DecisionHumanReview = "human_review"
	DecisionSaveOnly    = "save_only"
)

// Brand describes a publishing identity: the display name expected in
// captions, the caption language and the voice handed to the model.
type Brand struct {
	Name     string `json:"name"`
	Language string `json:"language"`
	Voice    string `json:"voice,omitempty"`
}

// Post is the publishing request. Caption is optional: when set the graph
// skips generation and runs the duplicate check against it directly.
type Post struct {
	Brand          string `json:"brand"`
	Platform       string `json:"platform"`
	PhotoKey       string `json:"photo_s3_key"`
	Caption        string `json:"caption,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// PublishState is the graph state for one publishing run.
type PublishState struct {
	graph.Trace

	Post Post `json:"post"`

	SimilarPosts      []memory.Hit `json:"similar_posts,omitempty"`
	DuplicateDetected bool         `json:"duplicate_detected"`
	SimilarityScore   float64      `json:"similarity_score,omitempty"`
	SimilarCaption    string       `json:"similar_caption,omitempty"`

	ImageDescription string `json:"image_description,omitempty"`
	Caption          string `json:"caption,omitempty"`
	Language         string `json:"caption_language,omitempty"`

	Quality          QualityScore `json:"quality"`
	Decision         string       `json:"decision,omitempty"`
	RequiresApproval bool         `json:"requires_approval"`

	Published   bool              `json:"published"`
	PublishedAt string            `json:"published_at,omitempty"`
	PostIDs     map[string]string `json:"post_ids,omitempty"`

	MemoryID uint64 `json:"memory_id,omitempty"`
}

// Result is the caller-facing projection of a finished run.
type Result struct {
	Published         bool              `json:"published"`
	PostIDs           map[string]string `json:"post_ids,omitempty"`
	Caption           string            `json:"caption"`
	Language          string            `json:"caption_language,omitempty"`
	Quality           QualityScore      `json:"quality"`
	Decision          string            `json:"decision"`
	RequiresApproval  bool              `json:"requires_approval"`
	DuplicateDetected bool              `json:"duplicate_detected"`
	MemoryID          uint64            `json:"memory_id,omitempty"`
	Warnings          []string          `json:"warnings,omitempty"`
	StepsCompleted    []string          `json:"steps_completed"`
}

// Result projects the final state.
func (s *PublishState) Result() Result {
	return Result{
		Published:         s.Published,
		PostIDs:           s.PostIDs,
		Caption:           s.Caption,
		Language:          s.Language,
		Quality:           s.Quality,
		Decision:          s.Decision,
		RequiresApproval:  s.RequiresApproval,
		DuplicateDetected: s.DuplicateDetected,
		MemoryID:          s.MemoryID,
		Warnings:          s.Warnings,
		StepsCompleted:    s.StepsCompleted,
	}
}
