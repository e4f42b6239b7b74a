package workflows

import (
	"encoding/json"
	"time"

	"go.temporal.io/sdk/log"
	"go.temporal.io/sdk/workflow"

	"github.com/pomandi/mainstage/activities"
	"github.com/pomandi/mainstage/agents/feedpublisher"
	"github.com/pomandi/mainstage/memory"
)

// approvalTimeout bounds how long a run waits for human review before
// falling back to save-only.
const approvalTimeout = 24 * time.Hour

// defaultPlatforms are the delivery targets when the input names none.
var defaultPlatforms = []string{"facebook", "instagram"}

type (
	// FeedPublisherInput requests one feed post for a brand. Platform is the
	// primary platform used for history checks and caption style; Platforms
	// are the delivery targets.
	FeedPublisherInput struct {
		Brand     string   `json:"brand"`
		Platform  string   `json:"platform,omitempty"`
		Platforms []string `json:"platforms,omitempty"`
		PhotoKey  string   `json:"photo_s3_key,omitempty"`
		Caption   string   `json:"caption,omitempty"`
	}

	// FeedPublisherOutput carries the graph result with delivery applied:
	// Result.Published and Result.PostIDs reflect what actually went out.
	// Per-platform delivery failures are recorded, not raised.
	FeedPublisherOutput struct {
		Result   feedpublisher.Result `json:"result"`
		Failures map[string]string    `json:"publish_failures,omitempty"`
		ReportID string               `json:"report_id,omitempty"`
	}
)

// FeedPublisher generates, gates, and delivers one social post. The graph
// activity only decides; this workflow owns durable delivery, runs the
// per-platform posts as parallel activity futures, and flips the memory
// record to published afterwards. A human_review decision waits up to 24
// hours for an approval signal.
func FeedPublisher(ctx workflow.Context, in FeedPublisherInput) (FeedPublisherOutput, error) {
	logger := workflow.GetLogger(ctx)
	status := Status{Phase: "generating"}
	if err := workflow.SetQueryHandler(ctx, QueryStatus, func() (Status, error) {
		return status, nil
	}); err != nil {
		return FeedPublisherOutput{}, err
	}

	primary := in.Platform
	if primary == "" {
		primary = "instagram"
	}
	platforms := in.Platforms
	if len(platforms) == 0 {
		platforms = defaultPlatforms
	}
	workflowID := workflow.GetInfo(ctx).WorkflowExecution.ID

	actCtx := workflow.WithActivityOptions(ctx, defaultOptions())

	// Fetching the photo up front fails fast on a bad key, before any model
	// spend.
	if in.PhotoKey != "" {
		var photo activities.FetchObjectOutput
		err := workflow.ExecuteActivity(actCtx, activities.StorageFetchObject, activities.FetchObjectInput{
			Key: in.PhotoKey,
		}).Get(ctx, &photo)
		if err != nil {
			return FeedPublisherOutput{}, err
		}
		logger.Info("photo fetched", "key", in.PhotoKey, "bytes", photo.Length)
	}

	state, err := json.Marshal(feedpublisher.PublishState{Post: feedpublisher.Post{
		Brand:          in.Brand,
		Platform:       primary,
		PhotoKey:       in.PhotoKey,
		Caption:        in.Caption,
		IdempotencyKey: workflowID,
	}})
	if err != nil {
		return FeedPublisherOutput{}, err
	}
	var graphOut activities.RunGraphOutput
	err = workflow.ExecuteActivity(actCtx, activities.GraphRun, activities.RunGraphInput{
		Graph: feedpublisher.GraphName,
		State: state,
	}).Get(ctx, &graphOut)
	if err != nil {
		return FeedPublisherOutput{}, err
	}
	var final feedpublisher.PublishState
	if err := json.Unmarshal(graphOut.State, &final); err != nil {
		return FeedPublisherOutput{}, err
	}
	result := final.Result()
	status = Status{Phase: "deciding", StepsCompleted: result.StepsCompleted, Warnings: result.Warnings}

	out := FeedPublisherOutput{Result: result}
	if cancelRequested(ctx) {
		status.Phase = "canceled"
		return out, canceledError()
	}

	deliver := false
	switch result.Decision {
	case feedpublisher.DecisionPublish:
		// A graph wired with a direct publisher has already delivered.
		deliver = !result.Published
	case feedpublisher.DecisionHumanReview:
		status.Phase = "awaiting_approval"
		outcome, approval := awaitApproval(ctx)
		switch outcome {
		case reviewApproved:
			deliver = true
			logger.Info("caption approved", "reviewer", approval.Reviewer)
		case reviewRejected:
			result.Warnings = append(result.Warnings, "caption rejected by "+approval.Reviewer)
		case reviewTimedOut:
			result.Warnings = append(result.Warnings, "human review timed out, caption saved unpublished")
		case reviewCanceled:
			status.Phase = "canceled"
			out.Result = result
			return out, canceledError()
		}
	case feedpublisher.DecisionSaveOnly:
		// Recorded by the graph; nothing to deliver.
	}

	if cancelRequested(ctx) {
		status.Phase = "canceled"
		out.Result = result
		return out, canceledError()
	}

	if deliver {
		status.Phase = "publishing"
		postIDs, failures := deliverPosts(ctx, in, platforms, workflowID, result.Caption)
		out.Failures = failures
		if len(postIDs) > 0 {
			result.Published = true
			result.PostIDs = postIDs
			markPublished(ctx, logger, final.MemoryID, postIDs, primary, platforms)
		}
		// Warnings append in platforms order so replays see identical state.
		for _, platform := range platforms {
			if msg, ok := failures[platform]; ok {
				result.Warnings = append(result.Warnings, "publish to "+platform+" failed: "+msg)
			}
		}
	}
	out.Result = result

	status.Phase = "reporting"
	status.Warnings = result.Warnings
	reportCtx := workflow.WithActivityOptions(ctx, defaultOptions())
	var report activities.SaveReportOutput
	err = workflow.ExecuteActivity(reportCtx, activities.ReportSave, activities.SaveReportInput{
		AgentName: FeedPublisherName,
		Kind:      "feed_post",
		Payload: map[string]any{
			"brand":               in.Brand,
			"decision":            result.Decision,
			"quality_score":       result.Quality.Overall,
			"duplicate_detected":  result.DuplicateDetected,
			"published":           result.Published,
			"platforms_published": len(result.PostIDs),
			"platforms_failed":    len(out.Failures),
			"memory_id":           final.MemoryID,
		},
	}).Get(ctx, &report)
	if err != nil {
		logger.Warn("report save failed", "error", err)
	} else {
		out.ReportID = report.ID
	}

	status.Phase = "completed"
	return out, nil
}

// reviewOutcome says how a human-review wait ended.
type reviewOutcome int

const (
	reviewTimedOut reviewOutcome = iota
	reviewApproved
	reviewRejected
	reviewCanceled
)

// awaitApproval waits for the approval signal, a cancel signal, or the
// review timeout, whichever comes first.
func awaitApproval(ctx workflow.Context) (reviewOutcome, Approval) {
	var approval Approval
	outcome := reviewTimedOut

	timerCtx, cancelTimer := workflow.WithCancel(ctx)
	defer cancelTimer()
	timer := workflow.NewTimer(timerCtx, approvalTimeout)

	sel := workflow.NewSelector(ctx)
	sel.AddReceive(workflow.GetSignalChannel(ctx, SignalApproval), func(c workflow.ReceiveChannel, _ bool) {
		c.Receive(ctx, &approval)
		if approval.Approved {
			outcome = reviewApproved
		} else {
			outcome = reviewRejected
		}
	})
	sel.AddReceive(workflow.GetSignalChannel(ctx, SignalCancel), func(c workflow.ReceiveChannel, _ bool) {
		c.Receive(ctx, nil)
		outcome = reviewCanceled
	})
	sel.AddFuture(timer, func(workflow.Future) {})
	sel.Select(ctx)

	return outcome, approval
}

// deliverPosts runs one post.social activity per platform in parallel and
// collects receipts and failures. Futures start and resolve in the
// platforms slice order.
func deliverPosts(ctx workflow.Context, in FeedPublisherInput, platforms []string, workflowID, caption string) (map[string]string, map[string]string) {
	pubCtx := workflow.WithActivityOptions(ctx, publishOptions())
	futures := make([]workflow.Future, len(platforms))
	for i, platform := range platforms {
		futures[i] = workflow.ExecuteActivity(pubCtx, activities.PostSocial, activities.PostSocialInput{
			Platform:       platform,
			Brand:          in.Brand,
			Content:        caption,
			MediaKey:       in.PhotoKey,
			IdempotencyKey: workflowID + "-" + platform,
			AgentName:      FeedPublisherName,
		})
	}

	postIDs := make(map[string]string, len(platforms))
	failures := make(map[string]string)
	for i, platform := range platforms {
		var receipt activities.PostSocialOutput
		if err := futures[i].Get(ctx, &receipt); err != nil {
			failures[platform] = err.Error()
			continue
		}
		postIDs[platform] = receipt.PostID
	}
	if len(failures) == 0 {
		failures = nil
	}
	return postIDs, failures
}

// markPublished flips the memory record after at least one delivery
// succeeded. A failure here is logged, not raised; the posts are out.
func markPublished(ctx workflow.Context, logger log.Logger, memoryID uint64, postIDs map[string]string, primary string, platforms []string) {
	if memoryID == 0 {
		return
	}
	postID := postIDs[primary]
	if postID == "" {
		for _, platform := range platforms {
			if id, ok := postIDs[platform]; ok {
				postID = id
				break
			}
		}
	}
	updates := map[string]any{
		"published":    true,
		"published_at": workflow.Now(ctx).UTC().Format(time.RFC3339),
	}
	if postID != "" {
		updates["post_id"] = postID
	}
	updCtx := workflow.WithActivityOptions(ctx, defaultOptions())
	err := workflow.ExecuteActivity(updCtx, activities.MemoryUpdateMetadata, activities.UpdateMetadataInput{
		Collection: memory.CollectionSocialPosts,
		ID:         memoryID,
		Updates:    updates,
	}).Get(ctx, nil)
	if err != nil {
		logger.Warn("publish flag update failed", "error", err)
	}
}
