// Package activities implements the typed activity library workflows schedule
// work through: memory operations, graph execution, object storage, social
// posting and report persistence. Every activity declares explicit input and
// output records, translates classified errors into Temporal application
// errors, and heartbeats inside batch loops.
package activities

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/pomandi/mainstage/fault"
)

// Activity names as registered with the engine.
const (
	MemorySave           = "memory.save"
	MemorySearch         = "memory.search"
	MemoryBatchSave      = "memory.batch_save"
	MemoryUpdateMetadata = "memory.update_metadata"
	MemoryDelete         = "memory.delete"
	MemoryStats          = "memory.stats"
	MemoryCheckDuplicate = "memory.check_duplicate"
	MemoryEmbed          = "memory.generate_embedding"
	GraphRun             = "graph.run"
	StorageFetchObject   = "storage.fetch_object"
	StorageListObjects   = "storage.list_objects"
	PostSocial           = "post.social"
	ReportSave           = "report.save"
	AdsFetchMetrics      = "ads.fetch_metrics"
)

// Schedule-to-close defaults workflows apply when invoking these activities.
const (
	DefaultStartToClose = 60 * time.Second
	BatchStartToClose   = 2 * time.Minute
	PublishStartToClose = 30 * time.Second
)

// Registrar registers activity implementations under explicit names. The
// engine implements it.
type Registrar interface {
	RegisterActivity(name string, fn any) error
}

// Translate converts classified errors into Temporal application errors so
// retry policies see the fault kind as the error type. Non-retryable kinds
// stop retries immediately; everything else keeps the scheduled policy.
// Unclassified errors pass through untouched.
func Translate(err error) error {
	if err == nil {
		return nil
	}
	var fe *fault.Error
	if !errors.As(err, &fe) {
		return err
	}
	kind := string(fault.KindOf(err))
	if fault.Retryable(err) {
		return temporal.NewApplicationErrorWithCause(err.Error(), kind, err)
	}
	return temporal.NewNonRetryableApplicationError(err.Error(), kind, err)
}

// heartbeat records activity progress when running under a real activity
// context. Direct invocations, as in unit tests, skip it.
func heartbeat(ctx context.Context, details ...any) {
	if activity.IsActivity(ctx) {
		activity.RecordHeartbeat(ctx, details...)
	}
}
