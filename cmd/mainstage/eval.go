package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"

	"github.com/pomandi/mainstage/agents/feedpublisher"
	"github.com/pomandi/mainstage/agents/invoicematcher"
	"github.com/pomandi/mainstage/config"
	"github.com/pomandi/mainstage/eval"
	"github.com/pomandi/mainstage/memory"
	"github.com/pomandi/mainstage/memory/embed"
	"github.com/pomandi/mainstage/memory/store"
	"github.com/pomandi/mainstage/telemetry"
)

func runEval(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("eval", flag.ExitOnError)
	configF, dbgF := commonFlags(fs)
	datasetF := fs.String("dataset", "", "Path to the golden dataset JSON file")
	agentF := fs.String("agent", invoicematcher.GraphName, "Agent to evaluate: invoice_matcher or feed_publisher")
	experimentF := fs.String("experiment", "", "Experiment name; per-case results are recorded in Mongo when set")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}
	if *datasetF == "" {
		return errors.New("-dataset is required")
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		return err
	}
	logger := telemetry.NewClueLogger()

	// Evaluation runs are hermetic on the memory side: a fresh in-memory
	// store so cases see only their own candidates. Embeddings and
	// completions hit the real providers so the cost report reflects
	// actual spend.
	tracker := eval.NewCostTracker(nil)
	provider, err := embed.NewOpenAI(embed.Options{
		APIKey:     cfg.Credentials.OpenAIKey,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	mgr, err := memory.New(memory.Config{
		Store:    store.NewMem(),
		Provider: tracker.WrapProvider(provider),
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	if err := mgr.EnsureCollections(ctx); err != nil {
		return err
	}

	exp, cleanup, err := newExperiment(cfg, *experimentF)
	if err != nil {
		return err
	}
	defer cleanup()

	var summary eval.Summary
	switch *agentF {
	case invoicematcher.GraphName:
		summary, err = evalInvoiceMatcher(ctx, *datasetF, mgr, tracker, exp, logger)
	case feedpublisher.GraphName:
		summary, err = evalFeedPublisher(ctx, *datasetF, cfg, mgr, tracker, exp, logger)
	default:
		return fmt.Errorf("unknown agent %q (valid: %s, %s)", *agentF,
			invoicematcher.GraphName, feedpublisher.GraphName)
	}
	if err != nil {
		return err
	}

	log.Printf(ctx, "evaluated %d cases: accuracy %.1f%%, cost $%.4f",
		summary.Total, summary.Accuracy*100, summary.Cost.TotalUSD)
	return printJSON(summary)
}

func evalInvoiceMatcher(ctx context.Context, path string, mgr *memory.Manager,
	tracker *eval.CostTracker, exp eval.Experiment, logger telemetry.Logger) (eval.Summary, error) {

	ds, err := eval.LoadDataset[eval.InvoiceCaseInput, eval.InvoiceExpectation](path)
	if err != nil {
		return eval.Summary{}, err
	}
	g, err := invoicematcher.NewGraph(invoicematcher.Deps{Memory: mgr, Logger: logger})
	if err != nil {
		return eval.Summary{}, err
	}

	runner := &eval.Runner[eval.InvoiceCaseInput, invoicematcher.Result, eval.InvoiceExpectation]{
		Subject: func(ctx context.Context, in eval.InvoiceCaseInput) (invoicematcher.Result, error) {
			state := &invoicematcher.MatchState{Transaction: in.Transaction, Invoices: in.Invoices}
			final, err := g.Run(ctx, state)
			if err != nil {
				return invoicematcher.Result{}, err
			}
			return final.Result(), nil
		},
		Judge:      eval.JudgeInvoiceMatch,
		Experiment: exp,
		Tracker:    tracker,
		Logger:     logger,
	}
	_, summary, err := runner.Run(ctx, ds)
	return summary, err
}

func evalFeedPublisher(ctx context.Context, path string, cfg *config.Config, mgr *memory.Manager,
	tracker *eval.CostTracker, exp eval.Experiment, logger telemetry.Logger) (eval.Summary, error) {

	ds, err := eval.LoadDataset[eval.CaptionCaseInput, eval.CaptionExpectation](path)
	if err != nil {
		return eval.Summary{}, err
	}
	mc, err := newModelClient(ctx, cfg)
	if err != nil {
		return eval.Summary{}, err
	}
	// No publisher: the graph runs in decide-only mode and delivery never
	// happens during evaluation.
	g, err := feedpublisher.NewGraph(feedpublisher.Deps{
		Memory: mgr,
		Model:  tracker.WrapModel(mc),
		Logger: logger,
	})
	if err != nil {
		return eval.Summary{}, err
	}

	runner := &eval.Runner[eval.CaptionCaseInput, feedpublisher.Result, eval.CaptionExpectation]{
		Subject: func(ctx context.Context, in eval.CaptionCaseInput) (feedpublisher.Result, error) {
			state := &feedpublisher.PublishState{Post: in.Post}
			final, err := g.Run(ctx, state)
			if err != nil {
				return feedpublisher.Result{}, err
			}
			return final.Result(), nil
		},
		Judge:      eval.JudgeCaptionQuality,
		Experiment: exp,
		Tracker:    tracker,
		Logger:     logger,
	}
	_, summary, err := runner.Run(ctx, ds)
	return summary, err
}

// newExperiment wires the Mongo experiment recorder when a name is given.
// The cleanup func disconnects the client and is safe to call always.
func newExperiment(cfg *config.Config, name string) (eval.Experiment, func(), error) {
	if name == "" {
		return eval.NopExperiment{}, func() {}, nil
	}
	if cfg.Credentials.MongoURI == "" {
		return nil, nil, fmt.Errorf("-experiment requires %s to be set", config.EnvMongoURI)
	}
	mc, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.Credentials.MongoURI))
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mc.Disconnect(ctx)
	}
	exp, err := eval.NewMongoExperiment(eval.MongoExperimentOptions{
		Client:     mc,
		Database:   cfg.Reports.Database,
		Experiment: name,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return exp, cleanup, nil
}
