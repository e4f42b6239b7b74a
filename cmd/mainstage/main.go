// Command mainstage runs the agent platform. It ships four subcommands:
//
//	worker     run a Temporal worker processing agent workflows
//	serve      run the HTTP status and control facade
//	schedules  apply or list the configured workflow schedules
//	eval       run an agent against a golden dataset
//
// Topology comes from a YAML file (-config); credentials come from the
// process environment, with .env honored in development.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"goa.design/clue/log"

	"github.com/pomandi/mainstage/config"
	"github.com/pomandi/mainstage/engine"
	"github.com/pomandi/mainstage/fault"
	"github.com/pomandi/mainstage/httpapi"
	"github.com/pomandi/mainstage/telemetry"
	"github.com/pomandi/mainstage/workflows"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	// Setup logger. JSON in production, terminal format when attached to
	// a TTY.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	var err error
	switch cmd {
	case "worker":
		err = runWorker(ctx, args)
	case "serve":
		err = runServe(ctx, args)
	case "schedules":
		err = runSchedules(ctx, args)
	case "eval":
		err = runEval(ctx, args)
	case "help", "-h", "-help", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(ctx, err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: mainstage <command> [flags]

commands:
  worker     run a Temporal worker processing agent workflows
  serve      run the HTTP status and control facade
  schedules  apply or list the configured workflow schedules
  eval       run an agent against a golden dataset

Run 'mainstage <command> -h' for the command's flags.
`)
}

// commonFlags registers the flags every subcommand shares.
func commonFlags(fs *flag.FlagSet) (configF *string, dbgF *bool) {
	configF = fs.String("config", "", "Path to the YAML configuration file")
	dbgF = fs.Bool("debug", false, "Log debug messages")
	return
}

func runWorker(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	configF, dbgF := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		return err
	}

	p, err := buildPlatform(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.close()

	eng, err := newEngine(cfg, p)
	if err != nil {
		return err
	}
	defer eng.Close()

	if err := workflows.Register(eng); err != nil {
		return err
	}
	if err := registerActivities(ctx, eng, p, cfg); err != nil {
		return err
	}

	// Create channel used by both the signal handler and the worker to
	// notify the main goroutine when to stop.
	errc := make(chan error)

	// Setup interrupt handler so SIGINT and SIGTERM drain the worker
	// gracefully.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	eng.Worker().Start()
	log.Printf(ctx, "worker running on task queue %q", cfg.Temporal.TaskQueue)

	// Wait for signal.
	log.Printf(ctx, "exiting (%v)", <-errc)

	eng.Worker().Stop()
	log.Printf(ctx, "exited")
	return nil
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configF, dbgF := commonFlags(fs)
	addrF := fs.String("addr", "", "Listen address (overrides the configured one)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		return err
	}
	addr := cfg.HTTP.Addr
	if *addrF != "" {
		addr = *addrF
	}

	p, err := buildPlatform(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.close()

	// The facade starts and inspects workflows but never processes tasks;
	// workers run in their own processes.
	eng, err := newEngine(cfg, p)
	if err != nil {
		return err
	}
	defer eng.Close()
	if err := workflows.Register(eng); err != nil {
		return err
	}

	srv, err := httpapi.NewServer(httpapi.Options{
		Workflows: httpapi.EngineWorkflows{Engine: eng},
		Schedules: eng.Schedules(),
		Actors:    p.actors(eng),
		Logger:    p.logger,
		Metrics:   p.metrics,
	})
	if err != nil {
		return err
	}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	go func() {
		log.Printf(ctx, "HTTP server listening on %q", addr)
		errc <- srv.Start(addr)
	}()

	// Wait for signal or server failure.
	log.Printf(ctx, "exiting (%v)", <-errc)

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "shutdown")
	}
	log.Printf(ctx, "exited")
	return nil
}

func runSchedules(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("schedules", flag.ExitOnError)
	configF, dbgF := commonFlags(fs)
	listF := fs.Bool("list", false, "List registered schedules instead of applying the configured ones")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		return err
	}

	eng, err := dialEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.Close()
	sch := eng.Schedules()

	if *listF {
		infos, err := sch.List(ctx)
		if err != nil {
			return err
		}
		return printJSON(infos)
	}

	for _, sched := range desiredSchedules(cfg) {
		err := sch.Create(ctx, sched)
		switch {
		case err == nil:
			log.Printf(ctx, "schedule %q created", sched.ID)
		case fault.Is(err, fault.Conflict):
			if err := sch.Update(ctx, sched); err != nil {
				return err
			}
			log.Printf(ctx, "schedule %q updated", sched.ID)
		default:
			return err
		}
	}
	return nil
}

// desiredSchedules translates the configured schedules, falling back to the
// built-in set when the file declares none.
func desiredSchedules(cfg *config.Config) []engine.Schedule {
	if len(cfg.Schedules) == 0 {
		return workflows.DefaultSchedules()
	}
	scheds := make([]engine.Schedule, 0, len(cfg.Schedules))
	for _, sc := range cfg.Schedules {
		scheds = append(scheds, engine.Schedule{
			ID:       sc.ID,
			Spec:     sc.Spec,
			Workflow: sc.Workflow,
			Input:    sc.Input,
			Overlap:  engine.OverlapPolicy(sc.Overlap),
			TimeZone: sc.TimeZone,
			Paused:   sc.Paused,
			Note:     sc.Note,
		})
	}
	return scheds
}

// dialEngine builds an engine for control-plane calls only: no workers, no
// instrumentation.
func dialEngine(cfg *config.Config) (*engine.Engine, error) {
	return engine.New(engine.Options{
		ClientOptions:          temporalClientOptions(cfg),
		WorkerOptions:          engine.WorkerOptions{TaskQueue: cfg.Temporal.TaskQueue},
		Instrumentation:        engine.InstrumentationOptions{DisableTracing: true, DisableMetrics: true},
		DisableWorkerAutoStart: true,
		Logger:                 telemetry.NewClueLogger(),
	})
}
