// Command arazzo loads an Arazzo workflow description and executes its
// workflows against live APIs from the command line.
//
// Usage:
//
//	arazzo validate -doc workflows.arazzo.yaml
//	arazzo run -doc workflows.arazzo.yaml -workflow adopt-pet -inputs '{"petId":42}'
//	arazzo schedule -doc workflows.arazzo.yaml -workflow adopt-pet -cron "0 6 * * *"
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rendis/arazzo/internal/logging"
	"github.com/rendis/arazzo/internal/session"
	"github.com/rendis/arazzo/pkg/runner"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg := loadConfig()

	var err error
	switch os.Args[1] {
	case "validate":
		err = cmdValidate(cfg, os.Args[2:])
	case "run":
		err = cmdRun(cfg, os.Args[2:])
	case "schedule":
		err = cmdSchedule(cfg, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "arazzo:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: arazzo <validate|run|schedule> [flags]")
}

// serverFlags collects repeated -server source=url overrides.
type serverFlags map[string]string

func (s serverFlags) String() string { return "" }

func (s serverFlags) Set(v string) error {
	name, url, ok := strings.Cut(v, "=")
	if !ok {
		return fmt.Errorf("expected source=url, got %q", v)
	}
	s[name] = url
	return nil
}

func cmdValidate(cfg Config, args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	doc := fs.String("doc", "", "path or URL of the Arazzo document")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *doc == "" {
		return fmt.Errorf("-doc is required")
	}

	r, err := runner.Load(context.Background(), *doc, runner.Config{})
	if err != nil {
		return err
	}
	defer r.Close()

	d := r.Document()
	fmt.Printf("%s: %d workflow(s), %d source(s)\n", d.Info.Title, len(d.Workflows), len(d.SourceDescriptions))
	for _, wf := range d.Workflows {
		fmt.Printf("  %s (%d steps)\n", wf.WorkflowID, len(wf.Steps))
	}
	return nil
}

func cmdRun(cfg Config, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	doc := fs.String("doc", "", "path or URL of the Arazzo document")
	workflow := fs.String("workflow", "", "workflowId to execute")
	inputsJSON := fs.String("inputs", "{}", "workflow inputs as JSON")
	stepwise := fs.Bool("step", false, "execute one step at a time, printing each result")
	servers := serverFlags{}
	fs.Var(servers, "server", "override a source server URL (source=url, repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *doc == "" || *workflow == "" {
		return fmt.Errorf("-doc and -workflow are required")
	}

	var inputs map[string]any
	if err := json.Unmarshal([]byte(*inputsJSON), &inputs); err != nil {
		return fmt.Errorf("parse -inputs: %w", err)
	}

	r, err := buildRunner(cfg, *doc, servers)
	if err != nil {
		return err
	}
	defer r.Close()

	ctx := context.Background()

	if *stepwise {
		id, err := r.StartWorkflow(ctx, *workflow, inputs)
		if err != nil {
			return err
		}
		for {
			sr, err := r.ExecuteNextStep(ctx, id)
			if err != nil {
				return err
			}
			printJSON(sr)
			if sr.Status.Terminal() {
				break
			}
		}
		res, err := r.ExecutionResult(ctx, id)
		if err != nil {
			return err
		}
		printJSON(res)
		return nil
	}

	res, err := r.ExecuteWorkflow(ctx, *workflow, inputs)
	if err != nil {
		return err
	}
	printJSON(res)
	if res.Err != nil {
		os.Exit(1)
	}
	return nil
}

func cmdSchedule(cfg Config, args []string) error {
	fs := flag.NewFlagSet("schedule", flag.ExitOnError)
	doc := fs.String("doc", "", "path or URL of the Arazzo document")
	workflow := fs.String("workflow", "", "workflowId to schedule")
	cron := fs.String("cron", "", "cron expression (5 fields)")
	inputsJSON := fs.String("inputs", "{}", "workflow inputs as JSON")
	servers := serverFlags{}
	fs.Var(servers, "server", "override a source server URL (source=url, repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *doc == "" || *workflow == "" || *cron == "" {
		return fmt.Errorf("-doc, -workflow and -cron are required")
	}

	r, err := buildRunner(cfg, *doc, servers)
	if err != nil {
		return err
	}
	defer r.Close()

	ctx := context.Background()
	id, err := r.Schedule(ctx, *workflow, *cron, []byte(*inputsJSON))
	if err != nil {
		return err
	}
	fmt.Println("scheduled", id)

	if err := r.StartScheduler(ctx); err != nil {
		return err
	}
	defer func() { _ = r.StopScheduler() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	return nil
}

func buildRunner(cfg Config, doc string, servers serverFlags) (*runner.Runner, error) {
	var store session.Store
	if cfg.DBPath != "" {
		s, err := session.NewLibSQLStore("file:" + cfg.DBPath)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(context.Background()); err != nil {
			return nil, err
		}
		store = s
	}

	return runner.Load(context.Background(), doc, runner.Config{
		Store:           store,
		ConditionEngine: cfg.Engine,
		ServerOverrides: servers,
		Timeout:         time.Duration(cfg.TimeoutSec) * time.Second,
		Logger:          newLogger(cfg.LogLevel),
	})
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(h))
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "arazzo:", err)
		return
	}
	fmt.Println(string(out))
}
