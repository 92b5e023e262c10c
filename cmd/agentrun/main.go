package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/agentrun/internal/bus"
	"github.com/stellarlinkco/agentrun/internal/config"
	"github.com/stellarlinkco/agentrun/internal/job"
	"github.com/stellarlinkco/agentrun/internal/model"
	"github.com/stellarlinkco/agentrun/internal/run"
	"github.com/stellarlinkco/agentrun/internal/sched"
	"github.com/stellarlinkco/agentrun/internal/tool"
)

var rootCmd = &cobra.Command{
	Use:   "agentrun",
	Short: "agentrun - execute declarative AI agent jobs",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a job file and print its result",
	RunE:  runJob,
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Connect to a job's tool servers and list the discovered catalog",
	RunE:  runTools,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a job file without executing it",
	RunE:  runValidate,
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run scheduled jobs from the jobs directory",
	RunE:  runSchedule,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and jobs directory",
	RunE:  runOnboard,
}

var (
	jobFileFlag string
	outFileFlag string
	jobsDirFlag string
)

func init() {
	runCmd.Flags().StringVarP(&jobFileFlag, "file", "f", "", "Job file (.json, .yaml, .yml)")
	runCmd.Flags().StringVarP(&outFileFlag, "out", "o", "", "Write the result JSON to a file instead of stdout")
	toolsCmd.Flags().StringVarP(&jobFileFlag, "file", "f", "", "Job file (.json, .yaml, .yml)")
	validateCmd.Flags().StringVarP(&jobFileFlag, "file", "f", "", "Job file (.json, .yaml, .yml)")
	scheduleCmd.Flags().StringVar(&jobsDirFlag, "dir", "", "Jobs directory (defaults to the configured scheduler.jobsDir)")
	rootCmd.AddCommand(runCmd, toolsCmd, validateCmd, scheduleCmd, onboardCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadJobArg(args []string) (*job.Job, error) {
	path := jobFileFlag
	if path == "" && len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		return nil, fmt.Errorf("job file required (use -f or pass it as an argument)")
	}
	return job.Load(path)
}

func runJob(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	j, err := loadJobArg(args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := execute(ctx, cfg, j)
	if err != nil {
		return err
	}

	out := io.Writer(os.Stdout)
	if outFileFlag != "" {
		f, err := os.Create(outFileFlag)
		if err != nil {
			return fmt.Errorf("create result file: %w", err)
		}
		defer f.Close()
		out = f
	}
	if err := printResult(out, result); err != nil {
		return err
	}
	if result.Status != run.StatusSuccess {
		os.Exit(1)
	}
	return nil
}

// execute wires a job into a loop: merged defaults, provider adapter, tool
// servers, event bus, and runs it to completion.
func execute(ctx context.Context, cfg *config.Config, j *job.Job) (*run.Result, error) {
	applyDefaults(cfg, j)

	client, err := model.NewClient(model.Config{
		Provider:    j.Model.Provider,
		Model:       j.Model.Model,
		APIKey:      cfg.Provider.APIKey,
		BaseURL:     cfg.Provider.BaseURL,
		MaxTokens:   j.Model.MaxTokens,
		Temperature: j.Model.Temperature,
	})
	if err != nil {
		return nil, err
	}

	servers, err := connectServers(ctx, j)
	if err != nil {
		return nil, err
	}

	events := bus.NewBus()
	defer events.Close()
	streamProgress(events)

	loop := run.New(j, client, tool.NewRegistry(servers...), run.WithBus(events))
	return loop.Run(ctx), nil
}

// streamProgress renders run lifecycle events to stderr as they happen, so a
// long run is not silent until its final result.
func streamProgress(events *bus.Bus) {
	events.Subscribe(bus.StepCompleted, func(_ context.Context, evt bus.Event) {
		if p, ok := evt.Payload.(bus.StepCompletedPayload); ok {
			fmt.Fprintf(os.Stderr, "step %d (%s) in %s\n", p.Step, p.Kind, p.Duration.Round(time.Millisecond))
		}
	})
	events.Subscribe(bus.ToolInvoked, func(_ context.Context, evt bus.Event) {
		if p, ok := evt.Payload.(bus.ToolInvokedPayload); ok {
			if p.Err != "" {
				fmt.Fprintf(os.Stderr, "tool %s failed: %s\n", p.Tool, p.Err)
			} else {
				fmt.Fprintf(os.Stderr, "tool %s ok\n", p.Tool)
			}
		}
	})
}

// applyDefaults fills job fields left unset from the process config.
func applyDefaults(cfg *config.Config, j *job.Job) {
	if j.Model.Provider == "" {
		j.Model.Provider = cfg.Provider.Type
	}
	if j.Model.Model == "" {
		j.Model.Model = cfg.Defaults.Model
	}
	if j.Model.MaxTokens <= 0 {
		j.Model.MaxTokens = cfg.Defaults.MaxTokens
	}
	if j.Policy.TimeoutSeconds == 0 {
		j.Policy.TimeoutSeconds = cfg.Defaults.TimeoutSeconds
	}
	if j.Policy.MaxSteps == 0 {
		j.Policy.MaxSteps = cfg.Defaults.MaxSteps
	}
	if j.Policy.MaxRetries == 0 {
		j.Policy.MaxRetries = cfg.Defaults.MaxRetries
	}
}

func connectServers(ctx context.Context, j *job.Job) ([]tool.Server, error) {
	servers := make([]tool.Server, 0, len(j.ToolServers))
	for _, srv := range j.ToolServers {
		var (
			s   tool.Server
			err error
		)
		switch srv.Transport {
		case job.TransportStdio:
			s, err = tool.NewStdioServer(ctx, srv.ID, srv.Command, srv.Args, srv.Env)
		case job.TransportSSE:
			s, err = tool.NewSSEServer(ctx, srv.ID, srv.URL)
		default:
			err = fmt.Errorf("unknown transport %q", srv.Transport)
		}
		if err != nil {
			for _, open := range servers {
				open.Close()
			}
			return nil, fmt.Errorf("tool server %s: %w", srv.ID, err)
		}
		servers = append(servers, s)
	}
	return servers, nil
}

func printResult(w io.Writer, result *run.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func runTools(cmd *cobra.Command, args []string) error {
	j, err := loadJobArg(args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	servers, err := connectServers(ctx, j)
	if err != nil {
		return err
	}
	registry := tool.NewRegistry(servers...)
	defer registry.Close()

	catalog, err := registry.Discover(ctx)
	if err != nil {
		return fmt.Errorf("discover tools: %w", err)
	}

	for _, w := range registry.Warnings() {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
	if len(catalog) == 0 {
		fmt.Println("No tools discovered.")
		return nil
	}
	for _, desc := range catalog {
		if desc.Description != "" {
			fmt.Printf("%s (%s): %s\n", desc.Name, desc.ServerID, desc.Description)
		} else {
			fmt.Printf("%s (%s)\n", desc.Name, desc.ServerID)
		}
	}
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	j, err := loadJobArg(args)
	if err != nil {
		return err
	}
	fmt.Printf("Job OK: goal=%q, %d tool servers, timeout=%gs\n",
		j.Goal, len(j.ToolServers), j.Policy.TimeoutSeconds)
	if j.OutputSchema != nil {
		fmt.Println("Output schema: present")
	} else {
		fmt.Println("Output schema: none (any answer accepted)")
	}
	return nil
}

func runSchedule(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	jobsDir := cfg.Scheduler.JobsDir
	if jobsDirFlag != "" {
		jobsDir = jobsDirFlag
	}
	if err := os.MkdirAll(jobsDir, 0755); err != nil {
		return fmt.Errorf("create jobs dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := sched.NewService(jobsDir)
	svc.OnJob = func(path string, j *job.Job) {
		result, err := execute(ctx, cfg, j)
		if err != nil {
			fmt.Fprintf(os.Stderr, "job %s: %v\n", path, err)
			return
		}
		_ = printResult(os.Stdout, result) //nolint:errcheck
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer svc.Stop()

	<-ctx.Done()
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	cfg, _ := config.LoadConfig()
	if err := os.MkdirAll(cfg.Scheduler.JobsDir, 0755); err != nil {
		return fmt.Errorf("create jobs dir: %w", err)
	}
	samplePath := filepath.Join(cfg.Scheduler.JobsDir, "sample.yaml")
	if _, err := os.Stat(samplePath); os.IsNotExist(err) {
		if err := os.WriteFile(samplePath, []byte(sampleJobYAML), 0644); err != nil {
			return fmt.Errorf("write sample job: %w", err)
		}
		fmt.Printf("Created sample job: %s\n", samplePath)
	}

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your API key\n", cfgPath)
	fmt.Println("  2. Or set AGENTRUN_API_KEY / ANTHROPIC_API_KEY / OPENAI_API_KEY")
	fmt.Printf("  3. Run 'agentrun run -f %s' to test\n", samplePath)
	return nil
}

const sampleJobYAML = `goal: "Summarize the current directory contents in one sentence."
executionPolicy:
  timeoutSeconds: 120
  maxSteps: 10
`
