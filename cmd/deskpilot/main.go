package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/term"

	"github.com/andrey/deskpilot/internal/agent"
	"github.com/andrey/deskpilot/internal/executor"
	"github.com/andrey/deskpilot/internal/gateway"
	"github.com/andrey/deskpilot/internal/observability"
	"github.com/andrey/deskpilot/internal/orchestrator"
	"github.com/andrey/deskpilot/internal/planner"
	"github.com/andrey/deskpilot/internal/security"
	"github.com/andrey/deskpilot/internal/store"
	"github.com/andrey/deskpilot/internal/task"
	"github.com/andrey/deskpilot/internal/tools"
	"github.com/andrey/deskpilot/internal/verifier"
	"github.com/andrey/deskpilot/pkg/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	goal := flag.String("goal", "", "run a single goal to completion and exit")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	daemon := *goal == ""
	if daemon {
		observability.PrintBanner()
		observability.InitializeTerminal()
		// Route all log output through the terminal mutex so it never
		// interrupts the dashboard's cursor save/restore sequence.
		log.SetOutput(observability.NewTermWriter())
	}

	db, err := store.NewStore(cfg.Memory.Path)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	registry := tools.NewRegistry()

	searchTool, err := tools.NewSearchTool()
	if err != nil {
		log.Printf("Warning: Failed to initialize search tool: %v", err)
	} else {
		registry.Register(searchTool)
	}

	registry.Register(tools.NewFilesystemTool(cfg.App.Workspace))
	registry.Register(tools.NewTerminalTool(cfg.App.Workspace))
	registry.Register(tools.NewScraperTool())
	registry.Register(tools.NewDesktopTool(cfg.Tools.ArtifactsDir))
	registry.Register(tools.NewAppsTool())
	registry.Register(tools.NewScriptsTool(cfg.App.Workspace))
	registry.Register(tools.NewScheduleTool(db))

	browserTool := tools.NewBrowserTool(cfg.Tools.BrowserHeadless, cfg.Tools.ArtifactsDir)
	registry.Register(browserTool)
	defer browserTool.Close()

	registry.Freeze()

	// Initialize LLM (using default enabled provider)
	pName, pCfg := cfg.GetDefaultProvider()
	if pName == "" {
		log.Fatal("No enabled provider found in config")
	}

	var llm llms.Model
	switch pName {
	case "openai", "openrouter":
		opts := []openai.Option{
			openai.WithToken(pCfg.APIKey),
			openai.WithModel(pCfg.Model),
		}
		if pCfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(pCfg.BaseURL))
		}
		llm, err = openai.New(opts...)
	default:
		log.Fatalf("Provider %s not yet implemented in main", pName)
	}
	if err != nil {
		log.Fatal(err)
	}

	prompts := agent.NewPromptManager(cfg.App.PromptDir)
	plannerPrompt, err := prompts.PlannerPrompt()
	if err != nil {
		log.Printf("Warning: using built-in planner prompt: %v", err)
	}
	verifierPrompt, err := prompts.VerifierPrompt()
	if err != nil {
		log.Printf("Warning: using built-in verifier prompt: %v", err)
	}

	policy := buildPolicy(cfg)
	validator := security.NewValidator(policy, security.NewFileSnapshotter(cfg.Security.BackupDir))

	var confirmer orchestrator.Confirmer
	if term.IsTerminal(int(os.Stdin.Fd())) {
		confirmer = agent.NewTerminalConfirmer()
	}

	logger := observability.NewLogger()

	exec := executor.New(registry)
	exec.Overrides = cfg.ToolTimeouts()

	pilot := orchestrator.New(orchestrator.Deps{
		Planner:   planner.New(llm, plannerPrompt),
		Verifier:  verifier.New(llm, verifierPrompt),
		Validator: validator,
		Executor:  exec,
		Store:     db,
		Registry:  registry,
		Confirmer: confirmer,
		Logger:    logger,
		Budgets: orchestrator.Budgets{
			RetryLimit:   cfg.Budgets.RetryLimit,
			ReplanBudget: cfg.Budgets.ReplanBudget,
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !daemon {
		runOnce(ctx, pilot, *goal)
		return
	}

	// Pick up tasks interrupted by a previous shutdown.
	if recovered, err := pilot.Recover(); err != nil {
		log.Printf("Warning: recovery failed: %v", err)
	} else {
		for _, id := range recovered {
			log.Printf("Recovering task %s", id)
			go func(id string) {
				if _, err := pilot.Run(ctx, id); err != nil {
					log.Printf("Recovered task %s: %v", id, err)
				}
			}(id)
		}
	}

	var tg *gateway.TelegramGateway
	if tgCfg, ok := cfg.GetTelegramConfig(); ok {
		tg, err = gateway.NewTelegramGateway(tgCfg.Token, pilot)
		if err != nil {
			log.Fatal(err)
		}
		go func() {
			if err := tg.Start(); err != nil {
				log.Printf("\033[91m[ FAIL ] GATEWAY CRITICAL ERROR: %v\033[0m", err)
				stop()
			}
		}()
	}

	var messenger agent.Messenger
	if tg != nil {
		messenger = tg
	}
	scheduler := agent.NewScheduler(pilot, db, messenger)
	go scheduler.Start(ctx)

	// Live Resource Dashboard (1-second updates)
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				observability.PrintLiveStatus()
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				observability.Heartbeat()
				logger.LogHeartbeat()
			}
		}
	}()

	// Mirror lifecycle events onto the dashboard.
	events, unsub := pilot.Subscribe()
	defer unsub()
	go func() {
		for evt := range events {
			switch evt.Kind {
			case orchestrator.EventTaskStarted:
				observability.SetStatus(observability.PhasePlanning, evt.Goal)
			case orchestrator.EventStepStarted:
				observability.SetStatus(observability.PhaseExecuting, evt.Tool)
			case orchestrator.EventReplanned:
				observability.SetStatus(observability.PhaseReplanning, evt.Detail)
			case orchestrator.EventTaskFinished:
				observability.SetStatus(observability.PhaseIdle, "")
			}
		}
	}()

	<-ctx.Done()

	observability.CleanupTerminal()

	// Give a short time for final logs/syncs
	time.Sleep(500 * time.Millisecond)
	log.Println("\033[95m[ EXIT ] DESKPILOT STOPPED. GOODBYE.\033[0m")
}

// runOnce drives a single goal to a terminal status and reports it.
func runOnce(ctx context.Context, pilot *orchestrator.Orchestrator, goal string) {
	id, err := pilot.Start(ctx, goal)
	if err != nil {
		log.Fatalf("Planning failed: %v", err)
	}
	t, err := pilot.Run(ctx, id)
	if err != nil {
		log.Fatalf("Run failed: %v", err)
	}
	log.Printf("Task %s finished: %s", id, t.Status)
	for _, st := range t.Plan.Steps {
		log.Printf("  %d. %s [%s] %s", st.Ordinal, st.Tool, st.Status, st.FailReason)
	}
	if t.Status != task.StatusSucceeded {
		os.Exit(1)
	}
}

func buildPolicy(cfg *config.Config) *security.Policy {
	policy := security.DefaultPolicy()
	for _, name := range cfg.Security.DeniedTools {
		policy.DenyTool(name)
	}
	for _, pattern := range cfg.Security.DeniedPatterns {
		if err := policy.DenyArguments(pattern); err != nil {
			log.Printf("Warning: invalid denied pattern %q: %v", pattern, err)
		}
	}
	for risk, effect := range cfg.Security.RiskDecisions {
		policy.SetRiskDecision(task.RiskClass(risk), task.DecisionEffect(effect))
	}
	return policy
}
