// Command mailflow runs the email-drafting orchestration service: HTTP
// intake, the five-step drafting pipeline, human approval, and send.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mailflow/pkg/api"
	"mailflow/pkg/config"
	"mailflow/pkg/engine"
	"mailflow/pkg/eventlog"
	"mailflow/pkg/llm"
	"mailflow/pkg/logx"
	"mailflow/pkg/mail"
	"mailflow/pkg/persistence"
	"mailflow/pkg/steps"
	"mailflow/pkg/tools"
	"mailflow/pkg/vector"
	"mailflow/pkg/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mailflow: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = flag.String("config", "", "path to YAML config file")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return nil
	}

	logger := logx.NewLogger("main")
	logger.Info("mailflow %s starting", version.String())

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	events, err := eventlog.NewWriter(cfg.EventLogDir)
	if err != nil {
		return err
	}
	defer func() { _ = events.Close() }()

	eng, err := buildEngine(cfg, store, events)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(api.NewHandlers(eng)),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// buildEngine wires the pipeline collaborators from configuration.
func buildEngine(cfg config.Config, store *persistence.Store, events *eventlog.Writer) (*engine.Engine, error) {
	client, err := llm.NewClient(cfg.LLM)
	if err != nil {
		return nil, err
	}

	budget, err := llm.NewTokenBudget(cfg.LLM.PromptTokenBudget)
	if err != nil {
		return nil, err
	}

	vstore := vector.NewMemoryStore()
	seedCorpus(vstore)

	registry := tools.NewRegistry(cfg.Tools.RatePerMinute)
	registry.Register(tools.NewNewsTool(cfg.Tools.NewsAPIURL, cfg.Tools.APIKey(), nil))

	var sender mail.Sender
	switch cfg.Sender {
	case config.SenderSMTP:
		sender = mail.NewSMTPSender(cfg.SMTP)
	default:
		sender = mail.NewConsoleSender()
	}

	stepRegistry := steps.NewRegistry(
		steps.NewIntentStep(),
		steps.NewRetrieverStep(vstore, cfg.Vector.TopK),
		steps.NewExternalToolStep(registry, tools.NewsToolName),
		steps.NewDrafterStep(client, budget, cfg.StepTimeout, cfg.LLM.MaxTokens),
		steps.NewSafetyStep(cfg.Safety.BlockTerms, cfg.Safety.ReviseTerms),
	)

	return engine.New(cfg, store, stepRegistry, sender, events), nil
}

// seedCorpus loads the starter interaction notes into the retrieval index.
// A production deployment replaces this with an ingestion job.
func seedCorpus(store *vector.MemoryStore) {
	seeds := map[string]string{
		"acme-q3":      "ACME Corp asked for a follow up on the Q3 proposal covering rollout timeline and support tiers.",
		"acme-pricing": "ACME Corp requested updated pricing for the enterprise plan after the discovery call.",
		"globex-thank": "Globex thanked the team for the onboarding workshop and asked about advanced training.",
		"initech-news": "Initech wants a summary of recent market news relevant to their renewal decision.",
	}
	for id, text := range seeds {
		store.Add(id, text)
	}
}
