package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/zen-systems/gdprcheck/pkg/adapter"
	"github.com/zen-systems/gdprcheck/pkg/archive"
	"github.com/zen-systems/gdprcheck/pkg/attest"
	"github.com/zen-systems/gdprcheck/pkg/catalog"
	"github.com/zen-systems/gdprcheck/pkg/config"
	"github.com/zen-systems/gdprcheck/pkg/gate"
	"github.com/zen-systems/gdprcheck/pkg/ingest"
	"github.com/zen-systems/gdprcheck/pkg/logger"
	"github.com/zen-systems/gdprcheck/pkg/oracle"
	"github.com/zen-systems/gdprcheck/pkg/pipeline"
	"github.com/zen-systems/gdprcheck/pkg/report"
	"github.com/zen-systems/gdprcheck/pkg/server"
)

var (
	configFile  string
	adapterFlag string
	modelFlag   string
	logJSON     bool
	verbose     bool
	aliases     *config.ModelAliases
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gdprcheck",
		Short: "GDPR compliance risk analysis for AI systems",
		Long: `gdprcheck runs five structured analyses of a privacy policy and an AI
	system description against an LLM backend and compiles them into a
	compliance report with an overall risk score and an action plan.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logger.Initialize(logJSON, verbose)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logger.Cleanup()
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to analysis config file")
	rootCmd.PersistentFlags().StringVar(&adapterFlag, "adapter", "", "override adapter for every stage (anthropic, openai, google, deepseek, mock)")
	rootCmd.PersistentFlags().StringVar(&modelFlag, "model", "", "override model or alias for every stage")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit structured JSON logs")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable debug logging")

	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(attestCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(stagesCmd())
	rootCmd.AddCommand(modelsCmd())
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if hints := errors.GetAllHints(err); len(hints) > 0 {
			fmt.Fprintf(os.Stderr, "Hint: %s\n", strings.Join(hints, "; "))
		}
		os.Exit(1)
	}
}

func analyzeCmd() *cobra.Command {
	var policyFile, systemText, systemFile, outDir string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Analyze a privacy policy against an AI system description",
		Long: `Runs every analysis stage and prints the compliance report.

	The policy is read from --policy (.txt, .md, .json or .pdf). The system
	description comes from --system or --system-file. The run and its report
	are archived so they can be shown again with "gdprcheck report".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if policyFile == "" {
				return errors.New("--policy is required")
			}
			if (systemText == "") == (systemFile == "") {
				return errors.New("exactly one of --system or --system-file is required")
			}

			policyText, err := ingest.ExtractText(policyFile)
			if err != nil {
				return errors.Wrap(err, "policy")
			}
			systemDescription := systemText
			if systemFile != "" {
				systemDescription, err = ingest.ExtractText(systemFile)
				if err != nil {
					return errors.Wrap(err, "system description")
				}
			} else if systemDescription, err = ingest.Normalize([]byte(systemText), ".txt"); err != nil {
				return errors.Wrap(err, "system description")
			}

			cfg, err := loadConfig()
			if err != nil {
				return errors.Wrap(err, "failed to load config")
			}
			scheduler, err := createScheduler(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			run, err := scheduler.Run(ctx, pipeline.AnalysisRequest{
				PolicyText:        policyText,
				SystemDescription: systemDescription,
			})
			if err != nil {
				return err
			}

			rep, err := report.Synthesize(run, report.PolicyFromConfig(cfg.Analysis.Scoring))
			if err != nil {
				return err
			}

			if store, err := archive.NewStore(cfg.Analysis.Storage.ArchiveDir); err != nil {
				logger.Logger.Warnw("archive unavailable", "error", err)
			} else if err := store.SaveRun(run); err != nil {
				logger.Logger.Warnw("failed to archive run", "run_id", run.ID, "error", err)
			} else if err := store.SaveReport(rep); err != nil {
				logger.Logger.Warnw("failed to archive report", "run_id", run.ID, "error", err)
			}

			if outDir != "" {
				path, err := writeReport(outDir, rep)
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "Report written to %s\n", path)
			}

			if jsonOutput {
				return printJSON(os.Stdout, rep)
			}
			return printReport(os.Stdout, run, rep)
		},
	}

	cmd.Flags().StringVar(&policyFile, "policy", "", "privacy policy document (.txt, .md, .json, .pdf)")
	cmd.Flags().StringVar(&systemText, "system", "", "AI system description")
	cmd.Flags().StringVar(&systemFile, "system-file", "", "file containing the AI system description")
	cmd.Flags().StringVar(&outDir, "out", "", "directory to write the report JSON to")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the report as JSON")

	return cmd
}

func reportCmd() *cobra.Command {
	var executive, resynthesize bool

	cmd := &cobra.Command{
		Use:   "report <run-id>",
		Short: "Show the report of an archived run",
		Long: `Prints the archived report for a run as JSON.

	Use --resynthesize to rebuild the report from the archived run with the
	current scoring policy.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return errors.Wrap(err, "failed to load config")
			}
			store, err := archive.NewStore(cfg.Analysis.Storage.ArchiveDir)
			if err != nil {
				return err
			}

			var rep *report.ComplianceReport
			if !resynthesize {
				rep, err = store.LoadReport(args[0])
			}
			if resynthesize || errors.Is(err, archive.ErrNotFound) {
				run, loadErr := store.LoadRun(args[0])
				if loadErr != nil {
					return loadErr
				}
				rep, err = report.Synthesize(run, report.PolicyFromConfig(cfg.Analysis.Scoring))
				if err == nil {
					err = store.SaveReport(rep)
				}
			}
			if err != nil {
				return err
			}

			if executive {
				return printJSON(os.Stdout, report.Executive(rep))
			}
			return printJSON(os.Stdout, rep)
		},
	}

	cmd.Flags().BoolVar(&executive, "executive", false, "print the executive summary only")
	cmd.Flags().BoolVar(&resynthesize, "resynthesize", false, "rebuild the report from the archived run")

	return cmd
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List archived runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return errors.Wrap(err, "failed to load config")
			}
			store, err := archive.NewStore(cfg.Analysis.Storage.ArchiveDir)
			if err != nil {
				return err
			}
			runs, err := store.List()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RUN ID\tSTATUS\tSTARTED\tREPORT")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", r.ID, r.Status, r.StartedAt.Format("2006-01-02 15:04:05"), r.HasReport)
			}
			return w.Flush()
		},
	}
}

func attestCmd() *cobra.Command {
	var sign bool
	var keyID string

	cmd := &cobra.Command{
		Use:   "attest <run-id>",
		Short: "Write an attestation over a run's evidence bundle",
		Long: `Hashes every file of the run's evidence bundle and records the run
	outcome in attestation.json. With --sign the attestation is signed with an
	ed25519 key from the configured key directory, created on first use.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return errors.Wrap(err, "failed to load config")
			}
			runDir, err := evidenceDir(cfg, args[0])
			if err != nil {
				return err
			}

			att, err := attest.Build(runDir)
			if err != nil {
				return errors.Wrap(err, "build attestation")
			}
			if sign {
				signer, err := attest.NewSigner(cfg.Analysis.Storage.KeyDir, keyID)
				if err != nil {
					return err
				}
				if err := signer.Sign(att); err != nil {
					return err
				}
			}
			path, err := attest.Write(runDir, att)
			if err != nil {
				return err
			}
			fmt.Printf("Attestation written to %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&sign, "sign", false, "sign the attestation")
	cmd.Flags().StringVar(&keyID, "key-id", "default", "signing key id")
	return cmd
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <run-id>",
		Short: "Verify a run's evidence bundle against its attestation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return errors.Wrap(err, "failed to load config")
			}
			runDir, err := evidenceDir(cfg, args[0])
			if err != nil {
				return err
			}

			att, err := attest.Read(runDir)
			if err != nil {
				return errors.WithHint(err, "run \"gdprcheck attest\" first")
			}
			if err := attest.Verify(att, runDir); err != nil {
				return errors.Wrap(err, "evidence verification failed")
			}
			if att.Signature != nil {
				if err := attest.VerifySignature(att, cfg.Analysis.Storage.KeyDir); err != nil {
					return errors.Wrap(err, "signature verification failed")
				}
				fmt.Printf("Evidence for run %s verified (signed by %s).\n", att.Subject.RunID, att.Signature.PubKeyID)
				return nil
			}
			fmt.Printf("Evidence for run %s verified (unsigned).\n", att.Subject.RunID)
			return nil
		},
	}
}

// evidenceDir locates the evidence bundle of a run, preferring the
// directory recorded in the archived run.
func evidenceDir(cfg *config.Config, runID string) (string, error) {
	if _, err := uuid.Parse(runID); err != nil {
		return "", errors.Wrapf(archive.ErrInvalidID, "%q", runID)
	}
	if store, err := archive.NewStore(cfg.Analysis.Storage.ArchiveDir); err == nil {
		if run, err := store.LoadRun(runID); err == nil && run.EvidenceDir != "" {
			return run.EvidenceDir, nil
		}
	}
	if cfg.Analysis.Storage.EvidenceDir == "" {
		return "", errors.WithHint(
			errors.Newf("no evidence bundle recorded for run %s", runID),
			"set storage.evidence_dir in the analysis config before running analyze")
	}
	return filepath.Join(cfg.Analysis.Storage.EvidenceDir, runID), nil
}

func stagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stages",
		Short: "Show the analysis stages and where each one is routed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return errors.Wrap(err, "failed to load config")
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "LEVEL\tSTAGE\tINPUTS\tDEPENDS ON\tADAPTER\tMODEL")
			for level, specs := range catalog.Default().Levels() {
				for _, spec := range specs {
					target := cfg.Analysis.Target(spec.Name)
					deps := "-"
					if len(spec.DependsOn) > 0 {
						deps = strings.Join(spec.DependsOn, ", ")
						if spec.AllowPartial {
							deps += " (partial ok)"
						}
					}
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
						level, spec.Name, strings.Join(spec.InputNames(), ", "), deps, target.Adapter, target.Model)
				}
			}
			return w.Flush()
		},
	}
}

func modelsCmd() *cobra.Command {
	var resolveFlag bool
	var validateFlag bool

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List available adapters, models, and aliases",
		Long: `Lists adapters and their available models.

	Use --resolve to show aliases and what they resolve to.
	Use --validate to check that every stage target names a known model.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return errors.Wrap(err, "failed to load config")
			}

			if resolveFlag {
				return showAliases()
			}

			if validateFlag {
				return validateTargets(cfg)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tMODELS\tSTATUS")
			for _, provider := range aliases.ListProviders() {
				status := "no key"
				if cfg.HasAdapter(provider) {
					status = "ready"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", provider, strings.Join(aliases.Providers[provider], ", "), status)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&resolveFlag, "resolve", false, "show aliases and what they resolve to")
	cmd.Flags().BoolVar(&validateFlag, "validate", false, "check every stage target resolves to a known model")

	return cmd
}

func showAliases() error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ALIAS\tMODEL\tPROVIDER")

	names := make([]string, 0, len(aliases.Aliases))
	for name := range aliases.Aliases {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, alias := range names {
		model := aliases.Aliases[alias]
		fmt.Fprintf(w, "%s\t%s\t%s\n", alias, model, aliases.GetProviderForModel(model))
	}
	return w.Flush()
}

func validateTargets(cfg *config.Config) error {
	errs := aliases.ResolveAnalysisConfig(cfg.Analysis)
	if len(errs) == 0 {
		fmt.Println("All stage targets are valid.")
		return nil
	}

	fmt.Fprintf(os.Stderr, "Found %d validation errors:\n", len(errs))
	for _, err := range errs {
		fmt.Fprintf(os.Stderr, "  - %s\n", err)
	}
	return errors.New("validation failed")
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the analysis HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return errors.Wrap(err, "failed to load config")
			}
			scheduler, err := createScheduler(cfg)
			if err != nil {
				return err
			}
			store, err := archive.NewStore(cfg.Analysis.Storage.ArchiveDir)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := server.New(scheduler, store, report.PolicyFromConfig(cfg.Analysis.Scoring), logger.Named("http"))
			return srv.ListenAndServe(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	return cmd
}

// loadConfig reads configuration, applies the --adapter and --model
// overrides, resolves aliases and validates the result.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadWithAnalysisFile(configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	aliases, err = config.LoadAliasesFromDir(cfg.ConfigDir)
	if err != nil {
		return nil, err
	}

	if adapterFlag != "" || modelFlag != "" {
		target := cfg.Analysis.Default
		if adapterFlag != "" {
			target.Adapter = adapterFlag
			target.Model = ""
		}
		if modelFlag != "" {
			target.Model = modelFlag
			if adapterFlag == "" {
				if provider := aliases.GetProviderForModel(aliases.Resolve(modelFlag)); provider != "" {
					target.Adapter = provider
				}
			}
		}
		cfg.Analysis.Default = target
		cfg.Analysis.Stages = nil
	}

	if err := cfg.Analysis.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// createScheduler builds one oracle client per distinct stage target,
// all sharing a single rate limiter.
func createScheduler(cfg *config.Config) (*pipeline.Scheduler, error) {
	if errs := aliases.ResolveAnalysisConfig(cfg.Analysis); len(errs) > 0 {
		for _, err := range errs {
			logger.Logger.Warnw("stage target not in model list", "error", err)
		}
	}

	adapters, err := createAdapters(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create adapters")
	}

	analysis := cfg.Analysis
	var limiter oracle.Limiter = oracle.NopLimiter{}
	if analysis.RateLimit.RequestsPerSecond > 0 {
		limiter = oracle.NewRateLimiter(analysis.RateLimit.RequestsPerSecond, analysis.RateLimit.Burst)
	}
	policy := oracle.RetryPolicy{
		MaxAttempts: analysis.Retry.MaxAttempts,
		BaseBackoff: config.Duration(analysis.Retry.BaseBackoffMs),
		MaxBackoff:  config.Duration(analysis.Retry.MaxBackoffMs),
		Budget:      config.Duration(analysis.Retry.BudgetMs),
		CallTimeout: config.Duration(analysis.Retry.CallTimeoutMs),
	}

	clients := make(map[config.RouteTarget]*oracle.Client)
	stageOracles := make(map[string]oracle.Invoker)
	for _, spec := range catalog.Default().Stages() {
		target := analysis.Target(spec.Name)
		client, ok := clients[target]
		if !ok {
			a, found := adapters[target.Adapter]
			if !found {
				return nil, errors.WithHintf(
					errors.Newf("adapter %q for stage %s is not available", target.Adapter, spec.Name),
					"set the API key for %s or use --adapter mock", target.Adapter)
			}
			client, err = oracle.NewClient(a, target.Model,
				oracle.WithLimiter(limiter),
				oracle.WithRetryPolicy(policy),
				oracle.WithLogger(logger.Named("oracle")))
			if err != nil {
				return nil, err
			}
			clients[target] = client
		}
		stageOracles[spec.Name] = client
		logger.Logger.Debugw("stage routed", "stage", spec.Name, "adapter", client.Adapter(), "model", client.Model())
	}

	return pipeline.NewScheduler(pipeline.Options{
		StageOracles:    stageOracles,
		RunTimeout:      config.Duration(analysis.Scheduler.RunTimeoutMs),
		PlanningReserve: config.Duration(analysis.Scheduler.PlanningReserveMs),
		MaxConcurrency:  analysis.Scheduler.MaxConcurrency,
		Gates:           []gate.Gate{gate.NewHollowGate()},
		Pricing:         analysis.Pricing,
		EvidenceDir:     analysis.Storage.EvidenceDir,
		Logger:          logger.Named("pipeline"),
	})
}

func createAdapters(cfg *config.Config) (map[string]adapter.Adapter, error) {
	adapters := make(map[string]adapter.Adapter)

	if cfg.AnthropicAPIKey != "" {
		a, err := adapter.NewAnthropicAdapter(cfg.AnthropicAPIKey)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create anthropic adapter")
		}
		adapters["anthropic"] = a
	}

	if cfg.OpenAIAPIKey != "" {
		a, err := adapter.NewOpenAIAdapter(cfg.OpenAIAPIKey)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create openai adapter")
		}
		adapters["openai"] = a
	}

	if cfg.GoogleAPIKey != "" {
		a, err := adapter.NewGoogleAdapter(cfg.GoogleAPIKey)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create google adapter")
		}
		adapters["google"] = a
	}

	if cfg.DeepSeekAPIKey != "" {
		a, err := adapter.NewDeepSeekAdapter(cfg.DeepSeekAPIKey, cfg.DeepSeekBaseURL)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create deepseek adapter")
		}
		adapters["deepseek"] = a
	}

	adapters["mock"] = adapter.NewMockAdapterWithResponses(catalog.SampleResponses(), "")

	return adapters, nil
}

func writeReport(dir string, rep *report.ComplianceReport) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, rep.RunID+".json")
	return path, os.WriteFile(path, data, 0o644)
}

func printJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func printReport(out io.Writer, run *pipeline.Run, rep *report.ComplianceReport) error {
	fmt.Fprintf(out, "Run %s: %s\n", run.ID, run.Status)
	if rep.OverallRiskScore != nil {
		fmt.Fprintf(out, "Overall risk: %s (%.1f/10, %s)\n\n", rep.RiskLevel, *rep.OverallRiskScore, rep.ScorePolicy.Method)
	} else {
		fmt.Fprintf(out, "Overall risk: %s\n\n", rep.RiskLevel)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tSTATUS\tSCORE\tATTEMPTS\tNOTE")
	for _, section := range rep.Sections {
		res := run.Stage(section.Stage)
		score := "-"
		if section.Score != nil {
			score = fmt.Sprintf("%d", *section.Score)
		}
		note := ""
		switch {
		case !section.Available:
			note = section.Reason
		case res != nil && res.Repaired:
			note = "repaired"
		}
		status, attempts := pipeline.StatusPending, 0
		if res != nil {
			status, attempts = res.Status, res.Attempts
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", section.Stage, status, score, attempts, note)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\n%s\n", rep.ExecutiveSummary)
	if len(rep.ActionPlan) > 0 {
		fmt.Fprintln(out, "\nAction plan:")
		for i, item := range rep.ActionPlan {
			fmt.Fprintf(out, "  %d. [%s] %s (%s)\n", i+1, item.Priority, item.Action, item.Timeline)
		}
	}
	if run.Cost != nil {
		fmt.Fprintf(out, "\nTokens: %d", run.Cost.TotalUsage.TotalTokens)
		if run.Cost.Priced {
			fmt.Fprintf(out, "  Estimated cost: %.4f %s", run.Cost.TotalAmount, run.Cost.Currency)
		}
		fmt.Fprintln(out)
	}
	if run.EvidenceDir != "" {
		fmt.Fprintf(out, "Evidence: %s\n", run.EvidenceDir)
	}
	return nil
}
