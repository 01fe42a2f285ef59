// Command yukie runs the LLM-driven request router: it routes chat
// messages to downstream tool services, plans and executes multi-tool
// calls, and composes the replies.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/yukie-ai/yukie/ai"
	"github.com/yukie-ai/yukie/auth"
	"github.com/yukie-ai/yukie/core"
	"github.com/yukie-ai/yukie/orchestration"
	"github.com/yukie-ai/yukie/registry"
	"github.com/yukie-ai/yukie/routing"
	"github.com/yukie-ai/yukie/security"
	"github.com/yukie-ai/yukie/server"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "yukie",
		Short:        "LLM-driven request router and tool orchestrator",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), tokenCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

// tokenCmd mints a development bearer token.
func tokenCmd() *cobra.Command {
	var scopes string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a signed bearer token for development",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			secret := os.Getenv("JWT_SECRET")
			verifier, err := auth.NewTokenVerifier(secret)
			if err != nil {
				return err
			}
			token, err := verifier.Issue(args[0], strings.Split(scopes, ","), ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&scopes, "scopes", server.ScopeChat, "comma-separated scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func runServe() error {
	_ = godotenv.Load()

	cfg, err := core.LoadConfig()
	if err != nil {
		return err
	}
	logger := core.NewJSONLoggerWithOptions(os.Stdout, core.ParseLogLevel(cfg.LogLevel))
	telemetry := core.NewOTelProvider("yukie")

	regCfg, err := registry.LoadRegistryConfig(cfg.RegistryConfigPath)
	if err != nil {
		return fmt.Errorf("loading registry config: %w", err)
	}

	cache := registry.NewManifestCache(time.Duration(regCfg.Config.ManifestCacheTTL) * time.Second)
	cache.SetLogger(logger)

	reg := registry.NewServiceRegistry(cache)
	reg.SetLogger(logger)
	reg.SetTelemetry(telemetry)
	reg.SetURLOverrides(cfg.ServiceURLOverrides)
	if err := reg.LoadFromConfig(regCfg); err != nil {
		return fmt.Errorf("loading services: %w", err)
	}
	cache.StartBackgroundRefresh(time.Duration(regCfg.Config.HealthCheckInterval) * time.Second)
	defer cache.Stop()

	aiClient, err := ai.NewClient(cfg.LLMProvider, cfg.LLMAPIKey, cfg.LLMModel)
	if err != nil {
		return err
	}

	audit := security.NewAuditLog(0)
	audit.SetLogger(logger)
	if cfg.RedisURL != "" {
		sink, err := security.NewRedisAuditSink(cfg.RedisURL, "", 0)
		if err != nil {
			logger.Warn("Redis audit sink unavailable, audits stay in memory", map[string]interface{}{
				"operation": "startup",
				"error":     err.Error(),
			})
		} else {
			audit.SetSink(sink)
			defer sink.Close()
		}
	}

	var confirmStore security.ConfirmationStore
	if cfg.RedisURL != "" {
		redisStore, err := security.NewRedisConfirmationStore(cfg.RedisURL,
			security.WithConfirmationLogger(logger))
		if err != nil {
			logger.Warn("Redis confirmation store unavailable, using memory", map[string]interface{}{
				"operation": "startup",
				"error":     err.Error(),
			})
		} else {
			confirmStore = redisStore
			defer redisStore.Close()
		}
	}
	gate := security.NewConfirmationGate(confirmStore)
	gate.SetLogger(logger)
	gate.SetAudit(audit)

	sanitizer := security.NewSanitizer()
	sanitizer.SetLogger(logger)
	classifier := security.NewRiskClassifier()
	classifier.SetLogger(logger)

	router := routing.NewRouter(reg, aiClient)
	router.SetLogger(logger)
	router.SetTelemetry(telemetry)

	planner := orchestration.NewPlanner(aiClient)
	planner.SetLogger(logger)
	planner.SetTelemetry(telemetry)

	executor := orchestration.NewExecutor(reg)
	executor.SetLogger(logger)
	executor.SetTelemetry(telemetry)
	executor.SetSecurity(sanitizer, classifier, gate)
	executor.SetAudit(audit)
	executor.SetDefaults(orchestration.ExecOptions{Timeout: cfg.DefaultTimeout})

	composer := orchestration.NewComposer(aiClient)
	composer.SetLogger(logger)

	pipeline := orchestration.NewPipeline(reg, router, planner, executor, composer)
	pipeline.SetLogger(logger)
	pipeline.SetTelemetry(telemetry)
	pipeline.SetAudit(audit)
	pipeline.SetRoutingEnabled(cfg.EnableRouting)
	pipeline.SetRequireConfirmation(cfg.RequireConfirmation)
	pipeline.SetDefaultModel(cfg.LLMModel)

	verifier, err := auth.NewTokenVerifier(cfg.JWTSecret)
	if err != nil {
		return err
	}
	limiter := auth.NewRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitBurst)

	srv := server.New(pipeline, reg, verifier, limiter)
	srv.SetLogger(logger)
	srv.SetConfirmations(gate)
	srv.SetAudit(audit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Yukie starting", map[string]interface{}{
		"operation":     "startup",
		"listen_addr":   cfg.ListenAddr,
		"llm_provider":  cfg.LLMProvider,
		"service_count": len(reg.GetAll()),
		"routing":       cfg.EnableRouting,
	})
	return srv.ListenAndServe(ctx, cfg.ListenAddr)
}
