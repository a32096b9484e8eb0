package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rmacedo/llmbridge/internal/api"
	"github.com/rmacedo/llmbridge/internal/config"
	"github.com/rmacedo/llmbridge/internal/gateway"
	"github.com/rmacedo/llmbridge/internal/registry"
	"github.com/rmacedo/llmbridge/internal/secrets"
	"github.com/rmacedo/llmbridge/internal/telemetry"
	"github.com/rmacedo/llmbridge/internal/transport"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)
	slog.Info("starting llmbridge", "addr", cfg.Addr, "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, "llmbridge", version, cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to init telemetry", "error", err)
		os.Exit(1)
	}

	if cfg.ProviderSecretName != "" {
		if err := loadProviderSecrets(ctx, cfg); err != nil {
			slog.Error("failed to load provider secrets", "error", err)
			os.Exit(1)
		}
	}

	gw := gateway.New(transport.DefaultClient())
	registerProviders(ctx, gw, cfg)
	for _, p := range cfg.Proxies {
		gw.CreateProxy(p)
	}

	handler := api.NewHandler(api.HandlerConfig{
		Gateway:        gw,
		GatewayKeyHash: cfg.GatewayKeyHash,
	})

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: handler,
	}

	go func() {
		slog.Info("listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Error("telemetry shutdown error", "error", err)
	}
}

func registerProviders(ctx context.Context, gw *gateway.Gateway, cfg *config.Config) {
	register := func(typ string, pc registry.ProviderConfig) {
		if err := gw.RegisterProvider(ctx, typ, pc); err != nil {
			slog.Error("failed to register provider", "provider", typ, "error", err)
		}
	}

	if cfg.OpenAIAPIKey != "" {
		register("openai", providerConfig(cfg, "openai", cfg.OpenAIAPIKey, cfg.OpenAIBaseURL))
	}
	if cfg.AnthropicAPIKey != "" {
		register("anthropic", providerConfig(cfg, "anthropic", cfg.AnthropicAPIKey, cfg.AnthropicBaseURL))
	}
	if cfg.OllamaBaseURL != "" {
		register("ollama", providerConfig(cfg, "ollama", "", cfg.OllamaBaseURL))
	}
	if cfg.AWSRegion != "" {
		register("bedrock", registry.ProviderConfig{
			DefaultParams: map[string]any{"region": cfg.AWSRegion},
		})
	}

	// YAML provider blocks register vendors not covered by env vars.
	for typ, fp := range cfg.Providers {
		register(typ, registry.ProviderConfig{
			APIKey:        fp.APIKey,
			BaseURL:       fp.BaseURL,
			DefaultParams: fp.DefaultParams,
		})
	}
}

func providerConfig(cfg *config.Config, typ, apiKey, baseURL string) registry.ProviderConfig {
	pc := registry.ProviderConfig{APIKey: apiKey, BaseURL: baseURL}
	if fp, ok := cfg.Providers[typ]; ok {
		if fp.APIKey != "" {
			pc.APIKey = fp.APIKey
		}
		if fp.BaseURL != "" {
			pc.BaseURL = fp.BaseURL
		}
		pc.DefaultParams = fp.DefaultParams
		delete(cfg.Providers, typ)
	}
	return pc
}

func loadProviderSecrets(ctx context.Context, cfg *config.Config) error {
	store, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
	if err != nil {
		return err
	}

	var keys secrets.ProviderKeys
	if err := store.GetSecretJSON(ctx, cfg.ProviderSecretName, &keys); err != nil {
		return err
	}

	if cfg.OpenAIAPIKey == "" {
		cfg.OpenAIAPIKey = keys.OpenAIAPIKey
	}
	if cfg.AnthropicAPIKey == "" {
		cfg.AnthropicAPIKey = keys.AnthropicAPIKey
	}

	slog.Info("loaded provider secrets", "secret", cfg.ProviderSecretName)
	return nil
}

func setupLogger(level string) {
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

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}
