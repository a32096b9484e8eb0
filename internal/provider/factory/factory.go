// Package factory constructs provider adapters from a type name and config.
package factory

import (
	"context"
	"fmt"

	"github.com/rmacedo/llmbridge/internal/provider/anthropic"
	"github.com/rmacedo/llmbridge/internal/provider/bedrock"
	"github.com/rmacedo/llmbridge/internal/provider/ollama"
	"github.com/rmacedo/llmbridge/internal/provider/openai"
	"github.com/rmacedo/llmbridge/internal/registry"
	"github.com/rmacedo/llmbridge/internal/transport"
)

// New builds the adapter for a provider type. ctx is used only by providers
// whose SDK loads ambient credentials at construction time.
func New(ctx context.Context, typ string, cfg registry.ProviderConfig, client *transport.Client) (registry.Adapter, error) {
	switch typ {
	case "openai":
		return openai.New(cfg.APIKey, cfg.BaseURL, cfg.DefaultParams, client), nil
	case "anthropic":
		return anthropic.New(cfg.APIKey, cfg.BaseURL, cfg.DefaultParams, client), nil
	case "ollama":
		return ollama.New(cfg.BaseURL, cfg.DefaultParams, client), nil
	case "bedrock":
		region, _ := cfg.DefaultParams["region"].(string)
		return bedrock.New(ctx, region, cfg.DefaultParams)
	default:
		return nil, fmt.Errorf("unknown provider type %q", typ)
	}
}
