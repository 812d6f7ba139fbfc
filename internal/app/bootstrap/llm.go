package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	appconfig "github.com/wolfman30/crm-trigger-engine/internal/config"
	"github.com/wolfman30/crm-trigger-engine/internal/llm"
	"github.com/wolfman30/crm-trigger-engine/pkg/logging"
)

// BuildLLMClient wires the completion capability used to draft replies.
// LLM_PROVIDER picks the primary; the other provider, when configured,
// becomes the fallback. It returns a nil client when neither is set up, in
// which case every inbound reply is routed to the human queue.
func BuildLLMClient(ctx context.Context, cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) (llm.Client, string, error) {
	if cfg == nil {
		return nil, "", fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	var gemini, bedrock llm.Client
	if key := strings.TrimSpace(cfg.GeminiAPIKey); key != "" {
		client, err := llm.NewGeminiClient(ctx, key, cfg.GeminiModelID)
		if err != nil {
			return nil, "", fmt.Errorf("bootstrap: gemini client: %w", err)
		}
		gemini = client
	}
	if model := strings.TrimSpace(cfg.BedrockModelID); model != "" && awsCfg != nil {
		bedrock = llm.NewBedrockClient(bedrockruntime.NewFromConfig(*awsCfg), model)
	}

	primary, fallback := gemini, bedrock
	model, fallbackModel := cfg.GeminiModelID, cfg.BedrockModelID
	if cfg.LLMProvider == "bedrock" {
		primary, fallback = bedrock, gemini
		model, fallbackModel = fallbackModel, model
	}
	if primary == nil && fallback == nil {
		logger.Warn("no llm configured; replies will be routed to the human queue")
		return nil, "", nil
	}
	if primary == nil {
		logger.Warn("configured llm provider unavailable, using fallback only", "provider", cfg.LLMProvider)
		model = fallbackModel
	}
	client := llm.NewFallbackClient(primary, fallback, logger)
	logger.Info("llm configured", "provider", cfg.LLMProvider, "model", model, "fallback", primary != nil && fallback != nil)
	return llm.WithTimeout(client, cfg.LLMTimeout), model, nil
}
