package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"coteacher/internal/config"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

const defaultMaxTokens = 1024

// Streamer produces assistant text for a prepared conversation.
type Streamer interface {
	// Stream calls onDelta with every text fragment as it arrives and
	// returns the full reply. tools may be empty.
	Stream(ctx context.Context, msgs []*schema.Message, tools []tool.BaseTool, onDelta func(string) error) (string, error)
	// Generate returns a single non-streamed reply.
	Generate(ctx context.Context, msgs []*schema.Message) (string, error)
}

// NewChatModel builds the configured provider's chat model.
func NewChatModel(ctx context.Context, cfg *config.Config) (model.ToolCallingChatModel, error) {
	provider := cfg.Inference.Provider
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	modelName := cfg.Inference.Model
	if modelName == "" {
		modelName = provCfg.Model
	}
	maxTokens := cfg.Inference.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	temperature := cfg.Inference.Temperature

	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL:     provCfg.BaseURL,
			Model:       modelName,
			APIKey:      provCfg.APIKey,
			MaxTokens:   &maxTokens,
			Temperature: &temperature,
		})
	case "gemini":
		client, cerr := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if cerr != nil {
			return nil, fmt.Errorf("new gemini client: %w", cerr)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client:      client,
			Model:       modelName,
			MaxTokens:   &maxTokens,
			Temperature: &temperature,
		})
	case "claude":
		var baseURL *string
		if provCfg.BaseURL != "" {
			baseURL = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:      provCfg.APIKey,
			Model:       modelName,
			BaseURL:     baseURL,
			MaxTokens:   maxTokens,
			Temperature: &temperature,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	return chatModel, nil
}

// EinoStreamer runs turns on an eino chat model, switching to a react agent
// when tools are offered.
type EinoStreamer struct {
	model model.ToolCallingChatModel
}

func NewEinoStreamer(m model.ToolCallingChatModel) *EinoStreamer {
	return &EinoStreamer{model: m}
}

func (e *EinoStreamer) Stream(ctx context.Context, msgs []*schema.Message, tools []tool.BaseTool, onDelta func(string) error) (string, error) {
	var (
		reader *schema.StreamReader[*schema.Message]
		err    error
	)
	if len(tools) > 0 {
		agent, aerr := react.NewAgent(ctx, &react.AgentConfig{
			ToolCallingModel:      e.model,
			ToolsConfig:           compose.ToolsNodeConfig{Tools: tools},
			StreamToolCallChecker: anyChunkHasToolCall,
		})
		if aerr != nil {
			return "", fmt.Errorf("init react agent: %w", aerr)
		}
		reader, err = agent.Stream(ctx, msgs)
	} else {
		reader, err = e.model.Stream(ctx, msgs)
	}
	if err != nil {
		return "", fmt.Errorf("start model stream: %w", err)
	}
	defer reader.Close()

	var full strings.Builder
	for {
		chunk, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return full.String(), fmt.Errorf("read model stream: %w", err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		full.WriteString(chunk.Content)
		if onDelta != nil {
			if err := onDelta(chunk.Content); err != nil {
				return full.String(), err
			}
		}
	}
	return full.String(), nil
}

func (e *EinoStreamer) Generate(ctx context.Context, msgs []*schema.Message) (string, error) {
	resp, err := e.model.Generate(ctx, msgs)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	return resp.Content, nil
}

// anyChunkHasToolCall drains the model output and reports whether any chunk
// carried a tool call. Claude emits text before the tool call, so checking
// only the first chunk misses it.
func anyChunkHasToolCall(_ context.Context, sr *schema.StreamReader[*schema.Message]) (bool, error) {
	defer sr.Close()
	for {
		msg, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if msg != nil && len(msg.ToolCalls) > 0 {
			return true, nil
		}
	}
}
