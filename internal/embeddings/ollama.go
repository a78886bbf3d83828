package embeddings

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"strings"

	"github.com/ollama/ollama/api"
)

const describePrompt = "Describe the race track scene in this frame: track layout, kerbs, " +
	"barriers, signage, start/finish markings and their positions. Do not describe vehicles or people."

// OllamaOptions configures an OllamaOracle
type OllamaOptions struct {
	VisionModel    string
	EmbeddingModel string
	Seed           int
	Logger         *slog.Logger
}

// OllamaOracle embeds a frame in two steps: a vision model describes the
// scene, then an embedding model embeds the description. Sampling is pinned
// (temperature 0, fixed seed) so the same frame yields the same vector.
type OllamaOracle struct {
	client *api.Client
	opts   OllamaOptions
}

// NewOllamaOracle connects using OLLAMA_HOST from the environment.
func NewOllamaOracle(opts OllamaOptions) (*OllamaOracle, error) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create ollama client: %w", err)
	}
	if opts.VisionModel == "" {
		opts.VisionModel = "llama3.2-vision:11b"
	}
	if opts.EmbeddingModel == "" {
		opts.EmbeddingModel = "nomic-embed-text"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &OllamaOracle{client: client, opts: opts}, nil
}

func (o *OllamaOracle) Name() string {
	return fmt.Sprintf("ollama:%s+%s", o.opts.VisionModel, o.opts.EmbeddingModel)
}

// Ping verifies that the Ollama server is reachable.
func (o *OllamaOracle) Ping(ctx context.Context) error {
	if err := o.client.Heartbeat(ctx); err != nil {
		return fmt.Errorf("ollama is not reachable: %w", err)
	}
	return nil
}

func (o *OllamaOracle) Embed(ctx context.Context, img image.Image) ([]float32, error) {
	description, err := o.describe(ctx, img)
	if err != nil {
		return nil, err
	}

	resp, err := o.client.Embed(ctx, &api.EmbedRequest{
		Model: o.opts.EmbeddingModel,
		Input: description,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to embed description: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, ErrEmptyEmbedding
	}

	return Normalize(append([]float32(nil), resp.Embeddings[0]...))
}

func (o *OllamaOracle) describe(ctx context.Context, img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("failed to encode frame: %w", err)
	}

	stream := false
	req := &api.ChatRequest{
		Model: o.opts.VisionModel,
		Messages: []api.Message{
			{
				Role:    "user",
				Content: describePrompt,
				Images:  []api.ImageData{buf.Bytes()},
			},
		},
		Stream: &stream,
		Options: map[string]interface{}{
			"temperature": 0,
			"seed":        o.opts.Seed,
		},
	}

	var content strings.Builder
	err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("vision model request failed: %w", err)
	}
	if content.Len() == 0 {
		return "", fmt.Errorf("no response content received from model %s", o.opts.VisionModel)
	}

	o.opts.Logger.Debug("frame described", "model", o.opts.VisionModel, "chars", content.Len())
	return content.String(), nil
}
