package model

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"strings"
)

// EchoClient is a deterministic offline client used when no provider is
// configured: smoke runs, local development, air-gapped environments. Its
// Generate answer is a JSON object satisfying every stage schema at once;
// embeddings are derived from a hash of the text so identical chunks always
// embed identically.
type EchoClient struct {
	dim int
}

// NewEcho creates an offline client producing vectors of the given dimension
func NewEcho(dim int) *EchoClient {
	return &EchoClient{dim: dim}
}

// Generate returns a deterministic JSON answer derived from the input text
func (c *EchoClient) Generate(ctx context.Context, modelID, prompt string, inputs map[string]string) (string, Usage, error) {
	if err := ctx.Err(); err != nil {
		return "", Usage{}, err
	}

	text := inputs["text"]
	if text == "" {
		for _, v := range inputs {
			if v != "" {
				text = v
				break
			}
		}
	}

	answer := map[string]interface{}{
		"normalized_text": text,
		"structure":       map[string]interface{}{},
		"summary":         truncate(text, 200),
		"tags":            keywords(text),
	}
	raw, err := json.Marshal(answer)
	if err != nil {
		return "", Usage{}, err
	}
	return string(raw), Usage{InputTokens: len(text) / 4, OutputTokens: len(raw) / 4}, nil
}

// Embed returns one hash-derived unit-ish vector per text
func (c *EchoClient) Embed(ctx context.Context, modelID string, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		sum := sha256.Sum256([]byte(text))
		vec := make([]float32, c.dim)
		for j := range vec {
			// cycle through the digest, mapping bytes into [-1, 1)
			vec[j] = float32(sum[j%len(sum)])/128.0 - 1.0
		}
		vectors[i] = vec
	}
	return vectors, nil
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// keywords picks a few longer words as placeholder tags
func keywords(s string) []string {
	seen := make(map[string]bool)
	var tags []string
	for _, word := range strings.Fields(strings.ToLower(s)) {
		word = strings.Trim(word, ".,;:!?\"'()")
		if len(word) < 6 || seen[word] {
			continue
		}
		seen[word] = true
		tags = append(tags, word)
		if len(tags) == 5 {
			break
		}
	}
	return tags
}
