package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	maxPayloadBytes  = 2 << 20 // marshalled request
	maxMessageBytes  = 512 << 10
	maxResponseBytes = 4 << 20
	maxErrorBody     = 64 << 10
)

// ErrNoChoices is returned when the provider answers 2xx without a message.
var ErrNoChoices = errors.New("llmclient: provider returned no choices")

// ProviderError is a non-2xx answer from the completions endpoint.
type ProviderError struct {
	Status  int
	Type    string
	Message string
}

func (e *ProviderError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("llmclient: upstream %d: %s (%s)", e.Status, e.Message, e.Type)
	}
	return fmt.Sprintf("llmclient: upstream %d: %s", e.Status, e.Message)
}

func (c *client) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()

	payload, err := encodePayload(req)
	if err != nil {
		return nil, err
	}

	log := c.logger.With(zap.String("model", req.Model))
	log.Debug("chat completion starting", zap.Int("messages", len(req.Messages)), zap.Int("payload_bytes", len(payload)))

	ctx, cancel := context.WithTimeout(ctx, c.cfg.UpstreamTimeout)
	defer cancel()

	resp, err := c.doWithRetry(ctx, payload, c.post)
	if err != nil {
		log.Error("chat completion failed", zap.Error(err), zap.Duration("duration", time.Since(start)))
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		perr := readProviderError(resp)
		log.Error("chat completion rejected",
			zap.Int("status", perr.Status),
			zap.String("error_type", perr.Type),
			zap.String("error_message", perr.Message),
		)
		return nil, perr
	}

	out, err := decodeResponse(resp.Body)
	if err != nil {
		log.Error("chat completion unreadable", zap.Error(err))
		return nil, err
	}

	log.Info("chat completion done",
		zap.String("response_model", out.Model),
		zap.Int("prompt_tokens", out.Usage.PromptTokens),
		zap.Int("completion_tokens", out.Usage.CompletionTokens),
		zap.Duration("duration", time.Since(start)),
	)
	return out, nil
}

// encodePayload validates req and marshals the provider body.
func encodePayload(req *ChatRequest) ([]byte, error) {
	if req == nil {
		return nil, errors.New("llmclient: request is nil")
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("llmclient: invalid request: %w", err)
	}
	for i, m := range req.Messages {
		if len(m.Content) > maxMessageBytes {
			return nil, fmt.Errorf("llmclient: message[%d] is %d bytes, limit %d", i, len(m.Content), maxMessageBytes)
		}
	}

	payload, err := json.Marshal(providerChatRequest{
		Model:          req.Model,
		Messages:       req.Messages,
		Temperature:    req.Temperature,
		TopP:           req.TopP,
		MaxTokens:      req.MaxTokens,
		Stop:           req.Stop,
		ResponseFormat: req.ResponseFormat,
	})
	if err != nil {
		return nil, fmt.Errorf("llmclient: marshal request: %w", err)
	}
	if len(payload) > maxPayloadBytes {
		return nil, fmt.Errorf("llmclient: payload is %d bytes, limit %d", len(payload), maxPayloadBytes)
	}
	return payload, nil
}

// post sends one attempt; the retry loop calls it with a fresh body reader.
func (c *client) post(ctx context.Context, payload []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+completionsPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("llmclient: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	return c.httpClient.Do(httpReq)
}

func decodeResponse(body io.Reader) (*ChatResponse, error) {
	var pr providerChatResponse
	if err := json.NewDecoder(io.LimitReader(body, maxResponseBytes)).Decode(&pr); err != nil {
		return nil, fmt.Errorf("llmclient: decode response: %w", err)
	}
	if len(pr.Choices) == 0 {
		return nil, ErrNoChoices
	}

	out := &ChatResponse{
		ID:      pr.ID,
		Created: time.Unix(pr.Created, 0),
		Model:   pr.Model,
		Choices: make([]ChatChoice, len(pr.Choices)),
		Usage:   &Usage{},
	}
	for i, ch := range pr.Choices {
		out.Choices[i] = ChatChoice(ch)
	}
	if pr.Usage != nil {
		*out.Usage = Usage(*pr.Usage)
	}
	return out, nil
}

// readProviderError prefers the provider's {"error":{...}} envelope and
// falls back to a clipped raw body.
func readProviderError(resp *http.Response) *ProviderError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	perr := &ProviderError{Status: resp.StatusCode}

	if gjson.ValidBytes(body) {
		res := gjson.GetManyBytes(body, "error.message", "error.type")
		perr.Message, perr.Type = res[0].String(), res[1].String()
	}
	if perr.Message == "" {
		perr.Message = clip(string(body), 200)
	}
	return perr
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
