package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Engine generates assistant replies for a conversation
type Engine interface {
	Complete(ctx context.Context, model string, messages []Message) (string, error)
	Stream(ctx context.Context, model string, messages []Message) (<-chan Delta, error)
}

// Delta is one fragment of a streamed reply. The channel closes after the
// last fragment; Err is set on the final value when the stream broke.
type Delta struct {
	Content string
	Err     error
}

type completionRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

type completionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// OpenAIEngine talks to an OpenAI-compatible chat completions endpoint such
// as the one served by `llamafactory-cli api`.
type OpenAIEngine struct {
	baseURL    string
	httpClient *http.Client
}

var _ Engine = (*OpenAIEngine)(nil)

func NewOpenAIEngine(baseURL string, timeout time.Duration) *OpenAIEngine {
	return &OpenAIEngine{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (e *OpenAIEngine) Complete(ctx context.Context, model string, messages []Message) (string, error) {
	resp, err := e.post(ctx, completionRequest{Model: model, Messages: messages})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("chat engine returned no choices")
	}
	return result.Choices[0].Message.Content, nil
}

func (e *OpenAIEngine) Stream(ctx context.Context, model string, messages []Message) (<-chan Delta, error) {
	resp, err := e.post(ctx, completionRequest{Model: model, Messages: messages, Stream: true})
	if err != nil {
		return nil, err
	}

	ch := make(chan Delta)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		send := func(d Delta) bool {
			select {
			case ch <- d:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
			}

			var chunk completionChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				send(Delta{Err: fmt.Errorf("decode chunk: %w", err)})
				return
			}
			for _, c := range chunk.Choices {
				if c.Delta.Content == "" {
					continue
				}
				if !send(Delta{Content: c.Delta.Content}) {
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			send(Delta{Err: err})
		}
	}()
	return ch, nil
}

func (e *OpenAIEngine) post(ctx context.Context, req completionRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("chat engine returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return resp, nil
}
