package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// OneShotClient performs a single request/response call against the assistant
// backend. It is the fallback path when the persistent connection is
// unavailable or disabled.
type OneShotClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewOneShotClient(endpoint, apiKey string) (*OneShotClient, error) {
	if endpoint == "" {
		return nil, errors.New("one-shot client: empty endpoint")
	}
	return &OneShotClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type oneShotRequest struct {
	Message   string `json:"message"`
	Streaming bool   `json:"streaming"`
}

type oneShotResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Response string `json:"response"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Ask sends message and returns the assistant's answer. Any transport or
// server-reported failure comes back as an error; the caller decides how to
// surface it.
func (c *OneShotClient) Ask(ctx context.Context, message string) (string, error) {
	if c == nil {
		return "", errors.New("one-shot client is nil")
	}
	body, err := json.Marshal(oneShotRequest{Message: message, Streaming: false})
	if err != nil {
		return "", errors.Wrap(err, "one-shot: encode request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "one-shot: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "one-shot: request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.Wrap(err, "one-shot: read response")
	}

	var parsed oneShotResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", errors.Wrapf(err, "one-shot: decode response (status %d)", resp.StatusCode)
	}
	if parsed.Error != nil && parsed.Error.Message != "" {
		return "", errors.Errorf("one-shot: server error: %s", parsed.Error.Message)
	}
	if !parsed.Success {
		return "", errors.Errorf("one-shot: request rejected (status %d)", resp.StatusCode)
	}
	return parsed.Data.Response, nil
}
