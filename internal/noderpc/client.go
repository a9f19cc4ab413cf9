// Package noderpc is the HTTP client for a node's local runtime. Load/stop
// are plain request/response; generation streams NDJSON token frames.
package noderpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/voltgrid/coordinator/internal/errors"
)

// SamplingParams is the full llama.cpp sampling surface forwarded verbatim
// from the client with every prompt.
type SamplingParams struct {
	MaxTokens        int      `json:"maxTokens,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	TopK             *int     `json:"topK,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	MinP             *float64 `json:"minP,omitempty"`
	TypicalP         *float64 `json:"typicalP,omitempty"`
	RepeatPenalty    *float64 `json:"repeatPenalty,omitempty"`
	RepeatLastN      *int     `json:"repeatLastN,omitempty"`
	PresencePenalty  *float64 `json:"presencePenalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequencyPenalty,omitempty"`
	XTCThreshold     *float64 `json:"xtcThreshold,omitempty"`
	XTCProbability   *float64 `json:"xtcProbability,omitempty"`
	DryMultiplier    *float64 `json:"dryMultiplier,omitempty"`
	DryBase          *float64 `json:"dryBase,omitempty"`
	DryAllowedLength *int     `json:"dryAllowedLength,omitempty"`
	DryPenaltyLastN  *int     `json:"dryPenaltyLastN,omitempty"`
	Samplers         string   `json:"samplers,omitempty"`
	Seed             *int64   `json:"seed,omitempty"`
}

type LoadModelParams struct {
	SessionID     string `json:"sessionId"`
	Model         string `json:"model"`
	HFRepo        string `json:"hfRepo,omitempty"`
	ContextLength int    `json:"contextLength"`
}

// LoadStatus is a progress report from the node while a model comes up.
type LoadStatus struct {
	Status  string `json:"status"` // downloading | loading | ready | error
	Message string `json:"message,omitempty"`
}

type TokenFrame struct {
	Token   string `json:"token"`
	IsFinal bool   `json:"isFinal"`
	Error   string `json:"error,omitempty"`
}

type NodeStatus struct {
	Load          float64 `json:"load"`
	ActiveSession string  `json:"activeSession,omitempty"`
	ModelLoaded   string  `json:"modelLoaded,omitempty"`
}

// Client talks to one node's RPC endpoint.
type Client interface {
	// LoadModel instructs the node to bring a model up, reporting progress
	// through onStatus until ready or error.
	LoadModel(ctx context.Context, endpoint string, params LoadModelParams, onStatus func(LoadStatus)) error
	StopModel(ctx context.Context, endpoint, sessionID string) error
	Status(ctx context.Context, endpoint string) (*NodeStatus, error)
	// Generate streams token frames for one prompt; onToken is called in
	// generation order. Returns after the final frame or on error.
	Generate(ctx context.Context, endpoint string, req GenerateRequest, onToken func(TokenFrame) error) error
}

type GenerateRequest struct {
	SessionID string         `json:"sessionId"`
	Prompt    string         `json:"prompt"`
	Params    SamplingParams `json:"params"`
}

type httpClient struct {
	http *http.Client
}

func NewClient() Client {
	return &httpClient{
		// No overall timeout: model loads and generations are long-lived and
		// bounded by the caller's context instead.
		http: &http.Client{Timeout: 0},
	}
}

func (c *httpClient) LoadModel(ctx context.Context, endpoint string, params LoadModelParams, onStatus func(LoadStatus)) error {
	body, err := json.Marshal(params)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/api/start_session", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.NodeUnavailable(endpoint).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apperrors.ModelLoadFailed(fmt.Sprintf("node returned %d: %s", resp.StatusCode, data))
	}

	// The node streams NDJSON progress lines, ending with ready or error.
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var status LoadStatus
		if err := json.Unmarshal(line, &status); err != nil {
			return apperrors.ModelLoadFailed("malformed status from node").WithCause(err)
		}
		if onStatus != nil {
			onStatus(status)
		}
		switch status.Status {
		case "ready":
			return nil
		case "error":
			return apperrors.ModelLoadFailed(status.Message)
		}
	}
	if err := scanner.Err(); err != nil {
		return apperrors.NodeUnavailable(endpoint).WithCause(err)
	}
	return apperrors.ModelLoadFailed("node closed stream before ready")
}

func (c *httpClient) StopModel(ctx context.Context, endpoint, sessionID string) error {
	body, _ := json.Marshal(map[string]string{"sessionId": sessionID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/api/stop_session", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.NodeUnavailable(endpoint).WithCause(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return apperrors.NodeUnavailable(endpoint)
	}
	return nil
}

func (c *httpClient) Status(ctx context.Context, endpoint string) (*NodeStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/api/status", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.NodeUnavailable(endpoint).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.NodeUnavailable(endpoint)
	}

	var status NodeStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, apperrors.NodeUnavailable(endpoint).WithCause(err)
	}
	return &status, nil
}

func (c *httpClient) Generate(ctx context.Context, endpoint string, genReq GenerateRequest, onToken func(TokenFrame) error) error {
	body, err := json.Marshal(genReq)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.NodeUnavailable(endpoint).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apperrors.NodeUnavailable(endpoint).WithDetails(string(data))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var frame TokenFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			return apperrors.NodeUnavailable(endpoint).WithCause(err)
		}
		if frame.Error != "" {
			return apperrors.NodeUnavailable(endpoint).WithDetails(frame.Error)
		}
		if err := onToken(frame); err != nil {
			return err
		}
		if frame.IsFinal {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return apperrors.NodeUnavailable(endpoint).WithCause(err)
	}
	return apperrors.NodeUnavailable(endpoint).WithDetails("stream ended without final frame")
}
