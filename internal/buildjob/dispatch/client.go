package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/storeforge/internal/buildjob/domain"
	"github.com/smallbiznis/storeforge/internal/config"
	"github.com/smallbiznis/storeforge/internal/observability/tracing"
)

const maxErrorBody = 512

// Client triggers the CI workflow that builds the app.
type Client struct {
	url    string
	token  string
	ref    string
	client *http.Client
}

func New(cfg config.Config) *Client {
	timeout := cfg.Build.DispatchTimeout
	if timeout <= 0 {
		timeout = 12 * time.Second
	}
	ref := strings.TrimSpace(cfg.Build.DispatchRef)
	if ref == "" {
		ref = "main"
	}
	return &Client{
		url:    strings.TrimSpace(cfg.Build.DispatchURL),
		token:  strings.TrimSpace(cfg.Build.DispatchToken),
		ref:    ref,
		client: tracing.WrapHTTPClient(&http.Client{Timeout: timeout}),
	}
}

type workflowDispatch struct {
	Ref    string         `json:"ref"`
	Inputs workflowInputs `json:"inputs"`
}

type workflowInputs struct {
	JobID       string `json:"jobId"`
	StoreID     string `json:"storeId"`
	CallbackURL string `json:"callbackUrl"`
	Config      string `json:"config"`
}

func (c *Client) Dispatch(ctx context.Context, req domain.DispatchRequest) error {
	if c.url == "" {
		return &domain.DispatchError{Err: errors.New("dispatch url not configured")}
	}

	templateConfig := "{}"
	if len(bytes.TrimSpace(req.Config)) > 0 {
		templateConfig = string(req.Config)
	}
	body, err := json.Marshal(workflowDispatch{
		Ref: c.ref,
		Inputs: workflowInputs{
			JobID:       req.JobID.String(),
			StoreID:     req.StoreID.String(),
			CallbackURL: req.CallbackURL,
			Config:      templateConfig,
		},
	})
	if err != nil {
		return &domain.DispatchError{Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return &domain.DispatchError{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return &domain.DispatchError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &domain.DispatchError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(excerpt)),
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
