package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/adforge/api/internal/config"
)

// ImageClient submits image generation tasks and polls them to completion
type ImageClient struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	pollInterval time.Duration
	log          logrus.FieldLogger
}

// ImageTaskRequest represents the request for an image generation task
type ImageTaskRequest struct {
	Prompt string `json:"prompt"`
	Size   string `json:"size,omitempty"`
	N      int    `json:"n"`
}

// ImageTask is the provider's view of an image generation task
type ImageTask struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	URL    string `json:"url,omitempty"`
	Error  string `json:"error,omitempty"`
}

func NewImageClient(cfg *config.ImageProviderConfig, log logrus.FieldLogger) *ImageClient {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &ImageClient{
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		pollInterval: interval,
		log:          log.WithField("client", "image"),
	}
}

// IsConfigured returns true if the client has valid configuration
func (c *ImageClient) IsConfigured() bool {
	return c.apiKey != ""
}

// GenerateImage submits prompt and waits until the image is ready or ctx ends
func (c *ImageClient) GenerateImage(ctx context.Context, prompt string) (string, error) {
	task, err := c.SubmitImage(ctx, prompt)
	if err != nil {
		return "", err
	}
	if task.URL != "" {
		return task.URL, nil
	}
	done, err := c.PollImage(ctx, task.ID)
	if err != nil {
		return "", err
	}
	return done.URL, nil
}

// SubmitImage starts an image generation task
func (c *ImageClient) SubmitImage(ctx context.Context, prompt string) (*ImageTask, error) {
	var task ImageTask
	req := &ImageTaskRequest{Prompt: prompt, Size: "1024x1024", N: 1}
	if err := c.post(ctx, "/images/generations", req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// GetImageStatus retrieves the state of an image generation task
func (c *ImageClient) GetImageStatus(ctx context.Context, taskID string) (*ImageTask, error) {
	var task ImageTask
	if err := c.get(ctx, fmt.Sprintf("/images/generations/%s", taskID), &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// PollImage polls until the task finishes. The caller bounds the wait with ctx.
func (c *ImageClient) PollImage(ctx context.Context, taskID string) (*ImageTask, error) {
	attempt := 0
	for {
		attempt++
		task, err := c.GetImageStatus(ctx, taskID)
		if err != nil {
			return nil, err
		}

		c.log.WithFields(logrus.Fields{"task": taskID, "attempt": attempt, "status": task.Status}).Debug("Polled image task")

		switch task.Status {
		case "completed", "succeeded", "success":
			if task.URL == "" {
				return nil, fmt.Errorf("image task %s completed without url", taskID)
			}
			return task, nil
		case "failed", "error":
			return nil, fmt.Errorf("image generation failed: %s", task.Error)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

func (c *ImageClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.doRequest(req, result)
}

func (c *ImageClient) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.doRequest(req, result)
}

// doRequest executes an HTTP request and parses the response
func (c *ImageClient) doRequest(req *http.Request, result interface{}) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	log := c.log.WithFields(logrus.Fields{"method": req.Method, "url": req.URL.String()})

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.WithError(err).Warn("Image API request failed")
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	log.WithField("status", resp.StatusCode).Debug("Image API responded")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Provider: "image", StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
