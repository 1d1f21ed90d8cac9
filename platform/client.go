package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/basetenlabs/avatar-generation-app-tutorial/apierr"
	"github.com/basetenlabs/avatar-generation-app-tutorial/config"
	"github.com/basetenlabs/avatar-generation-app-tutorial/logger"
	"github.com/basetenlabs/avatar-generation-app-tutorial/models"
	"github.com/basetenlabs/avatar-generation-app-tutorial/runstate"
)

// Client is the HTTP training platform adapter. It talks to a
// Baseten-style fine-tuning API: create a fine-tune, read its status and
// deployed model handle, and call the deployed model. Every request is
// bounded by the client timeout so a call can never hang indefinitely.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	log     *logger.Logger
}

// NewClient creates a new platform client from explicit configuration.
func NewClient(cfg config.PlatformConfig, baseLog *logger.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpc:   &http.Client{Timeout: timeout},
		log:     baseLog.With("component", "PlatformClient"),
	}
}

type submitPayload struct {
	TrainedModelName string           `json:"trained_model_name"`
	FineTuningConfig fineTuningConfig `json:"fine_tuning_config"`
	AutoDeploy       bool             `json:"auto_deploy"`
}

type fineTuningConfig struct {
	InstancePrompt   string `json:"instance_prompt"`
	InputDataset     string `json:"input_dataset"`
	TrainTextEncoder bool   `json:"train_text_encoder"`
	MaxTrainSteps    int    `json:"max_train_steps"`
}

type runPayload struct {
	ID            string        `json:"id"`
	Status        string        `json:"status"`
	DeployedModel *modelPayload `json:"deployed_model"`
}

type modelPayload struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type invokePayload struct {
	Prompt string `json:"prompt"`
}

type invokeResult struct {
	URL string `json:"url"`
}

// SubmitJob creates a fine-tuning run and returns its id. Platform
// rejections surface as submission errors so the caller knows the record
// was left untouched and a retry is safe.
func (c *Client) SubmitJob(ctx context.Context, cfg models.FineTuneConfig, name string) (string, error) {
	payload := submitPayload{
		TrainedModelName: name,
		FineTuningConfig: fineTuningConfig{
			InstancePrompt:   cfg.InstancePrompt,
			InputDataset:     cfg.DatasetURL,
			TrainTextEncoder: cfg.TrainTextEncoder,
			MaxTrainSteps:    cfg.MaxTrainSteps,
		},
		AutoDeploy: true,
	}

	var out runPayload
	status, err := c.do(ctx, http.MethodPost, "/v1/fine_tunes", payload, &out)
	if err != nil {
		return "", err
	}
	if status >= 400 {
		return "", apierr.Submission(fmt.Errorf("platform rejected fine-tune %q (status %d)", name, status))
	}
	if out.ID == "" {
		return "", apierr.Submission(fmt.Errorf("platform returned no run id for fine-tune %q", name))
	}

	c.log.Info("Submitted fine-tuning run", "run_id", out.ID, "name", name)
	return out.ID, nil
}

// PollStatus reads the run's current status and deployed model handle.
func (c *Client) PollStatus(ctx context.Context, runID string) (runstate.Snapshot, error) {
	var out runPayload
	status, err := c.do(ctx, http.MethodGet, "/v1/fine_tunes/"+runID, nil, &out)
	if err != nil {
		return runstate.Snapshot{}, err
	}
	if status >= 400 {
		return runstate.Snapshot{}, apierr.Unavailable(fmt.Errorf("platform returned status %d for run %s", status, runID))
	}

	snap := runstate.Snapshot{Status: runstate.ParseJobStatus(out.Status)}
	if out.DeployedModel != nil {
		snap.DeployedModel = &runstate.DeployedModel{
			ModelID: out.DeployedModel.ID,
			Status:  runstate.ParseModelStatus(out.DeployedModel.Status),
		}
	}
	return snap, nil
}

// InvokeDeployedModel calls the deployed model with the prompt and returns
// the output reference. A 404/409 from the platform means the model lost
// readiness since it was last observed.
func (c *Client) InvokeDeployedModel(ctx context.Context, modelID, prompt string) (string, error) {
	var out invokeResult
	status, err := c.do(ctx, http.MethodPost, "/v1/models/"+modelID+"/predict", invokePayload{Prompt: prompt}, &out)
	if err != nil {
		return "", err
	}
	switch {
	case status == http.StatusNotFound || status == http.StatusConflict:
		return "", apierr.NotReady(string(runstate.StateTraining),
			fmt.Errorf("model %s is not ready (status %d)", modelID, status))
	case status >= 400:
		return "", apierr.Unavailable(fmt.Errorf("model invocation returned status %d", status))
	}
	return out.URL, nil
}

// do runs one request against the platform API, decoding a JSON body into
// out when the response carries one. Transport failures are classified
// into the timeout/unavailable taxonomy; HTTP status handling is left to
// the caller.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Api-Key "+c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 400 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, apierr.Unavailable(fmt.Errorf("failed to decode platform response: %w", err))
		}
	}
	return resp.StatusCode, nil
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return apierr.Timeout(fmt.Errorf("platform request timed out: %w", err))
	}
	return apierr.Unavailable(fmt.Errorf("platform request failed: %w", err))
}
