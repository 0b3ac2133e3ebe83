package modelhandler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"synthtune/internal/config"
	"synthtune/internal/models"
)

const maxErrorBody = 512

// StatusError is a non-2xx answer from the training sidecar.
type StatusError struct {
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("trainer %s returned %d: %s", e.Path, e.Status, e.Body)
}

// RemoteClient talks JSON to a training sidecar that shares the scratch
// volume with this service.
type RemoteClient struct {
	endpoint      string
	hc            *http.Client
	readyAttempts uint
}

func NewRemoteClient(cfg config.RemoteConfig) *RemoteClient {
	hc := &http.Client{}
	if cfg.TimeoutSeconds > 0 {
		hc.Timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	attempts := cfg.ReadyAttempts
	if attempts == 0 {
		attempts = 1
	}
	return &RemoteClient{
		endpoint:      strings.TrimRight(cfg.BaseURL, "/"),
		hc:            hc,
		readyAttempts: attempts,
	}
}

// WaitReady polls the sidecar health endpoint until it answers 200.
func (c *RemoteClient) WaitReady(ctx context.Context) error {
	return retry.Do(
		func() error {
			return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
		},
		retry.Context(ctx),
		retry.Attempts(c.readyAttempts),
		retry.Delay(time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("training sidecar not ready", slog.Uint64("attempt", uint64(n+1)), slog.Any("error", err))
		}),
	)
}

func (c *RemoteClient) do(ctx context.Context, method, path string, in, out any) error {
	url := c.endpoint + path
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("failed to do http request, path:%s, err:%w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

type fineTuneRequest struct {
	DatasetDir string `json:"dataset_dir"`
	Epochs     int    `json:"epochs"`
	BatchSize  int    `json:"batch_size"`
}

type generateResponse struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

type remoteHandler struct {
	client  *RemoteClient
	trained bool
}

func (h *remoteHandler) FineTune(ctx context.Context, datasetDir string, epochs, batchSize int) error {
	if err := checkParams(epochs, batchSize); err != nil {
		return err
	}
	err := h.client.do(ctx, http.MethodPost, "/fine-tune", fineTuneRequest{
		DatasetDir: datasetDir,
		Epochs:     epochs,
		BatchSize:  batchSize,
	}, nil)
	if err != nil {
		return err
	}
	h.trained = true
	return nil
}

func (h *remoteHandler) Generate(ctx context.Context) (*models.Table, error) {
	if !h.trained {
		return nil, ErrNotTrained
	}
	var resp generateResponse
	if err := h.client.do(ctx, http.MethodPost, "/generate", struct{}{}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Columns) == 0 {
		return nil, fmt.Errorf("trainer returned a table without columns")
	}
	for i, row := range resp.Rows {
		if len(row) != len(resp.Columns) {
			return nil, fmt.Errorf("trainer row %d has %d cells, want %d", i, len(row), len(resp.Columns))
		}
	}
	return &models.Table{Columns: resp.Columns, Rows: resp.Rows}, nil
}
