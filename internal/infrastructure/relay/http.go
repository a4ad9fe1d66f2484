package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/retry"
)

// StatusError is returned when the relay function answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("relay function returned %d", e.StatusCode)
	}
	return fmt.Sprintf("relay function returned %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether repeating the request may succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests
}

// HTTPConfig configures the relay function client.
type HTTPConfig struct {
	FunctionURL string
	APIKey      string
	Token       string
	Timeout     time.Duration
}

// HTTPRelay posts relay requests to the serverless relay function.
type HTTPRelay struct {
	cfg    HTTPConfig
	client *http.Client
	logger *zap.SugaredLogger
}

var _ ports.SignalRelay = (*HTTPRelay)(nil)

func NewHTTPRelay(cfg HTTPConfig, logger *zap.SugaredLogger) *HTTPRelay {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTPRelay{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Invoke sends one request. Client errors other than 408 and 429 are marked
// permanent so the retry wrapper gives up on them at once.
func (r *HTTPRelay) Invoke(ctx context.Context, req domain.RelayRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to marshal relay request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.FunctionURL, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to build relay request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.cfg.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.cfg.Token)
	}
	if r.cfg.APIKey != "" {
		httpReq.Header.Set("apikey", r.cfg.APIKey)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("relay %s request failed: %w", req.Action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
		if !statusErr.Temporary() {
			return retry.Permanent(statusErr)
		}
		return statusErr
	}
	io.Copy(io.Discard, resp.Body)

	r.logger.Debugw("relay request delivered",
		"action", req.Action,
		"call_id", req.CallID,
		"target_user_id", req.TargetUserID,
	)
	return nil
}
