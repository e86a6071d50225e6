package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/portariahub/visitgate/pkg/errors"
	"github.com/portariahub/visitgate/pkg/logger"
	"github.com/portariahub/visitgate/pkg/metrics"
	"github.com/portariahub/visitgate/pkg/retry"
)

const (
	defaultMaxAttempts    = 3
	defaultRetryDelay     = 5 * time.Second
	defaultAttemptTimeout = 5 * time.Minute
	defaultHealthTimeout  = 10 * time.Second

	pathAutomation = "/api/hikcentral/automation"
	pathStatus     = "/api/hikcentral/status/"
	pathHealth     = "/health"
)

// Config contains connection and retry options for the on-premises agent.
type Config struct {
	BaseURL string
	APIKey  string

	MaxAttempts int
	RetryDelay  time.Duration

	// AttemptTimeout bounds a single attempt; the agent may itself be driving
	// a slow external console, so this is minutes rather than seconds.
	AttemptTimeout time.Duration
	HealthTimeout  time.Duration
}

// Request carries the visitor data the agent needs to drive the console.
type Request struct {
	VisitorID   string      `json:"visitor_id"`
	VisitorData VisitorData `json:"visitor_data"`
}

// VisitorData is the payload forwarded to the agent.
type VisitorData struct {
	Name     string `json:"name"`
	CPF      string `json:"cpf"`
	Phone    string `json:"phone,omitempty"`
	Email    string `json:"email,omitempty"`
	PhotoURL string `json:"photo_url,omitempty"`
}

// Outcome is the agent's structured result.
type Outcome struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	HikCentralID string `json:"hikcentral_id,omitempty"`
	Error        string `json:"error,omitempty"`
	Step         string `json:"step,omitempty"`
	Timestamp    string `json:"timestamp"`
}

// Gateway drives visitor provisioning through the on-premises automation agent.
type Gateway struct {
	cfg    Config
	http   *http.Client
	policy retry.Policy
	log    *zap.Logger
}

// NewGateway constructs a Gateway with bounded linear-backoff retries.
func NewGateway(cfg Config, opts ...retry.Option) (*Gateway, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("automation: base url is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = defaultHealthTimeout
	}

	options := append([]retry.Option{retry.WithRetryable(apperrors.IsRetryable)}, opts...)

	return &Gateway{
		cfg: cfg,
		// The outer retry loop owns deadlines; per-attempt contexts bound each call.
		http:   &http.Client{},
		policy: retry.NewPolicy(cfg.MaxAttempts, retry.Linear(cfg.RetryDelay), options...),
		log:    logger.WithModule("automation"),
	}, nil
}

// Execute performs provisioning through the agent, retrying transient failures
// with linear backoff. A structured agent rejection is returned immediately.
func (g *Gateway) Execute(ctx context.Context, req Request) (*Outcome, error) {
	if req.VisitorID == "" {
		return nil, apperrors.NewValidation("visitor id is required")
	}

	var outcome *Outcome
	err := g.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		attemptCtx, cancel := context.WithTimeout(ctx, g.cfg.AttemptTimeout)
		defer cancel()

		result, err := g.post(attemptCtx, req)
		if err != nil {
			g.log.Warn("automation attempt failed",
				zap.String("visitor_id", req.VisitorID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}

		outcome = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	g.log.Info("automation completed",
		zap.String("visitor_id", req.VisitorID),
		zap.String("hikcentral_id", outcome.HikCentralID))
	return outcome, nil
}

// Status fetches the agent-side progress for a visitor.
func (g *Gateway) Status(ctx context.Context, visitorID string) (*Outcome, error) {
	if visitorID == "" {
		return nil, apperrors.NewValidation("visitor id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.HealthTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.BaseURL+pathStatus+visitorID, nil)
	if err != nil {
		return nil, fmt.Errorf("automation: build status request: %w", err)
	}
	g.authorize(httpReq)

	resp, err := g.http.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	var outcome Outcome
	if err := json.NewDecoder(resp.Body).Decode(&outcome); err != nil {
		return nil, apperrors.ErrGatewayRejected.WithInternal(fmt.Errorf("decode status: %w", err))
	}
	return &outcome, nil
}

// Cancel asks the agent to abort provisioning for a visitor. Best-effort: it
// returns false rather than an error when cancellation cannot be confirmed,
// since the job may already be mid-flight on the console.
func (g *Gateway) Cancel(ctx context.Context, visitorID string) bool {
	if visitorID == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.HealthTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, g.cfg.BaseURL+pathAutomation+"/"+visitorID, nil)
	if err != nil {
		return false
	}
	g.authorize(httpReq)

	resp, err := g.http.Do(httpReq)
	if err != nil {
		g.log.Debug("cancel not confirmed", zap.String("visitor_id", visitorID), zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode == http.StatusOK
}

// CheckHealth probes the agent with a short timeout. Used by monitoring only;
// it never blocks provisioning decisions.
func (g *Gateway) CheckHealth(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.HealthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.BaseURL+pathHealth, nil)
	if err != nil {
		return false
	}
	g.authorize(req)

	resp, err := g.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode == http.StatusOK
}

func (g *Gateway) post(ctx context.Context, req Request) (*Outcome, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("automation: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+pathAutomation, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("automation: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	g.authorize(httpReq)

	resp, err := g.http.Do(httpReq)
	if err != nil {
		metrics.ProvisioningAttempts.WithLabelValues("gateway", "retryable_error").Inc()
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	var outcome Outcome
	if err := json.NewDecoder(resp.Body).Decode(&outcome); err != nil {
		metrics.ProvisioningAttempts.WithLabelValues("gateway", "rejected").Inc()
		return nil, apperrors.ErrGatewayRejected.WithInternal(fmt.Errorf("decode response: %w", err))
	}

	if !outcome.Success {
		metrics.ProvisioningAttempts.WithLabelValues("gateway", "rejected").Inc()
		detail := outcome.Error
		if outcome.Step != "" {
			detail = fmt.Sprintf("step %s: %s", outcome.Step, outcome.Error)
		}
		return nil, apperrors.ErrGatewayRejected.WithInternal(errors.New(detail))
	}

	metrics.ProvisioningAttempts.WithLabelValues("gateway", "success").Inc()
	return &outcome, nil
}

func (g *Gateway) authorize(req *http.Request) {
	if g.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.ErrGatewayTimeout.WithInternal(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperrors.ErrGatewayTimeout.WithInternal(err)
	}

	return apperrors.ErrGatewayUnreachable.WithInternal(err)
}
