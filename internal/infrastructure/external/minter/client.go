// Package minter implements the token-minting collaborator: an HTTP service
// that mints one badge token per request and reports categorized failures.
package minter

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tutorhub/tutor-ledger/internal/domain/badge"
	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
	"github.com/tutorhub/tutor-ledger/pkg/circuitbreaker"
	"github.com/tutorhub/tutor-ledger/pkg/logger"
	"github.com/tutorhub/tutor-ledger/pkg/ratelimit"
	"github.com/tutorhub/tutor-ledger/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config contains configuration for the minting client.
type Config struct {
	// BaseURL is the minting service base URL.
	BaseURL string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// Timeout bounds one mint request including confirmation on the
	// service side.
	Timeout time.Duration

	RateLimit ratelimit.Config
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:   baseURL,
		Timeout:   45 * time.Second,
		RateLimit: ratelimit.Config{RequestsPerSecond: 1, BurstSize: 3, WaitTimeout: 20 * time.Second},
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// WIRE TYPES
// ══════════════════════════════════════════════════════════════════════════════

type mintRequest struct {
	Recipient string `json:"recipient"`
	Name      string `json:"name"`
	Symbol    string `json:"symbol"`
	URI       string `json:"uri"`
}

type mintResponse struct {
	MintAddress string `json:"mint_address"`
	Signature   string `json:"signature"`
}

// errorResponse is the service's error body. Code is one of the failure
// category names; anything else is treated as upstream.
type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Client implements badge.Minter over HTTP.
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	breaker    *circuitbreaker.CircuitBreaker
	retrier    *retry.Retrier
	logger     *logger.Logger
}

var _ badge.Minter = (*Client)(nil)

// New creates a minting client.
func New(cfg Config, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	log = log.With(logger.Component("minter"))

	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    ratelimit.New(cfg.RateLimit),
		breaker: circuitbreaker.MinterBreaker(func(name string, from, to circuitbreaker.State) {
			log.Warn("circuit breaker state changed",
				logger.String("breaker", name),
				logger.Stringer("from", from),
				logger.Stringer("to", to),
			)
		}),
		retrier: retry.MinterRetrier(retry.WithObserver(func(attempt int, err error, wait time.Duration) {
			log.Debug("retrying mint", logger.Int("attempt", attempt), logger.Duration("wait", wait), logger.Err(err))
		})),
		logger: log,
	}
}

// IdempotencyKey identifies a mint so the service can deduplicate retries.
func IdempotencyKey(recipient identity.PublicKey, meta badge.Metadata) string {
	sum := sha256.Sum256([]byte(recipient.String() + "|" + meta.Name + "|" + meta.Symbol))
	return hex.EncodeToString(sum[:16])
}

// Mint mints one badge token to recipient.
func (c *Client) Mint(ctx context.Context, recipient identity.PublicKey, meta badge.Metadata) (badge.MintReceipt, error) {
	if err := meta.Validate(); err != nil {
		return badge.MintReceipt{}, &badge.MintError{Category: badge.FailureMetadataTooLarge, Err: err}
	}

	body := mintRequest{
		Recipient: recipient.String(),
		Name:      meta.Name,
		Symbol:    meta.Symbol,
		URI:       meta.URI,
	}
	key := IdempotencyKey(recipient, meta)
	start := time.Now()

	receipt, err := circuitbreaker.Call(ctx, c.breaker, func(ctx context.Context) (badge.MintReceipt, error) {
		var out badge.MintReceipt
		err := c.retrier.Do(ctx, func(ctx context.Context) error {
			if err := c.limiter.Allow(ctx); err != nil {
				return err
			}
			r, err := c.doSingleRequest(ctx, body, key)
			if err != nil {
				if isRetryable(err) {
					return retry.Retryable(err)
				}
				return err
			}
			out = r
			return nil
		})
		return out, err
	})
	if err != nil {
		err = categorize(ctx, err)
		c.logger.Warn("mint failed",
			logger.Owner(recipient.String()),
			logger.String("name", meta.Name),
			logger.String("category", string(badge.CategoryOf(err))),
			logger.Err(err),
			logger.Latency(time.Since(start)),
		)
		return badge.MintReceipt{}, err
	}

	c.logger.Info("badge minted",
		logger.Owner(recipient.String()),
		logger.String("mint", receipt.MintAddress),
		logger.Signature(receipt.Signature),
		logger.Latency(time.Since(start)),
	)
	return receipt, nil
}

// statusError is a non-2xx response.
type statusError struct {
	status int
	code   string
	msg    string
}

func (e *statusError) Error() string {
	if e.code != "" {
		return fmt.Sprintf("minter: status %d: %s: %s", e.status, e.code, e.msg)
	}
	return fmt.Sprintf("minter: status %d", e.status)
}

func (c *Client) doSingleRequest(ctx context.Context, body mintRequest, idempotencyKey string) (badge.MintReceipt, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return badge.MintReceipt{}, fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/v1/mint", bytes.NewReader(payload))
	if err != nil {
		return badge.MintReceipt{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return badge.MintReceipt{}, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return badge.MintReceipt{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		c.limiter.RecordRateLimitHit()
	}
	if resp.StatusCode >= 400 {
		se := &statusError{status: resp.StatusCode}
		var er errorResponse
		if json.Unmarshal(raw, &er) == nil {
			se.code = er.Error.Code
			se.msg = er.Error.Message
		}
		return badge.MintReceipt{}, se
	}

	var out mintResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return badge.MintReceipt{}, fmt.Errorf("unmarshal response: %w", err)
	}
	if out.MintAddress == "" {
		return badge.MintReceipt{}, errors.New("minter: response without mint address")
	}
	return badge.MintReceipt{MintAddress: out.MintAddress, Signature: out.Signature}, nil
}

func isRetryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.status == http.StatusTooManyRequests || se.status == http.StatusBadGateway ||
			se.status == http.StatusServiceUnavailable
	}
	msg := err.Error()
	for _, s := range []string{"connection refused", "connection reset", "EOF"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// categorize turns any failure into a *badge.MintError.
func categorize(ctx context.Context, err error) error {
	var me *badge.MintError
	if errors.As(err, &me) {
		return err
	}

	var se *statusError
	if errors.As(err, &se) {
		switch badge.FailureCategory(se.code) {
		case badge.FailureInsufficientBalance, badge.FailureMetadataTooLarge,
			badge.FailureTimeout, badge.FailureCancelled:
			return &badge.MintError{Category: badge.FailureCategory(se.code), Err: err}
		}
		switch se.status {
		case http.StatusPaymentRequired:
			return &badge.MintError{Category: badge.FailureInsufficientBalance, Err: err}
		case http.StatusRequestEntityTooLarge:
			return &badge.MintError{Category: badge.FailureMetadataTooLarge, Err: err}
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return &badge.MintError{Category: badge.FailureTimeout, Err: err}
		}
		return &badge.MintError{Category: badge.FailureUpstream, Err: err}
	}

	var rl *ratelimit.Error
	if errors.As(err, &rl) {
		return &badge.MintError{Category: badge.FailureUpstream, Err: err}
	}

	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return &badge.MintError{Category: badge.FailureCancelled, Err: err}
	}
	var ne interface{ Timeout() bool }
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &badge.MintError{Category: badge.FailureTimeout, Err: err}
	}
	return &badge.MintError{Category: badge.FailureUpstream, Err: err}
}

// ══════════════════════════════════════════════════════════════════════════════
// UNCONFIGURED
// ══════════════════════════════════════════════════════════════════════════════

// Unconfigured stands in when no minting service is set. Every mint fails
// as upstream, so issuances are recorded and retried once one is set.
type Unconfigured struct{}

var _ badge.Minter = Unconfigured{}

// Mint always fails.
func (Unconfigured) Mint(context.Context, identity.PublicKey, badge.Metadata) (badge.MintReceipt, error) {
	return badge.MintReceipt{}, &badge.MintError{
		Category: badge.FailureUpstream,
		Err:      fmt.Errorf("minting service is not configured: %w", shared.ErrServiceUnavailable),
	}
}
