// Package noderpc is the HTTP client of a remote ledger node. It satisfies
// ledgerclient.Node, so the progress client and the badge verifier work the
// same against an in-process ledger or one across the network.
package noderpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tutorhub/tutor-ledger/internal/domain/identity"
	"github.com/tutorhub/tutor-ledger/internal/domain/shared"
	"github.com/tutorhub/tutor-ledger/internal/ledger"
	"github.com/tutorhub/tutor-ledger/internal/ledgerclient"
	"github.com/tutorhub/tutor-ledger/pkg/circuitbreaker"
	"github.com/tutorhub/tutor-ledger/pkg/logger"
	"github.com/tutorhub/tutor-ledger/pkg/ratelimit"
	"github.com/tutorhub/tutor-ledger/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// ClientConfig contains configuration for the node RPC client.
type ClientConfig struct {
	// BaseURL is the node's HTTP address, e.g. http://127.0.0.1:8899.
	BaseURL string

	// Timeout bounds every call except confirmation waits.
	Timeout time.Duration

	// ConfirmPoll is the longest single confirm wait asked of the node.
	ConfirmPoll time.Duration

	// RateLimit bounds outbound calls.
	RateLimit ratelimit.Config

	// Retrier applies to read calls only; submissions are never resent.
	// Nil means retry.LedgerRPCRetrier.
	Retrier *retry.Retrier

	// Logger for structured logging
	Logger *logger.Logger
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		BaseURL:     baseURL,
		Timeout:     10 * time.Second,
		ConfirmPoll: 20 * time.Second,
		RateLimit:   ratelimit.Config{RequestsPerSecond: 50, BurstSize: 100},
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Client is the node RPC client.
type Client struct {
	config     ClientConfig
	baseURL    string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	breaker    *circuitbreaker.CircuitBreaker
	retrier    *retry.Retrier
	logger     *logger.Logger

	// bearer is sent as the Authorization header when set.
	bearer string
}

var _ ledgerclient.Node = (*Client)(nil)

// NewClient creates a new node RPC client.
func NewClient(config ClientConfig) *Client {
	defaults := DefaultClientConfig(config.BaseURL)
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.ConfirmPoll <= 0 {
		config.ConfirmPoll = defaults.ConfirmPoll
	}
	if config.RateLimit.RequestsPerSecond <= 0 {
		config.RateLimit = defaults.RateLimit
	}
	if config.Logger == nil {
		config.Logger = logger.Nop()
	}
	if config.Retrier == nil {
		config.Retrier = retry.LedgerRPCRetrier()
	}
	log := config.Logger.With(logger.Component("noderpc"))

	return &Client{
		config:  config,
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		// Deadlines come from the per-call context.
		httpClient: &http.Client{},
		limiter:    ratelimit.New(config.RateLimit),
		retrier:    config.Retrier,
		breaker: circuitbreaker.NodeRPCBreaker(func(name string, from, to circuitbreaker.State) {
			log.Warn("node circuit state changed",
				logger.String("breaker", name),
				logger.String("from", from.String()),
				logger.String("to", to.String()),
			)
		}),
		logger: log,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// NODE OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

// Head returns the node's newest block.
func (c *Client) Head(ctx context.Context) (*ledger.Block, error) {
	var blk ledger.Block
	if err := c.get(ctx, "/v1/ledger/head", nil, &blk); err != nil {
		return nil, fmt.Errorf("head: %w", err)
	}
	return &blk, nil
}

// LatestBlockhash returns the blockhash new transactions should reference.
func (c *Client) LatestBlockhash(ctx context.Context) (ledger.BlockhashInfo, error) {
	var info ledger.BlockhashInfo
	if err := c.get(ctx, "/v1/ledger/blockhash", nil, &info); err != nil {
		return ledger.BlockhashInfo{}, fmt.Errorf("latest blockhash: %w", err)
	}
	return info, nil
}

// SendTransaction submits tx once. A duplicate returns the signature along
// with shared.ErrDuplicateTransaction, as the in-process ledger does.
func (c *Client) SendTransaction(ctx context.Context, tx *ledger.Transaction) (identity.Signature, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return identity.Signature{}, fmt.Errorf("send transaction: encode: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var resp sendTransactionResponse
	err = c.call(ctx, http.MethodPost, "/v1/ledger/transactions", nil,
		sendTransactionRequest{Transaction: base64.StdEncoding.EncodeToString(raw)}, &resp)

	var remote *RemoteError
	if errors.As(err, &remote) && remote.Code == codeDuplicateTransaction {
		return tx.ID(), err
	}
	if err != nil {
		return identity.Signature{}, fmt.Errorf("send transaction: %w", err)
	}
	return resp.Signature, nil
}

// SignatureStatus returns the recorded status of sig.
func (c *Client) SignatureStatus(ctx context.Context, sig identity.Signature) (*ledger.TxStatus, error) {
	var st ledger.TxStatus
	if err := c.get(ctx, "/v1/ledger/transactions/"+sig.String(), nil, &st); err != nil {
		return nil, fmt.Errorf("signature status: %w", err)
	}
	return &st, nil
}

// ConfirmTransaction waits until sig reaches commitment or ctx ends. Each
// round asks the node to wait at most ConfirmPoll; a round that runs out
// starts the next one.
func (c *Client) ConfirmTransaction(ctx context.Context, sig identity.Signature, commitment ledger.Commitment) (*ledger.TxStatus, error) {
	path := "/v1/ledger/transactions/" + sig.String() + "/confirm"
	for {
		wait := c.config.ConfirmPoll
		if deadline, ok := ctx.Deadline(); ok {
			if left := time.Until(deadline); left < wait {
				wait = left
			}
		}
		if wait <= 0 {
			return nil, context.DeadlineExceeded
		}
		ms := wait.Milliseconds()
		if ms == 0 {
			ms = 1
		}

		q := url.Values{}
		q.Set("commitment", string(commitment))
		q.Set("timeout_ms", strconv.FormatInt(ms, 10))

		// The request outlives the node-side wait by the normal call timeout.
		callCtx, cancel := context.WithTimeout(ctx, wait+c.config.Timeout)
		var st ledger.TxStatus
		err := c.call(callCtx, http.MethodPost, path, q, nil, &st)
		cancel()

		var remote *RemoteError
		switch {
		case err == nil:
			return &st, nil
		case errors.As(err, &remote) && remote.Code == codeConfirmationPending:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			return nil, fmt.Errorf("confirm transaction: %w", err)
		}
	}
}

// Account reads addr at the given commitment.
func (c *Client) Account(ctx context.Context, addr identity.PublicKey, commitment ledger.Commitment) (*ledger.Account, error) {
	q := url.Values{}
	q.Set("commitment", string(commitment))
	var acc ledger.Account
	if err := c.get(ctx, "/v1/ledger/accounts/"+addr.String(), q, &acc); err != nil {
		return nil, fmt.Errorf("account %s: %w", addr, err)
	}
	return &acc, nil
}

// Block returns the block at slot.
func (c *Client) Block(ctx context.Context, slot uint64) (*ledger.Block, error) {
	var blk ledger.Block
	if err := c.get(ctx, "/v1/ledger/blocks/"+strconv.FormatUint(slot, 10), nil, &blk); err != nil {
		return nil, fmt.Errorf("block %d: %w", slot, err)
	}
	return &blk, nil
}

// Ping checks that the node answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Head(ctx)
	return err
}

// ══════════════════════════════════════════════════════════════════════════════
// TRANSPORT
// ══════════════════════════════════════════════════════════════════════════════

// get performs an idempotent read with retries.
func (c *Client) get(ctx context.Context, path string, query url.Values, result interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	attempt := 0
	return c.retrier.Do(ctx, func(ctx context.Context) error {
		attempt++
		err := c.call(ctx, http.MethodGet, path, query, nil, result)
		if err != nil && retryable(err) {
			c.logger.Debug("node read failed",
				logger.String("path", path),
				logger.Int("attempt", attempt),
				logger.Err(err),
			)
			return retry.Retryable(err)
		}
		return err
	})
}

// call performs one request through the rate limiter and the circuit breaker.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body, result interface{}) error {
	if err := c.limiter.Allow(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	// Answers about the request travel outside the breaker so they do not
	// count against the node.
	var answer error
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		err := c.do(ctx, method, path, query, body, result)
		var remote *RemoteError
		if errors.As(err, &remote) && !remote.nodeDown() {
			answer = err
			return nil
		}
		if errors.Is(err, context.Canceled) {
			answer = err
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	return answer
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, result interface{}) error {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Context errors stay matchable through the url.Error.
		return fmt.Errorf("http request: %w: %w", shared.ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w: %w", shared.ErrExternalService, err)
	}

	var envelope apiResponse[json.RawMessage]
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return &RemoteError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("parse response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest || !envelope.Success {
		remote := &RemoteError{Status: resp.StatusCode}
		if envelope.Error != nil {
			remote.Code = envelope.Error.Code
			remote.Message = envelope.Error.Message
			remote.Details = envelope.Error.Details
		}
		return remote
	}

	if result != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, result); err != nil {
			return fmt.Errorf("parse data: %w", err)
		}
	}
	return nil
}

// retryable reports whether a read may be repeated.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return false
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.nodeDown() || remote.Code == codeRateLimited
	}
	// Transport failure.
	return true
}
