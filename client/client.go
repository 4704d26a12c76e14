/*
	Go client for the omnia service. Wraps the challenge flow and the signed
	RPC surface: every privileged call serializes its body, signs it with the
	client identity and presents the signature headers the server checks.
*/

package client

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/omnia-network/omnia-core/internal/accesskey"
	"github.com/omnia-network/omnia-core/models"
	"github.com/omnia-network/omnia-core/principal"
)

const (
	defaultTimeout = 10 * time.Second
	apiPrefix      = "/omnia/api/v1"
)

type Config struct {
	// Endpoint is the base URL of the service, e.g. https://host:port.
	Endpoint   string
	Identity   principal.Identity
	SkipVerify bool
	Timeout    time.Duration
	Logger     *slog.Logger
}

type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	identity   principal.Identity
	logger     *slog.Logger
}

func New(cfg *Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if cfg.Identity == nil {
		return nil, fmt.Errorf("identity cannot be empty")
	}

	baseURL, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse endpoint '%s': %w", cfg.Endpoint, err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.SkipVerify},
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		identity: cfg.Identity,
		logger:   cfg.Logger.WithGroup("omnia_client"),
	}, nil
}

// Principal returns the text form of the client identity.
func (c *Client) Principal() string {
	return c.identity.Text()
}

// RequestChallenge generates a fresh nonce, submits it over the plain
// challenge endpoint and returns it for use in a subsequent privileged call.
func (c *Client) RequestChallenge(ctx context.Context) (string, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	nonce := hex.EncodeToString(raw[:])

	payload, err := json.Marshal(models.ChallengeRequest{Nonce: nonce})
	if err != nil {
		return "", err
	}

	reqURL := c.baseURL.ResolveReference(&url.URL{Path: "/ip-challenge"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL.String(), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("challenge rejected with status %d: %s", resp.StatusCode, string(body))
	}
	return nonce, nil
}

// doSigned posts a signed body to an RPC path and decodes the raw response
// bytes. Rate limited responses are retried after the server-indicated delay.
func (c *Client) doSigned(ctx context.Context, path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	signature, err := c.identity.Sign(payload)
	if err != nil {
		return nil, err
	}

	reqURL := c.baseURL.ResolveReference(&url.URL{Path: apiPrefix + path})

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL.String(), bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(models.HeaderPrincipal, c.identity.Text())
		req.Header.Set(models.HeaderPublicKey, c.identity.PublicKeyHex())
		req.Header.Set(models.HeaderSignature, signature)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			resp.Body.Close()
			c.logger.Warn("Operation rate limited, sleeping", "duration", retryAfter)
			select {
			case <-time.After(retryAfter):
				continue
			case <-ctx.Done():
				return nil, fmt.Errorf("operation cancelled during rate limit sleep: %w", ctx.Err())
			}
		}

		raw, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("rpc %s failed with status %d: %s", path, resp.StatusCode, string(raw))
		}
		return raw, nil
	}
}

func parseRetryAfter(value string) time.Duration {
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds <= 0 {
		return time.Second
	}
	return time.Duration(seconds) * time.Second
}

// invoke runs one enveloped RPC, surfacing business failures as errors.
func invoke[T any](ctx context.Context, c *Client, path string, body any) (T, error) {
	var zero T

	raw, err := c.doSigned(ctx, path, body)
	if err != nil {
		return zero, err
	}

	var envelope models.Envelope[T]
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return zero, err
	}
	if err := envelope.Err(); err != nil {
		return zero, err
	}
	if envelope.Data == nil {
		return zero, fmt.Errorf("rpc %s returned no data", path)
	}
	return *envelope.Data, nil
}

// SignAccessKey produces a signed request claim for an access key, locally,
// with the client identity. The result is what gets reported for spending.
func (c *Client) SignAccessKey(accessKeyUid models.AccessKeyUid) (models.SignedRequest, error) {
	return accesskey.SignAccessKey(c.identity, accessKeyUid)
}
