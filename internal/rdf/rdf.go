/*
	Client for the semantic triple store. Device registrations are mirrored
	here so applications can discover devices by affordance instead of walking
	the registries. The store speaks the SPARQL 1.1 protocol: updates go to one
	endpoint as application/sparql-update, queries to another and come back as
	SPARQL JSON results.
*/

package rdf

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const defaultTimeout = 10 * time.Second

type Config struct {
	Logger         *slog.Logger
	QueryEndpoint  string
	UpdateEndpoint string
	Timeout        time.Duration
}

type Client struct {
	logger         *slog.Logger
	queryEndpoint  string
	updateEndpoint string
	httpClient     *http.Client
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Client{
		logger:         cfg.Logger.WithGroup("rdf"),
		queryEndpoint:  cfg.QueryEndpoint,
		updateEndpoint: cfg.UpdateEndpoint,
		httpClient:     &http.Client{Timeout: timeout},
	}
}

func (c *Client) Update(ctx context.Context, sparql string) error {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.updateEndpoint, strings.NewReader(sparql),
	)
	if err != nil {
		return errors.Wrap(err, "building sparql update request")
	}
	req.Header.Set("Content-Type", "application/sparql-update")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "posting sparql update")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.Errorf("sparql update returned status %d: %s", resp.StatusCode, string(body))
	}

	c.logger.Debug("sparql update applied", "bytes", len(sparql))
	return nil
}

/*
	SPARQL JSON results. Only the binding shape the discovery queries need is
	modelled; ASK results and typed literals beyond plain strings are not.
*/

type BindingValue struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type QueryResult struct {
	Head struct {
		Vars []string `json:"vars"`
	} `json:"head"`
	Results struct {
		Bindings []map[string]BindingValue `json:"bindings"`
	} `json:"results"`
}

func (c *Client) Query(ctx context.Context, sparql string) (*QueryResult, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.queryEndpoint, strings.NewReader(sparql),
	)
	if err != nil {
		return nil, errors.Wrap(err, "building sparql query request")
	}
	req.Header.Set("Content-Type", "application/sparql-query")
	req.Header.Set("Accept", "application/sparql-results+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "posting sparql query")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errors.Errorf("sparql query returned status %d: %s", resp.StatusCode, string(body))
	}

	var result QueryResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(err, "decoding sparql results")
	}
	return &result, nil
}
