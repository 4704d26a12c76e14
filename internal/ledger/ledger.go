/*
	Read-only client for the payment ledger. Access key purchases reference a
	ledger block index; before issuing a key we fetch that block and check the
	transfer it records. The ledger is the source of truth for payments, we
	never mutate it.
*/

package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

const defaultTimeout = 10 * time.Second

var ErrBlockNotFound = errors.New("ledger block not found")

// Transfer is the single payment a block records.
type Transfer struct {
	From      string `json:"from"`
	To        string `json:"to"`
	AmountE8s uint64 `json:"amount_e8s"`
	// Hash identifies the transaction across the whole ledger. Uniqueness of
	// issued access keys is keyed on it.
	Hash string `json:"hash"`
}

type Block struct {
	Index     uint64   `json:"index"`
	Timestamp int64    `json:"timestamp"`
	Transfer  Transfer `json:"transfer"`
}

type queryBlockRequest struct {
	BlockIndex uint64 `json:"block_index"`
}

type Config struct {
	Logger   *slog.Logger
	Endpoint string
	Timeout  time.Duration
}

type Client struct {
	logger     *slog.Logger
	endpoint   string
	httpClient *http.Client
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Client{
		logger:     cfg.Logger.WithGroup("ledger"),
		endpoint:   cfg.Endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// QueryBlock fetches one block by index. ErrBlockNotFound means the index does
// not exist on the ledger; anything else is a transport fault and should not
// be reported to the caller as a payment problem.
func (c *Client) QueryBlock(ctx context.Context, index uint64) (*Block, error) {
	payload, err := json.Marshal(queryBlockRequest{BlockIndex: index})
	if err != nil {
		return nil, errors.Wrap(err, "encoding ledger query")
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.endpoint+"/v1/query_block", bytes.NewReader(payload),
	)
	if err != nil {
		return nil, errors.Wrap(err, "building ledger request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "querying ledger")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrBlockNotFound
	default:
		return nil, errors.Errorf("ledger returned status %d", resp.StatusCode)
	}

	var block Block
	if err := json.NewDecoder(resp.Body).Decode(&block); err != nil {
		return nil, errors.Wrap(err, "decoding ledger block")
	}

	c.logger.Debug("ledger block fetched", "index", block.Index, "hash", block.Transfer.Hash)
	return &block, nil
}
