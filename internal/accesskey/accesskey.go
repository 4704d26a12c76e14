/*
	Pay-per-use access keys. A caller pays the fixed price to the service's
	ledger account, presents the resulting block index, and receives a key.
	Each ledger transaction mints at most one key; each key signs a bounded
	number of requests, each under a never-reused nonce.
*/

package accesskey

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omnia-network/omnia-core/internal/ledger"
	"github.com/omnia-network/omnia-core/internal/registry"
	"github.com/omnia-network/omnia-core/internal/store"
	"github.com/omnia-network/omnia-core/models"
	"github.com/omnia-network/omnia-core/principal"
)

/*
	Business errors carried in response envelopes. The payment-check messages
	are part of the wire contract.
*/

var (
	ErrNoBlockFound      = errors.New("No block found")
	ErrNoTransferInBlock = errors.New("Block does not contain a transfer operation")
	ErrWrongSender       = errors.New("Caller account does not match the sender")
	ErrWrongReceiver     = errors.New("Receiver does not match the Omnia Backend account")
	ErrWrongAmount       = errors.New("Transferred amount does not match the price of the access key")

	ErrInvalidAccessKey     = errors.New("invalid access key")
	ErrRequestsLimitReached = errors.New("requests limit reached")
	ErrNonceAlreadyUsed     = errors.New("nonce already used")
)

const (
	keyPrefixAccessKey   = "access_key:"
	keyPrefixTransaction = "access_key_tx:"
)

type Config struct {
	Logger   *slog.Logger
	Store    store.Store
	Registry *registry.Registry
	Ledger   *ledger.Client

	// Ledger account that must receive the payment, the service identity's
	// principal text.
	BackendAccount string

	PriceE8s      uint64
	RequestsLimit uint64

	// When true a successfully verified signed request spends the nonce and
	// bumps the key's counter; when false verification is a pure check.
	SpendOnVerify bool
}

type Manager struct {
	logger   *slog.Logger
	store    store.Store
	registry *registry.Registry
	ledger   *ledger.Client

	backendAccount string
	priceE8s       uint64
	requestsLimit  uint64
	spendOnVerify  bool

	// Serializes the read-modify-write of key records during verification so
	// two concurrent reports of the same nonce cannot both spend it.
	spendMu sync.Mutex
}

func New(cfg Config) *Manager {
	return &Manager{
		logger:         cfg.Logger.WithGroup("accesskey"),
		store:          cfg.Store,
		registry:       cfg.Registry,
		ledger:         cfg.Ledger,
		backendAccount: cfg.BackendAccount,
		priceE8s:       cfg.PriceE8s,
		requestsLimit:  cfg.RequestsLimit,
		spendOnVerify:  cfg.SpendOnVerify,
	}
}

func (m *Manager) Price() uint64 {
	return m.priceE8s
}

// ObtainAccessKey checks the payment the caller points at and mints a key for
// it. The transaction-hash reservation is the exclusivity point: of two
// concurrent calls naming the same block, exactly one mints a key.
func (m *Manager) ObtainAccessKey(
	ctx context.Context,
	callerPrincipalId models.PrincipalId,
	blockIndex uint64,
) (models.AccessKeyUid, error) {
	block, err := m.ledger.QueryBlock(ctx, blockIndex)
	if err != nil {
		if errors.Is(err, ledger.ErrBlockNotFound) {
			return "", ErrNoBlockFound
		}
		return "", err
	}

	transfer := block.Transfer
	if transfer.Hash == "" {
		return "", ErrNoTransferInBlock
	}
	if transfer.From != callerPrincipalId {
		return "", ErrWrongSender
	}
	if transfer.To != m.backendAccount {
		return "", ErrWrongReceiver
	}
	if transfer.AmountE8s != m.priceE8s {
		return "", ErrWrongAmount
	}

	accessKeyUid := strings.ReplaceAll(uuid.New().String(), "-", "")

	if err := m.store.CreateExclusive(keyPrefixTransaction+transfer.Hash, accessKeyUid); err != nil {
		var exists *store.ErrKeyExists
		if errors.As(err, &exists) {
			return "", models.ErrDuplicateTransaction
		}
		return "", err
	}

	accessKey := models.AccessKey{
		Key:             accessKeyUid,
		Owner:           callerPrincipalId,
		TransactionHash: transfer.Hash,
		CreatedAt:       time.Now(),
		Counter:         0,
		UsedNonces:      []uint64{},
	}
	encoded, err := json.Marshal(accessKey)
	if err != nil {
		return "", err
	}
	if err := m.store.CreateExclusive(keyPrefixAccessKey+accessKeyUid, string(encoded)); err != nil {
		return "", err
	}

	m.logger.Info("access key issued",
		"key", accessKeyUid,
		"owner", callerPrincipalId,
		"block_index", blockIndex,
	)
	return accessKeyUid, nil
}

// SignAccessKey produces a signed request claim over the key plus a fresh
// random nonce, using the given identity. This is the requester-side half of
// verification; servers only ever see the resulting SignedRequest.
func SignAccessKey(
	identity principal.Identity,
	accessKeyUid models.AccessKeyUid,
) (models.SignedRequest, error) {
	var zero models.SignedRequest

	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return zero, err
	}
	uniqueAccessKey := models.UniqueAccessKey{
		Nonce: binary.BigEndian.Uint64(raw[:]),
		Uid:   accessKeyUid,
	}

	signature, err := identity.Sign(uniqueAccessKey.Serialize())
	if err != nil {
		return zero, err
	}

	return models.SignedRequest{
		SignatureHex:       signature,
		UniqueAccessKey:    uniqueAccessKey,
		RequesterPrincipal: identity.Text(),
	}, nil
}

// ReportSignedRequest verifies a signed request and, depending on
// configuration, spends the nonce it carries. Every verification failure
// collapses into the same error so the response does not reveal which field
// was wrong.
func (m *Manager) ReportSignedRequest(request models.SignedRequest) (bool, error) {
	publicKeyHex, err := m.registry.GetPublicKey(request.RequesterPrincipal)
	if err != nil {
		if errors.Is(err, registry.ErrProfileNotFound) {
			return false, models.ErrInvalidSignature
		}
		return false, err
	}

	if err := principal.Verify(
		publicKeyHex,
		request.UniqueAccessKey.Serialize(),
		request.SignatureHex,
	); err != nil {
		return false, models.ErrInvalidSignature
	}

	m.spendMu.Lock()
	defer m.spendMu.Unlock()

	accessKey, err := m.getAccessKey(request.UniqueAccessKey.Uid)
	if err != nil {
		return false, err
	}
	if accessKey.Counter >= m.requestsLimit {
		return false, ErrRequestsLimitReached
	}
	if accessKey.IsUsedNonce(request.UniqueAccessKey.Nonce) {
		return false, ErrNonceAlreadyUsed
	}

	if m.spendOnVerify {
		accessKey.SpendNonce(request.UniqueAccessKey.Nonce)
		encoded, err := json.Marshal(accessKey)
		if err != nil {
			return false, err
		}
		if err := m.store.Update(keyPrefixAccessKey+accessKey.Key, string(encoded)); err != nil {
			return false, err
		}
	}

	m.logger.Debug("signed request accepted",
		"key", accessKey.Key,
		"requester", request.RequesterPrincipal,
		"counter", accessKey.Counter,
	)
	return true, nil
}

func (m *Manager) getAccessKey(uid models.AccessKeyUid) (models.AccessKey, error) {
	var accessKey models.AccessKey
	raw, err := m.store.Get(keyPrefixAccessKey + uid)
	if err != nil {
		var notFound *store.ErrKeyNotFound
		if errors.As(err, &notFound) {
			return accessKey, ErrInvalidAccessKey
		}
		return accessKey, err
	}
	if err := json.Unmarshal([]byte(raw), &accessKey); err != nil {
		return accessKey, err
	}
	return accessKey, nil
}
