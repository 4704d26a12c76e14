package accesskey

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnia-network/omnia-core/internal/challenge"
	"github.com/omnia-network/omnia-core/internal/ledger"
	"github.com/omnia-network/omnia-core/internal/rdf"
	"github.com/omnia-network/omnia-core/internal/registry"
	"github.com/omnia-network/omnia-core/internal/store"
	"github.com/omnia-network/omnia-core/models"
	"github.com/omnia-network/omnia-core/principal"
)

const (
	testBackendAccount = "backend-account"
	testPriceE8s       = 1_000_000
)

type fixture struct {
	manager *Manager
	reg     *registry.Registry

	// Block index -> block served by the fake ledger.
	blocks map[uint64]ledger.Block
}

func newFixture(t *testing.T, requestsLimit uint64, spendOnVerify bool) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))

	db, err := store.New(store.Config{
		Logger:    logger,
		Directory: t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	challenges := challenge.New(challenge.Config{
		Logger:   logger,
		NonceTTL: time.Minute,
	})
	t.Cleanup(challenges.Stop)

	reg := registry.New(registry.Config{
		Logger:          logger,
		Store:           db,
		Challenges:      challenges,
		Semantic:        rdf.New(rdf.Config{Logger: logger}),
		ProxyHost:       "proxy.example.com",
		ProfileCacheTTL: time.Minute,
	})
	t.Cleanup(reg.Stop)

	blocks := map[uint64]ledger.Block{}
	fakeLedger := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			BlockIndex uint64 `json:"block_index"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		block, ok := blocks[req.BlockIndex]
		if !ok {
			http.Error(w, "no such block", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(block)
	}))
	t.Cleanup(fakeLedger.Close)

	manager := New(Config{
		Logger:   logger,
		Store:    db,
		Registry: reg,
		Ledger: ledger.New(ledger.Config{
			Logger:   logger,
			Endpoint: fakeLedger.URL,
		}),
		BackendAccount: testBackendAccount,
		PriceE8s:       testPriceE8s,
		RequestsLimit:  requestsLimit,
		SpendOnVerify:  spendOnVerify,
	})

	return &fixture{manager: manager, reg: reg, blocks: blocks}
}

func (f *fixture) payment(index uint64, from string, to string, amount uint64, hash string) {
	f.blocks[index] = ledger.Block{
		Index:     index,
		Timestamp: time.Now().Unix(),
		Transfer: ledger.Transfer{
			From:      from,
			To:        to,
			AmountE8s: amount,
			Hash:      hash,
		},
	}
}

func TestObtainAccessKey(t *testing.T) {
	f := newFixture(t, 100, true)
	f.payment(7, "caller", testBackendAccount, testPriceE8s, "tx-hash-7")

	uid, err := f.manager.ObtainAccessKey(context.Background(), "caller", 7)
	require.NoError(t, err)
	assert.Len(t, uid, 32)
	assert.NotContains(t, uid, "-")
	assert.Equal(t, uint64(testPriceE8s), f.manager.Price())
}

func TestObtainAccessKeyPaymentChecks(t *testing.T) {
	f := newFixture(t, 100, true)

	t.Run("missing block", func(t *testing.T) {
		_, err := f.manager.ObtainAccessKey(context.Background(), "caller", 404)
		assert.ErrorIs(t, err, ErrNoBlockFound)
		assert.Equal(t, "No block found", err.Error())
	})

	t.Run("block without transfer", func(t *testing.T) {
		f.payment(1, "", "", 0, "")
		_, err := f.manager.ObtainAccessKey(context.Background(), "caller", 1)
		assert.ErrorIs(t, err, ErrNoTransferInBlock)
		assert.Equal(t, "Block does not contain a transfer operation", err.Error())
	})

	t.Run("wrong sender", func(t *testing.T) {
		f.payment(2, "someone-else", testBackendAccount, testPriceE8s, "tx-2")
		_, err := f.manager.ObtainAccessKey(context.Background(), "caller", 2)
		assert.ErrorIs(t, err, ErrWrongSender)
		assert.Equal(t, "Caller account does not match the sender", err.Error())
	})

	t.Run("wrong receiver", func(t *testing.T) {
		f.payment(3, "caller", "someone-else", testPriceE8s, "tx-3")
		_, err := f.manager.ObtainAccessKey(context.Background(), "caller", 3)
		assert.ErrorIs(t, err, ErrWrongReceiver)
		assert.Equal(t, "Receiver does not match the Omnia Backend account", err.Error())
	})

	t.Run("wrong amount", func(t *testing.T) {
		f.payment(4, "caller", testBackendAccount, testPriceE8s-1, "tx-4")
		_, err := f.manager.ObtainAccessKey(context.Background(), "caller", 4)
		assert.ErrorIs(t, err, ErrWrongAmount)
		assert.Equal(t, "Transferred amount does not match the price of the access key", err.Error())
	})

	t.Run("duplicate transaction", func(t *testing.T) {
		f.payment(5, "caller", testBackendAccount, testPriceE8s, "tx-5")
		_, err := f.manager.ObtainAccessKey(context.Background(), "caller", 5)
		require.NoError(t, err)

		_, err = f.manager.ObtainAccessKey(context.Background(), "caller", 5)
		assert.ErrorIs(t, err, models.ErrDuplicateTransaction)
		assert.Equal(t, "Access key with the same transaction hash already exists", err.Error())
	})
}

// obtainKeyFor mints a key paid for by the given identity and binds its public
// key, the way an authenticated call would.
func (f *fixture) obtainKeyFor(t *testing.T, identity principal.Identity, blockIndex uint64, hash string) models.AccessKeyUid {
	t.Helper()
	require.NoError(t, f.reg.RecordPublicKey(identity.Text(), identity.PublicKeyHex()))
	f.payment(blockIndex, identity.Text(), testBackendAccount, testPriceE8s, hash)
	uid, err := f.manager.ObtainAccessKey(context.Background(), identity.Text(), blockIndex)
	require.NoError(t, err)
	return uid
}

func TestReportSignedRequest(t *testing.T) {
	f := newFixture(t, 100, true)
	identity, err := principal.Generate()
	require.NoError(t, err)
	uid := f.obtainKeyFor(t, identity, 10, "tx-10")

	signed, err := SignAccessKey(identity, uid)
	require.NoError(t, err)
	assert.Equal(t, uid, signed.UniqueAccessKey.Uid)
	assert.Equal(t, identity.Text(), signed.RequesterPrincipal)

	accepted, err := f.manager.ReportSignedRequest(signed)
	require.NoError(t, err)
	assert.True(t, accepted)

	// The nonce was spent on verification.
	_, err = f.manager.ReportSignedRequest(signed)
	assert.ErrorIs(t, err, ErrNonceAlreadyUsed)

	// Fresh signatures over the same key keep working.
	again, err := SignAccessKey(identity, uid)
	require.NoError(t, err)
	accepted, err = f.manager.ReportSignedRequest(again)
	require.NoError(t, err)
	assert.True(t, accepted)
}

func TestReportSignedRequestRejections(t *testing.T) {
	f := newFixture(t, 100, true)
	identity, err := principal.Generate()
	require.NoError(t, err)
	uid := f.obtainKeyFor(t, identity, 20, "tx-20")

	t.Run("unknown requester", func(t *testing.T) {
		signed, err := SignAccessKey(identity, uid)
		require.NoError(t, err)
		signed.RequesterPrincipal = "never-seen-principal"

		_, err = f.manager.ReportSignedRequest(signed)
		assert.ErrorIs(t, err, models.ErrInvalidSignature)
		assert.Equal(t, "Signature is invalid", err.Error())
	})

	t.Run("tampered signature", func(t *testing.T) {
		signed, err := SignAccessKey(identity, uid)
		require.NoError(t, err)
		signed.SignatureHex = "deadbeef"

		_, err = f.manager.ReportSignedRequest(signed)
		assert.ErrorIs(t, err, models.ErrInvalidSignature)
	})

	t.Run("tampered unique access key", func(t *testing.T) {
		signed, err := SignAccessKey(identity, uid)
		require.NoError(t, err)
		signed.UniqueAccessKey.Nonce++

		_, err = f.manager.ReportSignedRequest(signed)
		assert.ErrorIs(t, err, models.ErrInvalidSignature)
	})

	t.Run("substituted requester with own key", func(t *testing.T) {
		// Another known principal signs the victim's key with its own identity
		// while claiming the victim's principal. The signature is checked
		// against the claimed principal's bound key, so it fails.
		other, err := principal.Generate()
		require.NoError(t, err)
		require.NoError(t, f.reg.RecordPublicKey(other.Text(), other.PublicKeyHex()))

		signed, err := SignAccessKey(other, uid)
		require.NoError(t, err)
		signed.RequesterPrincipal = identity.Text()

		_, err = f.manager.ReportSignedRequest(signed)
		assert.ErrorIs(t, err, models.ErrInvalidSignature)
	})

	t.Run("unknown access key", func(t *testing.T) {
		signed, err := SignAccessKey(identity, "ffffffffffffffffffffffffffffffff")
		require.NoError(t, err)

		_, err = f.manager.ReportSignedRequest(signed)
		assert.ErrorIs(t, err, ErrInvalidAccessKey)
	})
}

func TestReportSignedRequestLimit(t *testing.T) {
	f := newFixture(t, 2, true)
	identity, err := principal.Generate()
	require.NoError(t, err)
	uid := f.obtainKeyFor(t, identity, 30, "tx-30")

	for i := 0; i < 2; i++ {
		signed, err := SignAccessKey(identity, uid)
		require.NoError(t, err)
		accepted, err := f.manager.ReportSignedRequest(signed)
		require.NoError(t, err)
		assert.True(t, accepted)
	}

	signed, err := SignAccessKey(identity, uid)
	require.NoError(t, err)
	_, err = f.manager.ReportSignedRequest(signed)
	assert.ErrorIs(t, err, ErrRequestsLimitReached)
}

func TestReportSignedRequestWithoutSpending(t *testing.T) {
	f := newFixture(t, 1, false)
	identity, err := principal.Generate()
	require.NoError(t, err)
	uid := f.obtainKeyFor(t, identity, 40, "tx-40")

	signed, err := SignAccessKey(identity, uid)
	require.NoError(t, err)

	// Verification is a pure check: nothing is spent, so the same request and
	// the limit never bite.
	for i := 0; i < 3; i++ {
		accepted, err := f.manager.ReportSignedRequest(signed)
		require.NoError(t, err)
		assert.True(t, accepted)
	}
}
