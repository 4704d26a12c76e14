package service

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/omnia-network/omnia-core/internal/accesskey"
	"github.com/omnia-network/omnia-core/internal/challenge"
	"github.com/omnia-network/omnia-core/internal/registry"
	"github.com/omnia-network/omnia-core/models"
	"github.com/omnia-network/omnia-core/principal"
)

const maxBodySize = 1024 * 1024 // 1MB

/*
	Request authentication. The caller signs the raw request body with its
	identity key and presents principal text, public key and signature as
	headers. The principal text must be derivable from the public key, which
	stops a caller from claiming someone else's principal with its own key.
*/

func (c *Core) authenticate(w http.ResponseWriter, r *http.Request) (models.PrincipalId, []byte, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return "", nil, false
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return "", nil, false
	}

	principalId := r.Header.Get(models.HeaderPrincipal)
	publicKeyHex := r.Header.Get(models.HeaderPublicKey)
	signatureHex := r.Header.Get(models.HeaderSignature)
	if principalId == "" || publicKeyHex == "" || signatureHex == "" {
		http.Error(w, "Missing authentication headers", http.StatusUnauthorized)
		return "", nil, false
	}

	if err := principal.Verify(publicKeyHex, body, signatureHex); err != nil {
		c.logger.Warn("request signature rejected", "principal", principalId, "path", r.URL.Path)
		http.Error(w, "Invalid request signature", http.StatusUnauthorized)
		return "", nil, false
	}

	derived, err := principal.TextFromPublicKeyHex(publicKeyHex)
	if err != nil || derived != principalId {
		http.Error(w, "Principal does not match public key", http.StatusUnauthorized)
		return "", nil, false
	}

	if err := c.registry.RecordPublicKey(principalId, publicKeyHex); err != nil {
		c.logger.Error("failed to record public key", "principal", principalId, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return "", nil, false
	}

	return principalId, body, true
}

func decodeBody(w http.ResponseWriter, body []byte, out any) bool {
	if err := json.Unmarshal(body, out); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

/*
	Response envelopes. Business failures ride inside the envelope with a 200
	status; infrastructure faults are transport-level errors. The split is by
	error identity, anything not in the business set is infrastructure.
*/

var businessErrors = []error{
	models.ErrInvalidNonce,
	models.ErrUnauthorized,
	models.ErrDuplicateTransaction,
	models.ErrInvalidSignature,
	registry.ErrEnvironmentNotFound,
	registry.ErrGatewayNotFound,
	registry.ErrNoInitializedGateway,
	registry.ErrGatewayAlreadyRegistered,
	registry.ErrProfileNotFound,
	registry.ErrNoEnvironmentOnNetwork,
	registry.ErrPairDifferentNetwork,
	registry.ErrRegisterDifferentNetwork,
	accesskey.ErrNoBlockFound,
	accesskey.ErrNoTransferInBlock,
	accesskey.ErrWrongSender,
	accesskey.ErrWrongReceiver,
	accesskey.ErrWrongAmount,
	accesskey.ErrInvalidAccessKey,
	accesskey.ErrRequestsLimitReached,
	accesskey.ErrNonceAlreadyUsed,
}

func isBusinessError(err error) bool {
	for _, candidate := range businessErrors {
		if errors.Is(err, candidate) {
			return true
		}
	}
	return false
}

func writeEnvelope[T any](c *Core, w http.ResponseWriter, envelope models.Envelope[T]) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(envelope); err != nil {
		c.logger.Error("failed to encode response envelope", "error", err)
	}
}

// respond writes the outcome of an RPC: data on success, an envelope error
// for business failures, a transport error for everything else.
func respond[T any](c *Core, w http.ResponseWriter, data T, err error) {
	if err == nil {
		writeEnvelope(c, w, models.Ok(data))
		return
	}
	if isBusinessError(err) {
		writeEnvelope(c, w, models.Fail[T](err))
		return
	}
	c.logger.Error("request failed", "error", err)
	http.Error(w, "Internal error", http.StatusInternalServerError)
}

// resolveRemote is a shorthand bound to the configured proxy address.
func (c *Core) resolveRemote(r *http.Request) challenge.RemoteContext {
	return challenge.ResolveRemote(r, c.cfg.Proxy.Ipv4)
}
