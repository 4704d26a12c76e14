package models

import (
	"encoding/json"
	"time"
)

type AccessKeyUid = string

// TransactionHash is the hex encoded hash of the ledger transaction that paid
// for an access key. At most one access key is ever issued per hash.
type TransactionHash = string

type AccessKey struct {
	Key             AccessKeyUid    `json:"key"`
	Owner           PrincipalId     `json:"owner"`
	TransactionHash TransactionHash `json:"transaction_hash"`
	CreatedAt       time.Time       `json:"created_at"`
	Counter         uint64          `json:"counter"`
	UsedNonces      []uint64        `json:"used_nonces"`
}

func (k *AccessKey) IsUsedNonce(nonce uint64) bool {
	for _, n := range k.UsedNonces {
		if n == nonce {
			return true
		}
	}
	return false
}

func (k *AccessKey) SpendNonce(nonce uint64) {
	k.UsedNonces = append(k.UsedNonces, nonce)
	k.Counter++
}

/*
	UniqueAccessKey distinguishes repeated signing operations over the same
	access key: each signature covers the key uid plus a fresh nonce. The
	byte layout produced by Serialize is the exact message that gets signed
	and later reconstructed by the verifier, so it must stay stable.
*/

type UniqueAccessKey struct {
	Nonce uint64       `json:"nonce"`
	Uid   AccessKeyUid `json:"uid"`
}

func (u UniqueAccessKey) Serialize() []byte {
	// Field order is fixed by the struct definition; encoding/json emits
	// struct fields in declaration order.
	b, _ := json.Marshal(u)
	return b
}

type SignedRequest struct {
	SignatureHex       string          `json:"signature_hex"`
	UniqueAccessKey    UniqueAccessKey `json:"unique_access_key"`
	RequesterPrincipal PrincipalId     `json:"requester_canister_id"`
}

type ObtainAccessKeyInput struct {
	BlockIndex uint64 `json:"payment_block_index"`
}

type SignAccessKeyInput struct {
	AccessKey AccessKeyUid `json:"access_key"`
}
