package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUniqueAccessKeySerializeLayout(t *testing.T) {
	// Verifiers reconstruct the signed bytes from the decoded fields, so the
	// serialized layout must stay exactly this.
	u := UniqueAccessKey{Nonce: 42, Uid: "deadbeef"}
	assert.Equal(t, `{"nonce":42,"uid":"deadbeef"}`, string(u.Serialize()))
}

func TestAccessKeyNonceSpending(t *testing.T) {
	key := AccessKey{UsedNonces: []uint64{}}

	assert.False(t, key.IsUsedNonce(7))
	key.SpendNonce(7)
	assert.True(t, key.IsUsedNonce(7))
	assert.Equal(t, uint64(1), key.Counter)

	key.SpendNonce(8)
	assert.Equal(t, uint64(2), key.Counter)
	assert.True(t, key.IsUsedNonce(8))
	assert.False(t, key.IsUsedNonce(9))
}
