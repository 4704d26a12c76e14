/*
	Principal identities: an ECDSA P-256 keypair whose public key derives an
	opaque, stable principal text. The text form is the base58 encoding of
	the SHA-224 of the compressed public key, so two parties that exchange
	public keys can independently agree on who is who without a registry.

	Signing covers raw request bytes; verification is the only way a server
	can bind a request to a claimed principal, since transport gives us no
	client identity.
*/

package principal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/mr-tron/base58"
)

type ErrorCode int

const (
	ErrorKeyRequired ErrorCode = iota
	ErrorDataRequired
	ErrorInvalidPublicKey
	ErrorInvalidPrivateKey
	ErrorInvalidSignature
	ErrorInvalidKeystore
)

func (e ErrorCode) String() string {
	switch e {
	case ErrorKeyRequired:
		return "key is required"
	case ErrorDataRequired:
		return "data is required"
	case ErrorInvalidPublicKey:
		return "invalid public key"
	case ErrorInvalidPrivateKey:
		return "invalid private key"
	case ErrorInvalidSignature:
		return "invalid signature"
	case ErrorInvalidKeystore:
		return "invalid keystore payload"
	}
	return "unknown error"
}

type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func newError(code ErrorCode) *Error {
	return &Error{Code: code, Message: code.String()}
}

// Identity is a principal that can prove itself by signing request bytes.
type Identity interface {
	// Text returns the stable principal identifier derived from the public key.
	Text() string

	// PublicKeyHex is the compressed public key, hex encoded for transport.
	PublicKeyHex() string

	// Sign produces a hex encoded ASN.1 ECDSA signature over data.
	Sign(data []byte) (string, error)

	// Export seals the private key with a secret for at-rest storage.
	Export(secret []byte) ([]byte, error)
}

type identity struct {
	key *ecdsa.PrivateKey
}

var _ Identity = &identity{}

// Generate creates a fresh identity. Collisions on the derived text are of
// the same order as SHA-224 collisions, treated as impossible.
func Generate() (Identity, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &identity{key: key}, nil
}

func (i *identity) Text() string {
	return TextFromPublicKey(compress(&i.key.PublicKey))
}

func (i *identity) PublicKeyHex() string {
	return hex.EncodeToString(compress(&i.key.PublicKey))
}

func (i *identity) Sign(data []byte) (string, error) {
	if len(data) == 0 {
		return "", newError(ErrorDataRequired)
	}
	digest := sha256.Sum256(data)
	sig, err := ecdsa.SignASN1(rand.Reader, i.key, digest[:])
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig), nil
}

func compress(pub *ecdsa.PublicKey) []byte {
	return elliptic.MarshalCompressed(elliptic.P256(), pub.X, pub.Y)
}

// TextFromPublicKey derives the principal text for a compressed public key.
func TextFromPublicKey(compressed []byte) string {
	digest := sha512.Sum512_224(compressed)
	return base58.Encode(digest[:])
}

// TextFromPublicKeyHex derives the principal text from a hex encoded
// compressed public key, rejecting keys that are not valid curve points.
func TextFromPublicKeyHex(publicKeyHex string) (string, error) {
	raw, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return "", newError(ErrorInvalidPublicKey)
	}
	x, y := elliptic.UnmarshalCompressed(elliptic.P256(), raw)
	if x == nil || y == nil {
		return "", newError(ErrorInvalidPublicKey)
	}
	return TextFromPublicKey(raw), nil
}

// Verify checks a hex signature over data against a hex compressed public key.
// Every failure mode collapses into ErrorInvalidSignature: callers must not
// be able to tell a malformed key from a wrong signature.
func Verify(publicKeyHex string, data []byte, signatureHex string) error {
	raw, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return newError(ErrorInvalidSignature)
	}
	x, y := elliptic.UnmarshalCompressed(elliptic.P256(), raw)
	if x == nil || y == nil {
		return newError(ErrorInvalidSignature)
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return newError(ErrorInvalidSignature)
	}
	digest := sha256.Sum256(data)
	pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
	if !ecdsa.VerifyASN1(pub, digest[:], sig) {
		return newError(ErrorInvalidSignature)
	}
	return nil
}

/*
	At-rest storage for the daemon identity. The private key is PEM encoded,
	wrapped with an integrity hash, then sealed with AES-GCM under a key
	derived from the configured instance secret.
*/

type keystorePayload struct {
	Version    int       `json:"version"`
	PemKey     string    `json:"pem_key"`
	ExportedAt time.Time `json:"exported_at"`
}

type keystoreEnvelope struct {
	Hash []byte `json:"hash"`
	Data []byte `json:"data"`
}

func (i *identity) Export(secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, newError(ErrorKeyRequired)
	}

	der, err := x509.MarshalPKCS8PrivateKey(i.key)
	if err != nil {
		return nil, err
	}
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	payload, err := json.Marshal(keystorePayload{
		Version:    1,
		PemKey:     string(pemKey),
		ExportedAt: time.Now(),
	})
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(payload)
	sealed, err := json.Marshal(keystoreEnvelope{Hash: digest[:], Data: payload})
	if err != nil {
		return nil, err
	}

	return encrypt(secret, sealed)
}

// Import restores an identity previously sealed with Export.
func Import(secret []byte, sealed []byte) (Identity, error) {
	plain, err := decrypt(secret, sealed)
	if err != nil {
		return nil, newError(ErrorInvalidKeystore)
	}

	var envelope keystoreEnvelope
	if err := json.Unmarshal(plain, &envelope); err != nil {
		return nil, newError(ErrorInvalidKeystore)
	}

	digest := sha256.Sum256(envelope.Data)
	if !hmacEqual(digest[:], envelope.Hash) {
		return nil, newError(ErrorInvalidKeystore)
	}

	var payload keystorePayload
	if err := json.Unmarshal(envelope.Data, &payload); err != nil {
		return nil, newError(ErrorInvalidKeystore)
	}

	block, _ := pem.Decode([]byte(payload.PemKey))
	if block == nil {
		return nil, newError(ErrorInvalidPrivateKey)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, newError(ErrorInvalidPrivateKey)
	}

	return &identity{key: key}, nil
}

func hmacEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

func encrypt(secret, data []byte) ([]byte, error) {
	derived := sha256.Sum256(secret)
	blockCipher, err := aes.NewCipher(derived[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(blockCipher)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, data, nil), nil
}

func decrypt(secret, data []byte) ([]byte, error) {
	derived := sha256.Sum256(secret)
	blockCipher, err := aes.NewCipher(derived[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(blockCipher)
	if err != nil {
		return nil, err
	}
	if len(data) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
