package bls

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"
)

const (
	// PublicKeySize is the size of a compressed BLS public key in bytes.
	PublicKeySize = 48

	// SignatureSize is the size of a compressed BLS signature in bytes.
	SignatureSize = 96

	// keygenContext binds derived BLS keys to the node's ed25519 identity.
	keygenContext = "quorumstore-bls-keygen"
)

// dst is the domain separation tag for signatures (min-pubkey-size variant, G2 signatures).
var dst = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

var (
	// ErrInvalidSignature is returned when a signature does not verify.
	ErrInvalidSignature = errors.New("invalid BLS signature")

	// ErrInvalidPublicKey is returned for malformed or off-curve public keys.
	ErrInvalidPublicKey = errors.New("invalid BLS public key")
)

// KeyPair holds a BLS private/public key pair.
type KeyPair struct {
	secret *blst.SecretKey // secret is the private scalar
	public *blst.P1Affine  // public is the public key point
}

// DeriveFromED25519 derives a deterministic key pair from an ed25519 private key.
// The seed is BLAKE3(keygenContext || ed25519 seed).
func DeriveFromED25519(privKey ed25519.PrivateKey) (*KeyPair, error) {
	h := blake3.New()
	h.Write([]byte(keygenContext))
	h.Write(privKey.Seed())

	var derived [32]byte
	h.Sum(derived[:0])

	return FromSeed(derived[:])
}

// Generate creates a key pair from a random seed.
func Generate() (*KeyPair, error) {
	var ikm [32]byte
	if _, err := rand.Read(ikm[:]); err != nil {
		return nil, fmt.Errorf("generate random seed:\n%w", err)
	}

	return FromSeed(ikm[:])
}

// FromSeed creates a key pair from a seed of at least 32 bytes.
func FromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("seed must be at least 32 bytes, got %d", len(seed))
	}

	secret := blst.KeyGen(seed)
	if secret == nil {
		return nil, fmt.Errorf("failed to generate BLS key")
	}

	return &KeyPair{
		secret: secret,
		public: new(blst.P1Affine).From(secret),
	}, nil
}

// Sign returns the compressed signature over message.
func (k *KeyPair) Sign(message []byte) []byte {
	return new(blst.P2Affine).Sign(k.secret, message, dst).Compress()
}

// PublicKey returns the compressed public key.
func (k *KeyPair) PublicKey() [PublicKeySize]byte {
	var pk [PublicKeySize]byte
	copy(pk[:], k.public.Compress())

	return pk
}

// ValidatePublicKey checks that pk decodes to a valid group element.
func ValidatePublicKey(pk []byte) error {
	if len(pk) != PublicKeySize {
		return fmt.Errorf("public key is %d bytes, want %d: %w", len(pk), PublicKeySize, ErrInvalidPublicKey)
	}

	point := new(blst.P1Affine).Uncompress(pk)
	if point == nil || !point.KeyValidate() {
		return ErrInvalidPublicKey
	}

	return nil
}

// Verify checks a signature against a message and public key.
func Verify(signature, message, publicKey []byte) bool {
	if len(signature) != SignatureSize || len(publicKey) != PublicKeySize {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(signature)
	if sig == nil {
		return false
	}

	pk := new(blst.P1Affine).Uncompress(publicKey)
	if pk == nil {
		return false
	}

	return sig.Verify(true, pk, true, message, dst)
}

// Aggregate combines signatures over the same message into one.
func Aggregate(signatures [][]byte) ([]byte, error) {
	if len(signatures) == 0 {
		return nil, fmt.Errorf("no signatures to aggregate")
	}

	sigs := make([]*blst.P2Affine, len(signatures))

	for i, raw := range signatures {
		if len(raw) != SignatureSize {
			return nil, fmt.Errorf("signature %d is %d bytes, want %d", i, len(raw), SignatureSize)
		}

		sig := new(blst.P2Affine).Uncompress(raw)
		if sig == nil {
			return nil, fmt.Errorf("signature %d does not decode", i)
		}

		sigs[i] = sig
	}

	agg := new(blst.P2Aggregate)
	if !agg.Aggregate(sigs, true) {
		return nil, fmt.Errorf("signature aggregation failed")
	}

	return agg.ToAffine().Compress(), nil
}

// VerifyAggregated verifies an aggregated signature against one message and the signers' keys.
func VerifyAggregated(signature, message []byte, publicKeys [][]byte) bool {
	if len(signature) != SignatureSize || len(publicKeys) == 0 {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(signature)
	if sig == nil {
		return false
	}

	pks := make([]*blst.P1Affine, len(publicKeys))

	for i, raw := range publicKeys {
		if len(raw) != PublicKeySize {
			return false
		}

		pk := new(blst.P1Affine).Uncompress(raw)
		if pk == nil {
			return false
		}

		pks[i] = pk
	}

	aggPk := new(blst.P1Aggregate)
	if !aggPk.Aggregate(pks, true) {
		return false
	}

	return sig.Verify(true, aggPk.ToAffine(), true, message, dst)
}
