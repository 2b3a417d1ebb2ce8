// Package signature implements the detached signature scheme shared by chat
// clients and the relay: RSASSA-PKCS1-v1_5 over a SHA-256 digest, with
// 2048-bit keys exchanged as base64 DER SubjectPublicKeyInfo.
//
// Verify is the relay side and never returns an error: any malformed key,
// malformed signature or cryptographic failure reads as an invalid signature.
package signature

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

const (
	// KeyBits is the modulus size clients generate.
	KeyBits = 2048

	// MinKeyBits is the smallest modulus Verify accepts.
	MinKeyBits = 2048
)

// Verify reports whether signatureB64 is a valid signature of data under the
// SPKI public key publicKeyB64.
func Verify(publicKeyB64, signatureB64 string, data []byte) bool {
	pub, err := ParsePublicKey(publicKeyB64)
	if err != nil {
		return false
	}

	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil || len(sig) == 0 {
		return false
	}

	digest := sha256.Sum256(data)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig) == nil
}

// ParsePublicKey decodes a base64 DER SPKI RSA public key.
func ParsePublicKey(publicKeyB64 string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return nil, errors.Wrap(err, "decode public key")
	}

	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, errors.Wrap(err, "parse public key")
	}

	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.Errorf("public key is %T, not RSA", key)
	}

	if pub.N.BitLen() < MinKeyBits {
		return nil, errors.Errorf("public key is %d bits, need at least %d", pub.N.BitLen(), MinKeyBits)
	}

	return pub, nil
}

// KeyPair holds a client's signing key. The private half never leaves the
// process.
type KeyPair struct {
	private *rsa.PrivateKey
	public  string
}

// GenerateKeyPair creates a fresh RSA-2048 signing key.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, errors.Wrap(err, "generate key")
	}

	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, errors.Wrap(err, "export public key")
	}

	return &KeyPair{private: priv, public: base64.StdEncoding.EncodeToString(der)}, nil
}

// PublicKey returns the base64 DER SPKI public key sent in a join frame.
func (k *KeyPair) PublicKey() string {
	return k.public
}

// Sign returns the base64 signature of data.
func (k *KeyPair) Sign(data []byte) (string, error) {
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, k.private, crypto.SHA256, digest[:])
	if err != nil {
		return "", errors.Wrap(err, "sign")
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// SignString signs the UTF-8 bytes of s.
func (k *KeyPair) SignString(s string) (string, error) {
	return k.Sign([]byte(s))
}

// Fingerprint returns a short, display-only digest of a base64 public key.
// Undecodable input is fingerprinted as-is.
func Fingerprint(publicKeyB64 string) string {
	der, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil {
		der = []byte(publicKeyB64)
	}
	sum := blake2b.Sum256(der)
	return hex.EncodeToString(sum[:8])
}
