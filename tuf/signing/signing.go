// Package signing implements the crypto primitives of the core: keypair
// generation, key-ID derivation, and canonical-JSON signing/verification
// for the three schemes TUF roles may use (Ed25519, ECDSA P-256,
// RSA-PSS/SHA-256). Primitives are built on the standard library, the same
// way the teacher's one supported scheme (ECDSA) is in tuf/verify.go — no
// pack example supplies a higher-level signing library for raw Ed25519,
// ECDSA or RSA-PSS key material.
package signing

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"

	"github.com/pkg/errors"

	"github.com/kolide/tuf-repo-server/tuf/canonicaljson"
	"github.com/kolide/tuf-repo-server/tuf/data"
)

// MinRSABits is the minimum RSA modulus size the core will generate or
// accept, per §4.A.
const MinRSABits = 2048

// DefaultRSABits is used when a KeyGenRequest does not specify a size.
const DefaultRSABits = 2048

var (
	// ErrWeakKey is returned when an RSA key generation request asks for
	// fewer than MinRSABits.
	ErrWeakKey = errors.New("rsa modulus must be at least 2048 bits")
	// ErrUnsupportedKeyType is returned for any KeyType outside the three
	// the core supports.
	ErrUnsupportedKeyType = errors.New("unsupported key type")
	// ErrSignatureInvalid is returned when a signature fails to verify.
	ErrSignatureInvalid = errors.New("signature check failed")
	// ErrSchemeKeyTypeMismatch is returned when a signature's declared
	// scheme does not match the signing key's key type.
	ErrSchemeKeyTypeMismatch = errors.New("signature scheme does not match key type")
)

// KeyPair is a generated signing keypair, with the private half still
// present. Callers persist the public half via keyserver/keystore and the
// private half via keyserver/secretstore, then discard this value.
type KeyPair struct {
	Public  data.Key
	private crypto.Signer
}

// Signer exposes the private half for signing without leaking concrete
// key material types outside this package.
func (kp KeyPair) Signer() crypto.Signer { return kp.private }

// MarshalPrivatePEM serializes the private key to PKCS8 PEM, the shape
// persisted through the secret store.
func (kp KeyPair) MarshalPrivatePEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(kp.private)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling private key")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// Generate creates a new keypair of the given type. For KeyTypeRsa, bits
// must be >= MinRSABits; a zero value defaults to DefaultRSABits.
func Generate(keyType data.KeyType, bits int) (*KeyPair, error) {
	switch keyType {
	case data.KeyTypeEd25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, errors.Wrap(err, "generating ed25519 key")
		}
		key, err := publicKey(data.KeyTypeEd25519, data.MethodEd25519, pub)
		if err != nil {
			return nil, err
		}
		return &KeyPair{Public: key, private: priv}, nil
	case data.KeyTypeEcPrime256:
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, errors.Wrap(err, "generating ecdsa key")
		}
		der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
		if err != nil {
			return nil, errors.Wrap(err, "marshalling ecdsa public key")
		}
		key, err := publicKey(data.KeyTypeEcPrime256, data.MethodECDSA, der)
		if err != nil {
			return nil, err
		}
		return &KeyPair{Public: key, private: priv}, nil
	case data.KeyTypeRsa:
		if bits == 0 {
			bits = DefaultRSABits
		}
		if bits < MinRSABits {
			return nil, ErrWeakKey
		}
		priv, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			return nil, errors.Wrap(err, "generating rsa key")
		}
		der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
		if err != nil {
			return nil, errors.Wrap(err, "marshalling rsa public key")
		}
		key, err := publicKey(data.KeyTypeRsa, data.MethodRSAPSS, der)
		if err != nil {
			return nil, err
		}
		return &KeyPair{Public: key, private: priv}, nil
	default:
		return nil, ErrUnsupportedKeyType
	}
}

func publicKey(kt data.KeyType, scheme data.SigningMethod, der []byte) (data.Key, error) {
	k := data.Key{
		KeyType: kt,
		Scheme:  scheme,
		KeyVal:  data.KeyVal{Public: base64.StdEncoding.EncodeToString(der)},
	}
	return k, nil
}

// FromPrivatePEM reconstructs a KeyPair from a public key and the PKCS8
// PEM produced by MarshalPrivatePEM, so a keypair can round-trip through
// the secret store between signing operations.
func FromPrivatePEM(public data.Key, pemBytes []byte) (*KeyPair, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("invalid PEM block")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "parsing private key")
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, errors.New("private key does not implement crypto.Signer")
	}
	return &KeyPair{Public: public, private: signer}, nil
}

// KeyID computes the content-addressed ID of a public key: the lowercase
// hex SHA-256 of the canonical JSON encoding of {keytype, keyval.public,
// scheme}, per §4.A. Any private half is stripped before hashing.
func KeyID(k data.Key) (data.KeyID, error) {
	public := data.Key{
		KeyType: k.KeyType,
		Scheme:  k.Scheme,
		KeyVal:  data.KeyVal{Public: k.KeyVal.Public},
	}
	b, err := canonicaljson.Marshal(public)
	if err != nil {
		return "", errors.Wrap(err, "computing key id")
	}
	return data.KeyID(canonicaljson.SHA256Hex(b)), nil
}

// Sign signs canonical bytes with the given keypair, producing a
// Signature keyed by the key's content-addressed ID.
func Sign(kp *KeyPair, canonicalBytes []byte) (data.Signature, error) {
	id, err := KeyID(kp.Public)
	if err != nil {
		return data.Signature{}, err
	}
	sigBytes, err := rawSign(kp.Public.KeyType, kp.private, canonicalBytes)
	if err != nil {
		return data.Signature{}, err
	}
	return data.Signature{
		KeyID:  id,
		Method: kp.Public.Scheme,
		Value:  base64.StdEncoding.EncodeToString(sigBytes),
	}, nil
}

func rawSign(kt data.KeyType, signer crypto.Signer, msg []byte) ([]byte, error) {
	switch kt {
	case data.KeyTypeEd25519:
		ed, ok := signer.(ed25519.PrivateKey)
		if !ok {
			return nil, errors.New("signer is not an ed25519 private key")
		}
		return ed25519.Sign(ed, msg), nil
	case data.KeyTypeEcPrime256:
		digest := sha256.Sum256(msg)
		return signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	case data.KeyTypeRsa:
		digest := sha256.Sum256(msg)
		return signer.Sign(rand.Reader, digest[:], &rsa.PSSOptions{
			SaltLength: rsa.PSSSaltLengthEqualsHash,
			Hash:       crypto.SHA256,
		})
	default:
		return nil, ErrUnsupportedKeyType
	}
}

// Verify checks that sig is a valid signature by key over canonicalBytes.
// It rejects any signature whose declared scheme does not match the key's
// key type, an omission common in naive TUF reimplementations.
func Verify(key data.Key, canonicalBytes []byte, sig data.Signature) error {
	if sig.Method != key.Scheme {
		return ErrSchemeKeyTypeMismatch
	}
	sigBytes, err := base64.StdEncoding.DecodeString(sig.Value)
	if err != nil {
		return errors.Wrap(err, "decoding signature")
	}
	der, err := base64.StdEncoding.DecodeString(key.KeyVal.Public)
	if err != nil {
		return errors.Wrap(err, "decoding public key")
	}

	switch key.KeyType {
	case data.KeyTypeEd25519:
		if len(der) != ed25519.PublicKeySize {
			return errors.New("invalid ed25519 public key length")
		}
		if !ed25519.Verify(ed25519.PublicKey(der), canonicalBytes, sigBytes) {
			return ErrSignatureInvalid
		}
		return nil
	case data.KeyTypeEcPrime256:
		pub, err := x509.ParsePKIXPublicKey(der)
		if err != nil {
			return errors.Wrap(err, "parsing ecdsa public key")
		}
		ecdsaPub, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return errors.New("key is not an ecdsa public key")
		}
		digest := sha256.Sum256(canonicalBytes)
		if !ecdsaVerifyASN1(ecdsaPub, digest[:], sigBytes) {
			return ErrSignatureInvalid
		}
		return nil
	case data.KeyTypeRsa:
		pub, err := x509.ParsePKIXPublicKey(der)
		if err != nil {
			return errors.Wrap(err, "parsing rsa public key")
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return errors.New("key is not an rsa public key")
		}
		if rsaPub.N.BitLen() < MinRSABits {
			return ErrWeakKey
		}
		digest := sha256.Sum256(canonicalBytes)
		opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}
		if err := rsa.VerifyPSS(rsaPub, crypto.SHA256, digest[:], sigBytes, opts); err != nil {
			return ErrSignatureInvalid
		}
		return nil
	default:
		return ErrUnsupportedKeyType
	}
}

func ecdsaVerifyASN1(pub *ecdsa.PublicKey, digest, sig []byte) bool {
	return ecdsa.VerifyASN1(pub, digest, sig)
}

// CountValidThreshold verifies each signature in sigs against keys (keyed
// by key ID) and returns the number of distinct keys that produced a
// valid signature over canonicalBytes. Duplicate signatures from the same
// key ID count once. Signatures whose key ID is not in keys are ignored.
func CountValidThreshold(keys map[data.KeyID]data.Key, canonicalBytes []byte, sigs []data.Signature) int {
	validKeyIDs := make(map[data.KeyID]bool)
	for _, sig := range sigs {
		if validKeyIDs[sig.KeyID] {
			continue
		}
		key, ok := keys[sig.KeyID]
		if !ok {
			continue
		}
		if err := Verify(key, canonicalBytes, sig); err == nil {
			validKeyIDs[sig.KeyID] = true
		}
	}
	return len(validKeyIDs)
}
