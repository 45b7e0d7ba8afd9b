package oauth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

const pemTypeECPrivateKey = "EC PRIVATE KEY"

// KeyPair is a P-256 signing key with its derived identifiers. It is never
// mutated after construction and may be shared between goroutines.
type KeyPair struct {
	Private    jwk.Key
	PrivateKey *ecdsa.PrivateKey
	// Kid is the first 16 characters of base64url(sha256(x || y)).
	Kid string
	// Jkt is the RFC 7638 JWK thumbprint of the public key.
	Jkt string
}

func GenerateKey() (*KeyPair, error) {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	return NewKeyPair(privKey)
}

func NewKeyPair(privKey *ecdsa.PrivateKey) (*KeyPair, error) {
	if privKey == nil {
		return nil, fmt.Errorf("nil private key provided")
	}

	if privKey.Curve != elliptic.P256() {
		return nil, fmt.Errorf("key is not on curve P-256")
	}

	kid, err := deriveKid(&privKey.PublicKey)
	if err != nil {
		return nil, err
	}

	key, err := jwk.FromRaw(privKey)
	if err != nil {
		return nil, err
	}

	if err := key.Set(jwk.KeyIDKey, kid); err != nil {
		return nil, err
	}

	if err := key.Set(jwk.AlgorithmKey, jwa.ES256); err != nil {
		return nil, err
	}

	pub, err := key.PublicKey()
	if err != nil {
		return nil, err
	}

	tp, err := pub.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		Private:    key,
		PrivateKey: privKey,
		Kid:        kid,
		Jkt:        base64.RawURLEncoding.EncodeToString(tp),
	}, nil
}

// LoadOrGenerateKey loads the PEM encoded key at path, or generates and
// persists a new one with owner only permissions if no file exists.
func LoadOrGenerateKey(path string) (*KeyPair, error) {
	kp, err := LoadKey(path)
	if err == nil {
		return kp, nil
	}

	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	kp, err = GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("could not generate key: %w", err)
	}

	if err := SaveKey(path, kp); err != nil {
		return nil, err
	}

	return kp, nil
}

func LoadKey(path string) (*KeyPair, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, &KeyLoadError{Path: path, Err: err}
	}

	if info.Mode().Perm()&0o077 != 0 {
		return nil, &KeyLoadError{Path: path, Err: fmt.Errorf("insecure file permissions %04o, want 0600", info.Mode().Perm())}
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &KeyLoadError{Path: path, Err: err}
	}

	block, _ := pem.Decode(b)
	if block == nil {
		return nil, &KeyLoadError{Path: path, Err: fmt.Errorf("no pem block found")}
	}

	if block.Type != pemTypeECPrivateKey {
		return nil, &KeyLoadError{Path: path, Err: fmt.Errorf("unexpected pem block type %q", block.Type)}
	}

	privKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, &KeyLoadError{Path: path, Err: err}
	}

	kp, err := NewKeyPair(privKey)
	if err != nil {
		return nil, &KeyLoadError{Path: path, Err: err}
	}

	return kp, nil
}

func SaveKey(path string, kp *KeyPair) error {
	der, err := x509.MarshalECPrivateKey(kp.PrivateKey)
	if err != nil {
		return fmt.Errorf("could not marshal private key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("could not create key directory: %w", err)
	}

	b := pem.EncodeToMemory(&pem.Block{Type: pemTypeECPrivateKey, Bytes: der})
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("could not write key file: %w", err)
	}

	// WriteFile keeps the mode of a file that already existed
	return os.Chmod(path, 0o600)
}

// PublicJwk returns the public half of the key with kid, alg and use set.
func (kp *KeyPair) PublicJwk() (jwk.Key, error) {
	pub, err := kp.Private.PublicKey()
	if err != nil {
		return nil, err
	}

	if err := pub.Set(jwk.KeyIDKey, kp.Kid); err != nil {
		return nil, err
	}

	if err := pub.Set(jwk.AlgorithmKey, jwa.ES256); err != nil {
		return nil, err
	}

	if err := pub.Set(jwk.KeyUsageKey, jwk.ForSignature); err != nil {
		return nil, err
	}

	return pub, nil
}

// publicJwkMap is the bare public key as embedded in a dpop proof header.
func (kp *KeyPair) publicJwkMap() (map[string]any, error) {
	pubJwk, err := kp.Private.PublicKey()
	if err != nil {
		return nil, err
	}

	b, err := json.Marshal(pubJwk)
	if err != nil {
		return nil, err
	}

	var pubMap map[string]any
	if err := json.Unmarshal(b, &pubMap); err != nil {
		return nil, err
	}

	// only the thumbprint members go in the header
	out := map[string]any{}
	for _, k := range []string{"kty", "crv", "x", "y"} {
		out[k] = pubMap[k]
	}

	return out, nil
}

func deriveKid(pub *ecdsa.PublicKey) (string, error) {
	ecdhPub, err := pub.ECDH()
	if err != nil {
		return "", err
	}

	// uncompressed point: 0x04 || x || y
	raw := ecdhPub.Bytes()
	sum := sha256.Sum256(raw[1:])

	return base64.RawURLEncoding.EncodeToString(sum[:])[:16], nil
}
