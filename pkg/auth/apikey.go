package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// keyPrefix marks runtime API keys on the wire.
	keyPrefix = "sk_"

	// publicIDLength is the length of the lookup prefix embedded in
	// the key.
	publicIDLength = 12

	secretBytes = 32
)

const publicIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GeneratedKey is the one-time result of minting an API key. RawKey is
// returned to the caller exactly once and never persisted.
type GeneratedKey struct {
	RawKey   string
	PublicID string
	Hash     string
	Prefix   string
}

// GenerateAPIKey mints a key of the form sk_<publicId:12>.<secret>.
func GenerateAPIKey() (*GeneratedKey, error) {
	publicID, err := randomString(publicIDAlphabet, publicIDLength)
	if err != nil {
		return nil, fmt.Errorf("generate public id: %w", err)
	}
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(raw)

	rawKey := keyPrefix + publicID + "." + secret
	return &GeneratedKey{
		RawKey:   rawKey,
		PublicID: publicID,
		Hash:     HashKey(rawKey),
		Prefix:   keyPrefix + publicID,
	}, nil
}

// HashKey returns the hex SHA-256 digest of the whole raw key.
func HashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// SplitKey extracts the public id from a presented key, or fails when
// the shape is wrong.
func SplitKey(rawKey string) (publicID string, ok bool) {
	if !strings.HasPrefix(rawKey, keyPrefix) {
		return "", false
	}
	rest := rawKey[len(keyPrefix):]
	dot := strings.IndexByte(rest, '.')
	if dot != publicIDLength || dot == len(rest)-1 {
		return "", false
	}
	return rest[:dot], true
}

// VerifyKey compares the presented key against a stored hash in
// constant time.
func VerifyKey(rawKey, storedHash string) bool {
	presented := HashKey(rawKey)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(storedHash)) == 1
}

// randomString draws uniformly from alphabet. Bytes that would bias
// the modulo are rejected and redrawn.
func randomString(alphabet string, n int) (string, error) {
	limit := byte(256 - 256%len(alphabet))
	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}
