// Package crypto decrypts secrets embedded in worker configuration. A secret
// is written as "enc:" followed by base64 AES-GCM ciphertext keyed from the
// engine's master key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// SecretPrefix marks an encrypted configuration value.
const SecretPrefix = "enc:"

var (
	ErrInvalidKey        = errors.New("invalid encryption key")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrNoMasterKey       = errors.New("encrypted value found but no master key configured")
)

// Encryptor handles encryption and decryption of secrets.
type Encryptor struct {
	gcm cipher.AEAD
}

// NewEncryptor creates a new encryptor with the given master key.
func NewEncryptor(masterKey []byte) (*Encryptor, error) {
	if len(masterKey) < 16 {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(deriveKey(masterKey))
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Encryptor{gcm: gcm}, nil
}

// NewEncryptorFromString creates an encryptor from a base64 or hex encoded key.
func NewEncryptorFromString(keyStr string) (*Encryptor, error) {
	key, err := base64.StdEncoding.DecodeString(keyStr)
	if err != nil {
		key, err = hex.DecodeString(keyStr)
		if err != nil {
			return nil, ErrInvalidKey
		}
	}
	return NewEncryptor(key)
}

// Encrypt encrypts plaintext and returns base64-encoded ciphertext.
func (e *Encryptor) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := e.gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts base64-encoded ciphertext.
func (e *Encryptor) Decrypt(ciphertext string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}

	nonceSize := e.gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrInvalidCiphertext
	}

	nonce, encryptedData := data[:nonceSize], data[nonceSize:]
	plaintext, err := e.gcm.Open(nil, nonce, encryptedData, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}

// Seal encrypts a secret into its "enc:" configuration form.
func (e *Encryptor) Seal(secret string) (string, error) {
	ct, err := e.Encrypt([]byte(secret))
	if err != nil {
		return "", err
	}
	return SecretPrefix + ct, nil
}

// ResolveSecrets returns a copy of cfg with every "enc:" string, at any
// depth, replaced by its plaintext. A nil Encryptor leaves plain values
// alone and fails on the first encrypted one.
func (e *Encryptor) ResolveSecrets(cfg map[string]any) (map[string]any, error) {
	out, err := e.resolve(cfg, "")
	if err != nil {
		return nil, err
	}
	m, _ := out.(map[string]any)
	return m, nil
}

func (e *Encryptor) resolve(v any, path string) (any, error) {
	switch val := v.(type) {
	case string:
		if !strings.HasPrefix(val, SecretPrefix) {
			return val, nil
		}
		if e == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoMasterKey, path)
		}
		plain, err := e.Decrypt(strings.TrimPrefix(val, SecretPrefix))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return string(plain), nil
	case map[string]any:
		if val == nil {
			return val, nil
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := e.resolve(item, join(path, k))
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := e.resolve(item, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	}
	return v, nil
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

// GenerateMasterKey generates a new base64 master key.
func GenerateMasterKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// deriveKey derives the AES-256 key from the master key using PBKDF2.
func deriveKey(masterKey []byte) []byte {
	return pbkdf2.Key(masterKey, []byte("agentflow-secrets-v1"), 10000, 32, sha256.New)
}
