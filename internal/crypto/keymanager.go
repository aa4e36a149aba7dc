// Package crypto keeps exchange API secrets encrypted at rest. A secret is
// sealed with AES-256-GCM under a key derived from an operator password with
// PBKDF2-HMAC-SHA256.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	currentVersion   = 1
)

// ErrNoSecret is returned when no secret source is configured.
var ErrNoSecret = errors.New("crypto: no secret source configured")

// sealedSecret is the on-disk JSON envelope. Binary fields are standard
// base64.
type sealedSecret struct {
	Version    int    `json:"version"`
	KDF        string `json:"kdf"`
	Iterations int    `json:"iterations"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// SecretSource says where to find a secret. Raw wins over File.
type SecretSource struct {
	Raw      string
	File     string // sealed envelope written by Seal
	Password string
}

func deriveGCM(password string, salt []byte, iterations int) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return gcm, nil
}

// Seal encrypts secret under password and returns the JSON envelope.
func Seal(secret, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	if secret == "" {
		return nil, errors.New("crypto: secret must not be empty")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	gcm, err := deriveGCM(password, salt, pbkdf2Iterations)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	return json.MarshalIndent(sealedSecret{
		Version:    currentVersion,
		KDF:        "pbkdf2-sha256",
		Iterations: pbkdf2Iterations,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, []byte(secret), nil)),
	}, "", "  ")
}

// Open decrypts an envelope produced by Seal.
func Open(envelope []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: password must not be empty")
	}
	var s sealedSecret
	if err := json.Unmarshal(envelope, &s); err != nil {
		return "", fmt.Errorf("crypto: parsing envelope: %w", err)
	}
	if s.Version != currentVersion {
		return "", fmt.Errorf("crypto: unsupported envelope version %d", s.Version)
	}
	if s.Iterations <= 0 {
		s.Iterations = pbkdf2Iterations
	}

	salt, err := base64.StdEncoding.DecodeString(s.Salt)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(s.Nonce)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(s.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	gcm, err := deriveGCM(password, salt, s.Iterations)
	if err != nil {
		return "", err
	}
	if len(nonce) != gcm.NonceSize() {
		return "", fmt.Errorf("crypto: nonce is %d bytes, want %d", len(nonce), gcm.NonceSize())
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decryption failed (wrong password?): %w", err)
	}
	return string(plaintext), nil
}

// Load resolves a secret: the raw value if set, else the sealed file opened
// with Password.
func Load(src SecretSource) (string, error) {
	if raw := strings.TrimSpace(src.Raw); raw != "" {
		return raw, nil
	}
	if src.File == "" {
		return "", ErrNoSecret
	}
	data, err := os.ReadFile(src.File)
	if err != nil {
		return "", fmt.Errorf("crypto: reading sealed secret: %w", err)
	}
	return Open(data, src.Password)
}
