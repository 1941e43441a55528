package feishu

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Typed verification errors. The HTTP edge maps these to status codes
// (malformed/decryption -> 400, token mismatch -> 403).
var (
	ErrMalformedRequest = errors.New("malformed verification request")
	ErrTokenMismatch    = errors.New("verification token mismatch")
	ErrDecryptionFailed = errors.New("challenge decryption failed")
)

// VerifyConfig carries the platform credentials relevant to URL verification.
// An empty VerificationToken disables the token check; an empty EncryptKey
// means encrypted envelopes cannot be served.
type VerifyConfig struct {
	VerificationToken string
	EncryptKey        string
}

type envelopeKind int

const (
	envelopePlain envelopeKind = iota
	envelopeEncrypted
)

// envelope is the tagged union over the two verification request shapes,
// decided once at parse time.
type envelope struct {
	kind       envelopeKind
	challenge  string
	token      string
	ciphertext string
}

type rawEnvelope struct {
	Challenge *string `json:"challenge"`
	Token     string  `json:"token"`
	Type      string  `json:"type"`
	Encrypt   *string `json:"encrypt"`
}

// parseEnvelope classifies the request body. Presence of "encrypt" wins over
// "challenge"; anything else is malformed.
func parseEnvelope(body []byte) (envelope, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(body, &raw); err != nil {
		return envelope{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	switch {
	case raw.Encrypt != nil:
		if *raw.Encrypt == "" {
			return envelope{}, fmt.Errorf("%w: empty encrypt field", ErrMalformedRequest)
		}
		return envelope{kind: envelopeEncrypted, ciphertext: *raw.Encrypt}, nil
	case raw.Challenge != nil:
		return envelope{kind: envelopePlain, challenge: *raw.Challenge, token: raw.Token}, nil
	default:
		return envelope{}, fmt.Errorf("%w: neither challenge nor encrypt present", ErrMalformedRequest)
	}
}

// IsVerification reports whether body looks like a URL-verification handshake
// (plain or encrypted) without fully validating it.
func IsVerification(body []byte) bool {
	var raw rawEnvelope
	if err := json.Unmarshal(body, &raw); err != nil {
		return false
	}
	return raw.Encrypt != nil || raw.Challenge != nil
}

// Verify authenticates a URL-verification request and returns the challenge
// string to echo back.
//
// The call does pure parsing and local crypto, no I/O, so it always fits
// well inside the platform's one-second reply deadline.
func Verify(body []byte, cfg VerifyConfig) (string, error) {
	env, err := parseEnvelope(body)
	if err != nil {
		return "", err
	}

	if env.kind == envelopeEncrypted {
		if cfg.EncryptKey == "" {
			return "", fmt.Errorf("%w: encrypted envelope but no encrypt key configured", ErrDecryptionFailed)
		}
		plaintext, derr := Decrypt(env.ciphertext, cfg.EncryptKey)
		if derr != nil {
			return "", derr
		}
		var inner struct {
			Challenge *string `json:"challenge"`
			Token     string  `json:"token"`
		}
		if err := json.Unmarshal(plaintext, &inner); err != nil || inner.Challenge == nil {
			return "", fmt.Errorf("%w: decrypted payload is not a challenge", ErrDecryptionFailed)
		}
		env.challenge = *inner.Challenge
		env.token = inner.Token
	}

	// Token check applies identically to both variants. A missing request
	// token while a token is configured is a mismatch, not an exemption.
	if cfg.VerificationToken != "" {
		if subtle.ConstantTimeCompare([]byte(env.token), []byte(cfg.VerificationToken)) != 1 {
			return "", ErrTokenMismatch
		}
	}
	return env.challenge, nil
}

// Decrypt reverses the open-platform event encryption: base64 decode, then
// AES-256-CBC with key = SHA-256(encryptKey) and the IV carried as the first
// 16 bytes of the decoded ciphertext, then strict PKCS#7 unpadding.
func Decrypt(ciphertextB64, encryptKey string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad base64: %v", ErrDecryptionFailed, err)
	}
	if len(raw) < aes.BlockSize*2 || len(raw)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrDecryptionFailed, len(raw))
	}

	key := sha256.Sum256([]byte(encryptKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	iv, data := raw[:aes.BlockSize], raw[aes.BlockSize:]
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)

	return pkcs7Unpad(out)
}

// Encrypt is the inverse of Decrypt. The daemon itself never encrypts for the
// platform, but keeping both directions in one place makes the wire contract
// testable bit-for-bit.
func Encrypt(plaintext []byte, encryptKey string, iv []byte) (string, error) {
	if len(iv) != aes.BlockSize {
		return "", fmt.Errorf("iv must be %d bytes", aes.BlockSize)
	}
	key := sha256.Sum256([]byte(encryptKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", err
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(iv)+len(padded))
	copy(out, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[len(iv):], padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	padded := make([]byte, len(b)+n)
	copy(padded, b)
	for i := len(b); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrDecryptionFailed)
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", ErrDecryptionFailed)
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrDecryptionFailed)
		}
	}
	return b[:len(b)-n], nil
}
