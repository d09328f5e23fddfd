// Package cipher protects session payloads in transit.
//
// Two implementations share one contract:
//
//   - Stream: the legacy repeating-key XOR obfuscation layer,
//     byte-compatible with existing peers. This is not encryption in
//     any meaningful sense and exists only for interoperability.
//   - AEAD: ChaCha20-Poly1305 with a per-message random nonce,
//     combined with an X25519 key negotiation (Negotiate/Accept) so
//     both ends derive the key without shipping it.
//
// Which suite a server speaks is a configuration concern; the Session
// only sees the Cipher interface.
package cipher

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the symmetric key length in bytes for both suites.
const KeySize = 32

// Cipher is the payload protection contract: Decrypt(Encrypt(p)) == p
// for every payload p, including empty and non-UTF8 byte sequences.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// NewKey draws a fresh random symmetric key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("cipher: key generation: %w", err)
	}
	return key, nil
}

// Stream is the legacy byte-wise XOR cipher. Encrypt and Decrypt are
// the same operation; both are total and never fail.
type Stream struct {
	key []byte
}

// NewStream builds a Stream cipher over key.
func NewStream(key []byte) (*Stream, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("cipher: stream key must be %d bytes, got %d", KeySize, len(key))
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &Stream{key: k}, nil
}

func (s *Stream) xor(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ s.key[i%KeySize]
	}
	return out
}

func (s *Stream) Encrypt(plaintext []byte) ([]byte, error)  { return s.xor(plaintext), nil }
func (s *Stream) Decrypt(ciphertext []byte) ([]byte, error) { return s.xor(ciphertext), nil }

// AEAD wraps ChaCha20-Poly1305. Ciphertexts carry their nonce as a
// 12-byte prefix; Decrypt fails on tampered or foreign-key input.
type AEAD struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

// NewAEAD builds an AEAD cipher over a 32-byte key.
func NewAEAD(key []byte) (*AEAD, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: aead init: %w", err)
	}
	return &AEAD{aead: aead}, nil
}

func (a *AEAD) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cipher: nonce: %w", err)
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+chacha20poly1305.Overhead)
	out = append(out, nonce...)
	return a.aead.Seal(out, nonce, plaintext, nil), nil
}

func (a *AEAD) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("cipher: ciphertext too short: %d bytes", len(ciphertext))
	}
	nonce := ciphertext[:chacha20poly1305.NonceSize]
	plaintext, err := a.aead.Open(nil, nonce, ciphertext[chacha20poly1305.NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("cipher: open failed: wrong key or tampered ciphertext")
	}
	return plaintext, nil
}
