package cipher

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// negotiationInfo binds derived keys to this protocol version. Bumping
// it invalidates interop with older peers on the AEAD suite.
const negotiationInfo = "sysguard-transport-v1"

// Negotiate runs an unauthenticated X25519 exchange over rw and
// returns an AEAD cipher keyed with the derived shared secret. Both
// ends call it; the exchange is symmetric (each side writes its
// ephemeral public key, then reads the peer's).
//
// The exchange authenticates nothing by itself — session credentials
// are still checked by the auth layer after the channel is up.
func Negotiate(rw io.ReadWriter) (*AEAD, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("cipher: ephemeral key: %w", err)
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("cipher: ephemeral public key: %w", err)
	}

	// Send and receive concurrently: both ends write first, so a
	// synchronous transport would deadlock on a sequential exchange.
	sendErr := make(chan error, 1)
	go func() {
		_, err := rw.Write(pub)
		sendErr <- err
	}()
	peer := make([]byte, 32)
	if _, err := io.ReadFull(rw, peer); err != nil {
		return nil, fmt.Errorf("cipher: read peer public key: %w", err)
	}
	if err := <-sendErr; err != nil {
		return nil, fmt.Errorf("cipher: send public key: %w", err)
	}

	shared, err := curve25519.X25519(priv[:], peer)
	if err != nil {
		return nil, fmt.Errorf("cipher: shared secret: %w", err)
	}

	key, err := deriveKey(shared, pub, peer)
	if err != nil {
		return nil, err
	}
	return NewAEAD(key)
}

// deriveKey expands the raw shared secret into a symmetric key via
// HKDF-SHA256. The salt concatenates both public keys in lexicographic
// order so the two sides derive identically regardless of who wrote
// first.
func deriveKey(shared, ownPub, peerPub []byte) ([]byte, error) {
	lo, hi := ownPub, peerPub
	if bytes.Compare(lo, hi) > 0 {
		lo, hi = hi, lo
	}
	salt := make([]byte, 0, len(lo)+len(hi))
	salt = append(salt, lo...)
	salt = append(salt, hi...)

	r := hkdf.New(sha256.New, shared, salt, []byte(negotiationInfo))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("cipher: key derivation: %w", err)
	}
	return key, nil
}
