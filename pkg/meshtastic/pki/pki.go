// Package pki implements the Curve25519 + AES-CCM scheme Meshtastic uses for
// public-key encrypted direct messages.
package pki

import (
	"crypto/aes"
	"crypto/ecdh"
	cryptoRand "crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	mathRand "math/rand/v2"

	"github.com/pion/dtls/v3/pkg/crypto/ccm"
	"golang.org/x/crypto/curve25519"
)

const (
	KeySize = 32
	// Overhead is the bytes added to a plaintext: the 8 byte tag and the
	// 4 byte extra nonce.
	Overhead = 12

	tagSize   = 8
	nonceSize = 13
)

var (
	ErrKeySize    = errors.New("pki keys must be 32 bytes")
	ErrShortInput = errors.New("pki ciphertext too short")
)

// KeyPair is the relay's own X25519 identity.
type KeyPair struct {
	Public  []byte
	Private []byte
}

func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdh.X25519().GenerateKey(cryptoRand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: priv.PublicKey().Bytes(), Private: priv.Bytes()}, nil
}

// ParsePrivateKey decodes a base64 private key and derives its public half.
func ParsePrivateKey(s string) (*KeyPair, error) {
	priv, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	return NewKeyPair(priv)
}

func NewKeyPair(priv []byte) (*KeyPair, error) {
	if len(priv) != KeySize {
		return nil, ErrKeySize
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	return &KeyPair{Public: pub, Private: append([]byte(nil), priv...)}, nil
}

// Nonce builds the 128-bit packet nonce: the packet id as a little endian
// uint64, then the sender. A non-zero extra nonce replaces the upper half of
// the packet id.
func Nonce(packetID, fromNode, extraNonce uint32) []byte {
	nonce := make([]byte, 16)
	binary.LittleEndian.PutUint64(nonce[0:], uint64(packetID))
	binary.LittleEndian.PutUint32(nonce[8:], fromNode)
	if extraNonce != 0 {
		binary.LittleEndian.PutUint32(nonce[4:], extraNonce)
	}
	return nonce
}

func (k *KeyPair) ccm(peer []byte) (ccm.CCM, error) {
	if len(k.Private) != KeySize || len(peer) != KeySize {
		return nil, ErrKeySize
	}
	shared, err := curve25519.X25519(k.Private, peer)
	if err != nil {
		return nil, fmt.Errorf("shared key: %w", err)
	}
	key := sha256.Sum256(shared)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return ccm.NewCCM(block, tagSize, nonceSize)
}

// Encrypt seals text for peer. The output carries the extra nonce in its
// last four bytes.
func (k *KeyPair) Encrypt(text, peer []byte, packetID, fromNode uint32) ([]byte, error) {
	c, err := k.ccm(peer)
	if err != nil {
		return nil, err
	}
	// only needs to be unique, not secret; zero would disable it
	extra := mathRand.Uint32N(1<<31-1) + 1
	out := c.Seal(nil, Nonce(packetID, fromNode, extra)[:nonceSize], text, nil)
	return binary.LittleEndian.AppendUint32(out, extra), nil
}

// Decrypt opens a payload produced by peer's Encrypt.
func (k *KeyPair) Decrypt(text, peer []byte, packetID, fromNode uint32) ([]byte, error) {
	if len(text) < Overhead {
		return nil, ErrShortInput
	}
	c, err := k.ccm(peer)
	if err != nil {
		return nil, err
	}
	n := len(text) - 4
	extra := binary.LittleEndian.Uint32(text[n:])
	return c.Open(nil, Nonce(packetID, fromNode, extra)[:nonceSize], text[:n], nil)
}
