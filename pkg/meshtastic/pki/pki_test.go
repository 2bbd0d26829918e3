package pki

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// vectors from the firmware crypto tests
const (
	vecFromNode = uint32(0x0929)
	vecPacketID = uint32(0x13b2d662)
)

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

var (
	vecPublic    = mustHex("db18fc50eea47f00251cb784819a3cf5fc361882597f589f0d7ff820e8064457")
	vecPrivate   = mustHex("a00330633e63522f8a4d81ec6d9d1e6617f6c8ffd3a4c698229537d44e522277")
	vecPlaintext = mustHex("08011204746573744800")
	vecRadio     = mustHex("8c646d7a2909000062d6b2136b00000040df24abfcc30a17a3d9046726099e796a1c036a792b")
	vecNonce     = mustHex("62d6b213036a792b2909000000")
)

func TestNonce(t *testing.T) {
	extra := binary.LittleEndian.Uint32(vecRadio[len(vecRadio)-4:])
	nonce := Nonce(vecPacketID, vecFromNode, extra)
	require.Len(t, nonce, 16)
	assert.Equal(t, vecNonce, nonce[:nonceSize])
}

func TestDecryptFirmwareVector(t *testing.T) {
	k := &KeyPair{Private: vecPrivate}
	got, err := k.Decrypt(vecRadio[16:], vecPublic, vecPacketID, vecFromNode)
	require.NoError(t, err)
	assert.Equal(t, vecPlaintext, got)
}

func TestEncryptRoundTrip(t *testing.T) {
	k := &KeyPair{Private: vecPrivate}
	sealed, err := k.Encrypt(vecPlaintext, vecPublic, vecPacketID, vecFromNode)
	require.NoError(t, err)
	assert.Len(t, sealed, len(vecPlaintext)+Overhead)

	got, err := k.Decrypt(sealed, vecPublic, vecPacketID, vecFromNode)
	require.NoError(t, err)
	assert.Equal(t, vecPlaintext, got)

	sealed[0] ^= 0xff
	_, err = k.Decrypt(sealed, vecPublic, vecPacketID, vecFromNode)
	assert.Error(t, err)
}

func TestKeyPairsAgree(t *testing.T) {
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)

	sealed, err := alice.Encrypt([]byte("meet at the tower"), bob.Public, 42, 0xa1b2c3d4)
	require.NoError(t, err)
	got, err := bob.Decrypt(sealed, alice.Public, 42, 0xa1b2c3d4)
	require.NoError(t, err)
	assert.Equal(t, "meet at the tower", string(got))
}

func TestParsePrivateKey(t *testing.T) {
	gen, err := GenerateKeyPair()
	require.NoError(t, err)

	k, err := ParsePrivateKey(base64.StdEncoding.EncodeToString(gen.Private))
	require.NoError(t, err)
	assert.Equal(t, gen.Public, k.Public)

	_, err = ParsePrivateKey(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.ErrorIs(t, err, ErrKeySize)
	_, err = ParsePrivateKey("not base64!")
	assert.Error(t, err)
}

func TestBadInputs(t *testing.T) {
	k := &KeyPair{Private: vecPrivate}
	_, err := k.Decrypt([]byte{1, 2, 3}, vecPublic, 1, 1)
	assert.ErrorIs(t, err, ErrShortInput)
	_, err = k.Encrypt([]byte("x"), []byte{1}, 1, 1)
	assert.ErrorIs(t, err, ErrKeySize)
}
