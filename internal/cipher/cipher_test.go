package cipher

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"

	"filippo.io/age"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = bytes.Repeat([]byte{0x42}, KeySize)

func TestDigester_Stable(t *testing.T) {
	d1, err := NewDigester(testKey)
	require.NoError(t, err)
	d2, err := NewDigester(append([]byte(nil), testKey...))
	require.NoError(t, err)

	a, err := d1.Digest("TGT-1-abc")
	require.NoError(t, err)
	b, err := d2.Digest("TGT-1-abc")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, "TGT-1-abc", a)
	assert.Len(t, a, 64)

	other, err := NewDigester(bytes.Repeat([]byte{0x43}, KeySize))
	require.NoError(t, err)
	c, _ := other.Digest("TGT-1-abc")
	assert.NotEqual(t, a, c)

	empty, err := d1.Digest("")
	require.NoError(t, err)
	assert.Len(t, empty, 64)
}

func TestDigester_Domain(t *testing.T) {
	d, err := NewDigester(testKey)
	require.NoError(t, err)

	a, _ := d.Digest("alice")
	b, _ := WithDomain(d, "principal").Digest("alice")
	assert.NotEqual(t, a, b)

	assert.Equal(t, NoopDigester(), WithDomain(NoopDigester(), "principal"))

	// 域标签与值的拼接不能互相冒充
	joined, _ := d.Digest("principalX")
	split, _ := WithDomain(d, "principal").Digest("X")
	assert.NotEqual(t, joined, split)

	shifted, _ := WithDomain(d, "princ").Digest("ipalX")
	assert.NotEqual(t, split, shifted)
}

func TestNewDigester_ShortKey(t *testing.T) {
	_, err := NewDigester([]byte("short"))
	assert.ErrorIs(t, err, ErrCipher)
}

// Property: 摘要稳定性
// *For any* 字符串 x，digest(x) == digest(x) 且 digest(x) != x
func TestProperty_DigestStability(t *testing.T) {
	d, err := NewDigester(testKey)
	require.NoError(t, err)

	properties := gopter.NewProperties(nil)
	properties.Property("摘要确定且不等于原文", prop.ForAll(
		func(x string) bool {
			a, err1 := d.Digest(x)
			b, err2 := d.Digest(x)
			return err1 == nil && err2 == nil && a == b && a != x
		},
		gen.AnyString(),
	))
	properties.TestingRun(t)
}

func TestXChaCha_RoundTrip(t *testing.T) {
	e, err := NewXChaCha(testKey)
	require.NoError(t, err)

	plaintext := []byte(`{"id":"TGT-1"}`)
	blob, err := e.Encrypt(plaintext, []byte("key-1"))
	require.NoError(t, err)
	assert.Equal(t, BlobVersion, blob[0])
	assert.False(t, bytes.Contains(blob, plaintext))

	out, err := e.Decrypt(blob, []byte("key-1"))
	require.NoError(t, err)
	assert.Equal(t, plaintext, out)

	again, err := e.Encrypt(plaintext, []byte("key-1"))
	require.NoError(t, err)
	assert.NotEqual(t, blob, again)
}

func TestXChaCha_FailsClosed(t *testing.T) {
	e, err := NewXChaCha(testKey)
	require.NoError(t, err)
	blob, err := e.Encrypt([]byte("payload"), []byte("key-1"))
	require.NoError(t, err)

	_, err = e.Decrypt(blob, []byte("key-2"))
	assert.ErrorIs(t, err, ErrCipher)

	tampered := append([]byte(nil), blob...)
	tampered[len(tampered)-1] ^= 0xff
	_, err = e.Decrypt(tampered, []byte("key-1"))
	assert.ErrorIs(t, err, ErrCipher)

	badVersion := append([]byte(nil), blob...)
	badVersion[0] = 0x09
	_, err = e.Decrypt(badVersion, []byte("key-1"))
	assert.ErrorIs(t, err, ErrCipher)

	_, err = e.Decrypt([]byte("short"), []byte("key-1"))
	assert.ErrorIs(t, err, ErrCipher)

	wrongKey, err := NewXChaCha(bytes.Repeat([]byte{0x01}, KeySize))
	require.NoError(t, err)
	_, err = wrongKey.Decrypt(blob, []byte("key-1"))
	assert.ErrorIs(t, err, ErrCipher)
}

func TestAge_RoundTrip(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	e, err := NewAge(identity.String(), nil)
	require.NoError(t, err)

	blob, err := e.Encrypt([]byte("payload"), []byte("key-1"))
	require.NoError(t, err)

	out, err := e.Decrypt(blob, []byte("key-1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), out)

	_, err = e.Decrypt(blob, []byte("key-2"))
	assert.ErrorIs(t, err, ErrCipher)

	other, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	e2, err := NewAge(other.String(), nil)
	require.NoError(t, err)
	_, err = e2.Decrypt(blob, []byte("key-1"))
	assert.ErrorIs(t, err, ErrCipher)
}

func TestCompression(t *testing.T) {
	inner, err := NewXChaCha(testKey)
	require.NoError(t, err)
	e, err := WithCompression(inner)
	require.NoError(t, err)

	compressible := []byte(strings.Repeat(`{"service":"https://app.example.org"},`, 50))
	blob, err := e.Encrypt(compressible, nil)
	require.NoError(t, err)
	assert.Less(t, len(blob), len(compressible))

	out, err := e.Decrypt(blob, nil)
	require.NoError(t, err)
	assert.Equal(t, compressible, out)

	plain, err := WithCompression(NoopEncrypter())
	require.NoError(t, err)
	framed, err := plain.Encrypt([]byte("x"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{frameRaw, 'x'}, framed)
}

func TestNew(t *testing.T) {
	key := base64.StdEncoding.EncodeToString(testKey)

	suite, err := New(Options{})
	require.NoError(t, err)
	id, _ := suite.Digester.Digest("TGT-1")
	assert.Equal(t, "TGT-1", id)

	suite, err = New(Options{DigestEnabled: true, DigestKey: key, EncryptionEnabled: true, EncryptionKey: key, Compression: true})
	require.NoError(t, err)
	id, _ = suite.Digester.Digest("TGT-1")
	assert.NotEqual(t, "TGT-1", id)

	_, err = New(Options{DigestEnabled: true})
	assert.ErrorIs(t, err, ErrCipher)
	_, err = New(Options{EncryptionEnabled: true, EncryptionKey: "%%%"})
	assert.ErrorIs(t, err, ErrCipher)
	_, err = New(Options{EncryptionEnabled: true, Mode: "rot13"})
	assert.ErrorIs(t, err, ErrCipher)
	_, err = New(Options{EncryptionEnabled: true, Mode: ModeAge, AgeIdentity: "bogus"})
	assert.ErrorIs(t, err, ErrCipher)
}
