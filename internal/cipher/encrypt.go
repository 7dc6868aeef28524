package cipher

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"filippo.io/age"
	"golang.org/x/crypto/chacha20poly1305"
)

// BlobVersion 密文格式版本，参与 AEAD 认证
const BlobVersion byte = 0x01

// BlobOverhead 每条密文的额外开销：版本 + nonce + tag
const BlobOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// Encrypter 可逆加密
// associated 绑定存储键，防止密文在记录间被替换
type Encrypter interface {
	Encrypt(plaintext, associated []byte) ([]byte, error)
	Decrypt(ciphertext, associated []byte) ([]byte, error)
}

type noopEncrypter struct{}

// NoopEncrypter 不加密
func NoopEncrypter() Encrypter { return noopEncrypter{} }

func (noopEncrypter) Encrypt(plaintext, _ []byte) ([]byte, error) { return plaintext, nil }
func (noopEncrypter) Decrypt(ciphertext, _ []byte) ([]byte, error) { return ciphertext, nil }

// xchachaEncrypter XChaCha20-Poly1305
//
//	[版本: 1 字节] [Nonce: 24 字节] [密文+Tag]
type xchachaEncrypter struct {
	key []byte
}

// NewXChaCha 由主密钥派生载荷加密密钥
func NewXChaCha(masterKey []byte) (Encrypter, error) {
	if len(masterKey) < KeySize {
		return nil, fmt.Errorf("%w: 加密密钥长度不足 %d 字节", ErrCipher, KeySize)
	}
	key, err := deriveKey(masterKey, hkdfInfoEncryption)
	if err != nil {
		return nil, err
	}
	return &xchachaEncrypter{key: key}, nil
}

func (e *xchachaEncrypter) Encrypt(plaintext, associated []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCipher, err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("%w: 生成 nonce 失败: %v", ErrCipher, err)
	}

	output := make([]byte, 1+chacha20poly1305.NonceSizeX, 1+chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	output[0] = BlobVersion
	copy(output[1:], nonce[:])
	return aead.Seal(output, nonce[:], plaintext, buildAAD(BlobVersion, associated)), nil
}

func (e *xchachaEncrypter) Decrypt(blob, associated []byte) ([]byte, error) {
	if len(blob) < BlobOverhead {
		return nil, fmt.Errorf("%w: 密文长度 %d 小于最小值 %d", ErrCipher, len(blob), BlobOverhead)
	}
	if blob[0] != BlobVersion {
		return nil, fmt.Errorf("%w: 不支持的密文版本 %d", ErrCipher, blob[0])
	}

	aead, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCipher, err)
	}
	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, blob[1+chacha20poly1305.NonceSizeX:], buildAAD(blob[0], associated))
	if err != nil {
		return nil, fmt.Errorf("%w: 认证失败（密钥错误、数据被篡改或存储键不匹配）", ErrCipher)
	}
	return plaintext, nil
}

func buildAAD(version byte, associated []byte) []byte {
	aad := make([]byte, 1+len(associated))
	aad[0] = version
	copy(aad[1:], associated)
	return aad
}

// ageEncrypter age X25519 加密
// age 不支持附加认证数据，存储键以长度前缀写入明文并在解密时校验
type ageEncrypter struct {
	identity   *age.X25519Identity
	recipients []age.Recipient
}

// NewAge 使用 age 身份解密，加密接收方为身份本身与额外接收方
func NewAge(identity string, extraRecipients []string) (Encrypter, error) {
	id, err := age.ParseX25519Identity(identity)
	if err != nil {
		return nil, fmt.Errorf("%w: 解析 age 身份失败: %v", ErrCipher, err)
	}
	recipients := []age.Recipient{id.Recipient()}
	for _, key := range extraRecipients {
		r, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("%w: 解析 age 接收方 %q 失败: %v", ErrCipher, key, err)
		}
		recipients = append(recipients, r)
	}
	return &ageEncrypter{identity: id, recipients: recipients}, nil
}

func (e *ageEncrypter) Encrypt(plaintext, associated []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, e.recipients...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCipher, err)
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(associated)))
	for _, chunk := range [][]byte{header[:], associated, plaintext} {
		if _, err := w.Write(chunk); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCipher, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCipher, err)
	}
	return buf.Bytes(), nil
}

func (e *ageEncrypter) Decrypt(ciphertext, associated []byte) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), e.identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCipher, err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCipher, err)
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: 明文格式无效", ErrCipher)
	}
	n := int(binary.BigEndian.Uint32(data[:4]))
	if len(data) < 4+n || !bytes.Equal(data[4:4+n], associated) {
		return nil, fmt.Errorf("%w: 存储键不匹配", ErrCipher)
	}
	return data[4+n:], nil
}
