// Package cipher 票据 ID 摘要与载荷加密
package cipher

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"
)

// KeySize 对称密钥长度
const KeySize = 32

// ErrCipher 密钥不可用或解密失败，一律失败关闭，不回退明文
var ErrCipher = errors.New("票据加解密失败")

// HKDF info，用于派生不同用途的子密钥
var (
	hkdfInfoDigest     = []byte("uac-sso.registry.digest.v1")
	hkdfInfoEncryption = []byte("uac-sso.registry.payload.v1")
)

// Digester 单向确定性摘要，用于存储键与查询字段
type Digester interface {
	Digest(value string) (string, error)
}

type noopDigester struct{}

// NoopDigester 不做变换
func NoopDigester() Digester { return noopDigester{} }

func (noopDigester) Digest(value string) (string, error) { return value, nil }

// keyedDigester BLAKE3 keyed hash
type keyedDigester struct {
	key    []byte
	domain []byte
}

// NewDigester 由主密钥派生摘要密钥
// domain 用于区分不同字段，防止票据 ID 与主体 ID 的摘要互相碰撞
func NewDigester(masterKey []byte) (Digester, error) {
	if len(masterKey) < 16 {
		return nil, fmt.Errorf("%w: 摘要密钥长度不足 16 字节", ErrCipher)
	}
	key, err := deriveKey(masterKey, hkdfInfoDigest)
	if err != nil {
		return nil, err
	}
	return &keyedDigester{key: key}, nil
}

// Digest 空字符串同样输出摘要；域标签前写入长度，避免与值拼接后产生歧义
func (d *keyedDigester) Digest(value string) (string, error) {
	hasher, err := blake3.NewKeyed(d.key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCipher, err)
	}
	hasher.Write(binary.BigEndian.AppendUint32(nil, uint32(len(d.domain))))
	hasher.Write(d.domain)
	hasher.Write([]byte(value))
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// WithDomain 返回使用独立域标签的摘要器
func WithDomain(d Digester, domain string) Digester {
	kd, ok := d.(*keyedDigester)
	if !ok {
		return d
	}
	return &keyedDigester{key: kd.key, domain: []byte(domain)}
}

func deriveKey(inputKeyMaterial, info []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, inputKeyMaterial, nil, info)
	derived := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, fmt.Errorf("%w: HKDF 派生失败: %v", ErrCipher, err)
	}
	return derived, nil
}
