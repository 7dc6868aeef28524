package cipher

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// 压缩标记，位于加密前的明文首字节
const (
	frameRaw  byte = 0x00
	frameZstd byte = 0x01
)

// compressingEncrypter 先压缩后加密
type compressingEncrypter struct {
	inner   Encrypter
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// WithCompression 包装加密器，载荷先经 zstd 压缩，压缩无收益时保留原文
func WithCompression(inner Encrypter) (Encrypter, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("初始化 zstd 编码器失败: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("初始化 zstd 解码器失败: %w", err)
	}
	return &compressingEncrypter{inner: inner, encoder: encoder, decoder: decoder}, nil
}

func (e *compressingEncrypter) Encrypt(plaintext, associated []byte) ([]byte, error) {
	framed := make([]byte, 1, len(plaintext)+1)
	compressed := e.encoder.EncodeAll(plaintext, nil)
	if len(compressed) < len(plaintext) {
		framed[0] = frameZstd
		framed = append(framed, compressed...)
	} else {
		framed[0] = frameRaw
		framed = append(framed, plaintext...)
	}
	return e.inner.Encrypt(framed, associated)
}

func (e *compressingEncrypter) Decrypt(ciphertext, associated []byte) ([]byte, error) {
	framed, err := e.inner.Decrypt(ciphertext, associated)
	if err != nil {
		return nil, err
	}
	if len(framed) == 0 {
		return nil, fmt.Errorf("%w: 空载荷", ErrCipher)
	}
	switch framed[0] {
	case frameRaw:
		return framed[1:], nil
	case frameZstd:
		out, err := e.decoder.DecodeAll(framed[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd 解压失败: %v", ErrCipher, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: 未知的压缩标记 %d", ErrCipher, framed[0])
	}
}
