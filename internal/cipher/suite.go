package cipher

import (
	"encoding/base64"
	"fmt"
)

// 加密模式
const (
	ModeXChaCha = "xchacha20"
	ModeAge     = "age"
)

// Options 摘要与加密配置，密钥为 base64 编码
type Options struct {
	DigestEnabled     bool     `mapstructure:"digest_enabled"`
	DigestKey         string   `mapstructure:"digest_key"`
	EncryptionEnabled bool     `mapstructure:"encryption_enabled"`
	Mode              string   `mapstructure:"mode"`
	EncryptionKey     string   `mapstructure:"encryption_key"`
	AgeIdentity       string   `mapstructure:"age_identity"`
	AgeRecipients     []string `mapstructure:"age_recipients"`
	Compression       bool     `mapstructure:"compression"`
}

// Suite 注册中心使用的摘要器与加密器，初始化后只读
type Suite struct {
	Digester  Digester
	Encrypter Encrypter
}

// Noop 不摘要、不加密
func Noop() *Suite {
	return &Suite{Digester: NoopDigester(), Encrypter: NoopEncrypter()}
}

// New 按配置构建，配置不完整时报错而非降级为明文
func New(opts Options) (*Suite, error) {
	suite := Noop()

	if opts.DigestEnabled {
		key, err := decodeKey("digest_key", opts.DigestKey)
		if err != nil {
			return nil, err
		}
		if suite.Digester, err = NewDigester(key); err != nil {
			return nil, err
		}
	}

	if opts.EncryptionEnabled {
		var err error
		switch opts.Mode {
		case "", ModeXChaCha:
			var key []byte
			if key, err = decodeKey("encryption_key", opts.EncryptionKey); err != nil {
				return nil, err
			}
			suite.Encrypter, err = NewXChaCha(key)
		case ModeAge:
			suite.Encrypter, err = NewAge(opts.AgeIdentity, opts.AgeRecipients)
		default:
			err = fmt.Errorf("%w: 未知的加密模式 %q", ErrCipher, opts.Mode)
		}
		if err != nil {
			return nil, err
		}
	}

	if opts.Compression {
		var err error
		if suite.Encrypter, err = WithCompression(suite.Encrypter); err != nil {
			return nil, err
		}
	}
	return suite, nil
}

func decodeKey(name, value string) ([]byte, error) {
	if value == "" {
		return nil, fmt.Errorf("%w: 未配置 %s", ErrCipher, name)
	}
	key, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s 不是合法的 base64: %v", ErrCipher, name, err)
	}
	return key, nil
}
