// Package idgen 票据 ID 生成
//
// 格式：<前缀>-<序列>-<随机串>[-<节点后缀>]
//   - 序列：sonyflake 单调 ID 经 hashids 编码，保证集群内唯一
//   - 随机串：crypto/rand 独立生成，与序列无关，无法由序列推导
//   - 节点后缀：可选，标识签发节点
//
// 总长度不超过 MaxLength，可直接作为 varchar(255) 主键
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sony/sonyflake"
	"github.com/speps/go-hashids"
	"github.com/zeebo/blake3"
)

const (
	// MaxLength ID 最大长度
	MaxLength = 255
	// MaxPrefixLength 前缀最大长度
	MaxPrefixLength = 16
	// MaxNodeSuffixLength 节点后缀最大长度
	MaxNodeSuffixLength = 32
	// DefaultRandomLength 随机串默认字节数（十六进制编码后 48 个字符）
	DefaultRandomLength = 24
	// MaxRandomLength 随机串最大字节数
	MaxRandomLength = 64
)

var (
	ErrInvalidPrefix = errors.New("票据前缀无效")
	ErrGenerate      = errors.New("票据 ID 生成失败")
)

// Options 生成器配置
type Options struct {
	// RandomLength 随机串字节数
	RandomLength int `mapstructure:"random_length"`
	// NodeSuffix 节点后缀，为空则不追加
	NodeSuffix string `mapstructure:"node_suffix"`
	// Salt hashids 盐值
	Salt string `mapstructure:"salt"`
	// NodeID 计算 sonyflake 机器号的种子，为空时使用主机名
	NodeID string `mapstructure:"node_id"`
}

// Generator 票据 ID 生成器，并发安全
type Generator struct {
	flake        *sonyflake.Sonyflake
	hash         *hashids.HashID
	randomLength int
	suffix       string
}

// New 创建生成器
func New(opts Options) (*Generator, error) {
	if opts.RandomLength == 0 {
		opts.RandomLength = DefaultRandomLength
	}
	if opts.RandomLength < 16 || opts.RandomLength > MaxRandomLength {
		return nil, fmt.Errorf("随机串长度必须在 16 到 %d 字节之间", MaxRandomLength)
	}
	if len(opts.NodeSuffix) > MaxNodeSuffixLength || strings.Contains(opts.NodeSuffix, "-") {
		return nil, fmt.Errorf("节点后缀无效: %q", opts.NodeSuffix)
	}

	machineID := machineIDFor(opts.NodeID)
	flake := sonyflake.NewSonyflake(sonyflake.Settings{
		StartTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		MachineID: func() (uint16, error) { return machineID, nil },
	})
	if flake == nil {
		return nil, errors.New("invalid snowflake instance")
	}

	hd := hashids.NewData()
	hd.Salt = opts.Salt
	hd.MinLength = 8
	h, err := hashids.NewWithData(hd)
	if err != nil {
		return nil, err
	}

	return &Generator{
		flake:        flake,
		hash:         h,
		randomLength: opts.RandomLength,
		suffix:       opts.NodeSuffix,
	}, nil
}

// machineIDFor 由节点标识派生 16 位机器号
func machineIDFor(nodeID string) uint16 {
	if nodeID == "" {
		nodeID, _ = os.Hostname()
	}
	sum := blake3.Sum256([]byte(nodeID))
	return uint16(sum[0])<<8 | uint16(sum[1])
}

// Generate 生成带前缀的票据 ID
func (g *Generator) Generate(prefix string) (string, error) {
	if prefix == "" || len(prefix) > MaxPrefixLength || strings.Contains(prefix, "-") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPrefix, prefix)
	}

	seq, err := g.flake.NextID()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGenerate, err)
	}
	encoded, err := g.hash.EncodeInt64([]int64{int64(seq)})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGenerate, err)
	}

	buf := make([]byte, g.randomLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("%w: %v", ErrGenerate, err)
	}

	var sb strings.Builder
	sb.Grow(MaxLength)
	sb.WriteString(prefix)
	sb.WriteByte('-')
	sb.WriteString(encoded)
	sb.WriteByte('-')
	sb.WriteString(hex.EncodeToString(buf))
	if g.suffix != "" {
		sb.WriteByte('-')
		sb.WriteString(g.suffix)
	}

	id := sb.String()
	if len(id) > MaxLength {
		return "", fmt.Errorf("%w: 长度 %d 超过上限", ErrGenerate, len(id))
	}
	return id, nil
}

// Prefix 返回 ID 的前缀部分
func Prefix(id string) string {
	prefix, _, _ := strings.Cut(id, "-")
	return prefix
}
