package repository

import (
	"context"
	"errors"
	"iter"

	"github.com/pu-ac-cn/uac-sso/internal/model"
)

var (
	ErrRecordNotFound  = errors.New("票据记录不存在")
	ErrRecordExists    = errors.New("票据记录已存在")
	ErrVersionConflict = errors.New("票据记录版本冲突")
)

// TicketRepository 票据存储后端契约
//
// 每条记录由 (StorageName, Key) 唯一确定。所有写操作在单条记录上原子，
// 不同记录之间互不阻塞。
type TicketRepository interface {
	// Insert 插入新记录，键已存在返回 ErrRecordExists；成功后 rec.Version 为 1
	Insert(ctx context.Context, rec *model.TicketRecord) error
	// Find 按键读取
	Find(ctx context.Context, storageName, key string) (*model.TicketRecord, error)
	// Take 原子地读取并删除，并发调用中只有一个能拿到记录
	Take(ctx context.Context, storageName, key string) (*model.TicketRecord, error)
	// CompareAndSwap 版本一致时覆盖，成功后 rec.Version 为 expectedVersion+1
	CompareAndSwap(ctx context.Context, rec *model.TicketRecord, expectedVersion int64) error
	// CompareAndDelete 版本一致时删除，返回是否删除
	CompareAndDelete(ctx context.Context, storageName, key string, expectedVersion int64) (bool, error)
	// Delete 无条件删除，返回删除条数，不存在时为 0
	Delete(ctx context.Context, storageName, key string) (int64, error)
	// DeleteAll 清空全部记录
	DeleteAll(ctx context.Context) (int64, error)
	// Scan 按条件流式遍历，单遍消费
	Scan(ctx context.Context, filter ScanFilter) iter.Seq2[*model.TicketRecord, error]
	// Count 统计某存储位置的记录数
	Count(ctx context.Context, storageName string) (int64, error)
}

// ScanFilter 遍历条件，零值表示不过滤
type ScanFilter struct {
	StorageNames    []string
	PrincipalDigest string
	// Attributes 键间 AND、键内 OR，值为摘要后的值
	Attributes map[string][]string
}

func (f ScanFilter) matches(rec *model.TicketRecord) bool {
	if len(f.StorageNames) > 0 && !containsString(f.StorageNames, rec.StorageName) {
		return false
	}
	if f.PrincipalDigest != "" && rec.PrincipalDigest != f.PrincipalDigest {
		return false
	}
	return rec.MatchesAttributes(f.Attributes)
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
