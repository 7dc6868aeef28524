package repository

import (
	"context"
	"iter"
	"sync"

	"github.com/pu-ac-cn/uac-sso/internal/model"
)

// memoryTicketRepository 进程内存储，用于单节点部署与测试
// 每条记录的原子性由 sync.Map 的 CompareAndSwap/LoadAndDelete 保证，没有全局锁
type memoryTicketRepository struct {
	records sync.Map // storageName + "\x00" + key -> *model.TicketRecord
}

// NewMemoryTicketRepository 创建内存后端
func NewMemoryTicketRepository() TicketRepository {
	return &memoryTicketRepository{}
}

func memoryKey(storageName, key string) string {
	return storageName + "\x00" + key
}

func (r *memoryTicketRepository) Insert(ctx context.Context, rec *model.TicketRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stored := rec.Clone()
	stored.Version = 1
	if _, loaded := r.records.LoadOrStore(memoryKey(rec.StorageName, rec.Key), stored); loaded {
		return ErrRecordExists
	}
	rec.Version = 1
	return nil
}

func (r *memoryTicketRepository) Find(ctx context.Context, storageName, key string) (*model.TicketRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, ok := r.records.Load(memoryKey(storageName, key))
	if !ok {
		return nil, ErrRecordNotFound
	}
	return v.(*model.TicketRecord).Clone(), nil
}

func (r *memoryTicketRepository) Take(ctx context.Context, storageName, key string) (*model.TicketRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, ok := r.records.LoadAndDelete(memoryKey(storageName, key))
	if !ok {
		return nil, ErrRecordNotFound
	}
	return v.(*model.TicketRecord), nil
}

func (r *memoryTicketRepository) CompareAndSwap(ctx context.Context, rec *model.TicketRecord, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k := memoryKey(rec.StorageName, rec.Key)
	v, ok := r.records.Load(k)
	if !ok {
		return ErrRecordNotFound
	}
	current := v.(*model.TicketRecord)
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}

	next := rec.Clone()
	next.Version = expectedVersion + 1
	if !r.records.CompareAndSwap(k, current, next) {
		if _, still := r.records.Load(k); !still {
			return ErrRecordNotFound
		}
		return ErrVersionConflict
	}
	rec.Version = next.Version
	return nil
}

func (r *memoryTicketRepository) CompareAndDelete(ctx context.Context, storageName, key string, expectedVersion int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	k := memoryKey(storageName, key)
	v, ok := r.records.Load(k)
	if !ok || v.(*model.TicketRecord).Version != expectedVersion {
		return false, nil
	}
	return r.records.CompareAndDelete(k, v), nil
}

func (r *memoryTicketRepository) Delete(ctx context.Context, storageName, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if _, ok := r.records.LoadAndDelete(memoryKey(storageName, key)); ok {
		return 1, nil
	}
	return 0, nil
}

func (r *memoryTicketRepository) DeleteAll(ctx context.Context) (int64, error) {
	var count int64
	r.records.Range(func(k, _ any) bool {
		if ctx.Err() != nil {
			return false
		}
		if _, ok := r.records.LoadAndDelete(k); ok {
			count++
		}
		return true
	})
	return count, ctx.Err()
}

func (r *memoryTicketRepository) Scan(ctx context.Context, filter ScanFilter) iter.Seq2[*model.TicketRecord, error] {
	return func(yield func(*model.TicketRecord, error) bool) {
		r.records.Range(func(_, v any) bool {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return false
			}
			rec := v.(*model.TicketRecord)
			if !filter.matches(rec) {
				return true
			}
			return yield(rec.Clone(), nil)
		})
	}
}

func (r *memoryTicketRepository) Count(ctx context.Context, storageName string) (int64, error) {
	var count int64
	r.records.Range(func(_, v any) bool {
		if v.(*model.TicketRecord).StorageName == storageName {
			count++
		}
		return ctx.Err() == nil
	})
	return count, ctx.Err()
}
