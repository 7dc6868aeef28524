package repository

import (
	"context"
	"errors"
	"iter"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pu-ac-cn/uac-sso/internal/model"
)

const gormScanBatch = 200

// gormTicketRepository 关系库存储（PostgreSQL / MySQL）
// 并发控制依赖 version 列的条件更新与条件删除
type gormTicketRepository struct {
	db *gorm.DB
}

// NewGormTicketRepository 创建关系库后端
func NewGormTicketRepository(db *gorm.DB) TicketRepository {
	return &gormTicketRepository{db: db}
}

// TicketModels 需要迁移的表
func TicketModels() []interface{} {
	return []interface{}{&model.TicketRecord{}, &model.AttributeIndex{}}
}

func (r *gormTicketRepository) Insert(ctx context.Context, rec *model.TicketRecord) error {
	stored := rec.Clone()
	stored.Version = 1
	for i := range stored.Attributes {
		stored.Attributes[i].ID = 0
		stored.Attributes[i].TicketKey = stored.Key
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Omit("Attributes").Clauses(clause.OnConflict{DoNothing: true}).Create(stored)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrRecordExists
		}
		if len(stored.Attributes) > 0 {
			if err := tx.Create(&stored.Attributes).Error; err != nil {
				return err
			}
		}
		rec.Version = 1
		return nil
	})
}

func (r *gormTicketRepository) Find(ctx context.Context, storageName, key string) (*model.TicketRecord, error) {
	var rec model.TicketRecord
	err := r.db.WithContext(ctx).
		Preload("Attributes").
		Where("id = ? AND storage_name = ?", key, storageName).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Take 读取后按版本删除，删除未命中说明已被其他调用方取走
func (r *gormTicketRepository) Take(ctx context.Context, storageName, key string) (*model.TicketRecord, error) {
	rec, err := r.Find(ctx, storageName, key)
	if err != nil {
		return nil, err
	}
	deleted, err := r.CompareAndDelete(ctx, storageName, key, rec.Version)
	if err != nil {
		return nil, err
	}
	if !deleted {
		return nil, ErrRecordNotFound
	}
	return rec, nil
}

func (r *gormTicketRepository) CompareAndSwap(ctx context.Context, rec *model.TicketRecord, expectedVersion int64) error {
	next := rec.Clone()
	next.Version = expectedVersion + 1

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&model.TicketRecord{}).
			Where("id = ? AND storage_name = ? AND version = ?", next.Key, next.StorageName, expectedVersion).
			Updates(map[string]interface{}{
				"payload":          next.Payload,
				"principal_digest": next.PrincipalDigest,
				"service_digest":   next.ServiceDigest,
				"expire_at":        next.ExpireAt,
				"version":          next.Version,
				"updated_at":       time.Now(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&model.TicketRecord{}).Where("id = ? AND storage_name = ?", next.Key, next.StorageName).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ErrRecordNotFound
			}
			return ErrVersionConflict
		}

		if err := tx.Where("ticket_key = ?", next.Key).Delete(&model.AttributeIndex{}).Error; err != nil {
			return err
		}
		for i := range next.Attributes {
			next.Attributes[i].ID = 0
			next.Attributes[i].TicketKey = next.Key
		}
		if len(next.Attributes) > 0 {
			return tx.Create(&next.Attributes).Error
		}
		return nil
	})
	if err != nil {
		return err
	}
	rec.Version = next.Version
	return nil
}

func (r *gormTicketRepository) CompareAndDelete(ctx context.Context, storageName, key string, expectedVersion int64) (bool, error) {
	var deleted bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ? AND storage_name = ? AND version = ?", key, storageName, expectedVersion).
			Delete(&model.TicketRecord{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		deleted = true
		return tx.Where("ticket_key = ?", key).Delete(&model.AttributeIndex{}).Error
	})
	return deleted, err
}

func (r *gormTicketRepository) Delete(ctx context.Context, storageName, key string) (int64, error) {
	var removed int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ? AND storage_name = ?", key, storageName).Delete(&model.TicketRecord{})
		if result.Error != nil {
			return result.Error
		}
		removed = result.RowsAffected
		return tx.Where("ticket_key = ?", key).Delete(&model.AttributeIndex{}).Error
	})
	return removed, err
}

func (r *gormTicketRepository) DeleteAll(ctx context.Context) (int64, error) {
	var removed int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&model.AttributeIndex{}).Error; err != nil {
			return err
		}
		result := tx.Where("1 = 1").Delete(&model.TicketRecord{})
		removed = result.RowsAffected
		return result.Error
	})
	return removed, err
}

// Scan 按主键分批遍历，避免一次性加载整表
func (r *gormTicketRepository) Scan(ctx context.Context, filter ScanFilter) iter.Seq2[*model.TicketRecord, error] {
	return func(yield func(*model.TicketRecord, error) bool) {
		lastKey := ""
		for {
			var batch []*model.TicketRecord
			query := r.db.WithContext(ctx).Preload("Attributes").Where("id > ?", lastKey)
			if len(filter.StorageNames) > 0 {
				query = query.Where("storage_name IN ?", filter.StorageNames)
			}
			if filter.PrincipalDigest != "" {
				query = query.Where("principal_digest = ?", filter.PrincipalDigest)
			}
			for name, values := range filter.Attributes {
				query = query.Where(
					"EXISTS (SELECT 1 FROM ticket_attributes a WHERE a.ticket_key = tickets.id AND a.name = ? AND a.value IN ?)",
					name, values,
				)
			}
			if err := query.Order("id").Limit(gormScanBatch).Find(&batch).Error; err != nil {
				yield(nil, err)
				return
			}

			for _, rec := range batch {
				if !yield(rec, nil) {
					return
				}
			}
			if len(batch) < gormScanBatch {
				return
			}
			lastKey = batch[len(batch)-1].Key
		}
	}
}

func (r *gormTicketRepository) Count(ctx context.Context, storageName string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.TicketRecord{}).Where("storage_name = ?", storageName).Count(&count).Error
	return count, err
}
