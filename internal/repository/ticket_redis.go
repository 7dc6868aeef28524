package repository

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"

	"github.com/pu-ac-cn/uac-sso/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	redisScanBatch = 200
	// redisMinTTL 原生 TTL 下限，剩余时间为 0 的记录仍保留一秒，由读取时的策略判定过期
	redisMinTTL = time.Second

	redisRevokeTimeout = 3 * time.Second
)

// redisTicketRepository Redis 存储
//
// 键布局：
//
//	<prefix>ticket:<storageName>:<key>   记录 JSON，带原生 TTL
//	<prefix>principal:<digest>            集合，成员为 <storageName>:<key>
type redisTicketRepository struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisTicketRepository 创建 Redis 后端
func NewRedisTicketRepository(client redis.UniversalClient, prefix string) TicketRepository {
	return &redisTicketRepository{client: client, prefix: prefix}
}

func (r *redisTicketRepository) recordKey(storageName, key string) string {
	return r.prefix + "ticket:" + storageName + ":" + key
}

func (r *redisTicketRepository) principalKey(digest string) string {
	return r.prefix + "principal:" + digest
}

func indexMember(storageName, key string) string {
	return storageName + ":" + key
}

func recordTTL(rec *model.TicketRecord) time.Duration {
	if rec.ExpireAt == nil {
		return 0
	}
	if ttl := time.Until(*rec.ExpireAt); ttl > redisMinTTL {
		return ttl
	}
	return redisMinTTL
}

func decodeRecord(data []byte) (*model.TicketRecord, error) {
	var rec model.TicketRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("解析票据记录失败: %w", err)
	}
	return &rec, nil
}

// insertScript 记录与主体索引在一个脚本内写入
// KEYS[1] 记录键，KEYS[2] 主体索引键（可选）；ARGV: 记录、TTL 毫秒、索引成员
var insertScript = redis.NewScript(`
local ok
if tonumber(ARGV[2]) > 0 then
	ok = redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2])
else
	ok = redis.call('SET', KEYS[1], ARGV[1], 'NX')
end
if not ok then
	return 0
end
if #KEYS > 1 then
	redis.call('SADD', KEYS[2], ARGV[3])
end
return 1
`)

// revokeScript 记录内容仍为本次写入的值时删除记录与索引
var revokeScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
	return 0
end
redis.call('DEL', KEYS[1])
if #KEYS > 1 then
	redis.call('SREM', KEYS[2], ARGV[2])
end
return 1
`)

func (r *redisTicketRepository) Insert(ctx context.Context, rec *model.TicketRecord) error {
	stored := rec.Clone()
	stored.Version = 1
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("编码票据记录失败: %w", err)
	}

	keys := []string{r.recordKey(rec.StorageName, rec.Key)}
	if rec.PrincipalDigest != "" {
		keys = append(keys, r.principalKey(rec.PrincipalDigest))
	}
	member := indexMember(rec.StorageName, rec.Key)

	created, err := insertScript.Run(ctx, r.client, keys, data, recordTTL(rec).Milliseconds(), member).Int()
	if err != nil {
		// 脚本可能已在服务端执行，撤销本次写入，保持调用前的状态
		r.revoke(context.WithoutCancel(ctx), keys, data, member)
		return err
	}
	if created == 0 {
		return ErrRecordExists
	}
	rec.Version = 1
	return nil
}

func (r *redisTicketRepository) revoke(ctx context.Context, keys []string, data []byte, member string) {
	ctx, cancel := context.WithTimeout(ctx, redisRevokeTimeout)
	defer cancel()
	_ = revokeScript.Run(ctx, r.client, keys, data, member).Err()
}

func (r *redisTicketRepository) Find(ctx context.Context, storageName, key string) (*model.TicketRecord, error) {
	data, err := r.client.Get(ctx, r.recordKey(storageName, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeRecord(data)
}

func (r *redisTicketRepository) Take(ctx context.Context, storageName, key string) (*model.TicketRecord, error) {
	data, err := r.client.GetDel(ctx, r.recordKey(storageName, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return nil, err
	}
	r.unindex(ctx, rec)
	return rec, nil
}

func (r *redisTicketRepository) unindex(ctx context.Context, rec *model.TicketRecord) {
	if rec.PrincipalDigest == "" {
		return
	}
	// 索引残留不影响正确性，扫描时会惰性清理
	_ = r.client.SRem(ctx, r.principalKey(rec.PrincipalDigest), indexMember(rec.StorageName, rec.Key)).Err()
}

func (r *redisTicketRepository) CompareAndSwap(ctx context.Context, rec *model.TicketRecord, expectedVersion int64) error {
	k := r.recordKey(rec.StorageName, rec.Key)
	next := rec.Clone()
	next.Version = expectedVersion + 1
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("编码票据记录失败: %w", err)
	}

	var previous *model.TicketRecord
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrRecordNotFound
		}
		if err != nil {
			return err
		}
		if previous, err = decodeRecord(raw); err != nil {
			return err
		}
		if previous.Version != expectedVersion {
			return ErrVersionConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, data, recordTTL(next))
			if next.PrincipalDigest != "" {
				pipe.SAdd(ctx, r.principalKey(next.PrincipalDigest), indexMember(next.StorageName, next.Key))
			}
			return nil
		})
		return err
	}, k)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	if err != nil {
		return err
	}
	if previous.PrincipalDigest != "" && previous.PrincipalDigest != next.PrincipalDigest {
		r.unindex(ctx, previous)
	}
	rec.Version = next.Version
	return nil
}

func (r *redisTicketRepository) CompareAndDelete(ctx context.Context, storageName, key string, expectedVersion int64) (bool, error) {
	k := r.recordKey(storageName, key)
	var current *model.TicketRecord
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, k).Bytes()
		if err != nil {
			return err
		}
		if current, err = decodeRecord(raw); err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return ErrVersionConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, k)
			return nil
		})
		return err
	}, k)
	switch {
	case err == nil:
		r.unindex(ctx, current)
		return true, nil
	case errors.Is(err, redis.Nil), errors.Is(err, ErrVersionConflict), errors.Is(err, redis.TxFailedErr):
		return false, nil
	default:
		return false, err
	}
}

func (r *redisTicketRepository) Delete(ctx context.Context, storageName, key string) (int64, error) {
	_, err := r.Take(ctx, storageName, key)
	if errors.Is(err, ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return 1, nil
}

func (r *redisTicketRepository) DeleteAll(ctx context.Context) (int64, error) {
	removed, err := r.deleteMatching(ctx, r.prefix+"ticket:*")
	if err != nil {
		return removed, err
	}
	_, err = r.deleteMatching(ctx, r.prefix+"principal:*")
	return removed, err
}

func (r *redisTicketRepository) deleteMatching(ctx context.Context, pattern string) (int64, error) {
	var removed int64
	iterator := r.client.Scan(ctx, 0, pattern, redisScanBatch).Iterator()
	for iterator.Next(ctx) {
		n, err := r.client.Del(ctx, iterator.Val()).Result()
		if err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, iterator.Err()
}

func (r *redisTicketRepository) Scan(ctx context.Context, filter ScanFilter) iter.Seq2[*model.TicketRecord, error] {
	if filter.PrincipalDigest != "" {
		return r.scanPrincipal(ctx, filter)
	}
	return func(yield func(*model.TicketRecord, error) bool) {
		patterns := []string{r.prefix + "ticket:*"}
		if len(filter.StorageNames) > 0 {
			patterns = patterns[:0]
			for _, name := range filter.StorageNames {
				patterns = append(patterns, r.prefix+"ticket:"+name+":*")
			}
		}

		// SCAN 可能重复返回同一个键
		seen := make(map[string]struct{})
		for _, pattern := range patterns {
			iterator := r.client.Scan(ctx, 0, pattern, redisScanBatch).Iterator()
			keys := make([]string, 0, redisScanBatch)
			for iterator.Next(ctx) {
				k := iterator.Val()
				if _, dup := seen[k]; dup {
					continue
				}
				seen[k] = struct{}{}
				keys = append(keys, k)
				if len(keys) == redisScanBatch {
					if !r.yieldBatch(ctx, keys, filter, yield) {
						return
					}
					keys = keys[:0]
				}
			}
			if err := iterator.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !r.yieldBatch(ctx, keys, filter, yield) {
				return
			}
		}
	}
}

func (r *redisTicketRepository) scanPrincipal(ctx context.Context, filter ScanFilter) iter.Seq2[*model.TicketRecord, error] {
	return func(yield func(*model.TicketRecord, error) bool) {
		indexKey := r.principalKey(filter.PrincipalDigest)
		members, err := r.client.SMembers(ctx, indexKey).Result()
		if err != nil {
			yield(nil, err)
			return
		}

		// valid 与 keys 一一对应
		keys := make([]string, 0, len(members))
		valid := make([]string, 0, len(members))
		for _, member := range members {
			storageName, key, ok := strings.Cut(member, ":")
			if !ok {
				continue
			}
			keys = append(keys, r.recordKey(storageName, key))
			valid = append(valid, member)
		}

		for start := 0; start < len(keys); start += redisScanBatch {
			end := min(start+redisScanBatch, len(keys))
			values, err := r.client.MGet(ctx, keys[start:end]...).Result()
			if err != nil {
				yield(nil, err)
				return
			}
			for i, v := range values {
				if v == nil {
					// TTL 已淘汰，清理索引
					_ = r.client.SRem(ctx, indexKey, valid[start+i]).Err()
					continue
				}
				if !r.yieldValue(v, filter, yield) {
					return
				}
			}
		}
	}
}

func (r *redisTicketRepository) yieldBatch(ctx context.Context, keys []string, filter ScanFilter, yield func(*model.TicketRecord, error) bool) bool {
	if len(keys) == 0 {
		return true
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		yield(nil, err)
		return false
	}
	for _, v := range values {
		if v == nil {
			continue
		}
		if !r.yieldValue(v, filter, yield) {
			return false
		}
	}
	return true
}

func (r *redisTicketRepository) yieldValue(v any, filter ScanFilter, yield func(*model.TicketRecord, error) bool) bool {
	s, ok := v.(string)
	if !ok {
		return true
	}
	rec, err := decodeRecord([]byte(s))
	if err != nil {
		yield(nil, err)
		return false
	}
	if !filter.matches(rec) {
		return true
	}
	return yield(rec, nil)
}

func (r *redisTicketRepository) Count(ctx context.Context, storageName string) (int64, error) {
	seen := make(map[string]struct{})
	iterator := r.client.Scan(ctx, 0, r.prefix+"ticket:"+storageName+":*", redisScanBatch).Iterator()
	for iterator.Next(ctx) {
		seen[iterator.Val()] = struct{}{}
	}
	return int64(len(seen)), iterator.Err()
}
