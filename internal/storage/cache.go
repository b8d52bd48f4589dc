package storage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"bradypod/internal/logger"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CacheEntry 磁盘缓存的响应
type CacheEntry struct {
	Key        string `gorm:"primaryKey;column:cache_key"`
	URL        string
	Status     int
	Header     string
	Body       []byte
	Size       int64
	Expires    time.Time
	LastAccess time.Time `gorm:"index"`
	CreatedAt  time.Time
}

// HTTPHeader 解码保存的响应头
func (e *CacheEntry) HTTPHeader() http.Header {
	h := http.Header{}
	if e.Header != "" {
		_ = json.Unmarshal([]byte(e.Header), &h)
	}
	return h
}

// SetHTTPHeader 编码响应头
func (e *CacheEntry) SetHTTPHeader(h http.Header) {
	b, _ := json.Marshal(h)
	e.Header = string(b)
}

// Cache 基于 sqlite 的响应缓存，超出容量时按最近访问时间淘汰
type Cache struct {
	db       *gorm.DB
	maxBytes int64
	log      logger.Logger
	now      func() time.Time
}

// NewCache maxSizeKB < 0 表示不限容量
func NewCache(db *gorm.DB, maxSizeKB int64, l logger.Logger) *Cache {
	if l == nil {
		l = logger.NewNop()
	}
	maxBytes := int64(-1)
	if maxSizeKB >= 0 {
		maxBytes = maxSizeKB * 1024
	}
	return &Cache{db: db, maxBytes: maxBytes, log: l, now: time.Now}
}

// Get 读取未过期的缓存，未命中返回 nil
func (c *Cache) Get(ctx context.Context, key string) (*CacheEntry, error) {
	var e CacheEntry
	err := c.db.WithContext(ctx).Where("cache_key = ?", key).Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	now := c.now()
	if !e.Expires.After(now) {
		c.db.WithContext(ctx).Delete(&CacheEntry{}, "cache_key = ?", key)
		return nil, nil
	}
	c.db.WithContext(ctx).Model(&CacheEntry{}).Where("cache_key = ?", key).Update("last_access", now)
	return &e, nil
}

// Put 写入或覆盖缓存，然后按容量淘汰
func (c *Cache) Put(ctx context.Context, e *CacheEntry) error {
	if c.maxBytes == 0 {
		return nil
	}
	e.Size = int64(len(e.Body))
	if c.maxBytes > 0 && e.Size > c.maxBytes {
		c.log.Debug("响应超过缓存容量，不缓存", "url", e.URL, "size", e.Size)
		return nil
	}
	e.LastAccess = c.now()
	err := c.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(e).Error
	if err != nil {
		return err
	}
	return c.evict(ctx)
}

// Size 缓存总字节数
func (c *Cache) Size(ctx context.Context) (int64, error) {
	var total int64
	err := c.db.WithContext(ctx).Model(&CacheEntry{}).Select("COALESCE(SUM(size), 0)").Scan(&total).Error
	return total, err
}

// Clear 清空缓存
func (c *Cache) Clear(ctx context.Context) error {
	return c.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&CacheEntry{}).Error
}

func (c *Cache) evict(ctx context.Context) error {
	if c.maxBytes < 0 {
		return nil
	}
	total, err := c.Size(ctx)
	if err != nil {
		return err
	}
	for total > c.maxBytes {
		var oldest CacheEntry
		err := c.db.WithContext(ctx).Select("cache_key", "size").Order("last_access").Take(&oldest).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if err := c.db.WithContext(ctx).Delete(&CacheEntry{}, "cache_key = ?", oldest.Key).Error; err != nil {
			return err
		}
		total -= oldest.Size
		c.log.Debug("淘汰缓存条目", "key", oldest.Key, "size", oldest.Size)
	}
	return nil
}
