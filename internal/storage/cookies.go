package storage

import (
	"context"
	"time"

	"bradypod/pkg/model"

	"gorm.io/gorm"
)

// CookieRecord 持久化的 Cookie 行
type CookieRecord struct {
	ID       uint   `gorm:"primaryKey"`
	Name     string `gorm:"uniqueIndex:idx_cookie_key;not null"`
	Domain   string `gorm:"uniqueIndex:idx_cookie_key"`
	Path     string `gorm:"uniqueIndex:idx_cookie_key"`
	Value    string
	HTTPOnly bool
	Secure   bool
	Expires  *time.Time
}

// CookieStore Cookie 持久化，实现 cookiejar.Sink
type CookieStore struct {
	db *gorm.DB
}

func NewCookieStore(db *gorm.DB) *CookieStore {
	return &CookieStore{db: db}
}

// Load 读取全部 Cookie，按写入顺序返回
func (s *CookieStore) Load(ctx context.Context) ([]model.Cookie, error) {
	var rows []CookieRecord
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Cookie, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.Cookie{
			Name:     r.Name,
			Value:    r.Value,
			Domain:   r.Domain,
			Path:     r.Path,
			HTTPOnly: r.HTTPOnly,
			Secure:   r.Secure,
			Expires:  r.Expires,
		})
	}
	return out, nil
}

// Save 以整表替换的方式保存
func (s *CookieStore) Save(ctx context.Context, cookies []model.Cookie) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&CookieRecord{}).Error; err != nil {
			return err
		}
		if len(cookies) == 0 {
			return nil
		}
		rows := make([]CookieRecord, 0, len(cookies))
		for _, c := range cookies {
			rows = append(rows, CookieRecord{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				HTTPOnly: c.HTTPOnly,
				Secure:   c.Secure,
				Expires:  c.Expires,
			})
		}
		return tx.Create(&rows).Error
	})
}
