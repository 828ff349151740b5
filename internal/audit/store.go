// Package audit records which subjects authenticated and when. It stores
// identities only; cached user data never reaches the database.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("subject not found")

// Subject is one row per distinct token subject. Resolutions counts cache
// misses, i.e. how often the user's data had to be fetched.
type Subject struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Subject     string    `gorm:"uniqueIndex;size:255" json:"subject"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `gorm:"index" json:"last_seen"`
	Resolutions int64     `json:"resolutions"`
}

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Record notes that subject was resolved at at.
func (s *Store) Record(ctx context.Context, subject string, at time.Time) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row Subject
		err := tx.Where("subject = ?", subject).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&Subject{
				Subject:     subject,
				FirstSeen:   at,
				LastSeen:    at,
				Resolutions: 1,
			}).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&row).Updates(map[string]any{
			"last_seen":   at,
			"resolutions": gorm.Expr("resolutions + ?", 1),
		}).Error
	})
	if err != nil {
		return fmt.Errorf("record subject: %w", err)
	}
	return nil
}

// List returns up to limit subjects, most recently seen first. limit <= 0
// means no limit.
func (s *Store) List(ctx context.Context, limit int) ([]Subject, error) {
	q := s.db.WithContext(ctx).Order("last_seen DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []Subject
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, subject string) (*Subject, error) {
	var row Subject
	err := s.db.WithContext(ctx).Where("subject = ?", subject).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subject: %w", err)
	}
	return &row, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
