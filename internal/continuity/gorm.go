package continuity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type sessionRow struct {
	ClientKey       string `gorm:"primaryKey;size:128"`
	RoomCode        string `gorm:"size:16;not null"`
	IdentityName    string `gorm:"not null"`
	CustomLobbyName string
	AccountID       string `gorm:"index"`
	UpdatedAt       time.Time
}

func (sessionRow) TableName() string { return "session_continuity" }

// DB is a Store backed by a SQL table through gorm.
type DB struct {
	db *gorm.DB
}

// OpenPostgres connects to Postgres and migrates the continuity table.
func OpenPostgres(dsn string) (*DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("continuity: open: %w", err)
	}
	return NewDB(db)
}

func NewDB(db *gorm.DB) (*DB, error) {
	if err := db.AutoMigrate(&sessionRow{}); err != nil {
		return nil, fmt.Errorf("continuity: migrate: %w", err)
	}
	return &DB{db: db}, nil
}

func (s *DB) Load(ctx context.Context, key string) (Record, bool, error) {
	if key == "" {
		return Record{}, false, ErrEmptyKey
	}
	var row sessionRow
	err := s.db.WithContext(ctx).Where("client_key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("continuity: load: %w", err)
	}
	return Record{
		RoomCode:        row.RoomCode,
		IdentityName:    row.IdentityName,
		CustomLobbyName: row.CustomLobbyName,
		AccountID:       row.AccountID,
	}, true, nil
}

func (s *DB) Save(ctx context.Context, key string, rec Record) error {
	if key == "" {
		return ErrEmptyKey
	}
	row := sessionRow{
		ClientKey:       key,
		RoomCode:        rec.RoomCode,
		IdentityName:    rec.IdentityName,
		CustomLobbyName: rec.CustomLobbyName,
		AccountID:       rec.AccountID,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "client_key"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("continuity: save: %w", err)
	}
	return nil
}

func (s *DB) Clear(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := s.db.WithContext(ctx).Where("client_key = ?", key).Delete(&sessionRow{}).Error; err != nil {
		return fmt.Errorf("continuity: clear: %w", err)
	}
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (s *DB) List(ctx context.Context, prefix string) ([]Record, error) {
	var rows []sessionRow
	err := s.db.WithContext(ctx).
		Where("client_key LIKE ?", likeEscaper.Replace(prefix)+"%").
		Order("client_key").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("continuity: list: %w", err)
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, Record{
			RoomCode:        row.RoomCode,
			IdentityName:    row.IdentityName,
			CustomLobbyName: row.CustomLobbyName,
			AccountID:       row.AccountID,
		})
	}
	return out, nil
}

func (s *DB) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
