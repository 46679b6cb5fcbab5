package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"characterstudio/pkg/domain"
)

const migrateLockID int64 = 51730417

// GormStore implements CharacterStore using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&CharacterModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_user_characters_owner_created
			ON user_characters (owner_id, created_at DESC)`).Error; err != nil {
			return fmt.Errorf("create owner index: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreateCharacter inserts a new record with a store-assigned ID and timestamp.
func (s *GormStore) CreateCharacter(ctx context.Context, c domain.Character) (domain.Character, error) {
	if err := validateNew(c); err != nil {
		return domain.Character{}, err
	}
	c.ID = uuid.NewString()
	c.CreatedAt = time.Now().UTC()
	model, err := characterToModel(c)
	if err != nil {
		return domain.Character{}, err
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.Character{}, fmt.Errorf("insert character: %w", err)
	}
	return c, nil
}

// ListCharactersByOwner returns the owner's records in creation order.
func (s *GormStore) ListCharactersByOwner(ctx context.Context, ownerID string) ([]domain.Character, error) {
	var models []CharacterModel
	if err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list characters: %w", err)
	}
	res := make([]domain.Character, 0, len(models))
	for _, m := range models {
		c, err := characterFromModel(m)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, nil
}

// GetCharacter retrieves a record by ID.
func (s *GormStore) GetCharacter(ctx context.Context, id string) (domain.Character, bool, error) {
	var model CharacterModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Character{}, false, nil
		}
		return domain.Character{}, false, err
	}
	c, err := characterFromModel(model)
	if err != nil {
		return domain.Character{}, false, err
	}
	return c, true, nil
}

func characterToModel(c domain.Character) (CharacterModel, error) {
	keywords := c.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	raw, err := json.Marshal(keywords)
	if err != nil {
		return CharacterModel{}, fmt.Errorf("encode keywords: %w", err)
	}
	return CharacterModel{
		ID:                 c.ID,
		OwnerID:            c.OwnerID,
		Name:               c.Name,
		Description:        c.Description,
		Keywords:           datatypes.JSON(raw),
		Status:             string(c.Status),
		ReferenceImagePath: c.ReferenceImagePath,
		GeneratedAdapterID: c.GeneratedAdapterID,
		CreatedAt:          c.CreatedAt,
	}, nil
}

func characterFromModel(m CharacterModel) (domain.Character, error) {
	keywords := []string{}
	if len(m.Keywords) > 0 {
		if err := json.Unmarshal(m.Keywords, &keywords); err != nil {
			return domain.Character{}, fmt.Errorf("decode keywords for %s: %w", m.ID, err)
		}
	}
	return domain.Character{
		ID:                 m.ID,
		OwnerID:            m.OwnerID,
		Name:               m.Name,
		Description:        m.Description,
		Keywords:           keywords,
		Status:             domain.CharacterStatus(m.Status),
		ReferenceImagePath: m.ReferenceImagePath,
		GeneratedAdapterID: m.GeneratedAdapterID,
		CreatedAt:          m.CreatedAt.UTC(),
	}, nil
}
