package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SQLConfig configures the relational conversation log.
type SQLConfig struct {
	// Driver is one of "sqlite", "postgres", "mysql".
	Driver string `yaml:"driver" json:"driver"`
	// DSN is the driver connection string (file path for sqlite).
	DSN string `yaml:"dsn" json:"dsn"`
	// DefaultHistoryLimit bounds LoadHistory when no limit is given.
	DefaultHistoryLimit int `yaml:"default_history_limit" json:"default_history_limit"`
}

// DefaultSQLConfig returns an in-process sqlite store.
func DefaultSQLConfig() SQLConfig {
	return SQLConfig{
		Driver:              "sqlite",
		DSN:                 "data/dossier.db",
		DefaultHistoryLimit: 50,
	}
}

type conversationRow struct {
	ID        string `gorm:"primaryKey"`
	Title     string
	CreatedAt time.Time
}

func (conversationRow) TableName() string { return "conversations" }

type turnRow struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	ConversationID string `gorm:"index:idx_conv_pos,unique"`
	Position       int    `gorm:"index:idx_conv_pos,unique"`
	Role           string
	Content        string
	ToolCall       string
	CreatedAt      time.Time
}

func (turnRow) TableName() string { return "turns" }

type feedbackRow struct {
	ID             uint `gorm:"primaryKey;autoIncrement"`
	ConversationID string
	MessageID      *uint
	Rating         int
	Comment        string
	CreatedAt      time.Time
}

func (feedbackRow) TableName() string { return "feedback" }

// SQLStore is the gorm-backed conversation log.
type SQLStore struct {
	db     *gorm.DB
	config SQLConfig
	logger *zap.Logger
}

// OpenSQLStore opens (or creates) the conversation log and migrates its
// schema.
func OpenSQLStore(config SQLConfig, log *zap.Logger) (*SQLStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if config.DefaultHistoryLimit <= 0 {
		config.DefaultHistoryLimit = 50
	}

	var dialector gorm.Dialector
	switch config.Driver {
	case "", "sqlite":
		dialector = sqlite.Open(config.DSN)
	case "postgres":
		dialector = postgres.Open(config.DSN)
	case "mysql":
		dialector = mysql.Open(config.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", config.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&conversationRow{}, &turnRow{}, &feedbackRow{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	log.Info("sql store initialized", zap.String("driver", config.Driver))
	return &SQLStore{
		db:     db,
		config: config,
		logger: log.With(zap.String("component", "sql_store")),
	}, nil
}

// NewSQLStoreWithDB wraps an already open gorm handle. Used by tests that
// inject a mock connection; no migration is performed.
func NewSQLStoreWithDB(db *gorm.DB, config SQLConfig, log *zap.Logger) *SQLStore {
	if log == nil {
		log = zap.NewNop()
	}
	if config.DefaultHistoryLimit <= 0 {
		config.DefaultHistoryLimit = 50
	}
	return &SQLStore{db: db, config: config, logger: log.With(zap.String("component", "sql_store"))}
}

// AppendTurn appends one turn at the next position. A retried append that
// matches the latest stored turn's role and content is absorbed as a no-op so
// at-least-once delivery from the streaming adapter cannot duplicate turns.
func (s *SQLStore) AppendTurn(ctx context.Context, conversationID, role, content, toolCall string) error {
	if conversationID == "" {
		return fmt.Errorf("conversation id is required")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv conversationRow
		err := tx.First(&conv, "id = ?", conversationID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			conv = conversationRow{ID: conversationID, CreatedAt: time.Now()}
			if err := tx.Create(&conv).Error; err != nil {
				return fmt.Errorf("create conversation: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("load conversation: %w", err)
		}

		var last turnRow
		err = tx.Where("conversation_id = ?", conversationID).
			Order("position DESC").
			First(&last).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			last.Position = -1
		case err != nil:
			return fmt.Errorf("load last turn: %w", err)
		default:
			if last.Role == role && last.Content == content {
				// Retried delivery of the turn we already hold.
				return nil
			}
		}

		row := turnRow{
			ConversationID: conversationID,
			Position:       last.Position + 1,
			Role:           role,
			Content:        content,
			ToolCall:       toolCall,
			CreatedAt:      time.Now(),
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("append turn: %w", err)
		}
		return nil
	})
}

// LoadHistory returns up to limit turns, most recent first.
func (s *SQLStore) LoadHistory(ctx context.Context, conversationID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = s.config.DefaultHistoryLimit
	}
	var rows []turnRow
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("position DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	turns := make([]Turn, len(rows))
	for i, r := range rows {
		turns[i] = Turn{
			ID:             r.ID,
			ConversationID: r.ConversationID,
			Position:       r.Position,
			Role:           r.Role,
			Content:        r.Content,
			ToolCall:       r.ToolCall,
			CreatedAt:      r.CreatedAt,
		}
	}
	return turns, nil
}

// AddFeedback records a rating for a conversation.
func (s *SQLStore) AddFeedback(ctx context.Context, conversationID string, messageID *uint, rating int, comment string) error {
	if conversationID == "" {
		return fmt.Errorf("conversation id is required")
	}
	row := feedbackRow{
		ConversationID: conversationID,
		MessageID:      messageID,
		Rating:         rating,
		Comment:        comment,
		CreatedAt:      time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("add feedback: %w", err)
	}
	return nil
}

// SetTitle stores a human-readable title for a conversation.
func (s *SQLStore) SetTitle(ctx context.Context, conversationID, title string) error {
	res := s.db.WithContext(ctx).
		Model(&conversationRow{}).
		Where("id = ?", conversationID).
		Update("title", title)
	if res.Error != nil {
		return fmt.Errorf("set title: %w", res.Error)
	}
	return nil
}
