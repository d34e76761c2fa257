package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	columnDiscordMessageMessageID = "message_id"
	columnDiscordMessageChannelID = "channel_id"
	columnDiscordMessageGuildID   = "guild_id"

	defaultDiscordMessagePageSize = 25
	messageLogBufferSize          = 256
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with millisecond Unix timestamps
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// DiscordMessage is a MESSAGE_CREATE event received by the primary
// gateway connection.
type DiscordMessage struct {
	ModelUintID
	ModelUnixTime
	MessageID           string `gorm:"uniqueIndex" json:"message_id"`
	Content             string `json:"content"`
	ChannelID           string `gorm:"index" json:"channel_id"`
	GuildID             string `gorm:"index" json:"guild_id"`
	UserID              string `json:"user_id"`
	Username            string `json:"username"`
	GlobalName          string `json:"global_name"`
	Bot                 bool   `json:"bot"`
	ReferencedMessageID string `json:"referenced_message_id"`
	Timestamp           int64  `json:"timestamp"`
	Payload             string `json:"payload"`
}

func NewDiscordMessage(m *discordgo.Message) DiscordMessage {
	user := m.Author
	if user == nil && m.Member != nil {
		user = m.Member.User
	}
	dm := DiscordMessage{
		MessageID: m.ID,
		Content:   m.Content,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
	}
	if !m.Timestamp.IsZero() {
		dm.Timestamp = m.Timestamp.UnixMilli()
	}

	if user != nil {
		dm.UserID = user.ID
		dm.Username = user.Username
		dm.GlobalName = user.GlobalName
		dm.Bot = user.Bot
	}

	if m.MessageReference != nil {
		dm.ReferencedMessageID = m.MessageReference.MessageID
	} else if m.ReferencedMessage != nil {
		dm.ReferencedMessageID = m.ReferencedMessage.ID
	}

	data, err := json.Marshal(m)
	if err != nil {
		slog.Default().Error("failed to marshal discord message", tint.Err(err))
	}
	dm.Payload = string(data)
	return dm
}

func (m DiscordMessage) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String(columnDiscordMessageMessageID, m.MessageID),
		slog.String(columnDiscordMessageChannelID, m.ChannelID),
		slog.String(columnDiscordMessageGuildID, m.GuildID),
		slog.String("user_id", m.UserID),
		slog.Int("content_length", len(m.Content)),
	)
}

// Sort represents the sorting order for queries
type Sort string

const (
	Ascending  Sort = "asc"
	Descending Sort = "desc"
)

// Pagination represents the query parameters for paginated lists
type Pagination struct {
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=100"`
	Order  Sort `form:"order" binding:"omitempty,oneof=asc desc"`
	Offset int  `form:"offset" binding:"omitempty,min=0"`
}

// DiscordMessageQuery filters the stored message log
type DiscordMessageQuery struct {
	Pagination
	ChannelID string `form:"channel_id" binding:"omitempty,numeric"`
	GuildID   string `form:"guild_id" binding:"omitempty,numeric"`
}

// CreateDB opens the database and migrates its schema.
//
// databaseType must be 'sqlite' or 'postgres'. database is the
// connection string, or the SQLite file path.
func CreateDB(
	ctx context.Context,
	databaseType string,
	database string,
	handler slog.Handler,
	slowThreshold time.Duration,
) (*gorm.DB, error) {
	gormLogger := newGORMLogger(handler, slowThreshold)
	dbLogger := slog.New(handler).With(loggerNameKey, "database")

	dbLogger.InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	if databaseType == dbTypeSQLite {
		if err = configureSQLite(ctx, db); err != nil {
			return db, err
		}
	}

	if err = db.WithContext(ctx).AutoMigrate(&DiscordMessage{}); err != nil {
		return db, fmt.Errorf("error migrating database: %w", err)
	}
	return db, nil
}

func configureSQLite(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

	for _, pragma := range sqliteExecPragma {
		if err = db.WithContext(ctx).Exec(pragma).Error; err != nil {
			return fmt.Errorf("error executing %q: %w", pragma, err)
		}
	}
	return nil
}

// getDB returns a GORM connection for the given database type
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(database), cfg)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), cfg)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// messageLog stores MESSAGE_CREATE events from the primary gateway.
// Events are queued by the gateway listener and written by Run, so the
// gateway's read loop never waits on the database.
type messageLog struct {
	db      *gorm.DB
	logger  *slog.Logger
	pending chan *discordgo.Message

	mu      sync.Mutex
	dropped int64
}

func newMessageLog(db *gorm.DB, logger *slog.Logger) *messageLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &messageLog{
		db:      db,
		logger:  logger.With(loggerNameKey, "message_log"),
		pending: make(chan *discordgo.Message, messageLogBufferSize),
	}
}

// Listener returns a gateway Listener which queues each message for
// storage. If the queue is full, the message is dropped.
func (l *messageLog) Listener() Listener {
	return func(e GatewayEvent) {
		if e.Message == nil {
			return
		}
		select {
		case l.pending <- e.Message:
		default:
			l.mu.Lock()
			l.dropped++
			dropped := l.dropped
			l.mu.Unlock()
			l.logger.Warn(
				"message log queue full, dropping message",
				"message_id", e.Message.ID,
				"dropped", dropped,
			)
		}
	}
}

// Run writes queued messages until ctx is cancelled
func (l *messageLog) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-l.pending:
			if _, err := l.Record(ctx, m); err != nil {
				l.logger.ErrorContext(
					ctx,
					"error recording message",
					tint.Err(err),
					"message_id", m.ID,
				)
			}
		}
	}
}

// Record stores m. A message that was already stored is ignored.
func (l *messageLog) Record(ctx context.Context, m *discordgo.Message) (
	DiscordMessage,
	error,
) {
	dm := NewDiscordMessage(m)
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	rv := l.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: columnDiscordMessageMessageID}},
			DoNothing: true,
		},
	).Create(&dm)
	if rv.Error != nil {
		return dm, rv.Error
	}
	l.logger.DebugContext(ctx, "recorded message", "message", dm)
	return dm, nil
}

// List returns stored messages, oldest first unless [Descending] is
// requested.
func (l *messageLog) List(ctx context.Context, q DiscordMessageQuery) (
	[]DiscordMessage,
	error,
) {
	if q.Order == "" {
		q.Order = Ascending
	}
	if q.Limit == 0 {
		q.Limit = defaultDiscordMessagePageSize
	}

	query := l.db.WithContext(ctx).Model(&DiscordMessage{})
	if q.ChannelID != "" {
		query = query.Where(columnDiscordMessageChannelID+" = ?", q.ChannelID)
	}
	if q.GuildID != "" {
		query = query.Where(columnDiscordMessageGuildID+" = ?", q.GuildID)
	}

	order := "id asc"
	if q.Order == Descending {
		order = "id desc"
	}

	messages := []DiscordMessage{}
	err := query.Limit(q.Limit).Offset(q.Offset).Order(order).Find(&messages).Error
	return messages, err
}

func (l *messageLog) Dropped() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}
