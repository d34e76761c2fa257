package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	postgresNotifyChannelCachePurge = "dfb_cache_purge"
	recordSeparator                 = string(rune(30))

	notifierSendTimeout   = 15 * time.Second
	notifierRetryInterval = 5 * time.Second
)

// purgeAll is the fingerprint sent to purge every cache entry
const purgeAll = ""

// Notifier tells other dashboard instances sharing the same database
// that cached resources should be purged.
type Notifier interface {
	// PurgeCache notifies other instances to purge every entry cached
	// for the token fingerprint fp. An empty fp purges everything.
	PurgeCache(ctx context.Context, fp string) error

	// ID returns the identifier for this notifier. Instances ignore
	// notifications carrying their own ID.
	ID() string

	// Listen receives notifications from other instances until ctx is
	// cancelled
	Listen(ctx context.Context) error
}

// purgeHandler is called with the fingerprint received from another
// instance
type purgeHandler func(ctx context.Context, fp string)

func newNotifier(
	databaseType string,
	database string,
	db *gorm.DB,
	onPurge purgeHandler,
	clk clock.Clock,
	logger *slog.Logger,
) (Notifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.New()
	}
	notifyID := uuid.NewString()
	log := logger.With(loggerNameKey, "db_notifier", "notify_id", notifyID)

	switch databaseType {
	case dbTypeSQLite:
		return &sqliteNotifier{
			id:      notifyID,
			bus:     localBusFor(database),
			onPurge: onPurge,
			logger:  log,
		}, nil
	case dbTypePostgres:
		return &postgresNotifier{
			id:       notifyID,
			db:       db,
			database: database,
			onPurge:  onPurge,
			clock:    clk,
			logger:   log,
		}, nil
	default:
		return nil, fmt.Errorf("invalid database type: %q", databaseType)
	}
}

func newPurgeNotificationMessage(notifierID, fp string) string {
	return strings.Join([]string{notifierID, fp}, recordSeparator)
}

func parsePurgeNotification(s string) (notifierID, fp string) {
	before, after, _ := strings.Cut(s, recordSeparator)
	return before, after
}

type purgeNotification struct {
	origin string
	fp     string
}

// localBus connects the notifiers of every instance in this process
// using the same SQLite database
type localBus struct {
	mu   sync.Mutex
	subs map[string]chan purgeNotification
}

var localBuses = struct {
	mu    sync.Mutex
	buses map[string]*localBus
}{buses: map[string]*localBus{}}

func localBusFor(database string) *localBus {
	localBuses.mu.Lock()
	defer localBuses.mu.Unlock()
	bus, ok := localBuses.buses[database]
	if !ok {
		bus = &localBus{subs: map[string]chan purgeNotification{}}
		localBuses.buses[database] = bus
	}
	return bus
}

func (b *localBus) subscribe(id string) chan purgeNotification {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan purgeNotification, 16)
	b.subs[id] = ch
	return ch
}

func (b *localBus) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

func (b *localBus) peers(id string) []chan purgeNotification {
	b.mu.Lock()
	defer b.mu.Unlock()
	peers := make([]chan purgeNotification, 0, len(b.subs))
	for subID, ch := range b.subs {
		if subID != id {
			peers = append(peers, ch)
		}
	}
	return peers
}

type sqliteNotifier struct {
	id      string
	bus     *localBus
	onPurge purgeHandler
	logger  *slog.Logger
}

func (s *sqliteNotifier) ID() string {
	return s.id
}

func (s *sqliteNotifier) PurgeCache(ctx context.Context, fp string) error {
	ctx, cancel := context.WithTimeout(ctx, notifierSendTimeout)
	defer cancel()

	n := purgeNotification{origin: s.id, fp: fp}
	for _, ch := range s.bus.peers(s.id) {
		select {
		case ch <- n:
		case <-ctx.Done():
			s.logger.WarnContext(ctx, "timeout sending cache purge notification")
			return ctx.Err()
		}
	}
	s.logger.InfoContext(ctx, "sent cache purge notification", "token", fp)
	return nil
}

func (s *sqliteNotifier) Listen(ctx context.Context) error {
	ch := s.bus.subscribe(s.id)
	defer s.bus.unsubscribe(s.id)
	s.logger.InfoContext(ctx, "started in-process listener")

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-ch:
			if n.origin == s.id {
				continue
			}
			s.logger.InfoContext(
				ctx,
				"received cache purge notification",
				"origin", n.origin,
				"token", n.fp,
			)
			s.onPurge(ctx, n.fp)
		}
	}
}

type postgresNotifier struct {
	id       string
	db       *gorm.DB
	database string
	onPurge  purgeHandler
	clock    clock.Clock
	logger   *slog.Logger
}

func (p *postgresNotifier) ID() string {
	return p.id
}

func (p *postgresNotifier) PurgeCache(ctx context.Context, fp string) error {
	ctx, cancel := context.WithTimeout(ctx, notifierSendTimeout)
	defer cancel()

	msg := newPurgeNotificationMessage(p.ID(), fp)
	err := p.db.WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		postgresNotifyChannelCachePurge,
		msg,
	).Error
	if err != nil {
		p.logger.ErrorContext(ctx, "error sending NOTIFY to purge cache", tint.Err(err))
		return err
	}
	p.logger.InfoContext(ctx, "sent cache purge notification", "token", fp)
	return nil
}

func (p *postgresNotifier) Listen(ctx context.Context) error {
	logger := p.logger.With("channel", postgresNotifyChannelCachePurge)
	logger.InfoContext(ctx, "starting db listener")

	config, err := pgxpool.ParseConfig(p.database)
	if err != nil {
		return fmt.Errorf("error parsing database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("error creating connection pool: %w", err)
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("error acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, "LISTEN "+postgresNotifyChannelCachePurge); err != nil {
		return fmt.Errorf("error setting up listener: %w", err)
	}
	logger.InfoContext(ctx, "started listening on channel")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if errors.Is(e, context.Canceled) || ctx.Err() != nil {
				break
			}
			logger.ErrorContext(ctx, "error waiting for notification", tint.Err(e))
			select {
			case <-ctx.Done():
			case <-p.clock.After(notifierRetryInterval):
			}
			continue
		}

		origin, fp := parsePurgeNotification(notification.Payload)
		if origin == p.ID() {
			logger.DebugContext(ctx, "received notification from self, ignoring")
			continue
		}
		logger.InfoContext(
			ctx,
			"received cache purge notification",
			"origin", origin,
			"token", fp,
		)
		p.onPurge(ctx, fp)
	}
	return nil
}
