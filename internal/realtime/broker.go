package realtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Broker carries fanout messages to every instance's Hub.
type Broker interface {
	Publish(ctx context.Context, msg Message) error
}

// LocalBroker delivers to the in-process Hub only.
type LocalBroker struct {
	Hub *Hub
}

func (b LocalBroker) Publish(_ context.Context, msg Message) error {
	b.Hub.Deliver(msg)
	return nil
}

const (
	sentAtLayout          = "2006-01-02T15:04:05.000000000Z07:00"
	defaultPollInterval   = time.Second
	defaultRetention      = 10 * time.Minute
	defaultBrokerBatch    = 200
	pruneEveryNthPollTick = 30
)

type SQLBrokerOptions struct {
	Origin       string
	PollInterval time.Duration
	Retention    time.Duration
	Logger       *slog.Logger
}

// SQLBroker relays messages through the realtime_messages table shared by all
// instances. Publish writes the row and delivers locally; Run polls for rows
// written by other origins.
type SQLBroker struct {
	db       *sql.DB
	hub      *Hub
	origin   string
	interval time.Duration
	retain   time.Duration
	logger   *slog.Logger
	Now      func() time.Time

	mu          sync.Mutex
	cursor      int64
	initialized bool
}

func NewSQLBroker(db *sql.DB, hub *Hub, opts SQLBrokerOptions) *SQLBroker {
	if opts.Origin == "" {
		opts.Origin = uuid.New().String()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &SQLBroker{
		db:       db,
		hub:      hub,
		origin:   opts.Origin,
		interval: opts.PollInterval,
		retain:   opts.Retention,
		logger:   opts.Logger.With("component", "sql_broker", "origin", opts.Origin),
		Now:      time.Now,
	}
}

func (b *SQLBroker) Origin() string { return b.origin }

func (b *SQLBroker) Publish(ctx context.Context, msg Message) error {
	_, err := b.db.ExecContext(ctx, `INSERT INTO realtime_messages(origin,channel,type,payload_json,sent_at) VALUES (?,?,?,?,?)`,
		b.origin, msg.Channel, msg.Type, string(msg.Payload), msg.SentAt.UTC().Format(sentAtLayout))
	if err != nil {
		return fmt.Errorf("relay message: %w", err)
	}
	b.hub.Deliver(msg)
	return nil
}

// Init positions the cursor at the newest relayed row so history is not replayed.
func (b *SQLBroker) Init(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		return nil
	}
	var latest sql.NullInt64
	if err := b.db.QueryRowContext(ctx, `SELECT MAX(id) FROM realtime_messages`).Scan(&latest); err != nil {
		return fmt.Errorf("init relay cursor: %w", err)
	}
	b.cursor = latest.Int64
	b.initialized = true
	return nil
}

// Poll delivers rows from other origins written after the cursor.
func (b *SQLBroker) Poll(ctx context.Context) (int, error) {
	if err := b.Init(ctx); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rows, err := b.db.QueryContext(ctx, `
SELECT id,origin,channel,type,payload_json,sent_at FROM realtime_messages
WHERE id > ? ORDER BY id LIMIT ?`, b.cursor, defaultBrokerBatch)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	delivered := 0
	for rows.Next() {
		var (
			id            int64
			origin        string
			payload, sent string
			msg           Message
		)
		if err := rows.Scan(&id, &origin, &msg.Channel, &msg.Type, &payload, &sent); err != nil {
			return delivered, err
		}
		b.cursor = id
		if origin == b.origin {
			continue
		}
		msg.Payload = []byte(payload)
		if msg.SentAt, err = time.Parse(sentAtLayout, sent); err != nil {
			b.logger.Warn("bad relayed timestamp", "id", id, "err", err)
		}
		b.hub.Deliver(msg)
		delivered++
	}
	return delivered, rows.Err()
}

// Prune deletes relayed rows older than the retention window.
func (b *SQLBroker) Prune(ctx context.Context) (int64, error) {
	cutoff := b.Now().UTC().Add(-b.retain).Format(sentAtLayout)
	res, err := b.db.ExecContext(ctx, `DELETE FROM realtime_messages WHERE sent_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Run polls until ctx is done.
func (b *SQLBroker) Run(ctx context.Context) error {
	if err := b.Init(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	tick := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := b.Poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Error("relay poll failed", "err", err)
		}
		tick++
		if tick%pruneEveryNthPollTick == 0 {
			if n, err := b.Prune(ctx); err != nil {
				b.logger.Error("relay prune failed", "err", err)
			} else if n > 0 {
				b.logger.Debug("pruned relayed messages", "count", n)
			}
		}
	}
}
