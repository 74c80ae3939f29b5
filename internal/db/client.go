package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/opentalab/paperchat/internal/metrics"
	"github.com/opentalab/paperchat/internal/models"
)

// Config holds database configuration.
type Config struct {
	DSN             string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
	QueueSize       int
	Workers         int
}

// Client manages the durable conversation store. Turn writes go through an
// async worker queue so request handling never blocks on Postgres; a full
// queue falls back to a synchronous write rather than dropping the turn.
type Client struct {
	db     *sqlx.DB
	logger *zap.Logger

	writeQueue chan writeRequest
	workers    int
	stopCh     chan struct{}
	workerWg   sync.WaitGroup
}

type writeRequest struct {
	ConversationID string
	Turn           models.Turn
	Title          string
}

// NewClient opens the connection pool and starts the write workers.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.IdleConnections == 0 {
		cfg.IdleConnections = 5
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}

	rawDB, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	rawDB.SetMaxOpenConns(cfg.MaxConnections)
	rawDB.SetMaxIdleConns(cfg.IdleConnections)
	rawDB.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rawDB.PingContext(ctx); err != nil {
		rawDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	client := &Client{
		db:         rawDB,
		logger:     logger,
		writeQueue: make(chan writeRequest, cfg.QueueSize),
		workers:    cfg.Workers,
		stopCh:     make(chan struct{}),
	}
	client.startWorkers()
	go client.healthCheck()

	logger.Info("Database client initialized",
		zap.Int("max_connections", cfg.MaxConnections),
		zap.Int("workers", cfg.Workers),
	)
	return client, nil
}

// NewClientWithDB wraps an existing pool without starting workers eagerly;
// used by tests.
func NewClientWithDB(db *sqlx.DB, logger *zap.Logger) *Client {
	c := &Client{
		db:         db,
		logger:     logger,
		writeQueue: make(chan writeRequest, 16),
		workers:    1,
		stopCh:     make(chan struct{}),
	}
	c.startWorkers()
	return c
}

func (c *Client) startWorkers() {
	for i := 0; i < c.workers; i++ {
		c.workerWg.Add(1)
		go c.writeWorker(i)
	}
}

func (c *Client) writeWorker(id int) {
	defer c.workerWg.Done()
	for {
		select {
		case <-c.stopCh:
			c.drainQueue()
			c.logger.Debug("Write worker stopped", zap.Int("worker_id", id))
			return
		case req := <-c.writeQueue:
			c.processWrite(req)
		}
	}
}

func (c *Client) processWrite(req writeRequest) {
	metrics.PersistenceQueueDepth.Set(float64(len(c.writeQueue)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := c.SaveTurn(ctx, req.ConversationID, req.Turn, req.Title)
	if err != nil {
		// Idempotent append, so one blind retry is safe.
		err = c.SaveTurn(ctx, req.ConversationID, req.Turn, req.Title)
	}
	if err != nil {
		metrics.PersistenceFailures.Inc()
		c.logger.Error("Failed to persist turn",
			zap.String("conversation_id", req.ConversationID),
			zap.Error(err),
		)
	}
}

func (c *Client) drainQueue() {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case req := <-c.writeQueue:
			c.processWrite(req)
		case <-timeout:
			c.logger.Warn("Timeout draining write queue")
			return
		default:
			return
		}
	}
}

// QueueTurn enqueues a turn for background persistence. When the queue is
// full the write happens synchronously instead of being dropped.
func (c *Client) QueueTurn(conversationID string, turn models.Turn, title string) {
	req := writeRequest{ConversationID: conversationID, Turn: turn, Title: title}
	select {
	case c.writeQueue <- req:
		metrics.PersistenceQueueDepth.Set(float64(len(c.writeQueue)))
	default:
		c.logger.Warn("Write queue full, persisting synchronously",
			zap.String("conversation_id", conversationID))
		c.processWrite(req)
	}
}

func (c *Client) healthCheck() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.db.PingContext(ctx); err != nil {
				c.logger.Error("Database health check failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// DB exposes the underlying pool for components that share it.
func (c *Client) DB() *sqlx.DB {
	return c.db
}

// Ping reports store reachability for health endpoints.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close stops the workers, drains pending writes, and closes the pool.
func (c *Client) Close() error {
	close(c.stopCh)
	c.workerWg.Wait()
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	c.logger.Info("Database client closed")
	return nil
}
