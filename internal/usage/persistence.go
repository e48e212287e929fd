// Package usage tracks per-model inference statistics: in-memory counters
// for the stats endpoint and optional SQLite persistence with async batched
// writes.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/weavink/embedgate/internal/logging"
	_ "modernc.org/sqlite"
)

// Record represents a single inference call for persistence.
type Record struct {
	Method      string
	Model       string
	Capability  string
	RequestedAt time.Time
	Failed      bool
	BatchSize   int64
	LatencyMs   float64
}

// Persister handles SQLite persistence for inference records with async batched writes.
type Persister struct {
	db            *sql.DB
	recordChan    chan Record
	flushTicker   *time.Ticker
	wg            sync.WaitGroup
	stopOnce      sync.Once
	stopChan      chan struct{}
	batchSize     int
	flushInterval time.Duration
	retentionDays int
	cleanupTicker *time.Ticker
	dbPath        string
}

const (
	defaultBatchSize         = 100
	defaultFlushInterval     = 5 * time.Second
	defaultRetentionDays     = 30
	defaultChannelBufferSize = 1000
)

// NewPersister initializes a new SQLite persister with the given configuration.
func NewPersister(dbPath string, batchSize, flushIntervalSecs, retentionDays int) (*Persister, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}

	// Expand ~ to home directory
	if strings.HasPrefix(dbPath, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dbPath = filepath.Join(home, dbPath[1:])
	}

	// Ensure parent directory exists
	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Open database with WAL mode
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=-64000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if flushIntervalSecs <= 0 {
		flushIntervalSecs = int(defaultFlushInterval.Seconds())
	}
	if retentionDays <= 0 {
		retentionDays = defaultRetentionDays
	}

	p := &Persister{
		db:            db,
		recordChan:    make(chan Record, defaultChannelBufferSize),
		flushTicker:   time.NewTicker(time.Duration(flushIntervalSecs) * time.Second),
		stopChan:      make(chan struct{}),
		batchSize:     batchSize,
		flushInterval: time.Duration(flushIntervalSecs) * time.Second,
		retentionDays: retentionDays,
		cleanupTicker: time.NewTicker(24 * time.Hour),
		dbPath:        dbPath,
	}

	p.wg.Add(2)
	go p.writeLoop()
	go p.cleanupLoop()

	return p, nil
}

// initSchema creates the inference_records table and indexes if they don't exist.
func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS inference_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		method TEXT NOT NULL,
		model TEXT NOT NULL,
		capability TEXT NOT NULL DEFAULT 'embedding',
		requested_at TIMESTAMP NOT NULL,
		failed BOOLEAN NOT NULL DEFAULT 0,
		batch_size INTEGER NOT NULL DEFAULT 1,
		latency_ms REAL NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_inference_requested_at ON inference_records(requested_at);
	CREATE INDEX IF NOT EXISTS idx_inference_method_model ON inference_records(method, model);
	`

	_, err := db.Exec(schema)
	return err
}

// Enqueue adds a record to the persistence queue.
// Non-blocking; drops records if the queue is full.
func (p *Persister) Enqueue(record Record) {
	if p == nil {
		return
	}
	select {
	case p.recordChan <- record:
	default:
		log.Warnf("Usage persistence queue full, dropping record for %s/%s", record.Method, record.Model)
	}
}

// writeLoop continuously reads from the record channel and writes in batches.
func (p *Persister) writeLoop() {
	defer p.wg.Done()

	batch := make([]Record, 0, p.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := p.writeBatch(batch); err != nil {
			log.Errorf("Failed to write usage batch: %v", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case record := <-p.recordChan:
			batch = append(batch, record)
			if len(batch) >= p.batchSize {
				flush()
			}
		case <-p.flushTicker.C:
			flush()
		case <-p.stopChan:
			// Drain remaining records
			for {
				select {
				case record := <-p.recordChan:
					batch = append(batch, record)
					if len(batch) >= p.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// writeBatch writes a batch of records to the database in a single transaction.
func (p *Persister) writeBatch(records []Record) error {
	if len(records) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO inference_records (
			method, model, capability, requested_at, failed, batch_size, latency_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, record := range records {
		_, err := stmt.ExecContext(ctx,
			record.Method,
			record.Model,
			record.Capability,
			record.RequestedAt,
			record.Failed,
			record.BatchSize,
			record.LatencyMs,
		)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to insert record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// cleanupLoop periodically removes old records based on retention policy.
func (p *Persister) cleanupLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.cleanupTicker.C:
			if err := p.cleanup(); err != nil {
				log.Errorf("Failed to cleanup old usage records: %v", err)
			}
		case <-p.stopChan:
			return
		}
	}
}

// cleanup removes records older than the retention period.
func (p *Persister) cleanup() error {
	cutoffTime := time.Now().AddDate(0, 0, -p.retentionDays)

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
	defer cancel()

	result, err := p.db.ExecContext(ctx, `
		DELETE FROM inference_records WHERE requested_at < ?
	`, cutoffTime)
	if err != nil {
		return err
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		log.Infof("Cleaned up %d usage records older than %d days", rowsAffected, p.retentionDays)
	}

	return nil
}

// Stop gracefully shuts down the persister, flushing pending writes.
func (p *Persister) Stop() error {
	if p == nil {
		return nil
	}

	var err error
	p.stopOnce.Do(func() {
		close(p.stopChan)

		p.flushTicker.Stop()
		p.cleanupTicker.Stop()

		p.wg.Wait()

		if p.db != nil {
			err = p.db.Close()
		}
	})

	return err
}

// DBPath returns the filesystem path to the SQLite database.
func (p *Persister) DBPath() string {
	if p == nil {
		return ""
	}
	return p.dbPath
}
