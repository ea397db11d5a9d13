package pgqueue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	_ "github.com/lib/pq"

	"github.com/conductline/conduct/queue"
	"github.com/conductline/conduct/types"
	"github.com/conductline/conduct/utils"
)

var (
	_ queue.Queue = &pgQueue{}
)

const pollInterval = 100 * time.Millisecond

/**
 * pgQueue implements the queue contract on a PostgreSQL table. Leasing
 * uses SELECT ... FOR UPDATE SKIP LOCKED plus a locked_until column,
 * so concurrent workers on separate connections never double-lease a
 * visible task and a crashed worker's lease simply times out.
 */
type pgQueue struct {
	db            *sql.DB
	ownDB         bool
	leaseDuration time.Duration
}

func NewPostgresQueue(config *types.PostgresConfig, leaseDuration time.Duration) (queue.Queue, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.Database, config.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to open postgres connection")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Annotatef(err, "failed to ping postgres")
	}

	q := &pgQueue{db: db, ownDB: true, leaseDuration: leaseDuration}
	if err := q.initTable(context.Background()); err != nil {
		db.Close()
		return nil, errors.Annotatef(err, "failed to initialize queue table")
	}
	return q, nil
}

// NewPostgresQueueWithDB reuses an existing connection pool.
func NewPostgresQueueWithDB(db *sql.DB, leaseDuration time.Duration) (queue.Queue, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	q := &pgQueue{db: db, leaseDuration: leaseDuration}
	if err := q.initTable(context.Background()); err != nil {
		return nil, errors.Annotatef(err, "failed to initialize queue table")
	}
	return q, nil
}

func (q *pgQueue) initTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS conduct_queue (
			id BIGSERIAL PRIMARY KEY,
			payload BYTEA NOT NULL,
			ready_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			locked_until TIMESTAMPTZ,
			receipt VARCHAR(64),
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_conduct_queue_ready ON conduct_queue(ready_at);
		CREATE INDEX IF NOT EXISTS idx_conduct_queue_receipt ON conduct_queue(receipt);
	`

	_, err := q.db.ExecContext(ctx, query)
	if err != nil {
		return errors.Annotatef(err, "failed to create queue table")
	}
	return nil
}

func (q *pgQueue) Push(ctx context.Context, task *types.Task, delay time.Duration) error {
	b, err := utils.Serialize(task)
	if err != nil {
		return errors.Trace(err)
	}

	query := `INSERT INTO conduct_queue (payload, ready_at) VALUES ($1, CURRENT_TIMESTAMP + $2::interval)`
	if _, err := q.db.ExecContext(ctx, query, b, fmt.Sprintf("%f seconds", delay.Seconds())); err != nil {
		return types.NewQueueError(errors.Annotatef(err, "push task %s", task.ID))
	}
	return nil
}

func (q *pgQueue) Pop(ctx context.Context, timeout time.Duration) (*queue.Leased, error) {
	deadline := time.Now().Add(timeout)
	for {
		leased, err := q.tryPop(ctx)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if leased != nil {
			return leased, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(pollInterval):
		}
	}
}

func (q *pgQueue) tryPop(ctx context.Context) (*queue.Leased, error) {
	receipt := uuid.NewString()

	query := `
		UPDATE conduct_queue SET
			locked_until = CURRENT_TIMESTAMP + $1::interval,
			receipt = $2
		WHERE id = (
			SELECT id FROM conduct_queue
			WHERE ready_at <= CURRENT_TIMESTAMP
			  AND (locked_until IS NULL OR locked_until < CURRENT_TIMESTAMP)
			ORDER BY ready_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING payload, locked_until
	`

	var payload []byte
	var lockedUntil time.Time
	err := q.db.QueryRowContext(ctx, query,
		fmt.Sprintf("%f seconds", q.leaseDuration.Seconds()), receipt,
	).Scan(&payload, &lockedUntil)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewQueueError(errors.Annotatef(err, "lease task"))
	}

	task := &types.Task{}
	if err := utils.Unserialize(payload, task); err != nil {
		return nil, errors.Trace(err)
	}
	return &queue.Leased{Task: *task, Receipt: receipt, Deadline: lockedUntil}, nil
}

func (q *pgQueue) Delete(ctx context.Context, receipt string) error {
	// idempotent: deleting an unknown receipt matches zero rows
	query := `DELETE FROM conduct_queue WHERE receipt = $1`
	if _, err := q.db.ExecContext(ctx, query, receipt); err != nil {
		return types.NewQueueError(errors.Annotatef(err, "delete receipt %s", receipt))
	}
	return nil
}

func (q *pgQueue) ExtendLease(ctx context.Context, receipt string, d time.Duration) error {
	query := `UPDATE conduct_queue SET locked_until = CURRENT_TIMESTAMP + $1::interval WHERE receipt = $2`
	res, err := q.db.ExecContext(ctx, query, fmt.Sprintf("%f seconds", d.Seconds()), receipt)
	if err != nil {
		return types.NewQueueError(errors.Annotatef(err, "extend lease %s", receipt))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return types.NewQueueErrorf("unknown receipt %s", receipt)
	}
	return nil
}

func (q *pgQueue) Close() error {
	if q.ownDB {
		return q.db.Close()
	}
	return nil
}
