package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrEmpty 表示当前没有可认领的队列项。
var ErrEmpty = errors.New("warmup queue empty")

// Item 是一个等待重新预热的缓存标识。
type Item struct {
	ID         int64
	Identifier string
	EnqueuedAt time.Time
	Attempts   int
	LastError  string
	claim      string
}

// Queue 是持久化在 SQLite 中的预热队列，按入队顺序（FIFO）认领。
// 认领是单条 UPDATE，同一项不会被两个 worker 同时取走。
type Queue struct {
	db           *sql.DB
	claimTimeout time.Duration
	now          func() time.Time
}

// Option 调整队列行为。
type Option func(*Queue)

// WithClock 注入时钟，便于测试认领超时。
func WithClock(clock func() time.Time) Option {
	return func(q *Queue) {
		if clock != nil {
			q.now = clock
		}
	}
}

// WithClaimTimeout 设置认领超时，超时未完成的项可被其他 worker 重新认领。
func WithClaimTimeout(timeout time.Duration) Option {
	return func(q *Queue) {
		q.claimTimeout = timeout
	}
}

// New 构建队列，默认认领超时 10 分钟。
func New(db *sql.DB, opts ...Option) *Queue {
	q := &Queue{db: db, claimTimeout: 10 * time.Minute, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// AddIdentifier 入队一个标识；已有未认领的同名项时不重复入队。
func (q *Queue) AddIdentifier(ctx context.Context, identifier string) error {
	return q.AddIdentifiers(ctx, []string{identifier})
}

// AddIdentifiers 批量入队，重复入队是无害的空操作。
func (q *Queue) AddIdentifiers(ctx context.Context, identifiers []string) error {
	if len(identifiers) == 0 {
		return nil
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := q.now().Unix()
	for _, identifier := range identifiers {
		if identifier == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO warmup_queue (identifier, enqueued_at)
			SELECT ?, ? WHERE NOT EXISTS (
				SELECT 1 FROM warmup_queue WHERE identifier = ? AND claim = ''
			)`,
			identifier, now, identifier,
		); err != nil {
			return fmt.Errorf("enqueue %s: %w", identifier, err)
		}
	}
	return tx.Commit()
}

// Claim 认领最早入队的空闲项（或认领已超时的项）。没有可认领项时返回 ErrEmpty。
func (q *Queue) Claim(ctx context.Context) (Item, error) {
	token := uuid.NewString()
	now := q.now()
	stale := now.Add(-q.claimTimeout).Unix()

	res, err := q.db.ExecContext(ctx,
		`UPDATE warmup_queue SET claim = ?, claimed_at = ?
		WHERE id = (
			SELECT id FROM warmup_queue
			WHERE claim = '' OR claimed_at < ?
			ORDER BY id LIMIT 1
		)`,
		token, now.Unix(), stale,
	)
	if err != nil {
		return Item{}, fmt.Errorf("claim queue item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Item{}, ErrEmpty
	}

	var (
		item       Item
		enqueuedAt int64
	)
	err = q.db.QueryRowContext(ctx,
		"SELECT id, identifier, enqueued_at, attempts, last_error FROM warmup_queue WHERE claim = ?",
		token,
	).Scan(&item.ID, &item.Identifier, &enqueuedAt, &item.Attempts, &item.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrEmpty
	}
	if err != nil {
		return Item{}, err
	}
	item.EnqueuedAt = time.Unix(enqueuedAt, 0)
	item.claim = token
	return item, nil
}

// Done 删除已成功处理的项。认领已被他人接管时静默忽略。
func (q *Queue) Done(ctx context.Context, item Item) error {
	_, err := q.db.ExecContext(ctx,
		"DELETE FROM warmup_queue WHERE id = ? AND claim = ?", item.ID, item.claim,
	)
	return err
}

// Release 放回处理失败的项，记录失败原因，等待下一次运行重试。
func (q *Queue) Release(ctx context.Context, item Item, cause error) error {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	_, err := q.db.ExecContext(ctx,
		`UPDATE warmup_queue SET claim = '', claimed_at = 0, attempts = attempts + 1, last_error = ?
		WHERE id = ? AND claim = ?`,
		message, item.ID, item.claim,
	)
	return err
}

// Count 返回队列中的全部项数（包括已认领的）。
func (q *Queue) Count(ctx context.Context) (int, error) {
	var count int
	err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM warmup_queue").Scan(&count)
	return count, err
}

// Pending 返回按入队顺序排列的未认领项，limit 为 0 表示不限。
func (q *Queue) Pending(ctx context.Context, limit int) ([]Item, error) {
	query := "SELECT id, identifier, enqueued_at, attempts, last_error FROM warmup_queue WHERE claim = '' ORDER BY id"
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var (
			item       Item
			enqueuedAt int64
		)
		if err := rows.Scan(&item.ID, &item.Identifier, &enqueuedAt, &item.Attempts, &item.LastError); err != nil {
			return nil, err
		}
		item.EnqueuedAt = time.Unix(enqueuedAt, 0)
		items = append(items, item)
	}
	return items, rows.Err()
}
