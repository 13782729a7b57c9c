package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Index 是标识哈希到元数据的持久化映射，并维护标签多对多关系。
// 所有写操作经 writeMutex 串行，同一行遵循最后写入者生效。
type Index struct {
	db         *sql.DB
	writeMutex *sync.Mutex
	now        func() time.Time
}

// New 基于已完成建表的数据库构建索引，clock 为空时使用 time.Now。
func New(db *sql.DB, clock func() time.Time) *Index {
	if clock == nil {
		clock = time.Now
	}
	return &Index{db: db, writeMutex: &sync.Mutex{}, now: clock}
}

// Set 覆盖写入记录：先删除同一标识的旧行与旧标签，再插入新行。
func (i *Index) Set(ctx context.Context, hash string, record Record, tags []string) error {
	content, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	i.writeMutex.Lock()
	defer i.writeMutex.Unlock()

	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := deleteRows(ctx, tx, []string{hash}); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO cache_entries (identifier, expires, content) VALUES (?, ?, ?)",
		hash, record.Expires, content,
	); err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	for _, tag := range uniqueTags(tags) {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO cache_tags (identifier, tag) VALUES (?, ?)", hash, tag,
		); err != nil {
			return fmt.Errorf("insert tag: %w", err)
		}
	}
	return tx.Commit()
}

// Get 读取记录并回填标签。无法反序列化的行会被删除并视为不存在。
func (i *Index) Get(ctx context.Context, hash string) (Record, error) {
	var content []byte
	err := i.db.QueryRowContext(ctx,
		"SELECT content FROM cache_entries WHERE identifier = ?", hash,
	).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}

	var record Record
	if err := json.Unmarshal(content, &record); err != nil {
		if _, rmErr := i.Remove(ctx, hash); rmErr != nil {
			return Record{}, rmErr
		}
		return Record{}, ErrNotFound
	}

	tags, err := i.queryStrings(ctx, "SELECT tag FROM cache_tags WHERE identifier = ? ORDER BY tag", hash)
	if err != nil {
		return Record{}, err
	}
	record.Tags = tags
	return record, nil
}

// Has 判断是否存在未过期的行；ignoreExpiry 为 true 时只看行是否存在。
func (i *Index) Has(ctx context.Context, hash string, ignoreExpiry bool) (bool, error) {
	query := "SELECT 1 FROM cache_entries WHERE identifier = ?"
	args := []any{hash}
	if !ignoreExpiry {
		query += " AND expires >= ?"
		args = append(args, i.now().Unix())
	}
	var one int
	err := i.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Remove 删除一行及其标签，返回删除前该行是否存在。
func (i *Index) Remove(ctx context.Context, hash string) (bool, error) {
	removed, err := i.RemoveAll(ctx, []string{hash})
	return removed > 0, err
}

// RemoveAll 在一个事务内删除多行，返回实际删除的行数。
func (i *Index) RemoveAll(ctx context.Context, hashes []string) (int64, error) {
	if len(hashes) == 0 {
		return 0, nil
	}

	i.writeMutex.Lock()
	defer i.writeMutex.Unlock()

	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var removed int64
	for _, chunk := range chunks(hashes) {
		res, err := tx.ExecContext(ctx,
			"DELETE FROM cache_entries WHERE identifier IN ("+placeholders(len(chunk))+")",
			toArgs(chunk)...,
		)
		if err != nil {
			return 0, fmt.Errorf("delete records: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM cache_tags WHERE identifier IN ("+placeholders(len(chunk))+")",
			toArgs(chunk)...,
		); err != nil {
			return 0, fmt.Errorf("delete tags: %w", err)
		}
	}
	return removed, tx.Commit()
}

// FindIdentifiersByTag 返回带有 tag 的标识。失效条目默认被排除，
// 失效清理需要传入 ignoreExpiry 才能找到文件尚未回收的条目。
func (i *Index) FindIdentifiersByTag(ctx context.Context, tag string, ignoreExpiry bool) ([]string, error) {
	return i.FindIdentifiersByTags(ctx, []string{tag}, ignoreExpiry)
}

// FindIdentifiersByTags 返回带有任一 tag 的标识（去重、有序）。
func (i *Index) FindIdentifiersByTags(ctx context.Context, tags []string, ignoreExpiry bool) ([]string, error) {
	tags = uniqueTags(tags)
	if len(tags) == 0 {
		return nil, nil
	}
	query := "SELECT DISTINCT t.identifier FROM cache_tags t JOIN cache_entries e ON e.identifier = t.identifier WHERE t.tag IN (" +
		placeholders(len(tags)) + ")"
	args := toArgs(tags)
	if !ignoreExpiry {
		query += " AND e.expires >= ?"
		args = append(args, i.now().Unix())
	}
	query += " ORDER BY t.identifier"
	return i.queryStrings(ctx, query, args...)
}

// FindExpiredIdentifiers 返回 expires 早于 before 的标识。
func (i *Index) FindExpiredIdentifiers(ctx context.Context, before time.Time) ([]string, error) {
	return i.queryStrings(ctx,
		"SELECT identifier FROM cache_entries WHERE expires < ? ORDER BY expires, identifier",
		before.Unix(),
	)
}

// FindAllIdentifiers 返回索引中全部标识。
func (i *Index) FindAllIdentifiers(ctx context.Context) ([]string, error) {
	return i.queryStrings(ctx, "SELECT identifier FROM cache_entries ORDER BY identifier")
}

// Flush 清空索引。
func (i *Index) Flush(ctx context.Context) error {
	i.writeMutex.Lock()
	defer i.writeMutex.Unlock()

	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM cache_entries"); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM cache_tags"); err != nil {
		return err
	}
	return tx.Commit()
}

// FlushByTag 删除带有 tag 的全部行（包括已过期的）。
func (i *Index) FlushByTag(ctx context.Context, tag string) (int64, error) {
	return i.FlushByTags(ctx, []string{tag})
}

// FlushByTags 删除带有任一 tag 的全部行（包括已过期的）。
func (i *Index) FlushByTags(ctx context.Context, tags []string) (int64, error) {
	hashes, err := i.FindIdentifiersByTags(ctx, tags, true)
	if err != nil {
		return 0, err
	}
	return i.RemoveAll(ctx, hashes)
}

// CollectGarbage 删除 expires 早于 before 的行，before 之后写入的新行不受影响。
func (i *Index) CollectGarbage(ctx context.Context, before time.Time) (int64, error) {
	i.writeMutex.Lock()
	defer i.writeMutex.Unlock()

	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM cache_tags WHERE identifier IN (SELECT identifier FROM cache_entries WHERE expires < ?)",
		before.Unix(),
	); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM cache_entries WHERE expires < ?", before.Unix())
	if err != nil {
		return 0, err
	}
	removed, _ := res.RowsAffected()
	return removed, tx.Commit()
}

// Count 返回索引行数。
func (i *Index) Count(ctx context.Context) (int, error) {
	var count int
	err := i.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cache_entries").Scan(&count)
	return count, err
}

func (i *Index) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := i.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, rows.Err()
}

func deleteRows(ctx context.Context, tx *sql.Tx, hashes []string) error {
	args := toArgs(hashes)
	marks := placeholders(len(hashes))
	if _, err := tx.ExecContext(ctx, "DELETE FROM cache_entries WHERE identifier IN ("+marks+")", args...); err != nil {
		return fmt.Errorf("delete previous record: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM cache_tags WHERE identifier IN ("+marks+")", args...); err != nil {
		return fmt.Errorf("delete previous tags: %w", err)
	}
	return nil
}

// SQLite 默认限制单条语句的参数个数，批量删除按块执行。
const maxParams = 500

func chunks(values []string) [][]string {
	var out [][]string
	for len(values) > maxParams {
		out = append(out, values[:maxParams])
		values = values[maxParams:]
	}
	if len(values) > 0 {
		out = append(out, values)
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func uniqueTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
