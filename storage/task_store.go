package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"videoCourse/core"
)

// ---------------- Memory implementation ----------------

// MemoryTaskStore 进程内任务表，读写都做深拷贝
type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*core.Task
}

func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: map[string]*core.Task{}}
}

func (s *MemoryTaskStore) Create(_ context.Context, task *core.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return errors.Wrapf(core.ErrTaskExists, "task %s", task.ID)
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *MemoryTaskStore) Update(_ context.Context, id string, fn func(*core.Task) error) (*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[id]
	if !ok {
		return nil, errors.Wrapf(core.ErrTaskNotFound, "task %s", id)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	s.tasks[id] = next
	return next.Clone(), nil
}

func (s *MemoryTaskStore) Get(_ context.Context, id string) (*core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, errors.Wrapf(core.ErrTaskNotFound, "task %s", id)
	}
	return t.Clone(), nil
}

// ---------------- SQLite implementation ----------------

const createTasksTableSQL = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	record TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
`

// SQLTaskStore 任务表持久化到 SQLite，记录以 JSON 存储
type SQLTaskStore struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenSQLTaskStore 打开数据库并建表
func OpenSQLTaskStore(dsn string) (*SQLTaskStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// sqlite 只有一个写者
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(createTasksTableSQL); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create schema")
	}
	return &SQLTaskStore{db: db}, nil
}

func (s *SQLTaskStore) Create(ctx context.Context, task *core.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return errors.Wrap(err, "marshal task")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, status, record, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		task.ID, string(task.Status), string(data), task.CreatedAt.UTC(), task.UpdatedAt.UTC())
	if err != nil {
		return errors.Wrap(err, "insert task")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(core.ErrTaskExists, "task %s", task.ID)
	}
	return nil
}

func (s *SQLTaskStore) Update(ctx context.Context, id string, fn func(*core.Task) error) (*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	task, err := scanTask(tx.QueryRowContext(ctx, `SELECT record FROM tasks WHERE id = ?`, id), id)
	if err != nil {
		return nil, err
	}
	if err := fn(task); err != nil {
		return nil, err
	}
	data, err := json.Marshal(task)
	if err != nil {
		return nil, errors.Wrap(err, "marshal task")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, record = ?, updated_at = ? WHERE id = ?`,
		string(task.Status), string(data), time.Now().UTC(), id); err != nil {
		return nil, errors.Wrap(err, "update task")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit")
	}
	return task, nil
}

func (s *SQLTaskStore) Get(ctx context.Context, id string) (*core.Task, error) {
	return scanTask(s.db.QueryRowContext(ctx, `SELECT record FROM tasks WHERE id = ?`, id), id)
}

// ListUnfinished 重启后仍处于 queued/processing 的任务
func (s *SQLTaskStore) ListUnfinished(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM tasks WHERE status IN (?, ?)`,
		string(core.StatusQueued), string(core.StatusProcessing))
	if err != nil {
		return nil, errors.Wrap(err, "list unfinished")
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLTaskStore) Close() error { return s.db.Close() }

func scanTask(row *sql.Row, id string) (*core.Task, error) {
	var record string
	if err := row.Scan(&record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(core.ErrTaskNotFound, "task %s", id)
		}
		return nil, errors.Wrap(err, "select task")
	}
	var task core.Task
	if err := json.Unmarshal([]byte(record), &task); err != nil {
		return nil, errors.Wrap(err, "decode task")
	}
	return &task, nil
}
