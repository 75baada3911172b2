package core

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/cockroachdb/errors"
)

// TaskStore 任务记录的键值存储，实现需保证并发安全
type TaskStore interface {
	Create(ctx context.Context, task *Task) error
	// Update 在存储内部对单条记录执行 fn，fn 返回错误时不写回
	Update(ctx context.Context, id string, fn func(*Task) error) (*Task, error)
	Get(ctx context.Context, id string) (*Task, error)
}

// Registry 任务登记表，负责维护任务状态机
//
// processing 状态下进度只增不减；completed/failed 只会进入一次，之后的更新全部拒绝。
type Registry struct {
	store  TaskStore
	now    func() time.Time
	logger *log.Logger
}

// NewRegistry 创建任务登记表
func NewRegistry(store TaskStore) *Registry {
	return &Registry{
		store:  store,
		now:    time.Now,
		logger: log.New(os.Stdout, "[REGISTRY] ", log.LstdFlags),
	}
}

// Create 新建排队中的任务
func (r *Registry) Create(ctx context.Context, id string) (*Task, error) {
	now := r.now()
	task := &Task{
		ID:          id,
		Status:      StatusQueued,
		CurrentStep: "Queued",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.Create(ctx, task); err != nil {
		return nil, err
	}
	return task.Clone(), nil
}

// Get 查询任务
func (r *Registry) Get(ctx context.Context, id string) (*Task, error) {
	return r.store.Get(ctx, id)
}

// Advance 推进进度，并把任务置为 processing
func (r *Registry) Advance(ctx context.Context, id string, progress int, step string) (*Task, error) {
	return r.update(ctx, id, func(t *Task) {
		t.Status = StatusProcessing
		if progress > t.Progress {
			t.Progress = min(progress, 100)
		}
		t.CurrentStep = step
	})
}

// Mutate 修改任务的计数或诊断信息，不改变状态
func (r *Registry) Mutate(ctx context.Context, id string, fn func(*Task)) (*Task, error) {
	return r.update(ctx, id, fn)
}

// Complete 任务成功结束
func (r *Registry) Complete(ctx context.Context, id string, fn func(*Task)) (*Task, error) {
	return r.update(ctx, id, func(t *Task) {
		if fn != nil {
			fn(t)
		}
		t.Status = StatusCompleted
		t.Progress = 100
		t.CurrentStep = "Done"
		t.Error = ""
	})
}

// Fail 任务失败结束，进度保持在失败时的阶段
func (r *Registry) Fail(ctx context.Context, id string, cause error) (*Task, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	r.logger.Printf("task %s failed: %s", id, msg)
	return r.update(ctx, id, func(t *Task) {
		t.Status = StatusFailed
		t.CurrentStep = "Error"
		t.Error = msg
	})
}

func (r *Registry) update(ctx context.Context, id string, fn func(*Task)) (*Task, error) {
	return r.store.Update(ctx, id, func(t *Task) error {
		if t.Status.IsTerminal() {
			return errors.Wrapf(ErrTaskTerminal, "task %s is %s", id, t.Status)
		}
		fn(t)
		t.UpdatedAt = r.now()
		return nil
	})
}
