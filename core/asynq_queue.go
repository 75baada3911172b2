package core

import (
	"context"
	"encoding/json"
	"log"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/hibiken/asynq"
)

// TypeProcessVideo asynq 任务类型
const TypeProcessVideo = "video:process"

// AsynqQueue 基于 Redis 的任务队列，作业不重试
type AsynqQueue struct {
	client    *asynq.Client
	server    *asynq.Server
	inspector *asynq.Inspector
	queue     string
	onDone    DoneFunc
	logger    *log.Logger
}

// NewAsynqQueue 创建 asynq 队列
func NewAsynqQueue(redisAddr string, concurrency int, onDone DoneFunc) *AsynqQueue {
	if concurrency <= 0 {
		concurrency = 4
	}
	opt := asynq.RedisClientOpt{Addr: redisAddr}
	queue := "default"
	return &AsynqQueue{
		client: asynq.NewClient(opt),
		server: asynq.NewServer(opt, asynq.Config{
			Concurrency: concurrency,
			Queues:      map[string]int{queue: 1},
			LogLevel:    asynq.WarnLevel,
		}),
		inspector: asynq.NewInspector(opt),
		queue:     queue,
		onDone:    onDone,
		logger:    log.New(os.Stdout, "[QUEUE] ", log.LstdFlags),
	}
}

// Start 注册处理函数并启动后台消费
func (q *AsynqQueue) Start(handler JobHandler) error {
	if handler == nil {
		return errors.New("nil job handler")
	}
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeProcessVideo, func(ctx context.Context, t *asynq.Task) error {
		var job Job
		if err := json.Unmarshal(t.Payload(), &job); err != nil {
			return errors.Wrap(asynq.SkipRetry, err.Error())
		}
		return runHandler(ctx, handler, job)
	})
	return q.server.Start(q.lifecycleMiddleware(mux))
}

// lifecycleMiddleware 作业结束后回调
func (q *AsynqQueue) lifecycleMiddleware(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		err := next.ProcessTask(ctx, t)
		var job Job
		if jerr := json.Unmarshal(t.Payload(), &job); jerr == nil && q.onDone != nil {
			q.onDone(job, err)
		}
		if err != nil {
			q.logger.Printf("job %s failed: %v", job.TaskID, err)
		}
		return err
	})
}

// Submit 入队，asynq 任务 ID 与 task_id 相同以便取消
func (q *AsynqQueue) Submit(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "marshal job")
	}
	t := asynq.NewTask(TypeProcessVideo, payload)
	info, err := q.client.EnqueueContext(ctx, t,
		asynq.Queue(q.queue),
		asynq.TaskID(job.TaskID),
		asynq.MaxRetry(0),
	)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return errors.Wrapf(ErrTaskExists, "job %s", job.TaskID)
		}
		return errors.Wrap(err, "enqueue job")
	}
	q.logger.Printf("enqueued %s (queue=%s)", info.ID, info.Queue)
	return nil
}

// Cancel 删除排队中的作业，或通知正在执行的作业取消
func (q *AsynqQueue) Cancel(taskID string) error {
	if err := q.inspector.DeleteTask(q.queue, taskID); err == nil {
		if q.onDone != nil {
			q.onDone(Job{TaskID: taskID}, errors.Wrap(ErrCancelled, "cancelled before start"))
		}
		return nil
	}
	if err := q.inspector.CancelProcessing(taskID); err != nil {
		return errors.Wrapf(ErrNotCancellable, "job %s: %v", taskID, err)
	}
	return nil
}

// Shutdown 关闭服务端与客户端
func (q *AsynqQueue) Shutdown(_ context.Context) error {
	q.server.Shutdown()
	if err := q.inspector.Close(); err != nil {
		q.logger.Printf("close inspector: %v", err)
	}
	return q.client.Close()
}
