package core

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// TaskQueue 任务队列抽象：每次上传提交一个作业
type TaskQueue interface {
	// Start 注册作业处理函数并启动消费
	Start(handler JobHandler) error
	Submit(ctx context.Context, job Job) error
	// Cancel 取消排队中或执行中的作业
	Cancel(taskID string) error
	Shutdown(ctx context.Context) error
}

// DoneFunc 作业结束回调，err 为处理函数返回的错误（包括 panic）
type DoneFunc func(job Job, err error)

// QueueMetrics 队列指标
type QueueMetrics struct {
	TotalJobs     int64         `json:"total_jobs"`
	CompletedJobs int64         `json:"completed_jobs"`
	FailedJobs    int64         `json:"failed_jobs"`
	ActiveJobs    int64         `json:"active_jobs"`
	AverageTime   time.Duration `json:"average_time"`
	TotalTime     time.Duration `json:"total_time"`
}

type queuedJob struct {
	Job
	ctx    context.Context
	cancel context.CancelFunc
}

// LocalQueue 进程内并发队列
type LocalQueue struct {
	MaxWorkers int
	JobQueue   chan *queuedJob
	Quit       chan struct{}
	Wg         sync.WaitGroup
	ActiveJobs map[string]*queuedJob
	JobsMutex  sync.RWMutex
	Metrics    *QueueMetrics
	metricsMu  sync.RWMutex

	onDone  DoneFunc
	handler JobHandler
	closed  bool
	base    context.Context
	stop    context.CancelFunc
}

// NewLocalQueue 创建进程内队列，maxWorkers<=0 时取 CPU 数
func NewLocalQueue(maxWorkers, queueSize int, onDone DoneFunc) *LocalQueue {
	if maxWorkers <= 0 {
		maxWorkers = getEnvInt("WORKERS", runtime.NumCPU())
	}
	if queueSize <= 0 {
		queueSize = maxWorkers * 2
	}
	base, stop := context.WithCancel(context.Background())
	return &LocalQueue{
		MaxWorkers: maxWorkers,
		JobQueue:   make(chan *queuedJob, queueSize),
		Quit:       make(chan struct{}),
		ActiveJobs: make(map[string]*queuedJob),
		Metrics:    &QueueMetrics{},
		onDone:     onDone,
		base:       base,
		stop:       stop,
	}
}

// Start 启动工作协程
func (q *LocalQueue) Start(handler JobHandler) error {
	if handler == nil {
		return errors.New("nil job handler")
	}
	q.handler = handler
	log.Printf("启动任务队列，工作协程数: %d", q.MaxWorkers)
	for i := 0; i < q.MaxWorkers; i++ {
		q.Wg.Add(1)
		go q.worker(i + 1)
	}
	return nil
}

// Submit 提交作业，队列已满时立即返回 ErrQueueFull
func (q *LocalQueue) Submit(_ context.Context, job Job) error {
	ctx, cancel := context.WithCancel(q.base)
	qj := &queuedJob{Job: job, ctx: ctx, cancel: cancel}

	q.JobsMutex.Lock()
	if q.closed {
		q.JobsMutex.Unlock()
		cancel()
		return ErrQueueClosed
	}
	if _, exists := q.ActiveJobs[job.TaskID]; exists {
		q.JobsMutex.Unlock()
		cancel()
		return errors.Wrapf(ErrTaskExists, "job %s", job.TaskID)
	}
	select {
	case q.JobQueue <- qj:
		q.ActiveJobs[job.TaskID] = qj
	default:
		q.JobsMutex.Unlock()
		cancel()
		return ErrQueueFull
	}
	q.JobsMutex.Unlock()

	q.metricsMu.Lock()
	q.Metrics.TotalJobs++
	q.Metrics.ActiveJobs++
	q.metricsMu.Unlock()

	log.Printf("任务已提交: %s", job.TaskID)
	return nil
}

// Cancel 取消任务
func (q *LocalQueue) Cancel(taskID string) error {
	q.JobsMutex.RLock()
	qj, exists := q.ActiveJobs[taskID]
	q.JobsMutex.RUnlock()
	if !exists {
		return errors.Wrapf(ErrTaskNotFound, "job %s", taskID)
	}
	qj.cancel()
	log.Printf("任务已取消: %s", taskID)
	return nil
}

// Shutdown 停止接收新作业，取消进行中的作业并等待工作协程退出
func (q *LocalQueue) Shutdown(ctx context.Context) error {
	q.JobsMutex.Lock()
	if q.closed {
		q.JobsMutex.Unlock()
		return nil
	}
	q.closed = true
	q.JobsMutex.Unlock()

	q.stop()
	close(q.Quit)

	done := make(chan struct{})
	go func() {
		q.Wg.Wait()
		q.drain()
		close(done)
	}()
	select {
	case <-done:
		log.Println("任务队列已停止")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetMetrics 获取队列指标快照
func (q *LocalQueue) GetMetrics() QueueMetrics {
	q.metricsMu.RLock()
	defer q.metricsMu.RUnlock()
	m := QueueMetrics{
		TotalJobs:     q.Metrics.TotalJobs,
		CompletedJobs: q.Metrics.CompletedJobs,
		FailedJobs:    q.Metrics.FailedJobs,
		ActiveJobs:    q.Metrics.ActiveJobs,
		TotalTime:     q.Metrics.TotalTime,
	}
	if done := m.CompletedJobs + m.FailedJobs; done > 0 {
		m.AverageTime = time.Duration(int64(m.TotalTime) / done)
	}
	return m
}

// drain 关闭后仍在通道里的作业按取消处理
func (q *LocalQueue) drain() {
	for {
		select {
		case qj := <-q.JobQueue:
			q.process(0, qj)
		default:
			return
		}
	}
}

func (q *LocalQueue) worker(id int) {
	defer q.Wg.Done()
	for {
		select {
		case qj := <-q.JobQueue:
			q.process(id, qj)
		case <-q.Quit:
			return
		}
	}
}

func (q *LocalQueue) process(workerID int, qj *queuedJob) {
	start := time.Now()
	var err error
	if qj.ctx.Err() != nil {
		// 排队期间已被取消
		err = errors.Wrap(ErrCancelled, "cancelled before start")
	} else {
		log.Printf("工作协程 %d 开始处理任务: %s", workerID, qj.TaskID)
		err = runHandler(qj.ctx, q.handler, qj.Job)
	}
	qj.cancel()

	q.JobsMutex.Lock()
	delete(q.ActiveJobs, qj.TaskID)
	q.JobsMutex.Unlock()

	elapsed := time.Since(start)
	q.metricsMu.Lock()
	q.Metrics.ActiveJobs--
	q.Metrics.TotalTime += elapsed
	if err != nil {
		q.Metrics.FailedJobs++
	} else {
		q.Metrics.CompletedJobs++
	}
	q.metricsMu.Unlock()

	log.Printf("任务结束: %s (成功: %v, 耗时: %v)", qj.TaskID, err == nil, elapsed)
	if q.onDone != nil {
		q.onDone(qj.Job, err)
	}
}

// runHandler 执行处理函数并把 panic 转成错误
func runHandler(ctx context.Context, handler JobHandler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("panic: %v", r)
			log.Printf("任务 %s panic: %s", job.TaskID, fmt.Sprint(r))
		}
	}()
	return handler(ctx, job)
}
