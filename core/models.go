package core

import (
	"context"
	"os"
	"strconv"
	"time"
)

// ========== 任务状态 ==========

type TaskStatus string

const (
	StatusQueued     TaskStatus = "queued"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// IsTerminal 是否为终止状态
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Degradation 某个阶段降级处理的记录
type Degradation struct {
	Stage  string `json:"stage"`
	Item   string `json:"item,omitempty"`
	Reason string `json:"reason"`
}

// Task 一次上传对应的处理任务
type Task struct {
	ID                     string        `json:"task_id"`
	Status                 TaskStatus    `json:"status"`
	Progress               int           `json:"progress"`
	CurrentStep            string        `json:"current_step"`
	FramesExtracted        int           `json:"frames_extracted"`
	WaterRemovedPercent    float64       `json:"water_removed_percent"`
	NewVideoURL            string        `json:"new_video_url,omitempty"`
	PDFURL                 string        `json:"pdf_url,omitempty"`
	MindmapURL             string        `json:"mindmap_url,omitempty"`
	QuizData               *Quiz         `json:"quiz_data,omitempty"`
	Flashcards             []Flashcard   `json:"flashcards"`
	Error                  string        `json:"error,omitempty"`
	ClassificationFailures int           `json:"classification_failures"`
	Degradations           []Degradation `json:"degradations,omitempty"`
	CreatedAt              time.Time     `json:"created_at"`
	UpdatedAt              time.Time     `json:"updated_at"`
}

// Clone 深拷贝，避免调用方持有内部状态
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.QuizData != nil {
		q := Quiz{Questions: make([]QuizQuestion, len(t.QuizData.Questions))}
		for i, qq := range t.QuizData.Questions {
			qq.Options = append([]string(nil), qq.Options...)
			q.Questions[i] = qq
		}
		c.QuizData = &q
	}
	if t.Flashcards != nil {
		c.Flashcards = append(make([]Flashcard, 0, len(t.Flashcards)), t.Flashcards...)
	}
	if t.Degradations != nil {
		c.Degradations = append([]Degradation(nil), t.Degradations...)
	}
	return &c
}

// ========== 分析结果 ==========

// Verdict 模型对单帧的判断
type Verdict struct {
	IsKeyMoment bool   `json:"is_key_moment"`
	Description string `json:"description"`
	Importance  int    `json:"importance"`
	Topic       string `json:"topic"`
}

// KeyMoment 关键时刻：采样时间点、帧图像与模型判断
type KeyMoment struct {
	TimestampSec float64 `json:"timestamp"`
	FramePath    string  `json:"frame_path"`
	Image        []byte  `json:"-"`
	Verdict      Verdict `json:"analysis"`
}

// Frame 采样得到的帧
type Frame struct {
	TimestampSec float64 `json:"timestamp_sec"`
	Path         string  `json:"path"`
	Image        []byte  `json:"-"`
}

// VideoInfo ffprobe 探测结果
type VideoInfo struct {
	FPS        float64 `json:"fps"`
	FrameCount int     `json:"frame_count"`
	Duration   float64 `json:"duration"`
}

// ========== 学习材料 ==========

type QuizQuestion struct {
	Question    string   `json:"question"`
	Options     []string `json:"options"`
	Correct     int      `json:"correct"`
	Explanation string   `json:"explanation"`
}

type Quiz struct {
	Questions []QuizQuestion `json:"questions"`
}

type Flashcard struct {
	Front    string `json:"front"`
	Back     string `json:"back"`
	Category string `json:"category"`
}

// MindmapNode 思维导图节点
type MindmapNode struct {
	Name     string        `json:"name"`
	Children []MindmapNode `json:"children,omitempty"`
}

// ========== 向量检索 ==========

type VectorRecord struct {
	ID          string    `json:"id"`
	FrameID     string    `json:"frame_id"`
	TaskID      string    `json:"task_id"`
	Topic       string    `json:"topic"`
	Description string    `json:"description"`
	Vector      []float32 `json:"vector"`
}

type Hit struct {
	Score       float64 `json:"score"`
	FrameID     string  `json:"frame_id,omitempty"`
	TaskID      string  `json:"task_id,omitempty"`
	Topic       string  `json:"topic"`
	Description string  `json:"description"`
}

// ========== 队列 ==========

// Job 队列中的一次处理作业
type Job struct {
	TaskID    string `json:"task_id"`
	VideoPath string `json:"video_path"`
}

// JobHandler 处理作业的回调，ctx 在取消时结束
type JobHandler func(ctx context.Context, job Job) error

// getEnvInt 获取整数环境变量
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
