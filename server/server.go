package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"videoCourse/core"
	"videoCourse/processors"
)

const defaultMaxUploadBytes = 2 << 30

// Searcher 关键时刻的语义检索
type Searcher interface {
	Search(ctx context.Context, query string, limit int, taskID string) (*processors.SearchResult, error)
}

// Fetcher 按 URL 下载视频
type Fetcher interface {
	Download(ctx context.Context, url, dst string) error
}

// Options 服务依赖
type Options struct {
	Registry       *core.Registry
	Queue          core.TaskQueue
	Fetcher        Fetcher
	Searcher       Searcher
	UploadDir      string
	OutputDir      string
	MaxUploadBytes int64
	// PollInterval websocket 推送任务快照的轮询间隔
	PollInterval time.Duration
}

// Server HTTP 接口
type Server struct {
	Options
	router   *chi.Mux
	upgrader websocket.Upgrader
	logger   *log.Logger
	started  time.Time
}

// New 创建服务并注册路由
func New(opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	s := &Server{
		Options: opts,
		router:  chi.NewRouter(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  log.New(os.Stdout, "[HTTP] ", log.LstdFlags),
		started: time.Now(),
	}
	s.registerRoutes()
	return s
}

// Router 返回 http.Handler
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(corsMiddleware)

	s.router.Get("/", s.root)
	s.router.Post("/upload", s.upload)
	s.router.Get("/status/{task_id}", s.status)
	s.router.Get("/download/{filename}", s.download)
	s.router.Get("/search", s.search)
	s.router.Get("/ws/{task_id}", s.taskWS)
	s.router.Get("/tasks/{task_id}/view", s.taskView)
	s.router.Delete("/tasks/{task_id}", s.cancel)

	s.router.Get("/health", s.health)
	s.router.Get("/stats", s.stats)
}

// corsMiddleware 允许所有来源
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Allow-Credentials", "true")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		log.Printf("write json error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeTaskError 把任务相关错误映射为状态码
func (s *Server) writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "Task not found")
	case errors.Is(err, core.ErrTaskTerminal), errors.Is(err, core.ErrNotCancellable):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Printf("internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}
