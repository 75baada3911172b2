package server

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"videoCourse/core"
	"videoCourse/utils"
)

// UploadResponse 上传成功的响应
type UploadResponse struct {
	TaskID    string `json:"task_id"`
	Message   string `json:"message"`
	StatusURL string `json:"status_url"`
}

type uploadRequest struct {
	URL string `json:"url"`
}

func (s *Server) root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Video course API v2.0",
		"status":  "running",
		"year":    time.Now().Year(),
	})
}

// upload 接收视频文件（字段 file 或 video）或 JSON {"url": ...}，二者必须恰好提供一个
func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.MaxUploadBytes)

	var (
		file multipart.File
		url  string
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid multipart upload")
			return
		}
		defer r.MultipartForm.RemoveAll()
		for _, field := range []string{"file", "video"} {
			if f, _, err := r.FormFile(field); err == nil {
				file = f
				break
			}
		}
		url = strings.TrimSpace(r.FormValue("url"))
	case "application/json":
		var req uploadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
		url = strings.TrimSpace(req.URL)
	}
	if file != nil {
		defer file.Close()
	}
	if (file == nil) == (url == "") {
		writeError(w, http.StatusBadRequest, "Provide either a video file or a url")
		return
	}

	id := utils.NewID()
	dst := filepath.Join(s.UploadDir, id+".mp4")
	if file != nil {
		n, err := utils.SaveStream(file, dst)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Failed to save upload: %v", err))
			return
		}
		s.logger.Printf("task %s: received upload (%s)", id, humanize.Bytes(uint64(n)))
	} else {
		if err := s.Fetcher.Download(r.Context(), url, dst); err != nil {
			os.Remove(dst)
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Failed to download video: %v", err))
			return
		}
		size, err := utils.GetFileSize(dst)
		if err != nil || size == 0 {
			os.Remove(dst)
			writeError(w, http.StatusBadRequest, "Downloaded video is empty")
			return
		}
		s.logger.Printf("task %s: downloaded %s (%s)", id, url, humanize.Bytes(uint64(size)))
	}

	if _, err := s.Registry.Create(r.Context(), id); err != nil {
		os.Remove(dst)
		s.writeTaskError(w, err)
		return
	}
	if err := s.Queue.Submit(r.Context(), core.Job{TaskID: id, VideoPath: dst}); err != nil {
		s.Registry.Fail(context.Background(), id, err)
		os.Remove(dst)
		if errors.Is(err, core.ErrQueueFull) || errors.Is(err, core.ErrQueueClosed) {
			writeError(w, http.StatusServiceUnavailable, "Server is busy, try again later")
			return
		}
		s.logger.Printf("task %s: submit failed: %v", id, err)
		writeError(w, http.StatusInternalServerError, "Failed to queue task")
		return
	}

	writeJSON(w, http.StatusOK, UploadResponse{
		TaskID:    id,
		Message:   "Video uploaded, processing started",
		StatusURL: "/status/" + id,
	})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	task, err := s.Registry.Get(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// contentTypeFor 产物只有 PDF、JSON 和 MP4 三种
func contentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return "application/pdf"
	case ".json":
		return "application/json"
	default:
		return "video/mp4"
	}
}

// download 只提供输出目录下的文件，路径部分一律去掉
func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	name := filepath.Base(chi.URLParam(r, "filename"))
	if name == "." || name == ".." || name == string(filepath.Separator) {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}
	f, err := os.Open(filepath.Join(s.OutputDir, name))
	if err != nil {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}
	w.Header().Set("Content-Type", contentTypeFor(name))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

// cancel 取消排队中或运行中的任务，任务最终以 failed 结束
func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")
	task, err := s.Registry.Get(r.Context(), id)
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	if task.Status.IsTerminal() {
		writeError(w, http.StatusConflict, fmt.Sprintf("Task already %s", task.Status))
		return
	}
	if err := s.Queue.Cancel(id); err != nil {
		if errors.Is(err, core.ErrTaskNotFound) {
			err = errors.Wrapf(core.ErrNotCancellable, "task %s is not in the queue", id)
		}
		s.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id, "status": "cancelling"})
}
