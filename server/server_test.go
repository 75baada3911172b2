package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"

	"videoCourse/core"
	"videoCourse/processors"
	"videoCourse/storage"
)

type fakeQueue struct {
	mu        sync.Mutex
	jobs      []core.Job
	full      bool
	cancelled []string
}

func (q *fakeQueue) Start(core.JobHandler) error { return nil }

func (q *fakeQueue) Submit(_ context.Context, job core.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.full {
		return core.ErrQueueFull
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		if j.TaskID == id {
			q.cancelled = append(q.cancelled, id)
			return nil
		}
	}
	return core.ErrTaskNotFound
}

func (q *fakeQueue) Shutdown(context.Context) error { return nil }

type fakeFetcher struct {
	err   error
	empty bool
}

func (f fakeFetcher) Download(_ context.Context, url, dst string) error {
	if f.err != nil {
		return f.err
	}
	if f.empty {
		return os.WriteFile(dst, nil, 0644)
	}
	return os.WriteFile(dst, []byte("video from "+url), 0644)
}

type fakeSearcher struct {
	lastQuery  string
	lastLimit  int
	lastTaskID string
}

func (s *fakeSearcher) Search(_ context.Context, query string, limit int, taskID string) (*processors.SearchResult, error) {
	s.lastQuery, s.lastLimit, s.lastTaskID = query, limit, taskID
	return &processors.SearchResult{Hits: []core.Hit{{Score: 0.9, Topic: "Limits", Description: "limit of f"}}}, nil
}

type testEnv struct {
	srv      *httptest.Server
	registry *core.Registry
	queue    *fakeQueue
	searcher *fakeSearcher
	dirs     struct{ upload, output string }
}

func newTestEnv(t *testing.T, fetcher Fetcher) *testEnv {
	t.Helper()
	env := &testEnv{
		registry: core.NewRegistry(storage.NewMemoryTaskStore()),
		queue:    &fakeQueue{},
		searcher: &fakeSearcher{},
	}
	root := t.TempDir()
	env.dirs.upload = filepath.Join(root, "uploads")
	env.dirs.output = filepath.Join(root, "outputs")
	for _, d := range []string{env.dirs.upload, env.dirs.output} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatal(err)
		}
	}
	s := New(Options{
		Registry:     env.registry,
		Queue:        env.queue,
		Fetcher:      fetcher,
		Searcher:     env.searcher,
		UploadDir:    env.dirs.upload,
		OutputDir:    env.dirs.output,
		PollInterval: 10 * time.Millisecond,
	})
	env.srv = httptest.NewServer(s.Router())
	t.Cleanup(env.srv.Close)
	return env
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func multipartBody(t *testing.T, field, url string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if field != "" {
		fw, err := mw.CreateFormFile(field, "lecture.mp4")
		if err != nil {
			t.Fatal(err)
		}
		fw.Write([]byte("fake video bytes"))
	}
	if url != "" {
		mw.WriteField("url", url)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestRoot(t *testing.T) {
	env := newTestEnv(t, fakeFetcher{})
	resp, err := http.Get(env.srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]any
	decode(t, resp, &body)
	if body["status"] != "running" || body["year"] == nil {
		t.Errorf("unexpected body: %v", body)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("CORS header missing")
	}
}

func TestUploadFile(t *testing.T) {
	for _, field := range []string{"file", "video"} {
		t.Run(field, func(t *testing.T) {
			env := newTestEnv(t, fakeFetcher{})
			body, ct := multipartBody(t, field, "")
			resp, err := http.Post(env.srv.URL+"/upload", ct, body)
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status %d", resp.StatusCode)
			}
			var up UploadResponse
			decode(t, resp, &up)
			if up.TaskID == "" || up.StatusURL != "/status/"+up.TaskID {
				t.Fatalf("unexpected response: %+v", up)
			}

			task, err := env.registry.Get(context.Background(), up.TaskID)
			if err != nil {
				t.Fatalf("task not registered: %v", err)
			}
			if task.Status != core.StatusQueued || task.Progress != 0 {
				t.Errorf("new task state: %s %d", task.Status, task.Progress)
			}
			if len(env.queue.jobs) != 1 || env.queue.jobs[0].VideoPath != filepath.Join(env.dirs.upload, up.TaskID+".mp4") {
				t.Errorf("unexpected jobs: %+v", env.queue.jobs)
			}
			data, _ := os.ReadFile(env.queue.jobs[0].VideoPath)
			if string(data) != "fake video bytes" {
				t.Errorf("upload content = %q", data)
			}
		})
	}
}

func TestUploadURL(t *testing.T) {
	env := newTestEnv(t, fakeFetcher{})
	resp, err := http.Post(env.srv.URL+"/upload", "application/json", strings.NewReader(`{"url": "https://example.com/v.mp4"}`))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	resp.Body.Close()
	if len(env.queue.jobs) != 1 {
		t.Fatalf("got %d jobs", len(env.queue.jobs))
	}
}

func TestUploadRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t, fakeFetcher{})

	both, ct := multipartBody(t, "file", "https://example.com/v.mp4")
	neither, ct2 := multipartBody(t, "", "")
	cases := []struct {
		name string
		ct   string
		body *bytes.Buffer
	}{
		{"both", ct, both},
		{"neither", ct2, neither},
		{"empty json", "application/json", bytes.NewBufferString(`{}`)},
		{"bad json", "application/json", bytes.NewBufferString(`{`)},
	}
	for _, tc := range cases {
		resp, err := http.Post(env.srv.URL+"/upload", tc.ct, tc.body)
		if err != nil {
			t.Fatal(err)
		}
		var body map[string]string
		decode(t, resp, &body)
		if resp.StatusCode != http.StatusBadRequest || body["error"] == "" {
			t.Errorf("%s: status %d body %v", tc.name, resp.StatusCode, body)
		}
	}
	if len(env.queue.jobs) != 0 {
		t.Errorf("bad requests created jobs: %+v", env.queue.jobs)
	}
}

func TestUploadDownloadFailure(t *testing.T) {
	env := newTestEnv(t, fakeFetcher{err: errors.New("yt-dlp: unsupported URL")})
	resp, err := http.Post(env.srv.URL+"/upload", "application/json", strings.NewReader(`{"url": "https://example.com/x"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status %d, want 400", resp.StatusCode)
	}
	entries, _ := os.ReadDir(env.dirs.upload)
	if len(entries) != 0 {
		t.Errorf("failed download left files behind: %d", len(entries))
	}
}

func TestUploadRejectsEmptyDownload(t *testing.T) {
	env := newTestEnv(t, fakeFetcher{empty: true})
	resp, err := http.Post(env.srv.URL+"/upload", "application/json", strings.NewReader(`{"url": "https://example.com/empty"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status %d, want 400", resp.StatusCode)
	}
	if len(env.queue.jobs) != 0 {
		t.Errorf("empty download created jobs: %+v", env.queue.jobs)
	}
	entries, _ := os.ReadDir(env.dirs.upload)
	if len(entries) != 0 {
		t.Errorf("empty download left files behind: %d", len(entries))
	}
}

func TestUploadQueueFull(t *testing.T) {
	env := newTestEnv(t, fakeFetcher{})
	env.queue.full = true
	body, ct := multipartBody(t, "file", "")
	resp, err := http.Post(env.srv.URL+"/upload", ct, body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status %d, want 503", resp.StatusCode)
	}
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, fakeFetcher{})
	if _, err := env.registry.Create(context.Background(), "abc"); err != nil {
		t.Fatal(err)
	}
	env.registry.Advance(context.Background(), "abc", 45, "Generating narration")

	resp, err := http.Get(env.srv.URL + "/status/abc")
	if err != nil {
		t.Fatal(err)
	}
	var task core.Task
	decode(t, resp, &task)
	if task.Progress != 45 || task.Status != core.StatusProcessing || task.CurrentStep != "Generating narration" {
		t.Errorf("unexpected task: %+v", task)
	}

	resp, err = http.Get(env.srv.URL + "/status/missing")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status %d, want 404", resp.StatusCode)
	}
}

func TestDownload(t *testing.T) {
	env := newTestEnv(t, fakeFetcher{})
	files := map[string]string{
		"t_course.pdf":   "application/pdf",
		"t_mindmap.json": "application/json",
		"t_final.mp4":    "video/mp4",
	}
	for name := range files {
		os.WriteFile(filepath.Join(env.dirs.output, name), []byte(name), 0644)
	}
	os.WriteFile(filepath.Join(filepath.Dir(env.dirs.output), "secret.txt"), []byte("secret"), 0644)

	for name, ct := range files {
		resp, err := http.Get(env.srv.URL + "/download/" + name)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != ct {
			t.Errorf("%s: status %d content-type %q", name, resp.StatusCode, resp.Header.Get("Content-Type"))
		}
	}

	for _, p := range []string{"missing.pdf", "..%2Fsecret.txt"} {
		resp, err := http.Get(env.srv.URL + "/download/" + p)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s: status %d, want 404", p, resp.StatusCode)
		}
	}
}

func TestSearch(t *testing.T) {
	env := newTestEnv(t, fakeFetcher{})

	resp, err := http.Get(env.srv.URL + "/search?query=limits&task_id=t1")
	if err != nil {
		t.Fatal(err)
	}
	var body SearchResponse
	decode(t, resp, &body)
	if body.Query != "limits" || len(body.Results) != 1 || body.Results[0].Topic != "Limits" {
		t.Errorf("unexpected body: %+v", body)
	}
	if env.searcher.lastLimit != 5 || env.searcher.lastTaskID != "t1" {
		t.Errorf("searcher got limit=%d task=%q", env.searcher.lastLimit, env.searcher.lastTaskID)
	}

	resp, err = http.Get(env.srv.URL + "/search")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing query: status %d, want 400", resp.StatusCode)
	}
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t, fakeFetcher{})
	ctx := context.Background()
	env.registry.Create(ctx, "running")
	env.queue.Submit(ctx, core.Job{TaskID: "running"})
	env.registry.Create(ctx, "done")
	env.registry.Complete(ctx, "done", nil)

	cases := map[string]int{
		"running": http.StatusAccepted,
		"done":    http.StatusConflict,
		"missing": http.StatusNotFound,
	}
	for id, want := range cases {
		req, _ := http.NewRequest(http.MethodDelete, env.srv.URL+"/tasks/"+id, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Errorf("%s: status %d, want %d", id, resp.StatusCode, want)
		}
	}
	if len(env.queue.cancelled) != 1 || env.queue.cancelled[0] != "running" {
		t.Errorf("cancelled = %v", env.queue.cancelled)
	}
}

func TestTaskView(t *testing.T) {
	env := newTestEnv(t, fakeFetcher{})
	ctx := context.Background()
	env.registry.Create(ctx, "v1")
	env.registry.Complete(ctx, "v1", func(task *core.Task) {
		task.PDFURL = "/download/v1_course.pdf"
		task.Flashcards = []core.Flashcard{{Front: "<script>", Back: "x"}}
	})

	resp, err := http.Get(env.srv.URL + "/tasks/v1/view")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	html := buf.String()
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		t.Errorf("content type %q", resp.Header.Get("Content-Type"))
	}
	if !strings.Contains(html, "/download/v1_course.pdf") {
		t.Error("PDF link missing")
	}
	if strings.Contains(html, "<script>") || !strings.Contains(html, "&lt;script&gt;") {
		t.Error("flashcard text not escaped")
	}
	if strings.Contains(html, `http-equiv="refresh"`) {
		t.Error("finished task page should not auto-refresh")
	}
}

func TestTaskWebsocket(t *testing.T) {
	env := newTestEnv(t, fakeFetcher{})
	ctx := context.Background()
	env.registry.Create(ctx, "ws1")

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/ws1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var first core.Task
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first snapshot: %v", err)
	}
	if first.Status != core.StatusQueued {
		t.Errorf("first snapshot status = %s", first.Status)
	}

	env.registry.Advance(ctx, "ws1", 25, "Rendering slides")
	env.registry.Complete(ctx, "ws1", nil)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var last core.Task
	for {
		var task core.Task
		if err := conn.ReadJSON(&task); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("unexpected read error: %v", err)
			}
			break
		}
		last = task
	}
	if last.Status != core.StatusCompleted || last.Progress != 100 {
		t.Errorf("last snapshot = %s %d", last.Status, last.Progress)
	}

	resp, err := http.Get(env.srv.URL + "/ws/missing")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown task: status %d, want 404", resp.StatusCode)
	}
}

func TestHealthAndStats(t *testing.T) {
	env := newTestEnv(t, fakeFetcher{})
	for _, path := range []string{"/health", "/stats"} {
		resp, err := http.Get(env.srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		var body map[string]any
		decode(t, resp, &body)
		if resp.StatusCode != http.StatusOK || len(body) == 0 {
			t.Errorf("%s: status %d body %v", path, resp.StatusCode, body)
		}
	}
}
