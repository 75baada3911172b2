package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/a-h/templ"
	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"videoCourse/core"
)

const pageStyle = `body{font-family:sans-serif;background:#0f172a;color:#e2e8f0;max-width:860px;margin:40px auto;padding:0 16px}
.bar{background:#1e293b;border-radius:6px;height:18px}.fill{background:#facc15;height:18px;border-radius:6px}
a{color:#facc15}li{margin:4px 0}.err{color:#f87171}.muted{color:#94a3b8}`

// taskView 服务端渲染的任务状态页，未结束时每 3 秒自动刷新
func (s *Server) taskView(w http.ResponseWriter, r *http.Request) {
	task, err := s.Registry.Get(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := TaskPage(task).Render(r.Context(), w); err != nil {
		s.logger.Printf("render task page: %v", err)
		http.Error(w, "failed to render page", http.StatusInternalServerError)
	}
}

// TaskPage 任务状态页面组件
func TaskPage(task *core.Task) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		var b strings.Builder
		e := templ.EscapeString

		b.WriteString(`<!DOCTYPE html><html><head><meta charset="utf-8">`)
		if !task.Status.IsTerminal() {
			b.WriteString(`<meta http-equiv="refresh" content="3">`)
		}
		fmt.Fprintf(&b, `<title>Task %s</title><style>%s</style></head><body>`, e(task.ID), pageStyle)
		fmt.Fprintf(&b, `<h1>Course build</h1><p class="muted">Task %s, created %s</p>`, e(task.ID), e(humanize.Time(task.CreatedAt)))
		fmt.Fprintf(&b, `<p><strong>%s</strong>: %s (%d%%)</p>`, e(string(task.Status)), e(task.CurrentStep), task.Progress)
		fmt.Fprintf(&b, `<div class="bar"><div class="fill" style="width:%d%%"></div></div>`, task.Progress)
		fmt.Fprintf(&b, `<p>Key moments: %d. Water removed: %.1f%%.</p>`, task.FramesExtracted, task.WaterRemovedPercent)
		if task.ClassificationFailures > 0 {
			fmt.Fprintf(&b, `<p class="muted">%d frames could not be classified.</p>`, task.ClassificationFailures)
		}
		if task.Error != "" {
			fmt.Fprintf(&b, `<p class="err">%s</p>`, e(task.Error))
		}

		if task.Status == core.StatusCompleted {
			b.WriteString(`<h2>Downloads</h2><ul>`)
			for _, l := range []struct{ label, url string }{
				{"Video", task.NewVideoURL},
				{"PDF", task.PDFURL},
				{"Mind map", task.MindmapURL},
			} {
				if l.url != "" {
					fmt.Fprintf(&b, `<li><a href="%s">%s</a></li>`, e(l.url), l.label)
				}
			}
			b.WriteString(`</ul>`)

			if task.QuizData != nil && len(task.QuizData.Questions) > 0 {
				b.WriteString(`<h2>Quiz</h2><ol>`)
				for _, q := range task.QuizData.Questions {
					fmt.Fprintf(&b, `<li>%s<ul>`, e(q.Question))
					for i, opt := range q.Options {
						if i == q.Correct {
							fmt.Fprintf(&b, `<li><strong>%s</strong></li>`, e(opt))
						} else {
							fmt.Fprintf(&b, `<li>%s</li>`, e(opt))
						}
					}
					b.WriteString(`</ul></li>`)
				}
				b.WriteString(`</ol>`)
			}
			if len(task.Flashcards) > 0 {
				b.WriteString(`<h2>Flashcards</h2><ul>`)
				for _, c := range task.Flashcards {
					fmt.Fprintf(&b, `<li><strong>%s</strong>: %s</li>`, e(c.Front), e(c.Back))
				}
				b.WriteString(`</ul>`)
			}
		}

		if len(task.Degradations) > 0 {
			b.WriteString(`<h2>Warnings</h2><ul class="muted">`)
			for _, d := range task.Degradations {
				item := d.Stage
				if d.Item != "" {
					item += " / " + d.Item
				}
				fmt.Fprintf(&b, `<li>%s: %s</li>`, e(item), e(d.Reason))
			}
			b.WriteString(`</ul>`)
		}
		b.WriteString(`</body></html>`)

		_, err := io.WriteString(w, b.String())
		return err
	})
}
