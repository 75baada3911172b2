package processors

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// fakeRunner 记录命令，并在输出路径写入占位文件
type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
	probe string
	frame []byte
	fail  func(name string, args []string) error
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{name}, args...))
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.fail != nil {
		if err := f.fail(name, args); err != nil {
			return nil, err
		}
	}
	if name == "ffprobe" {
		return []byte(f.probe), nil
	}
	if len(args) == 0 {
		return nil, nil
	}
	out := args[len(args)-1]
	if name == "yt-dlp" {
		for i, a := range args {
			if a == "-o" && i+1 < len(args) {
				out = args[i+1]
			}
		}
	}
	data := []byte("media")
	if strings.HasSuffix(out, ".jpg") && f.frame != nil {
		data = f.frame
	}
	return nil, os.WriteFile(out, data, 0644)
}

// commands 返回某个程序的全部调用参数
func (f *fakeRunner) commands(name string) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]string
	for _, c := range f.calls {
		if c[0] == name {
			out = append(out, c[1:])
		}
	}
	return out
}

func probeJSON(nbFrames int, rate string, duration float64) string {
	return fmt.Sprintf(`{"streams":[{"nb_frames":"%d","r_frame_rate":"%s","avg_frame_rate":"%s"}],"format":{"duration":"%.3f"}}`,
		nbFrames, rate, rate, duration)
}

func testJPEG(w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 255 / w), uint8(y * 255 / h), 128, 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// scriptedModel 视觉调用按顺序返回 verdicts，空字符串表示调用失败
type scriptedModel struct {
	mu       sync.Mutex
	verdicts []string
	calls    int
	complete func(prompt string) (string, error)
	embedDim int
	embedErr error
	onEmbed  func()
}

func (m *scriptedModel) GetProvider() string { return "scripted" }

func (m *scriptedModel) CompleteWithImage(ctx context.Context, prompt string, jpeg []byte) (string, error) {
	m.mu.Lock()
	i := m.calls
	m.calls++
	m.mu.Unlock()
	if i >= len(m.verdicts) || m.verdicts[i] == "" {
		return "", errors.New("vision unavailable")
	}
	return m.verdicts[i], nil
}

func (m *scriptedModel) Complete(ctx context.Context, prompt string) (string, error) {
	if m.complete == nil {
		return "", errors.New("chat unavailable")
	}
	return m.complete(prompt)
}

func (m *scriptedModel) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.onEmbed != nil {
		m.onEmbed()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	if m.embedErr != nil {
		return nil, m.embedErr
	}
	v := make([]float32, m.embedDim)
	for i, r := range text {
		v[(i+int(r))%m.embedDim] += 1
	}
	return v, nil
}

func verdictJSON(key bool, importance int, topic, desc string) string {
	return fmt.Sprintf("```json\n{\"is_key_moment\": %t, \"importance\": %d, \"topic\": %q, \"description\": %q}\n```", key, importance, topic, desc)
}

const validQuiz = `{"questions": [
{"question": "Q1", "options": ["a", "b", "c", "d"], "correct": 0, "explanation": "e"},
{"question": "Q2", "options": ["a", "b", "c", "d"], "correct": 1, "explanation": "e"},
{"question": "Q3", "options": ["a", "b", "c", "d"], "correct": 2, "explanation": "e"},
{"question": "Q4", "options": ["a", "b", "c", "d"], "correct": 3, "explanation": "e"},
{"question": "Q5", "options": ["a", "b", "c", "d"], "correct": 0, "explanation": "e"}
]}`

const validFlashcards = `[{"front": "F1", "back": "B1", "category": "A"}, {"front": "F2", "back": "B2", "category": "B"}]`

// courseChat 按提示词类型返回测验、闪卡或旁白
func courseChat(prompt string) (string, error) {
	switch {
	case strings.Contains(prompt, "quiz"):
		return validQuiz, nil
	case strings.Contains(prompt, "flashcards"):
		return validFlashcards, nil
	default:
		return "This slide explains the main idea in a few words", nil
	}
}
