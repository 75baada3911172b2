package processors

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"

	"videoCourse/core"
	"videoCourse/utils"
)

// SlideSeconds 每张幻灯片在成片中的时长
const SlideSeconds = 5

// MediaTool 外部媒体工具适配器
type MediaTool interface {
	Probe(ctx context.Context, videoPath string) (core.VideoInfo, error)
	ExtractFrame(ctx context.Context, videoPath string, atSec float64, out string) error
	Download(ctx context.Context, url, dst string) error
	SilentAudio(ctx context.Context, dst string, seconds float64, title string) error
	// AssembleVideo 幻灯片拼接成视频，有音频时合并并混流
	AssembleVideo(ctx context.Context, slides, audios []string, dst string) error
}

// FFmpegTool 基于 ffmpeg / ffprobe / yt-dlp 的实现
type FFmpegTool struct {
	runner utils.CommandRunner
	// httpFetch yt-dlp 失败时的 HTTP 下载
	httpFetch func(ctx context.Context, url, dst string) (int64, error)
}

// NewFFmpegTool 创建媒体工具
func NewFFmpegTool(runner utils.CommandRunner) *FFmpegTool {
	return &FFmpegTool{runner: runner, httpFetch: utils.DownloadWithContext}
}

type ffprobeOutput struct {
	Streams []struct {
		NbFrames     string `json:"nb_frames"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe 读取帧数和帧率，任一为 0 视为无法读取
func (m *FFmpegTool) Probe(ctx context.Context, videoPath string) (core.VideoInfo, error) {
	out, err := m.runner.Run(ctx, "ffprobe", "-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=nb_frames,r_frame_rate,avg_frame_rate",
		"-show_entries", "format=duration",
		"-of", "json", videoPath)
	if err != nil {
		return core.VideoInfo{}, errors.Mark(errors.Wrapf(err, "probe %s", videoPath), core.ErrVideoUnreadable)
	}
	var p ffprobeOutput
	if err := json.Unmarshal(out, &p); err != nil {
		return core.VideoInfo{}, errors.Wrapf(core.ErrVideoUnreadable, "parse ffprobe output: %v", err)
	}
	if len(p.Streams) == 0 {
		return core.VideoInfo{}, errors.Wrapf(core.ErrVideoUnreadable, "%s has no video stream", videoPath)
	}
	st := p.Streams[0]
	fps := parseRate(st.RFrameRate)
	if fps == 0 {
		fps = parseRate(st.AvgFrameRate)
	}
	if fps == 0 {
		return core.VideoInfo{}, errors.Wrapf(core.ErrVideoUnreadable, "%s reports frame rate 0", videoPath)
	}
	frames, _ := strconv.Atoi(st.NbFrames)
	if frames == 0 {
		// 部分容器不写 nb_frames，用时长估算
		if d, err := strconv.ParseFloat(p.Format.Duration, 64); err == nil {
			frames = int(d * fps)
		}
	}
	if frames <= 0 {
		return core.VideoInfo{}, errors.Wrapf(core.ErrVideoUnreadable, "%s has zero frames", videoPath)
	}
	return core.VideoInfo{FPS: fps, FrameCount: frames, Duration: float64(frames) / fps}, nil
}

// parseRate 解析 "30000/1001" 形式的帧率
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(strings.TrimSpace(s), "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// ExtractFrame 在 atSec 处截取一帧 JPEG
func (m *FFmpegTool) ExtractFrame(ctx context.Context, videoPath string, atSec float64, out string) error {
	_, err := m.runner.Run(ctx, "ffmpeg", "-y", "-v", "error",
		"-ss", strconv.FormatFloat(atSec, 'f', 3, 64),
		"-i", videoPath,
		"-frames:v", "1",
		"-q:v", "2",
		out)
	return err
}

// Download 优先 yt-dlp，失败后直接 HTTP 下载
func (m *FFmpegTool) Download(ctx context.Context, url, dst string) error {
	if err := utils.EnsureDir(filepath.Dir(dst)); err != nil {
		return err
	}
	_, ytErr := m.runner.Run(ctx, "yt-dlp", "-f", "best[ext=mp4]", "-o", dst, url)
	if ytErr == nil && utils.FileExists(dst) {
		return nil
	}
	log.Printf("[MEDIA] yt-dlp failed for %s, falling back to HTTP: %v", url, ytErr)
	n, err := m.httpFetch(ctx, url, dst)
	if err != nil {
		return errors.Wrapf(err, "download %s (yt-dlp: %v)", url, ytErr)
	}
	log.Printf("[MEDIA] downloaded %s (%s)", url, humanize.Bytes(uint64(n)))
	return nil
}

// SilentAudio 生成指定时长的静音 MP3，title 写入元数据
func (m *FFmpegTool) SilentAudio(ctx context.Context, dst string, seconds float64, title string) error {
	_, err := m.runner.Run(ctx, "ffmpeg", "-y", "-v", "error",
		"-f", "lavfi",
		"-i", "anullsrc=duration="+strconv.FormatFloat(seconds, 'f', 1, 64),
		"-metadata", "title="+title,
		"-q:a", "9",
		"-acodec", "libmp3lame",
		dst)
	return err
}

// AssembleVideo 每张幻灯片 5 秒，最后一张重复一次，30fps
func (m *FFmpegTool) AssembleVideo(ctx context.Context, slides, audios []string, dst string) error {
	if len(slides) == 0 {
		return errors.New("no slides to assemble")
	}
	base := strings.TrimSuffix(dst, filepath.Ext(dst))
	concatList := base + "_concat.txt"
	silent := base + "_silent.mp4"
	defer os.Remove(concatList)

	var b strings.Builder
	for _, s := range slides {
		abs, err := filepath.Abs(s)
		if err != nil {
			return err
		}
		fmt.Fprintf(&b, "file '%s'\nduration %d\n", concatEscape(abs), SlideSeconds)
	}
	last, _ := filepath.Abs(slides[len(slides)-1])
	fmt.Fprintf(&b, "file '%s'\n", concatEscape(last))
	if err := os.WriteFile(concatList, []byte(b.String()), 0644); err != nil {
		return errors.Wrap(err, "write concat list")
	}

	if _, err := m.runner.Run(ctx, "ffmpeg", "-y", "-v", "error",
		"-f", "concat", "-safe", "0", "-i", concatList,
		"-vf", "fps=30,format=yuv420p",
		"-c:v", "libx264", "-preset", "medium",
		silent); err != nil {
		return errors.Wrap(err, "concat slides")
	}

	if len(audios) == 0 {
		return errors.Wrap(os.Rename(silent, dst), "move silent video")
	}
	defer os.Remove(silent)

	audioList := base + "_audio_list.txt"
	merged := base + "_audio.mp3"
	defer os.Remove(audioList)
	defer os.Remove(merged)

	b.Reset()
	for _, a := range audios {
		abs, err := filepath.Abs(a)
		if err != nil {
			return err
		}
		fmt.Fprintf(&b, "file '%s'\n", concatEscape(abs))
	}
	if err := os.WriteFile(audioList, []byte(b.String()), 0644); err != nil {
		return errors.Wrap(err, "write audio list")
	}
	if _, err := m.runner.Run(ctx, "ffmpeg", "-y", "-v", "error",
		"-f", "concat", "-safe", "0", "-i", audioList,
		"-c", "copy", merged); err != nil {
		return errors.Wrap(err, "concat audio")
	}
	if _, err := m.runner.Run(ctx, "ffmpeg", "-y", "-v", "error",
		"-i", silent, "-i", merged,
		"-c:v", "copy", "-c:a", "aac", "-shortest",
		dst); err != nil {
		return errors.Wrap(err, "mux audio")
	}
	return nil
}

// concatEscape ffmpeg concat 列表中的单引号转义
func concatEscape(p string) string {
	return strings.ReplaceAll(p, "'", `'\''`)
}
