package processors

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"videoCourse/core"
	"videoCourse/utils"
)

// FrameSampler 按固定间隔采样视频帧
type FrameSampler struct {
	media      MediaTool
	interval   int
	maxSamples int
}

// SampleResult 采样结果
type SampleResult struct {
	Info   core.VideoInfo
	Frames []core.Frame
}

// NewFrameSampler interval 为采样间隔（秒），maxSamples 为最多采样帧数
func NewFrameSampler(media MediaTool, interval, maxSamples int) *FrameSampler {
	if interval <= 0 {
		interval = 5
	}
	if maxSamples <= 0 {
		maxSamples = 15
	}
	return &FrameSampler{media: media, interval: interval, maxSamples: maxSamples}
}

// SampleTimestamps 0, interval, 2*interval ... 小于 duration 的时间点
func SampleTimestamps(duration float64, interval int) []float64 {
	var ts []float64
	for t := 0; t < int(duration); t += interval {
		ts = append(ts, float64(t))
	}
	return ts
}

// Sample 探测视频并截取前 maxSamples 个采样帧，单帧失败跳过
func (s *FrameSampler) Sample(ctx context.Context, videoPath, framesDir string) (*SampleResult, error) {
	info, err := s.media.Probe(ctx, videoPath)
	if err != nil {
		return nil, err
	}
	if info.FPS <= 0 || info.FrameCount <= 0 {
		return nil, errors.Wrapf(core.ErrVideoUnreadable, "fps=%.2f frames=%d", info.FPS, info.FrameCount)
	}
	if err := utils.EnsureDir(framesDir); err != nil {
		return nil, errors.Wrap(err, "create frames dir")
	}

	result := &SampleResult{Info: info}
	for _, ts := range SampleTimestamps(info.Duration, s.interval) {
		if len(result.Frames) >= s.maxSamples {
			break
		}
		if ctx.Err() != nil {
			return nil, errors.Wrap(core.ErrCancelled, ctx.Err().Error())
		}
		out := filepath.Join(framesDir, fmt.Sprintf("frame_%05d.jpg", int(ts)))
		if err := s.media.ExtractFrame(ctx, videoPath, ts, out); err != nil {
			log.Printf("[SAMPLER] skip frame at %.0fs: %v", ts, err)
			continue
		}
		data, err := os.ReadFile(out)
		if err != nil || len(data) == 0 {
			log.Printf("[SAMPLER] skip frame at %.0fs: empty output", ts)
			continue
		}
		result.Frames = append(result.Frames, core.Frame{TimestampSec: ts, Path: out, Image: data})
	}
	log.Printf("[SAMPLER] %s: duration %.1fs, fps %.2f, sampled %d frames", filepath.Base(videoPath), info.Duration, info.FPS, len(result.Frames))
	return result, nil
}
