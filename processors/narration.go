package processors

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"videoCourse/core"
)

const (
	// SecondsPerWord 朗读时长估算
	SecondsPerWord = 0.4
	// FallbackNarrationSeconds 失败时的静音片段时长
	FallbackNarrationSeconds = 3.0
	narrationTitleChars      = 50
)

const narrationPrompt = `Write a voice-over script for one slide of an educational video course.
Topic: %s
Slide content: %s
The script must take 15-20 seconds to read aloud. Return only the script text, no stage directions.%s`

// Narration 一张幻灯片的旁白
//
// 目前只生成与脚本时长一致的静音音轨，脚本写入 title 元数据；还没有接入语音合成。
type Narration struct {
	Path    string
	Script  string
	Seconds float64
}

// NarrationGenerator 旁白生成器
type NarrationGenerator struct {
	model    ModelClient
	media    MediaTool
	language string
}

func NewNarrationGenerator(model ModelClient, media MediaTool, language string) *NarrationGenerator {
	return &NarrationGenerator{model: model, media: media, language: language}
}

// EstimateSeconds 按词数估算朗读时长
func EstimateSeconds(script string) float64 {
	return float64(len(strings.Fields(script))) * SecondsPerWord
}

// Generate 生成旁白音轨；模型或音轨生成失败时退化为 3 秒静音，只有静音片段也生成失败才返回错误
func (g *NarrationGenerator) Generate(ctx context.Context, km core.KeyMoment, index int, out string) (Outcome[Narration], error) {
	item := fmt.Sprintf("slide %d", index)
	prompt := fmt.Sprintf(narrationPrompt, km.Verdict.Topic, km.Verdict.Description, languageHint(g.language))

	script, err := g.model.Complete(ctx, prompt)
	if err == nil && strings.TrimSpace(script) == "" {
		err = errors.New("empty script")
	}
	if err == nil {
		secs := EstimateSeconds(script)
		if err = g.media.SilentAudio(ctx, out, secs, truncateRunes(script, narrationTitleChars)); err == nil {
			return succeeded(Narration{Path: out, Script: script, Seconds: secs}), nil
		}
	}
	if ctx.Err() != nil {
		return Outcome[Narration]{}, errors.Wrap(core.ErrCancelled, ctx.Err().Error())
	}

	if ferr := g.media.SilentAudio(ctx, out, FallbackNarrationSeconds, ""); ferr != nil {
		return Outcome[Narration]{}, errors.Wrapf(ferr, "fallback narration for %s", item)
	}
	return degraded(Narration{Path: out, Seconds: FallbackNarrationSeconds}, "narration", item, err), nil
}
