package processors

import (
	"context"
	"fmt"
	"log"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"videoCourse/core"
)

const (
	// MinImportance 关键时刻的最低重要度
	MinImportance = 6
	// MaxWaterPercent "去水"比例的展示上限，仅影响展示
	MaxWaterPercent = 30.0
)

const classifyPrompt = `Analyze this frame from an educational video.
Decide whether it is a key moment: a formula, a diagram, a definition, a new concept or an important example.
Answer with JSON only, in exactly this shape:
{"is_key_moment": true, "description": "what the frame teaches, one or two sentences", "importance": 1-10, "topic": "short topic name"}%s`

// Classifier 调用视觉模型筛选关键时刻
type Classifier struct {
	model       ModelClient
	concurrency int
	language    string
}

// ClassifyResult 分类结果
type ClassifyResult struct {
	KeyMoments   []core.KeyMoment
	Sampled      int
	Failures     int
	Degradations []core.Degradation
}

// NewClassifier concurrency 为并发请求上限
func NewClassifier(model ModelClient, concurrency int, language string) *Classifier {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Classifier{model: model, concurrency: concurrency, language: language}
}

// Classify 逐帧分类，调用或解析失败的帧按非关键帧处理并记录原因
func (c *Classifier) Classify(ctx context.Context, frames []core.Frame) (*ClassifyResult, error) {
	verdicts := make([]*core.Verdict, len(frames))
	reasons := make([]string, len(frames))
	prompt := fmt.Sprintf(classifyPrompt, languageHint(c.language))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, f := range frames {
		i, f := i, f
		g.Go(func() error {
			text, err := c.model.CompleteWithImage(gctx, prompt, f.Image)
			if err == nil {
				var v core.Verdict
				v, err = ParseVerdict(text)
				if err == nil {
					verdicts[i] = &v
					return nil
				}
			}
			if gctx.Err() != nil {
				return gctx.Err()
			}
			reasons[i] = err.Error()
			log.Printf("[CLASSIFIER] frame at %.0fs dropped: %v", f.TimestampSec, err)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(core.ErrCancelled, err.Error())
	}

	res := &ClassifyResult{Sampled: len(frames)}
	for i, f := range frames {
		if reasons[i] != "" {
			res.Failures++
			res.Degradations = append(res.Degradations, core.Degradation{
				Stage:  "classification",
				Item:   fmt.Sprintf("frame@%.0fs", f.TimestampSec),
				Reason: reasons[i],
			})
			continue
		}
		v := verdicts[i]
		if v.IsKeyMoment && v.Importance >= MinImportance {
			res.KeyMoments = append(res.KeyMoments, core.KeyMoment{
				TimestampSec: f.TimestampSec,
				FramePath:    f.Path,
				Image:        f.Image,
				Verdict:      *v,
			})
		}
	}
	return res, nil
}

// ParseVerdict 解析模型回复，容忍代码块包裹和字符串形式的数字
func ParseVerdict(text string) (core.Verdict, error) {
	body := stripCodeFence(text)
	if !gjson.Valid(body) {
		return core.Verdict{}, errors.Newf("invalid JSON verdict: %q", truncateRunes(body, 120))
	}
	res := gjson.Parse(body)
	if !res.IsObject() {
		return core.Verdict{}, errors.New("verdict is not a JSON object")
	}
	return core.Verdict{
		IsKeyMoment: res.Get("is_key_moment").Bool(),
		Description: res.Get("description").String(),
		Importance:  int(res.Get("importance").Int()),
		Topic:       res.Get("topic").String(),
	}, nil
}

// WaterRemovedPercent (sampled-kept)/sampled*100，截断到 [0, 30]
func WaterRemovedPercent(sampled, kept int) float64 {
	if sampled <= 0 {
		return 0
	}
	w := float64(sampled-kept) / float64(sampled) * 100
	w = math.Max(0, math.Min(w, MaxWaterPercent))
	return math.Round(w*10) / 10
}
