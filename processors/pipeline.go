package processors

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"videoCourse/core"
)

// 各阶段进度
const (
	progressAnalyze   = 5
	progressSlides    = 25
	progressNarration = 45
	progressAssemble  = 65
	progressMaterials = 80
)

// PipelineDeps 流水线依赖的各个组件
type PipelineDeps struct {
	Registry   *core.Registry
	Sampler    *FrameSampler
	Classifier *Classifier
	Renderer   *SlideRenderer
	Narrator   *NarrationGenerator
	Media      MediaTool
	Document   *DocumentAssembler
	Study      *StudyMaterials
	Indexer    *Indexer
	OutputDir  string
	SlidesDir  string
}

// Pipeline 视频到课程的完整处理流程，作为队列的 JobHandler 运行
type Pipeline struct {
	PipelineDeps
	logger *log.Logger
}

// NewPipeline 创建流水线
func NewPipeline(deps PipelineDeps) *Pipeline {
	return &Pipeline{
		PipelineDeps: deps,
		logger:       log.New(os.Stdout, "[PIPELINE] ", log.LstdFlags),
	}
}

// DownloadURL 产物的下载地址
func DownloadURL(name string) string {
	return "/download/" + name
}

// ArtifactNames 一个任务的产物文件名
type ArtifactNames struct {
	Video   string
	PDF     string
	Mindmap string
}

// Artifacts 按任务 ID 生成产物文件名
func Artifacts(taskID string) ArtifactNames {
	return ArtifactNames{
		Video:   taskID + "_final.mp4",
		PDF:     taskID + "_course.pdf",
		Mindmap: taskID + "_mindmap.json",
	}
}

// Handle 执行一个作业。成功时自己写入 completed，失败时返回错误交给 Finish
func (p *Pipeline) Handle(ctx context.Context, job core.Job) error {
	id := job.TaskID
	names := Artifacts(id)
	p.logger.Printf("task %s: start, video %s", id, filepath.Base(job.VideoPath))

	// 1. 采样与分类
	if err := p.advance(ctx, id, progressAnalyze, "Analyzing video"); err != nil {
		return err
	}
	sample, err := p.Sampler.Sample(ctx, job.VideoPath, filepath.Join(p.OutputDir, id+"_frames"))
	if err != nil {
		return errors.Wrap(err, "analyze video")
	}
	cls, err := p.Classifier.Classify(ctx, sample.Frames)
	if err != nil {
		return errors.Wrap(err, "classify frames")
	}
	moments := cls.KeyMoments
	water := WaterRemovedPercent(cls.Sampled, len(moments))
	p.logger.Printf("task %s: %d/%d frames kept, %d failed, water %.1f%%", id, len(moments), cls.Sampled, cls.Failures, water)

	var degradations []core.Degradation
	degradations = append(degradations, cls.Degradations...)
	if len(moments) == 0 {
		degradations = append(degradations, core.Degradation{Stage: "classification", Reason: "no key moments"})
	}

	// 2. 幻灯片
	if _, err := p.Registry.Mutate(ctx, id, func(t *core.Task) {
		t.WaterRemovedPercent = water
		t.ClassificationFailures = cls.Failures
	}); err != nil {
		return err
	}
	if err := p.advance(ctx, id, progressSlides, "Rendering slides"); err != nil {
		return err
	}
	slides := make([]string, 0, len(moments))
	pages := make([]SlidePage, 0, len(moments))
	for i, km := range moments {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(core.ErrCancelled, err.Error())
		}
		path := filepath.Join(p.SlidesDir, fmt.Sprintf("%s_slide_%d.jpg", id, i+1))
		if err := p.Renderer.RenderFile(km.Image, km.Verdict, i+1, path); err != nil {
			return errors.Wrapf(err, "render slide %d", i+1)
		}
		slides = append(slides, path)
		pages = append(pages, SlidePage{Path: path, Topic: km.Verdict.Topic})
	}

	// 3. 旁白
	if _, err := p.Registry.Mutate(ctx, id, func(t *core.Task) { t.FramesExtracted = len(slides) }); err != nil {
		return err
	}
	if err := p.advance(ctx, id, progressNarration, "Generating narration"); err != nil {
		return err
	}
	audios := make([]string, 0, len(moments))
	for i, km := range moments {
		out := filepath.Join(p.OutputDir, fmt.Sprintf("%s_audio_%d.mp3", id, i+1))
		res, err := p.Narrator.Generate(ctx, km, i+1, out)
		if err != nil {
			return errors.Wrap(err, "narration")
		}
		if res.Degraded() {
			degradations = append(degradations, *res.Degradation)
		}
		audios = append(audios, res.Value.Path)
	}

	// 4. 成片
	if err := p.advance(ctx, id, progressAssemble, "Assembling video"); err != nil {
		return err
	}
	videoURL := ""
	if len(slides) > 0 {
		if err := p.Media.AssembleVideo(ctx, slides, audios, filepath.Join(p.OutputDir, names.Video)); err != nil {
			return errors.Wrap(err, "assemble video")
		}
		videoURL = DownloadURL(names.Video)
	}

	// 5. PDF 与学习材料
	if err := p.advance(ctx, id, progressMaterials, "Building PDF and study materials"); err != nil {
		return err
	}
	stats := CourseStats{
		DurationSec:  sample.Info.Duration,
		WaterPercent: water,
		KeyMoments:   len(moments),
		Topics:       distinctTopics(moments),
	}
	if err := p.Document.Build(pages, stats, filepath.Join(p.OutputDir, names.PDF)); err != nil {
		return errors.Wrap(err, "build pdf")
	}

	var (
		quiz  Outcome[core.Quiz]
		cards Outcome[[]core.Flashcard]
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		quiz = p.Study.Quiz(gctx, moments)
		return nil
	})
	g.Go(func() error {
		cards = p.Study.Flashcards(gctx, moments)
		return nil
	})
	g.Go(func() error {
		return WriteMindmap(BuildMindmap(moments), filepath.Join(p.OutputDir, names.Mindmap))
	})
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "study materials")
	}
	if ctx.Err() != nil {
		return errors.Wrap(core.ErrCancelled, ctx.Err().Error())
	}
	for _, d := range []*core.Degradation{quiz.Degradation, cards.Degradation} {
		if d != nil {
			degradations = append(degradations, *d)
		}
	}

	// 6. 向量索引
	_, embedDegr, err := p.Indexer.IndexMoments(ctx, id, moments)
	if err != nil {
		return err
	}
	degradations = append(degradations, embedDegr...)
	if ctx.Err() != nil {
		return errors.Wrap(core.ErrCancelled, ctx.Err().Error())
	}

	quizData := quiz.Value
	_, err = p.Registry.Complete(ctx, id, func(t *core.Task) {
		t.FramesExtracted = len(slides)
		t.WaterRemovedPercent = water
		t.NewVideoURL = videoURL
		t.PDFURL = DownloadURL(names.PDF)
		t.MindmapURL = DownloadURL(names.Mindmap)
		t.QuizData = &quizData
		t.Flashcards = cards.Value
		t.Degradations = append(t.Degradations, degradations...)
	})
	if err != nil {
		return err
	}
	p.logger.Printf("task %s: completed, %d slides, %d degradations", id, len(slides), len(degradations))
	return nil
}

// Finish 队列回调：作业出错时把任务置为 failed
func (p *Pipeline) Finish(job core.Job, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		err = errors.Wrap(core.ErrCancelled, err.Error())
	}
	// Finish 在作业 ctx 结束后调用，使用独立的 ctx 写状态
	if _, ferr := p.Registry.Fail(context.Background(), job.TaskID, err); ferr != nil && !errors.Is(ferr, core.ErrTaskTerminal) {
		p.logger.Printf("task %s: record failure: %v", job.TaskID, ferr)
	}
}

func (p *Pipeline) advance(ctx context.Context, id string, progress int, step string) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(core.ErrCancelled, err.Error())
	}
	_, err := p.Registry.Advance(ctx, id, progress, step)
	return err
}

// distinctTopics 首次出现顺序去重
func distinctTopics(moments []core.KeyMoment) []string {
	seen := map[string]bool{}
	var topics []string
	for _, km := range moments {
		t := km.Verdict.Topic
		if t == "" {
			t = defaultTopic
		}
		if !seen[t] {
			seen[t] = true
			topics = append(topics, t)
		}
	}
	return topics
}
