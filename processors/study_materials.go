package processors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"videoCourse/core"
	"videoCourse/utils"
)

const (
	quizTopics      = 5
	quizQuestions   = 5
	quizOptions     = 4
	flashcardCount  = 8
	mindmapSnippets = 3
	mindmapChars    = 50

	mindmapRoot  = "Course"
	defaultTopic = "General"
)

const quizPrompt = `Create a quiz for an educational course covering these topics: %s.
Return JSON only, in exactly this shape:
{"questions": [{"question": "...", "options": ["A", "B", "C", "D"], "correct": 0, "explanation": "..."}]}
There must be exactly %d questions, each with 4 options; "correct" is the 0-based index of the right option.%s`

const flashcardPrompt = `Create study flashcards from these key moments of an educational video:
%s
Return JSON only, in exactly this shape:
[{"front": "question or term", "back": "answer or definition", "category": "topic"}]
Create exactly %d cards.%s`

// StudyMaterials 测验、闪卡、思维导图生成器
type StudyMaterials struct {
	model    ModelClient
	language string
}

func NewStudyMaterials(model ModelClient, language string) *StudyMaterials {
	return &StudyMaterials{model: model, language: language}
}

// Quiz 最多取前 5 个主题出 5 道选择题；失败时返回空题目列表
func (s *StudyMaterials) Quiz(ctx context.Context, moments []core.KeyMoment) Outcome[core.Quiz] {
	empty := core.Quiz{Questions: []core.QuizQuestion{}}
	if len(moments) == 0 {
		return succeeded(empty)
	}
	var topics []string
	for _, km := range moments[:min(len(moments), quizTopics)] {
		topics = append(topics, km.Verdict.Topic)
	}
	text, err := s.model.Complete(ctx, fmt.Sprintf(quizPrompt, strings.Join(topics, ", "), quizQuestions, languageHint(s.language)))
	if err != nil {
		return degraded(empty, "quiz", "", err)
	}
	var raw core.Quiz
	if err := json.Unmarshal([]byte(stripCodeFence(text)), &raw); err != nil {
		return degraded(empty, "quiz", "", errors.Wrap(err, "parse quiz"))
	}
	quiz := core.Quiz{Questions: []core.QuizQuestion{}}
	malformed := 0
	for _, q := range raw.Questions {
		if len(quiz.Questions) == quizQuestions {
			break
		}
		if strings.TrimSpace(q.Question) == "" || len(q.Options) != quizOptions || q.Correct < 0 || q.Correct >= quizOptions {
			malformed++
			continue
		}
		quiz.Questions = append(quiz.Questions, q)
	}
	if n := len(quiz.Questions); n < quizQuestions || malformed > 0 {
		return degraded(quiz, "quiz", "", errors.Newf("got %d of %d questions, dropped %d malformed", n, quizQuestions, malformed))
	}
	return succeeded(quiz)
}

// Flashcards 最多取前 8 个关键时刻生成闪卡；失败时返回空列表
func (s *StudyMaterials) Flashcards(ctx context.Context, moments []core.KeyMoment) Outcome[[]core.Flashcard] {
	empty := []core.Flashcard{}
	if len(moments) == 0 {
		return succeeded(empty)
	}
	type pair struct {
		Topic       string `json:"topic"`
		Description string `json:"description"`
	}
	var pairs []pair
	for _, km := range moments[:min(len(moments), flashcardCount)] {
		pairs = append(pairs, pair{Topic: km.Verdict.Topic, Description: km.Verdict.Description})
	}
	input, _ := json.Marshal(pairs)
	text, err := s.model.Complete(ctx, fmt.Sprintf(flashcardPrompt, input, flashcardCount, languageHint(s.language)))
	if err != nil {
		return degraded(empty, "flashcards", "", err)
	}
	body := stripCodeFence(text)
	var cards []core.Flashcard
	if err := json.Unmarshal([]byte(body), &cards); err != nil {
		// 有些模型会包一层 {"cards": [...]} 或 {"flashcards": [...]}
		var wrapped struct {
			Cards      []core.Flashcard `json:"cards"`
			Flashcards []core.Flashcard `json:"flashcards"`
		}
		if werr := json.Unmarshal([]byte(body), &wrapped); werr != nil {
			return degraded(empty, "flashcards", "", errors.Wrap(err, "parse flashcards"))
		}
		switch {
		case wrapped.Cards != nil:
			cards = wrapped.Cards
		case wrapped.Flashcards != nil:
			cards = wrapped.Flashcards
		default:
			return degraded(empty, "flashcards", "", errors.Wrap(err, "parse flashcards"))
		}
	}
	out := make([]core.Flashcard, 0, flashcardCount)
	for _, c := range cards {
		if strings.TrimSpace(c.Front) == "" || strings.TrimSpace(c.Back) == "" {
			continue
		}
		out = append(out, c)
		if len(out) == flashcardCount {
			break
		}
	}
	return succeeded(out)
}

// BuildMindmap 按主题分组（保持首次出现顺序），每个主题最多 3 条描述，每条截断到 50 字符
func BuildMindmap(moments []core.KeyMoment) core.MindmapNode {
	root := core.MindmapNode{Name: mindmapRoot, Children: []core.MindmapNode{}}
	index := map[string]int{}
	for _, km := range moments {
		topic := strings.TrimSpace(km.Verdict.Topic)
		if topic == "" {
			topic = defaultTopic
		}
		i, ok := index[topic]
		if !ok {
			i = len(root.Children)
			index[topic] = i
			root.Children = append(root.Children, core.MindmapNode{Name: topic})
		}
		node := &root.Children[i]
		if len(node.Children) < mindmapSnippets {
			node.Children = append(node.Children, core.MindmapNode{Name: truncateRunes(km.Verdict.Description, mindmapChars)})
		}
	}
	return root
}

// WriteMindmap 写入格式化的 JSON 文件
func WriteMindmap(root core.MindmapNode, path string) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(root); err != nil {
		return errors.Wrap(err, "encode mindmap")
	}
	_, err := utils.SaveStream(&buf, path)
	return err
}
