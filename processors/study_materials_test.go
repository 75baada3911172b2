package processors

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"

	"videoCourse/core"
)

func moment(topic, desc string) core.KeyMoment {
	return core.KeyMoment{Verdict: core.Verdict{IsKeyMoment: true, Importance: 8, Topic: topic, Description: desc}}
}

func TestBuildMindmapGroupsByTopic(t *testing.T) {
	root := BuildMindmap([]core.KeyMoment{
		moment("A", "first about A"),
		moment("A", strings.Repeat("x", 80)),
		moment("B", "about B"),
		moment("", "no topic"),
		moment("A", "third A"),
		moment("A", "fourth A is dropped"),
	})
	if root.Name != "Course" {
		t.Errorf("root name = %q", root.Name)
	}
	if len(root.Children) != 3 {
		t.Fatalf("got %d topics, want 3", len(root.Children))
	}
	names := []string{root.Children[0].Name, root.Children[1].Name, root.Children[2].Name}
	if names[0] != "A" || names[1] != "B" || names[2] != "General" {
		t.Errorf("topic order = %v", names)
	}
	a := root.Children[0]
	if len(a.Children) != 3 {
		t.Errorf("topic A has %d snippets, want 3", len(a.Children))
	}
	if got := len([]rune(a.Children[1].Name)); got != 50 {
		t.Errorf("snippet length = %d, want 50", got)
	}
}

func TestWriteMindmap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mindmap.json")
	if err := WriteMindmap(BuildMindmap([]core.KeyMoment{moment("Производная", "<b>x</b>")}), path); err != nil {
		t.Fatalf("WriteMindmap failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "Производная") || !strings.Contains(string(data), "<b>x</b>") {
		t.Errorf("text was escaped: %s", data)
	}
	var node core.MindmapNode
	if err := json.Unmarshal(data, &node); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
}

func TestQuiz(t *testing.T) {
	moments := []core.KeyMoment{moment("A", "a"), moment("B", "b")}

	ok := NewStudyMaterials(&scriptedModel{complete: courseChat}, "").Quiz(context.Background(), moments)
	if ok.Degraded() || len(ok.Value.Questions) != 5 {
		t.Errorf("got %d questions, degraded=%v", len(ok.Value.Questions), ok.Degraded())
	}

	failed := NewStudyMaterials(&scriptedModel{}, "").Quiz(context.Background(), moments)
	if !failed.Degraded() || failed.Value.Questions == nil || len(failed.Value.Questions) != 0 {
		t.Errorf("failure should give empty questions, got %+v", failed)
	}

	malformed := NewStudyMaterials(&scriptedModel{complete: func(string) (string, error) {
		return `{"questions": [
			{"question": "ok", "options": ["a","b","c","d"], "correct": 1},
			{"question": "three options", "options": ["a","b","c"], "correct": 0},
			{"question": "bad index", "options": ["a","b","c","d"], "correct": 7}
		]}`, nil
	}}, "").Quiz(context.Background(), moments)
	if !malformed.Degraded() || len(malformed.Value.Questions) != 1 {
		t.Errorf("expected 1 valid question and a degradation, got %+v", malformed)
	}

	short := NewStudyMaterials(&scriptedModel{complete: func(string) (string, error) {
		return `{"questions": [{"question": "only one", "options": ["a","b","c","d"], "correct": 2}]}`, nil
	}}, "").Quiz(context.Background(), moments)
	if !short.Degraded() || len(short.Value.Questions) != 1 {
		t.Errorf("fewer than 5 questions should keep them and degrade, got %+v", short)
	}
	if short.Degradation.Stage != "quiz" || !strings.Contains(short.Degradation.Reason, "1 of 5") {
		t.Errorf("unexpected degradation: %+v", short.Degradation)
	}

	empty := NewStudyMaterials(&scriptedModel{}, "").Quiz(context.Background(), nil)
	if empty.Degraded() || len(empty.Value.Questions) != 0 {
		t.Errorf("no moments should give an empty quiz without degradation, got %+v", empty)
	}
}

func TestFlashcards(t *testing.T) {
	moments := []core.KeyMoment{moment("A", "a")}

	ok := NewStudyMaterials(&scriptedModel{complete: courseChat}, "").Flashcards(context.Background(), moments)
	if ok.Degraded() || len(ok.Value) != 2 {
		t.Errorf("got %+v", ok)
	}

	wrapped := NewStudyMaterials(&scriptedModel{complete: func(string) (string, error) {
		return "```json\n{\"flashcards\": [{\"front\": \"f\", \"back\": \"b\", \"category\": \"c\"}]}\n```", nil
	}}, "").Flashcards(context.Background(), moments)
	if wrapped.Degraded() || len(wrapped.Value) != 1 {
		t.Errorf("wrapped response not accepted: %+v", wrapped)
	}

	cards := NewStudyMaterials(&scriptedModel{complete: func(string) (string, error) {
		return `{"cards": [{"front": "f1", "back": "b1", "category": "c"}, {"front": "f2", "back": "b2", "category": "c"}]}`, nil
	}}, "").Flashcards(context.Background(), moments)
	if cards.Degraded() || len(cards.Value) != 2 || cards.Value[1].Front != "f2" {
		t.Errorf("cards wrapper not accepted: %+v", cards)
	}

	failed := NewStudyMaterials(&scriptedModel{complete: func(string) (string, error) {
		return "", errors.New("rate limited")
	}}, "").Flashcards(context.Background(), moments)
	if !failed.Degraded() || failed.Value == nil || len(failed.Value) != 0 {
		t.Errorf("failure should give empty cards, got %+v", failed)
	}
	if failed.Degradation.Stage != "flashcards" || failed.Degradation.Reason != "rate limited" {
		t.Errorf("unexpected degradation: %+v", failed.Degradation)
	}
}
