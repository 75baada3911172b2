package processors

import (
	"log"

	"videoCourse/core"
)

// Outcome 阶段结果。Value 始终可用；Degradation 非空表示 Value 是降级替代值
type Outcome[T any] struct {
	Value       T
	Degradation *core.Degradation
}

func succeeded[T any](v T) Outcome[T] {
	return Outcome[T]{Value: v}
}

func degraded[T any](v T, stage, item string, cause error) Outcome[T] {
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}
	log.Printf("[%s] %s degraded: %s", stage, item, reason)
	return Outcome[T]{Value: v, Degradation: &core.Degradation{Stage: stage, Item: item, Reason: reason}}
}

// Degraded 是否使用了降级值
func (o Outcome[T]) Degraded() bool { return o.Degradation != nil }
