package processors

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"strings"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru/v2"

	"videoCourse/core"
	"videoCourse/storage"
)

const queryCacheSize = 512

// Indexer 关键时刻向量化并写入向量存储
type Indexer struct {
	model  ModelClient
	store  storage.VectorStore
	dim    int
	scheme string
	cache  *lru.Cache[string, []float32]
}

// NewIndexer scheme 为向量主键方案（namespaced | legacy）
func NewIndexer(model ModelClient, store storage.VectorStore, dim int, scheme string) *Indexer {
	cache, _ := lru.New[string, []float32](queryCacheSize)
	return &Indexer{model: model, store: store, dim: dim, scheme: scheme, cache: cache}
}

// FrameID 向量记录的逻辑 ID
func FrameID(taskID string, i int) string {
	return fmt.Sprintf("%s_%d", taskID, i)
}

// Embed 调用模型生成向量；失败或维度不符时返回随机向量。ctx 已取消时返回 ErrCancelled
func (ix *Indexer) Embed(ctx context.Context, text, item string) (Outcome[[]float32], error) {
	v, err := ix.model.Embed(ctx, text)
	if ctx.Err() != nil {
		return Outcome[[]float32]{}, errors.Wrap(core.ErrCancelled, ctx.Err().Error())
	}
	if err == nil && len(v) != ix.dim {
		err = errors.Newf("embedding has %d dims, want %d", len(v), ix.dim)
	}
	if err != nil {
		return degraded(RandomVector(ix.dim), "embedding", item, err), nil
	}
	return succeeded(v), nil
}

// RandomVector [0,1) 均匀分布
func RandomVector(dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = rand.Float32()
	}
	return v
}

// IndexMoments 为每个关键时刻写入一条记录
func (ix *Indexer) IndexMoments(ctx context.Context, taskID string, moments []core.KeyMoment) (int, []core.Degradation, error) {
	if len(moments) == 0 {
		return 0, nil, nil
	}
	var degradations []core.Degradation
	records := make([]core.VectorRecord, 0, len(moments))
	for i, km := range moments {
		frameID := FrameID(taskID, i)
		emb, err := ix.Embed(ctx, km.Verdict.Description, frameID)
		if err != nil {
			return 0, degradations, err
		}
		if emb.Degraded() {
			degradations = append(degradations, *emb.Degradation)
		}
		records = append(records, core.VectorRecord{
			ID:          storage.RecordID(ix.scheme, frameID),
			FrameID:     frameID,
			TaskID:      taskID,
			Topic:       km.Verdict.Topic,
			Description: km.Verdict.Description,
			Vector:      emb.Value,
		})
	}
	n, err := ix.store.Upsert(ctx, records)
	if err != nil {
		return n, degradations, errors.Wrap(err, "upsert vectors")
	}
	log.Printf("[INDEX] task %s: %d vectors upserted", taskID, n)
	return n, degradations, nil
}

// SearchResult 检索结果，Degraded 非空表示查询向量是随机替代值
type SearchResult struct {
	Hits     []core.Hit
	Degraded string
}

// Search 查询向量按原文缓存，只缓存模型返回的真实向量
func (ix *Indexer) Search(ctx context.Context, query string, limit int, taskID string) (*SearchResult, error) {
	if limit <= 0 {
		limit = 5
	}
	key := strings.TrimSpace(query)
	res := &SearchResult{}
	vec, ok := ix.cache.Get(key)
	if !ok {
		emb, err := ix.Embed(ctx, key, "query")
		if err != nil {
			return nil, err
		}
		vec = emb.Value
		if emb.Degraded() {
			res.Degraded = emb.Degradation.Reason
		} else {
			ix.cache.Add(key, vec)
		}
	}
	hits, err := ix.store.Search(ctx, vec, limit, taskID)
	if err != nil {
		return nil, errors.Wrap(err, "vector search")
	}
	res.Hits = hits
	return res, nil
}
