package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"videoCourse/config"
	"videoCourse/core"
)

// VectorStore abstracts the storage backend
type VectorStore interface {
	Upsert(ctx context.Context, records []core.VectorRecord) (int, error)
	// Search taskID 为空时在全部任务中检索
	Search(ctx context.Context, vector []float32, topK int, taskID string) ([]core.Hit, error)
	Close() error
}

// RecordID 根据 frame id 生成向量记录主键
//
// namespaced 直接使用 "{task}_{i}"，不会冲突；legacy 为 hash mod 1e9，
// 不同任务之间可能冲突，仅用于兼容旧索引。
func RecordID(scheme, frameID string) string {
	if scheme == "legacy" {
		return strconv.FormatUint(xxhash.Sum64String(frameID)%1_000_000_000, 10)
	}
	return frameID
}

// InitVectorStore 按配置创建向量存储，外部后端不可用时回退到内存存储
func InitVectorStore(ctx context.Context, cfg *config.Config) VectorStore {
	switch cfg.Store {
	case "milvus":
		s, err := NewMilvusVectorStore(ctx, cfg)
		if err == nil {
			return s
		}
		fmt.Printf("Warning: Failed to initialize Milvus store (%v), falling back to memory store\n", err)
	case "pgvector":
		s, err := NewPgVectorStore(ctx, cfg.PostgresURL, cfg.VectorCollection, cfg.EmbeddingDim)
		if err == nil {
			return s
		}
		fmt.Printf("Warning: Failed to initialize PgVector store (%v), falling back to memory store\n", err)
	}
	s, err := NewMemoryVectorStore(cfg.IndexDir)
	if err != nil {
		fmt.Printf("Warning: vector snapshot unavailable (%v), index is process-local\n", err)
		return &MemoryVectorStore{records: map[string]core.VectorRecord{}}
	}
	return s
}

// ---------------- Memory implementation ----------------

// MemoryVectorStore 内存向量存储，dir 非空时每次写入后落盘快照
type MemoryVectorStore struct {
	mu      sync.RWMutex
	records map[string]core.VectorRecord
	order   []string
	path    string
}

// NewMemoryVectorStore 创建内存存储并加载 dir 下的快照
func NewMemoryVectorStore(dir string) (*MemoryVectorStore, error) {
	s := &MemoryVectorStore{records: map[string]core.VectorRecord{}}
	if dir == "" {
		return s, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "create index dir")
	}
	s.path = filepath.Join(dir, "vectors.json")
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MemoryVectorStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "read snapshot")
	}
	var recs []core.VectorRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return errors.Wrap(err, "decode snapshot")
	}
	for _, r := range recs {
		s.put(r)
	}
	log.Printf("Loaded %d vectors from %s", len(recs), s.path)
	return nil
}

func (s *MemoryVectorStore) put(r core.VectorRecord) {
	if _, ok := s.records[r.ID]; !ok {
		s.order = append(s.order, r.ID)
	}
	s.records[r.ID] = r
}

func (s *MemoryVectorStore) Upsert(_ context.Context, records []core.VectorRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		r.Vector = append([]float32(nil), r.Vector...)
		s.put(r)
	}
	if err := s.writeSnapshot(); err != nil {
		return len(records), err
	}
	return len(records), nil
}

// writeSnapshot 先写临时文件再原子重命名，调用方持有写锁
func (s *MemoryVectorStore) writeSnapshot() error {
	if s.path == "" {
		return nil
	}
	recs := make([]core.VectorRecord, 0, len(s.order))
	for _, id := range s.order {
		recs = append(recs, s.records[id])
	}
	data, err := json.Marshal(recs)
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrap(err, "write snapshot")
	}
	return errors.Wrap(os.Rename(tmp, s.path), "rename snapshot")
}

func (s *MemoryVectorStore) Search(_ context.Context, vector []float32, topK int, taskID string) ([]core.Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type scored struct {
		id    string
		score float64
	}
	scores := make([]scored, 0, len(s.order))
	for _, id := range s.order {
		r := s.records[id]
		if taskID != "" && r.TaskID != taskID {
			continue
		}
		scores = append(scores, scored{id, cosine(vector, r.Vector)})
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })
	if topK <= 0 {
		topK = 5
	}
	if topK > len(scores) {
		topK = len(scores)
	}
	hits := make([]core.Hit, 0, topK)
	for _, sc := range scores[:topK] {
		r := s.records[sc.id]
		hits = append(hits, core.Hit{Score: sc.score, FrameID: r.FrameID, TaskID: r.TaskID, Topic: r.Topic, Description: r.Description})
	}
	return hits, nil
}

// Len 记录数
func (s *MemoryVectorStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *MemoryVectorStore) Close() error { return nil }

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// ---------------- Milvus implementation ----------------

type MilvusVectorStore struct {
	mc   client.Client
	coll string
	dim  int
}

// NewMilvusVectorStore 连接 Milvus 并确保集合与索引存在
func NewMilvusVectorStore(ctx context.Context, cfg *config.Config) (*MilvusVectorStore, error) {
	mc, err := client.NewClient(ctx, client.Config{
		Address:  cfg.MilvusAddr,
		Username: cfg.MilvusUsername,
		Password: cfg.MilvusPassword,
		APIKey:   cfg.MilvusAPIKey, // For Zilliz Cloud
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect milvus")
	}
	s := &MilvusVectorStore{mc: mc, coll: cfg.VectorCollection, dim: cfg.EmbeddingDim}
	if err := s.ensureSchemaAndIndex(ctx); err != nil {
		mc.Close()
		return nil, err
	}
	return s, nil
}

func (s *MilvusVectorStore) ensureSchemaAndIndex(ctx context.Context) error {
	has, err := s.mc.HasCollection(ctx, s.coll)
	if err != nil {
		return errors.Wrap(err, "has collection")
	}
	if !has {
		schema := entity.NewSchema().WithName(s.coll).WithDescription("educational key moments")
		schema.WithField(entity.NewField().WithName("id").WithIsPrimaryKey(true).WithDataType(entity.FieldTypeVarChar).WithMaxLength(128))
		schema.WithField(entity.NewField().WithName("frame_id").WithDataType(entity.FieldTypeVarChar).WithMaxLength(128))
		schema.WithField(entity.NewField().WithName("task_id").WithDataType(entity.FieldTypeVarChar).WithMaxLength(64))
		schema.WithField(entity.NewField().WithName("topic").WithDataType(entity.FieldTypeVarChar).WithMaxLength(1024))
		schema.WithField(entity.NewField().WithName("description").WithDataType(entity.FieldTypeVarChar).WithMaxLength(4096))
		schema.WithField(entity.NewField().WithName("vector").WithDataType(entity.FieldTypeFloatVector).WithDim(int64(s.dim)))

		if err := s.mc.CreateCollection(ctx, schema, int32(2)); err != nil {
			return errors.Wrap(err, "create collection")
		}
		idx, err := entity.NewIndexHNSW(entity.COSINE, 8, 200)
		if err != nil {
			return errors.Wrap(err, "new hnsw index")
		}
		if err := s.mc.CreateIndex(ctx, s.coll, "vector", idx, false, client.WithIndexName("idx_vector")); err != nil {
			return errors.Wrap(err, "create index")
		}
	}
	if err := s.mc.LoadCollection(ctx, s.coll, false); err != nil {
		return errors.Wrap(err, "load collection")
	}
	return nil
}

func (s *MilvusVectorStore) Upsert(ctx context.Context, records []core.VectorRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	ids := make([]string, 0, len(records))
	frameIDs := make([]string, 0, len(records))
	taskIDs := make([]string, 0, len(records))
	topics := make([]string, 0, len(records))
	descs := make([]string, 0, len(records))
	vectors := make([][]float32, 0, len(records))
	for _, r := range records {
		if len(r.Vector) != s.dim {
			return 0, errors.Newf("vector %s has dim %d, collection expects %d", r.ID, len(r.Vector), s.dim)
		}
		ids = append(ids, r.ID)
		frameIDs = append(frameIDs, r.FrameID)
		taskIDs = append(taskIDs, r.TaskID)
		topics = append(topics, r.Topic)
		descs = append(descs, r.Description)
		vectors = append(vectors, r.Vector)
	}
	_, err := s.mc.Upsert(ctx, s.coll, "",
		entity.NewColumnVarChar("id", ids),
		entity.NewColumnVarChar("frame_id", frameIDs),
		entity.NewColumnVarChar("task_id", taskIDs),
		entity.NewColumnVarChar("topic", topics),
		entity.NewColumnVarChar("description", descs),
		entity.NewColumnFloatVector("vector", s.dim, vectors),
	)
	if err != nil {
		return 0, errors.Wrap(err, "milvus upsert")
	}
	return len(records), nil
}

func (s *MilvusVectorStore) Search(ctx context.Context, vector []float32, topK int, taskID string) ([]core.Hit, error) {
	if topK <= 0 {
		topK = 5
	}
	sp, _ := entity.NewIndexHNSWSearchParam(74)
	filter := ""
	if taskID != "" {
		filter = fmt.Sprintf("task_id == \"%s\"", strings.ReplaceAll(taskID, "\"", "\\\""))
	}
	res, err := s.mc.Search(ctx, s.coll, []string{}, filter, []string{"frame_id", "task_id", "topic", "description"},
		[]entity.Vector{entity.FloatVector(vector)}, "vector", entity.COSINE, topK, sp)
	if err != nil {
		return nil, errors.Wrap(err, "milvus search")
	}
	var hits []core.Hit
	for _, r := range res {
		cols := map[string]entity.Column{}
		for _, c := range r.Fields {
			cols[c.Name()] = c
		}
		str := func(name string, i int) string {
			if c, ok := cols[name].(*entity.ColumnVarChar); ok {
				if data := c.Data(); i < len(data) {
					return data[i]
				}
			}
			return ""
		}
		for i := 0; i < r.ResultCount; i++ {
			hits = append(hits, core.Hit{
				Score:       float64(r.Scores[i]),
				FrameID:     str("frame_id", i),
				TaskID:      str("task_id", i),
				Topic:       str("topic", i),
				Description: str("description", i),
			})
		}
	}
	return hits, nil
}

func (s *MilvusVectorStore) Close() error { return s.mc.Close() }

// ---------------- PgVector implementation ----------------

type PgVectorStore struct {
	pool  *pgxpool.Pool
	table string
	dim   int
}

// NewPgVectorStore 连接 PostgreSQL 并创建 pgvector 表
func NewPgVectorStore(ctx context.Context, dbURL, table string, dim int) (*PgVectorStore, error) {
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, errors.Wrap(err, "connect to postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	s := &PgVectorStore{pool: pool, table: sanitizeIdent(table), dim: dim}
	if err := s.ensureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// sanitizeIdent 表名只保留字母数字和下划线
func sanitizeIdent(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "educational_frames"
	}
	return b.String()
}

func (s *PgVectorStore) ensureTable(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			frame_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			topic TEXT,
			description TEXT,
			embedding vector(%d),
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`, s.table, s.dim),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_task_idx ON %s (task_id)`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING hnsw (embedding vector_cosine_ops)`, s.table, s.table),
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return errors.Wrapf(err, "ensure table %s", s.table)
		}
	}
	return nil
}

func (s *PgVectorStore) Upsert(ctx context.Context, records []core.VectorRecord) (int, error) {
	q := fmt.Sprintf(`INSERT INTO %s (id, frame_id, task_id, topic, description, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET frame_id = EXCLUDED.frame_id, task_id = EXCLUDED.task_id,
			topic = EXCLUDED.topic, description = EXCLUDED.description, embedding = EXCLUDED.embedding`, s.table)
	n := 0
	for _, r := range records {
		if _, err := s.pool.Exec(ctx, q, r.ID, r.FrameID, r.TaskID, r.Topic, r.Description, pgvector.NewVector(r.Vector)); err != nil {
			return n, errors.Wrapf(err, "upsert %s", r.ID)
		}
		n++
	}
	return n, nil
}

func (s *PgVectorStore) Search(ctx context.Context, vector []float32, topK int, taskID string) ([]core.Hit, error) {
	if topK <= 0 {
		topK = 5
	}
	q := fmt.Sprintf(`SELECT frame_id, task_id, COALESCE(topic, ''), COALESCE(description, ''),
			1 - (embedding <=> $1) AS similarity
		FROM %s
		WHERE ($2 = '' OR task_id = $2)
		ORDER BY embedding <=> $1
		LIMIT $3`, s.table)
	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(vector), taskID, topK)
	if err != nil {
		return nil, errors.Wrap(err, "pgvector search")
	}
	defer rows.Close()
	var hits []core.Hit
	for rows.Next() {
		var h core.Hit
		if err := rows.Scan(&h.FrameID, &h.TaskID, &h.Topic, &h.Description, &h.Score); err != nil {
			return nil, errors.Wrap(err, "scan hit")
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (s *PgVectorStore) Close() error {
	s.pool.Close()
	return nil
}
