package server

import (
	"net/http"
	"strconv"
	"strings"
)

const (
	defaultSearchLimit = 5
	maxSearchLimit     = 50
)

// SearchResultItem 检索结果条目
type SearchResultItem struct {
	Score       float64 `json:"score"`
	Topic       string  `json:"topic"`
	Description string  `json:"description"`
	FrameID     string  `json:"frame_id,omitempty"`
	TaskID      string  `json:"task_id,omitempty"`
}

// SearchResponse /search 的响应
type SearchResponse struct {
	Query   string             `json:"query"`
	Results []SearchResultItem `json:"results"`
	// Degraded 查询向量生成失败时的原因，此时结果只是随机近邻
	Degraded string `json:"degraded,omitempty"`
}

// search 语义检索关键时刻，可按 task_id 过滤
func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := strings.TrimSpace(q.Get("query"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	limit := defaultSearchLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxSearchLimit)
	}

	res, err := s.Searcher.Search(r.Context(), query, limit, q.Get("task_id"))
	if err != nil {
		s.logger.Printf("search %q failed: %v", query, err)
		writeError(w, http.StatusBadGateway, "Vector search failed")
		return
	}
	resp := SearchResponse{Query: query, Results: make([]SearchResultItem, 0, len(res.Hits)), Degraded: res.Degraded}
	for _, h := range res.Hits {
		resp.Results = append(resp.Results, SearchResultItem{
			Score:       h.Score,
			Topic:       h.Topic,
			Description: h.Description,
			FrameID:     h.FrameID,
			TaskID:      h.TaskID,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
