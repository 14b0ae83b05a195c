package server

import (
	"cninfo-notices/pkg/notice"
	"cninfo-notices/query"
	"net/http"
	"sort"
	"strings"
	"time"
)

const maxNameLength = 100

// querySummary is the list view of a saved query.
type querySummary struct {
	LastUpdateTime *time.Time `json:"lastUpdateTime"`
	Name           string     `json:"queryName"`
	SearchKey      string     `json:"searchKey,omitempty"`
	FromDate       string     `json:"fromDate"`
	ToDate         string     `json:"toDate,omitempty"`
	StockNames     []string   `json:"stockNames"`
	RecordCount    int        `json:"recordCount"`
	Live           bool       `json:"live"`
}

func summarize(q *notice.Query) querySummary {
	return querySummary{
		Name:           q.QueryName,
		SearchKey:      q.SearchKey,
		FromDate:       q.FromDate,
		ToDate:         q.ToDate,
		StockNames:     q.StockNames,
		RecordCount:    q.Count(),
		LastUpdateTime: q.LastUpdateTime,
		Live:           q.Live(),
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	queries, err := s.store.List(r.Context())
	if err != nil {
		s.logger.Error("Failed to list queries", "error", err)
		http.Error(w, "Failed to list queries", http.StatusInternalServerError)
		return
	}

	out := make([]querySummary, 0, len(queries))
	for _, q := range queries {
		out = append(out, summarize(q))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleShow(w, r)
	case http.MethodPost:
		s.handleCreate(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleShow(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		http.Error(w, "Missing name parameter", http.StatusBadRequest)
		return
	}

	q, err := s.store.Load(r.Context(), name)
	if err != nil {
		if notice.IsNotFound(err) {
			http.Error(w, "Query not found", http.StatusNotFound)
			return
		}
		s.logger.Error("Failed to load query", "name", name, "error", err)
		http.Error(w, "Failed to load query", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if !s.createLimiter.Allow() {
		s.logger.Warn("Create rate limit exceeded", "remote_addr", r.RemoteAddr)
		http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}

	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" || len(name) > maxNameLength {
		http.Error(w, "Query name is required and must be at most 100 bytes", http.StatusBadRequest)
		return
	}

	var identifiers []string
	for _, field := range strings.FieldsFunc(r.FormValue("stocks"), func(c rune) bool {
		return c == ',' || c == '，' || c == ' ' || c == '\n'
	}) {
		if field = strings.TrimSpace(field); field != "" {
			identifiers = append(identifiers, field)
		}
	}
	if len(identifiers) == 0 {
		http.Error(w, "At least one stock code or name is required", http.StatusBadRequest)
		return
	}

	if _, err := s.store.Load(r.Context(), name); err == nil {
		http.Error(w, "A query with this name already exists", http.StatusConflict)
		return
	} else if !notice.IsNotFound(err) {
		s.logger.Error("Failed to check for existing query", "name", name, "error", err)
		http.Error(w, "Failed to create query", http.StatusInternalServerError)
		return
	}

	q, err := s.engine.Create(r.Context(), query.CreateRequest{
		Name:        name,
		Identifiers: identifiers,
		SearchKey:   strings.TrimSpace(r.FormValue("keyword")),
		FromDate:    r.FormValue("from"),
		ToDate:      r.FormValue("to"),
	})
	if err != nil {
		if notice.IsResolutionError(err) || notice.IsInvalidRange(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Error("Failed to create query", "name", name, "error", err)
		http.Error(w, "Failed to create query", http.StatusInternalServerError)
		return
	}

	if err := s.store.Save(r.Context(), q); err != nil {
		s.logger.Error("Failed to save query", "name", name, "error", err)
		http.Error(w, "Failed to save query", http.StatusInternalServerError)
		return
	}

	s.logger.Info("Query created via HTTP", "name", name, "record_count", q.Count())
	s.writeJSON(w, http.StatusCreated, summarize(q))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}

	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		http.Error(w, "Missing name parameter", http.StatusBadRequest)
		return
	}

	if _, err := s.store.Load(r.Context(), name); err != nil {
		if notice.IsNotFound(err) {
			http.Error(w, "Query not found", http.StatusNotFound)
			return
		}
		// A malformed document can still be deleted.
		s.logger.Warn("Deleting unreadable query", "name", name, "error", err)
	}

	if err := s.store.Delete(r.Context(), name); err != nil {
		s.logger.Error("Failed to delete query", "name", name, "error", err)
		http.Error(w, "Failed to delete query", http.StatusInternalServerError)
		return
	}

	s.logger.Info("Query deleted via HTTP", "name", name)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "queryName": name})
}
