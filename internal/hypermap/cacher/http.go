package cacher

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// NewRouter wires the cacher's read-only HTTP surface (spec.md §4.F
// "served over HTTP"): /manifest, /log-cache/{filename}, /status.
func NewRouter(c *Cacher) *mux.Router {
	r := mux.NewRouter()
	r.Use(jsonHeaders)

	r.HandleFunc("/manifest", c.handleManifest).Methods(http.MethodGet)
	r.HandleFunc("/log-cache/{filename}", c.handleLogCache).Methods(http.MethodGet)
	r.HandleFunc("/status", c.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/logs", c.handleLogsByRange).Methods(http.MethodGet)

	return r
}

func jsonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeStarting(w http.ResponseWriter) {
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": ErrIsStarting.Error()})
}

func (c *Cacher) handleManifest(w http.ResponseWriter, _ *http.Request) {
	m, err := c.GetManifest()
	if err == ErrIsStarting {
		writeStarting(w)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (c *Cacher) handleLogCache(w http.ResponseWriter, r *http.Request) {
	filename := mux.Vars(r)["filename"]
	if c.isStarting() {
		writeStarting(w)
		return
	}
	b, err := c.GetLogCacheContent(filename)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if b == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}

func (c *Cacher) handleStatus(w http.ResponseWriter, _ *http.Request) {
	remaining := int64(c.intervalSeconds)
	writeJSON(w, http.StatusOK, c.GetStatus(remaining))
}

func (c *Cacher) handleLogsByRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := strconv.ParseUint(q.Get("from_block"), 10, 64)
	if err != nil {
		http.Error(w, "invalid from_block", http.StatusBadRequest)
		return
	}
	var to *uint64
	if s := q.Get("to_block"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			http.Error(w, "invalid to_block", http.StatusBadRequest)
			return
		}
		to = &v
	}
	res, err := c.GetLogsByRange(from, to)
	if err == ErrIsStarting {
		writeStarting(w)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
