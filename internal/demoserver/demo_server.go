// Package demoserver serves pages whose content can be switched between
// versions, for trying out kansoku jobs against a site that changes.
package demoserver

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// DemoServer is a simple HTTP server with versioned pages.
type DemoServer struct {
	cfg      Config
	pages    map[string]PageDefinition
	versions map[string]int // path -> current version
	changed  map[string]time.Time
	mu       sync.RWMutex
	router   chi.Router
}

// NewDemoServer creates a new demo server instance.
func NewDemoServer(cfg Config) *DemoServer {
	if cfg.InitialVersion < 1 {
		cfg.InitialVersion = 1
	}
	s := &DemoServer{
		cfg:      cfg,
		pages:    map[string]PageDefinition{},
		versions: map[string]int{},
		changed:  map[string]time.Time{},
		router:   chi.NewRouter(),
	}
	now := time.Now().UTC().Truncate(time.Second)
	for _, p := range GetAllPages() {
		s.pages[p.Path] = p
		s.versions[p.Path] = cfg.InitialVersion
		s.changed[p.Path] = now
	}

	r := s.router
	for path := range s.pages {
		r.Get(path, s.pageHandler(path))
	}
	r.Get("/status/{code}", s.statusHandler)
	r.Get("/slow", s.slowHandler)
	r.Get("/redirect-loop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/redirect-loop", http.StatusFound)
	})

	r.Get("/demo/versions", s.getVersionsHandler)
	r.Post("/demo/set-version", s.setVersionHandler)
	r.Post("/demo/bump-all", s.bumpAllVersionsHandler)
	r.Post("/demo/reset", s.resetVersionsHandler)
	return s
}

// Handler returns the demo routes.
func (s *DemoServer) Handler() http.Handler { return s.router }

// Start serves on the configured port until the listener fails.
func (s *DemoServer) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	return srv.ListenAndServe()
}

func etag(body string) string {
	sum := sha1.Sum([]byte(body))
	return `"` + hex.EncodeToString(sum[:8]) + `"`
}

// pageHandler serves the current version of a page and honours
// If-None-Match and If-Modified-Since.
func (s *DemoServer) pageHandler(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		page := s.pages[path].version(s.versions[path])
		modified := s.changed[path]
		s.mu.RUnlock()

		tag := etag(page.Body)
		w.Header().Set("ETag", tag)
		w.Header().Set("Last-Modified", modified.Format(http.TimeFormat))

		if inm := r.Header.Get("If-None-Match"); inm != "" {
			if inm == tag {
				w.WriteHeader(http.StatusNotModified)
				return
			}
		} else if ims, err := http.ParseTime(r.Header.Get("If-Modified-Since")); err == nil && !modified.After(ims) {
			w.WriteHeader(http.StatusNotModified)
			return
		}

		contentType := page.ContentType
		if contentType == "" {
			contentType = "text/html; charset=utf-8"
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(page.Body))
	}
}

func (s *DemoServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	code, err := strconv.Atoi(chi.URLParam(r, "code"))
	if err != nil || code < 200 || code > 599 {
		http.Error(w, "Invalid status code", http.StatusBadRequest)
		return
	}
	http.Error(w, http.StatusText(code), code)
}

// slowHandler answers after the duration given in the d query parameter.
func (s *DemoServer) slowHandler(w http.ResponseWriter, r *http.Request) {
	d, err := time.ParseDuration(r.URL.Query().Get("d"))
	if err != nil {
		d = time.Second
	}
	if s.cfg.MaxDelay > 0 {
		d = min(d, s.cfg.MaxDelay)
	}
	select {
	case <-time.After(d):
		_, _ = w.Write([]byte("finally\n"))
	case <-r.Context().Done():
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// PageInfo describes one page in /demo/versions.
type PageInfo struct {
	Path              string `json:"path"`
	Description       string `json:"description"`
	CurrentVersion    int    `json:"current_version"`
	AvailableVersions []int  `json:"available_versions"`
}

// getVersionsHandler returns the current versions of all pages.
func (s *DemoServer) getVersionsHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pages := make([]PageInfo, 0, len(s.pages))
	for path, def := range s.pages {
		versions := make([]int, 0, len(def.Versions))
		for v := range def.Versions {
			versions = append(versions, v)
		}
		sort.Ints(versions)
		pages = append(pages, PageInfo{
			Path:              path,
			Description:       def.Description,
			CurrentVersion:    s.versions[path],
			AvailableVersions: versions,
		})
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].Path < pages[j].Path })
	writeJSON(w, pages)
}

// setVersion must be called with mu held.
func (s *DemoServer) setVersion(path string, version int) {
	if s.versions[path] == version {
		return
	}
	s.versions[path] = version
	// Last-Modified has second granularity
	s.changed[path] = s.changed[path].Add(time.Second)
	if now := time.Now().UTC().Truncate(time.Second); now.After(s.changed[path]) {
		s.changed[path] = now
	}
}

// setVersionHandler sets the version for a specific page.
func (s *DemoServer) setVersionHandler(w http.ResponseWriter, r *http.Request) {
	path := r.FormValue("path")
	version, err := strconv.Atoi(r.FormValue("version"))
	if err != nil || version < 1 {
		http.Error(w, "Invalid version number", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	_, ok := s.pages[path]
	if ok {
		s.setVersion(path, version)
	}
	s.mu.Unlock()

	if !ok {
		http.Error(w, "Unknown page", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{"success": true, "path": path, "version": version})
}

// bumpAllVersionsHandler increments the version of all pages, capped at
// the last available one.
func (s *DemoServer) bumpAllVersionsHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	for path, def := range s.pages {
		s.setVersion(path, min(s.versions[path]+1, def.maxVersion()))
	}
	s.mu.Unlock()
	writeJSON(w, map[string]any{"success": true, "message": "All versions bumped"})
}

// resetVersionsHandler resets all pages to version 1.
func (s *DemoServer) resetVersionsHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	for path := range s.pages {
		s.setVersion(path, 1)
	}
	s.mu.Unlock()
	writeJSON(w, map[string]any{"success": true, "message": "All versions reset to 1"})
}
