package web

import (
	"context"
	"crypto/rand"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/gorilla/csrf"
	"github.com/rs/zerolog"
	"github.com/triagem-mail/triagem/internal/classify"
	"github.com/triagem-mail/triagem/internal/config"
	"github.com/triagem-mail/triagem/internal/extract"
	"github.com/triagem-mail/triagem/internal/pipeline"
)

//go:embed static/*
var staticFS embed.FS

//go:embed templates/*
var templatesFS embed.FS

const (
	defaultRateLimit  = 30
	defaultRateWindow = time.Minute

	// multipartMemory is the part of an upload kept in memory, the rest
	// spills to temporary files
	multipartMemory = 8 << 20
)

// msgNothingToAnalyze is the message shown when a submission carries no
// usable text or file
const msgNothingToAnalyze = "Nenhum conteúdo ou arquivo válido para análise."

type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *RateLimiter) filterRecent(times []time.Time, windowStart time.Time) []time.Time {
	n := 0
	for _, t := range times {
		if t.After(windowStart) {
			times[n] = t
			n++
		}
	}
	return times[:n]
}

func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	recent := rl.filterRecent(rl.requests[key], now.Add(-rl.window))

	if len(recent) >= rl.limit {
		rl.requests[key] = recent
		return false
	}
	rl.requests[key] = append(recent, now)
	return true
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		windowStart := time.Now().Add(-rl.window)
		for key, times := range rl.requests {
			recent := rl.filterRecent(times, windowStart)
			if len(recent) == 0 {
				delete(rl.requests, key)
			} else {
				rl.requests[key] = recent
			}
		}
		rl.mu.Unlock()
	}
}

// Analyzer runs the triage pipeline over a batch of emails
type Analyzer interface {
	AnalyzeAll(ctx context.Context, inputs []pipeline.Input) []pipeline.Result
}

type Server struct {
	analyzer    Analyzer
	config      config.Server
	templates   map[string]*template.Template
	httpServer  *http.Server
	csrfKey     []byte
	rateLimiter *RateLimiter
	log         zerolog.Logger
}

func NewServer(cfg config.Server, analyzer Analyzer, logger zerolog.Logger) (*Server, error) {
	csrfKey := make([]byte, 32)
	if _, err := rand.Read(csrfKey); err != nil {
		return nil, fmt.Errorf("failed to generate CSRF key: %w", err)
	}

	s := &Server{
		analyzer:    analyzer,
		config:      cfg,
		csrfKey:     csrfKey,
		rateLimiter: NewRateLimiter(defaultRateLimit, defaultRateWindow),
		log:         logger.With().Str("component", "web").Logger(),
	}

	tmpl, err := s.parseTemplates()
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}
	s.templates = tmpl
	return s, nil
}

// parseTemplates loads and parses all HTML templates
// Each page gets its own template set to avoid "content" block conflicts
func (s *Server) parseTemplates() (map[string]*template.Template, error) {
	funcs := template.FuncMap{
		"add": func(a, b int) int {
			return a + b
		},
		"badge": func(c classify.Category) string {
			switch c {
			case classify.CategoryProductive:
				return "badge-productive"
			case classify.CategoryUnproductive:
				return "badge-unproductive"
			default:
				return "badge-undetermined"
			}
		},
		"accept": func() string {
			return strings.Join(extract.Supported, ",")
		},
	}

	layoutContent, err := templatesFS.ReadFile("templates/layout.html")
	if err != nil {
		return nil, fmt.Errorf("failed to read layout template: %w", err)
	}

	var partials []string
	err = fs.WalkDir(templatesFS, "templates/partials", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".html") {
			return err
		}
		content, err := templatesFS.ReadFile(path)
		if err != nil {
			return err
		}
		partials = append(partials, string(content))
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read partials: %w", err)
	}

	templates := make(map[string]*template.Template)

	err = fs.WalkDir(templatesFS, "templates", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.Contains(path, "/partials/") || path == "templates/layout.html" {
			return nil
		}
		if !strings.HasSuffix(path, ".html") {
			return nil
		}

		content, err := templatesFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read template %s: %w", path, err)
		}

		name := path[len("templates/"):]
		pageTmpl := template.New(name).Funcs(funcs)

		if _, err = pageTmpl.Parse(string(layoutContent)); err != nil {
			return fmt.Errorf("failed to parse layout for %s: %w", name, err)
		}
		for _, partial := range partials {
			if _, err = pageTmpl.Parse(partial); err != nil {
				return fmt.Errorf("failed to parse partial for %s: %w", name, err)
			}
		}
		if _, err = pageTmpl.Parse(string(content)); err != nil {
			return fmt.Errorf("failed to parse template %s: %w", name, err)
		}

		templates[name] = pageTmpl
		return nil
	})
	if err != nil {
		return nil, err
	}

	return templates, nil
}

// Handler returns the routed handler, used by Start and by tests
func (s *Server) Handler() http.Handler {
	return s.setupRouter()
}

// Start serves until Shutdown is called. With openUI set the default
// browser is pointed at the form.
func (s *Server) Start(openUI bool) error {
	s.httpServer = &http.Server{
		Addr:         s.config.Addr(),
		Handler:      s.setupRouter(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute, // generation can be slow
		IdleTimeout:  60 * time.Second,
	}

	url := fmt.Sprintf("http://%s", s.config.Addr())
	if openUI {
		go func() {
			time.Sleep(500 * time.Millisecond)
			openBrowser(url)
		}()
	}

	s.log.Info().Str("addr", s.config.Addr()).Msg("web UI listening")
	fmt.Printf("Starting triagem web UI at %s\n", url)
	fmt.Println("Press Ctrl+C to stop")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// setupRouter configures all routes
func (s *Server) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(securityHeaders)

	// The UI is served over plain HTTP on a local address
	csrfMiddleware := csrf.Protect(
		s.csrfKey,
		csrf.Secure(false),
		csrf.Path("/"),
		csrf.HttpOnly(true),
		csrf.SameSite(csrf.SameSiteLaxMode),
		csrf.RequestHeader("X-CSRF-Token"),
		csrf.TrustedOrigins([]string{"localhost", "127.0.0.1", s.config.Addr(), fmt.Sprintf("localhost:%d", s.config.Port)}),
	)

	staticSub, _ := fs.Sub(staticFS, "static")
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(s.limitBody)
		r.Use(markPlaintext)
		r.Use(csrfMiddleware)
		r.Get("/", s.handleIndex)
		r.With(s.rateLimit("form")).Post("/analisar", s.handleAnalyze)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.limitBody)
		r.With(s.rateLimit("api"), requireJSON).Post("/analyze", s.handleAPIAnalyze)
	})

	return r
}

// requestLogger logs one line per request through zerolog
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.log.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("request")
		}()
		next.ServeHTTP(ww, r)
	})
}

// markPlaintext tells the csrf middleware the request arrived over HTTP so
// the origin check does not assume TLS
func markPlaintext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil {
			r = csrf.PlaintextHTTPRequest(r)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyBytes() int64 {
	return int64(s.config.MaxUploadMB) << 20
}

// limitBody rejects bodies over the upload limit before anything parses them
func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := s.maxBodyBytes()
		if limit > 0 {
			if r.ContentLength > limit {
				http.Error(w, fmt.Sprintf("Envio excede o limite de %d MB.", s.config.MaxUploadMB), http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit allows defaultRateLimit requests per client and scope per window
func (s *Server) rateLimit(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.rateLimiter.Allow(scope + ":" + clientIP(r)) {
				s.log.Warn().Str("scope", scope).Str("client", clientIP(r)).Msg("rate limit exceeded")
				if scope == "api" {
					writeJSON(w, http.StatusTooManyRequests, apiError{Error: "rate limit exceeded"})
					return
				}
				http.Error(w, "Muitas solicitações. Aguarde um momento e tente novamente.", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireJSON refuses API requests whose body is not declared as
// application/json, so cross-site simple requests (text/plain forms) never
// reach the analyzer
func requireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mediaType != "application/json" {
			writeJSON(w, http.StatusUnsupportedMediaType, apiError{Error: "Content-Type must be application/json"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// securityHeaders adds security headers to all responses
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		csp := "default-src 'self'; " +
			"script-src 'self'; " +
			"style-src 'self'; " +
			"img-src 'self' data:; " +
			"connect-src 'self'; " +
			"frame-ancestors 'none'; " +
			"form-action 'self'; " +
			"base-uri 'self'"
		w.Header().Set("Content-Security-Policy", csp)

		// Submitted emails may hold customer data
		if !strings.HasPrefix(r.URL.Path, "/static/") {
			w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
			w.Header().Set("Pragma", "no-cache")
			w.Header().Set("Expires", "0")
		}

		w.Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=(), payment=()")

		next.ServeHTTP(w, r)
	})
}

// openBrowser opens the default browser to the specified URL
func openBrowser(url string) {
	var cmd string
	var args []string

	switch runtime.GOOS {
	case "darwin":
		cmd = "open"
		args = []string{url}
	case "linux":
		cmd = "xdg-open"
		args = []string{url}
	case "windows":
		cmd = "cmd"
		args = []string{"/c", "start", url}
	default:
		return
	}

	exec.Command(cmd, args...).Start()
}

// Handler implementations

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{
		"Title":       "Análise de e-mails",
		"MaxUploadMB": s.config.MaxUploadMB,
	}
	s.renderWithCSRF(w, r, "index.html", data)
}

// handleAnalyze turns every non-blank text and every uploaded file into one
// analysis, keeping submission order
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, fmt.Sprintf("Envio excede o limite de %d MB.", s.config.MaxUploadMB), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Formulário inválido.", http.StatusBadRequest)
		return
	}

	sender := strings.TrimSpace(r.FormValue("remetente"))

	var inputs []pipeline.Input
	for _, text := range r.Form["texto"] {
		if strings.TrimSpace(text) == "" {
			continue
		}
		inputs = append(inputs, pipeline.Input{Body: text, Sender: sender})
	}
	if r.MultipartForm != nil {
		for _, fh := range r.MultipartForm.File["arquivos"] {
			if fh.Filename == "" && fh.Size == 0 {
				continue
			}
			inputs = append(inputs, pipeline.Input{Body: s.extractUpload(fh), Sender: sender})
		}
	}

	if len(inputs) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		s.renderWithCSRF(w, r, "index.html", map[string]interface{}{
			"Title":       "Análise de e-mails",
			"MaxUploadMB": s.config.MaxUploadMB,
			"Error":       msgNothingToAnalyze,
		})
		return
	}

	results := s.analyzer.AnalyzeAll(r.Context(), inputs)

	s.renderWithCSRF(w, r, "result.html", map[string]interface{}{
		"Title":   "Resultado",
		"Results": results,
		"Summary": pipeline.Summarize(results),
	})
}

// extractUpload returns the text of an uploaded file. Unreadable and
// unsupported files yield an empty text that is still analyzed.
func (s *Server) extractUpload(fh *multipart.FileHeader) string {
	f, err := fh.Open()
	if err != nil {
		s.log.Warn().Err(err).Str("file", fh.Filename).Msg("failed to open upload")
		return ""
	}
	defer f.Close()

	text, err := extract.Reader(fh.Filename, f, s.maxBodyBytes())
	if err != nil {
		s.log.Warn().Err(err).Str("file", fh.Filename).Msg("failed to extract upload")
		return ""
	}
	return text
}

type apiRequest struct {
	Body   string           `json:"body"`
	Sender string           `json:"sender"`
	Items  []pipeline.Input `json:"items"`
}

type apiResponse struct {
	Results []pipeline.Result `json:"results"`
	Summary pipeline.Summary  `json:"summary"`
}

type apiError struct {
	Error string `json:"error"`
}

func (s *Server) handleAPIAnalyze(w http.ResponseWriter, r *http.Request) {
	var req apiRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, apiError{Error: "request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid JSON: " + err.Error()})
		return
	}

	inputs := req.Items
	if len(inputs) == 0 && strings.TrimSpace(req.Body) != "" {
		inputs = []pipeline.Input{{Body: req.Body, Sender: req.Sender}}
	}
	if len(inputs) == 0 {
		writeJSON(w, http.StatusBadRequest, apiError{Error: msgNothingToAnalyze})
		return
	}

	results := s.analyzer.AnalyzeAll(r.Context(), inputs)
	writeJSON(w, http.StatusOK, apiResponse{Results: results, Summary: pipeline.Summarize(results)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) render(w http.ResponseWriter, name string, data interface{}) {
	tmpl, ok := s.templates[name]
	if !ok {
		http.Error(w, "Template not found: "+name, http.StatusInternalServerError)
		return
	}
	if err := tmpl.ExecuteTemplate(w, "layout", data); err != nil {
		s.log.Error().Err(err).Str("template", name).Msg("template error")
		http.Error(w, "Template error: "+err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) renderWithCSRF(w http.ResponseWriter, r *http.Request, name string, data map[string]interface{}) {
	data["CSRFToken"] = csrf.Token(r)
	data["CSRFField"] = csrf.TemplateField(r)
	s.render(w, name, data)
}
