package web

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/triagem-mail/triagem/internal/classify"
	"github.com/triagem-mail/triagem/internal/config"
	"github.com/triagem-mail/triagem/internal/pipeline"
)

var csrfFieldRe = regexp.MustCompile(`name="gorilla.csrf.Token" value="([^"]+)"`)

func newTestServer(t *testing.T, maxUploadMB int) *Server {
	t.Helper()
	a, err := pipeline.New(pipeline.Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewServer(config.Server{Host: "127.0.0.1", Port: 8080, MaxUploadMB: maxUploadMB}, a, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return s
}

// csrfSession loads the form and returns the token and cookies needed to post it
func csrfSession(t *testing.T, h http.Handler) (string, []*http.Cookie) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET / status = %d", rec.Code)
	}
	m := csrfFieldRe.FindStringSubmatch(rec.Body.String())
	if m == nil {
		t.Fatal("csrf field not found in form")
	}
	return m[1], rec.Result().Cookies()
}

type upload struct {
	name    string
	content []byte
}

func multipartForm(t *testing.T, token string, fields map[string][]string, files []upload) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if token != "" {
		mw.WriteField("gorilla.csrf.Token", token)
	}
	for name, values := range fields {
		for _, v := range values {
			mw.WriteField(name, v)
		}
	}
	for _, f := range files {
		fw, err := mw.CreateFormFile("arquivos", f.name)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(f.content)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func postForm(t *testing.T, h http.Handler, body *bytes.Buffer, contentType string, cookies []*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/analisar", body)
	req.Header.Set("Content-Type", contentType)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIndexRendersForm(t *testing.T) {
	h := newTestServer(t, 10).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{`name="texto"`, `name="arquivos"`, `name="remetente"`, `action="/analisar"`, "gorilla.csrf.Token"} {
		if !strings.Contains(body, want) {
			t.Errorf("form is missing %s", want)
		}
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); !strings.Contains(got, "no-store") {
		t.Errorf("Cache-Control = %q", got)
	}
}

func TestAnalyzeFormTextAndFiles(t *testing.T) {
	h := newTestServer(t, 10).Handler()
	token, cookies := csrfSession(t, h)

	body, ct := multipartForm(t, token,
		map[string][]string{"texto": {"Segue a nota fiscal de agosto."}, "remetente": {"joana@fornecedor.com.br"}},
		[]upload{
			{name: "convite.txt", content: []byte("Vamos tomar um café amanhã?")},
			{name: "planilha.xlsx", content: []byte("binário")},
		},
	)
	rec := postForm(t, h, body, ct, cookies)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	page := rec.Body.String()
	if got := strings.Count(page, `class="card result"`); got != 3 {
		t.Errorf("rendered %d results, want 3", got)
	}
	if !strings.Contains(page, "3 e-mail(s)") {
		t.Error("summary not rendered")
	}

	first := strings.Index(page, string(classify.CategoryProductive))
	second := strings.Index(page, string(classify.CategoryUnproductive))
	if first < 0 || second < 0 || first > second {
		t.Error("results should be rendered in submission order")
	}
}

func TestAnalyzeFormEmptySubmission(t *testing.T) {
	h := newTestServer(t, 10).Handler()
	token, cookies := csrfSession(t, h)

	body, ct := multipartForm(t, token, map[string][]string{"texto": {"   \n  "}}, nil)
	rec := postForm(t, h, body, ct, cookies)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), msgNothingToAnalyze) {
		t.Errorf("body should carry %q", msgNothingToAnalyze)
	}
}

func TestAnalyzeFormRequiresCSRF(t *testing.T) {
	h := newTestServer(t, 10).Handler()

	body, ct := multipartForm(t, "", map[string][]string{"texto": {"Nota fiscal"}}, nil)
	rec := postForm(t, h, body, ct, nil)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestAnalyzeFormTooLarge(t *testing.T) {
	h := newTestServer(t, 1).Handler()

	big := bytes.Repeat([]byte("a"), 2<<20)
	body, ct := multipartForm(t, "", nil, []upload{{name: "grande.txt", content: big}})
	rec := postForm(t, h, body, ct, nil)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestAPIAnalyze(t *testing.T) {
	h := newTestServer(t, 10).Handler()

	tests := []struct {
		name       string
		payload    string
		wantStatus int
		want       []classify.Category
	}{
		{
			name:       "single body",
			payload:    `{"body": "Segue o relatório de fechamento"}`,
			wantStatus: http.StatusOK,
			want:       []classify.Category{classify.CategoryProductive},
		},
		{
			name:       "items",
			payload:    `{"items": [{"body": "Feliz Natal!"}, {"body": "Feliz Natal!", "sender": "ana@empresa.com"}]}`,
			wantStatus: http.StatusOK,
			want:       []classify.Category{classify.CategoryUnproductive, classify.CategoryProductive},
		},
		{name: "empty", payload: `{"body": "  "}`, wantStatus: http.StatusBadRequest},
		{name: "malformed", payload: `{"body":`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/analyze", strings.NewReader(tt.payload))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				return
			}

			var resp apiResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(resp.Results) != len(tt.want) {
				t.Fatalf("got %d results, want %d", len(resp.Results), len(tt.want))
			}
			for i, r := range resp.Results {
				if r.Classification != tt.want[i] {
					t.Errorf("result %d: %s, want %s", i, r.Classification, tt.want[i])
				}
				if r.ID == "" || r.Reply == "" {
					t.Errorf("result %d incomplete: %+v", i, r)
				}
			}
			if resp.Summary.Total != len(tt.want) {
				t.Errorf("summary total = %d", resp.Summary.Total)
			}
		})
	}
}

func TestAPIRateLimit(t *testing.T) {
	s := newTestServer(t, 10)
	s.rateLimiter = NewRateLimiter(2, defaultRateWindow)
	h := s.Handler()

	codes := make([]int, 3)
	for i := range codes {
		req := httptest.NewRequest(http.MethodPost, "/api/analyze", strings.NewReader(`{"body":"Nota fiscal"}`))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes[i] = rec.Code
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("status codes = %v, want [200 200 429]", codes)
	}
}

func TestAPIRequiresJSONContentType(t *testing.T) {
	h := newTestServer(t, 10).Handler()

	tests := []struct {
		name        string
		contentType string
		wantStatus  int
	}{
		{name: "json with charset", contentType: "application/json; charset=utf-8", wantStatus: http.StatusOK},
		{name: "upper case", contentType: "Application/JSON", wantStatus: http.StatusOK},
		{name: "text plain", contentType: "text/plain", wantStatus: http.StatusUnsupportedMediaType},
		{name: "form", contentType: "application/x-www-form-urlencoded", wantStatus: http.StatusUnsupportedMediaType},
		{name: "missing", contentType: "", wantStatus: http.StatusUnsupportedMediaType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/analyze", strings.NewReader(`{"body":"Nota fiscal"}`))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusUnsupportedMediaType {
				var resp apiError
				if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Error == "" {
					t.Errorf("expected a JSON error body, got %s", rec.Body.String())
				}
			}
		})
	}
}

func TestHealthzAndStatic(t *testing.T) {
	h := newTestServer(t, 10).Handler()

	for _, path := range []string{"/healthz", "/static/style.css"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s status = %d", path, rec.Code)
		}
	}
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(1, defaultRateWindow)
	if !rl.Allow("a") {
		t.Fatal("first request should pass")
	}
	if rl.Allow("a") {
		t.Error("second request in the window should be refused")
	}
	if !rl.Allow("b") {
		t.Error("limits are per key")
	}
}

func TestShutdownWithoutStart(t *testing.T) {
	if err := newTestServer(t, 10).Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}
