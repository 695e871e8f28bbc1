package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultMaxSentences   = 2
	defaultMaxTokens      = 60
	defaultTemperature    = 0.2
	defaultTimeoutSec     = 30
	defaultMaxUploadMB    = 10
	defaultServerHost     = "127.0.0.1"
	defaultServerPort     = 8080
	defaultInternalDomain = "@empresa.com"
	defaultHypothesis     = "Este e-mail é {}."
)

// Model providers
const (
	ProviderNone   = "none"
	ProviderOpenAI = "openai"
)

// Generation modes
const (
	ModeChat       = "chat"
	ModeCompletion = "completion"
)

func checkFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %04o; should be 0600", path, perm)
	}
	return nil
}

type Config struct {
	Analysis   Analysis    `yaml:"analysis"`
	Classifier Model       `yaml:"classifier"`
	Generator  Model       `yaml:"generator"`
	Server     Server      `yaml:"server"`
	Inbox      InboxConfig `yaml:"inbox,omitempty"`
	Email      EmailConfig `yaml:"email,omitempty"`
	Log        Log         `yaml:"log"`
}

// Analysis holds the triage pipeline settings
type Analysis struct {
	InternalDomain     string   `yaml:"internal_domain"`     // Sender suffix treated as internal, e.g. "@empresa.com"
	MaxSentences       int      `yaml:"max_sentences"`       // Sentences kept from a generated reply
	CandidateLabels    []string `yaml:"candidate_labels"`    // Labels offered to the external classifier
	HypothesisTemplate string   `yaml:"hypothesis_template"` // "{}" is replaced by each label
}

// Model configures an external classifier or generator
type Model struct {
	Provider    string  `yaml:"provider"` // "openai" or "none"
	BaseURL     string  `yaml:"base_url,omitempty"`
	APIKey      string  `yaml:"api_key,omitempty"`
	Model       string  `yaml:"model,omitempty"`
	Mode        string  `yaml:"mode,omitempty"` // Generator only: "chat" or "completion"
	MaxTokens   int     `yaml:"max_tokens,omitempty"`
	Temperature float32 `yaml:"temperature,omitempty"`
	TimeoutSec  int     `yaml:"timeout_sec,omitempty"`
}

// Enabled reports whether a real collaborator should be built
func (m Model) Enabled() bool {
	return m.Provider != "" && m.Provider != ProviderNone
}

type Server struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MaxUploadMB int    `yaml:"max_upload_mb"`
}

// Addr returns host:port
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// InboxConfig holds IMAP settings for triaging incoming mail
type InboxConfig struct {
	Enabled             bool   `yaml:"enabled"`
	Provider            string `yaml:"provider"`             // "gmail", "outlook", "imap"
	Server              string `yaml:"server"`               // e.g., "imap.gmail.com"
	Port                int    `yaml:"port"`                 // e.g., 993
	Email               string `yaml:"email"`                // Email address to monitor
	Password            string `yaml:"password"`             // App password (not main password)
	Folder              string `yaml:"folder"`               // Folder to monitor (default: "INBOX")
	ArchiveUnproductive bool   `yaml:"archive_unproductive"` // Move Improdutivo mail to the archive folder
	ArchiveFolder       string `yaml:"archive_folder"`       // Folder to archive emails to (default: "Improdutivo")
}

type EmailConfig struct {
	Provider       string     `yaml:"provider"` // "smtp", "resend" or "sendgrid"
	From           string     `yaml:"from"`
	SMTP           SMTPConfig `yaml:"smtp,omitempty"`
	ResendAPIKey   string     `yaml:"resend_api_key,omitempty"`
	SendgridAPIKey string     `yaml:"sendgrid_api_key,omitempty"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`
}

type Log struct {
	Level  string `yaml:"level"`  // zerolog level name
	Format string `yaml:"format"` // "console" or "json"
}

func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".triagem", "config.yaml")
}

// Default returns a configuration that runs the pipeline with heuristics
// and templates only.
func Default() *Config {
	return &Config{
		Analysis: Analysis{
			InternalDomain:     defaultInternalDomain,
			MaxSentences:       defaultMaxSentences,
			CandidateLabels:    []string{"Produtivo", "Improdutivo"},
			HypothesisTemplate: defaultHypothesis,
		},
		Classifier: Model{
			Provider:   ProviderNone,
			TimeoutSec: defaultTimeoutSec,
		},
		Generator: Model{
			Provider:    ProviderNone,
			Mode:        ModeCompletion,
			MaxTokens:   defaultMaxTokens,
			Temperature: defaultTemperature,
			TimeoutSec:  defaultTimeoutSec,
		},
		Server: Server{
			Host:        defaultServerHost,
			Port:        defaultServerPort,
			MaxUploadMB: defaultMaxUploadMB,
		},
		Inbox: InboxConfig{
			Folder:        "INBOX",
			ArchiveFolder: "Improdutivo",
		},
		Email: EmailConfig{
			Provider: "smtp",
		},
		Log: Log{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads the file at path over the defaults and applies TRIAGEM_*
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := checkFilePermissions(path); err != nil {
				fmt.Fprintf(os.Stderr, "WARNING: %v\n", err)
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	applyEnv(cfg)
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills fields a partial file left empty
func (c *Config) applyDefaults() {
	if c.Analysis.MaxSentences <= 0 {
		c.Analysis.MaxSentences = defaultMaxSentences
	}
	if len(c.Analysis.CandidateLabels) == 0 {
		c.Analysis.CandidateLabels = []string{"Produtivo", "Improdutivo"}
	}
	if c.Analysis.HypothesisTemplate == "" {
		c.Analysis.HypothesisTemplate = defaultHypothesis
	}

	for _, m := range []*Model{&c.Classifier, &c.Generator} {
		if m.Provider == "" {
			m.Provider = ProviderNone
		}
		if m.TimeoutSec <= 0 {
			m.TimeoutSec = defaultTimeoutSec
		}
	}
	if c.Generator.Mode == "" {
		c.Generator.Mode = ModeCompletion
	}
	if c.Generator.MaxTokens <= 0 {
		c.Generator.MaxTokens = defaultMaxTokens
	}

	if c.Server.Host == "" {
		c.Server.Host = defaultServerHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaultServerPort
	}
	if c.Server.MaxUploadMB <= 0 {
		c.Server.MaxUploadMB = defaultMaxUploadMB
	}

	// Set inbox defaults
	if c.Inbox.Folder == "" {
		c.Inbox.Folder = "INBOX"
	}
	if c.Inbox.ArchiveFolder == "" {
		c.Inbox.ArchiveFolder = "Improdutivo"
	}
	if c.Inbox.Provider == "gmail" && c.Inbox.Server == "" {
		c.Inbox.Server = "imap.gmail.com"
		c.Inbox.Port = 993
	}
	if c.Inbox.Provider == "outlook" && c.Inbox.Server == "" {
		c.Inbox.Server = "outlook.office365.com"
		c.Inbox.Port = 993
	}

	if c.Email.Provider == "" {
		c.Email.Provider = "smtp"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("TRIAGEM_INTERNAL_DOMAIN"); v != "" {
		cfg.Analysis.InternalDomain = v
	}
	if v := os.Getenv("TRIAGEM_CLASSIFIER_PROVIDER"); v != "" {
		cfg.Classifier.Provider = v
	}
	if v := os.Getenv("TRIAGEM_CLASSIFIER_BASE_URL"); v != "" {
		cfg.Classifier.BaseURL = v
	}
	if v := os.Getenv("TRIAGEM_CLASSIFIER_MODEL"); v != "" {
		cfg.Classifier.Model = v
	}
	if v := os.Getenv("TRIAGEM_GENERATOR_PROVIDER"); v != "" {
		cfg.Generator.Provider = v
	}
	if v := os.Getenv("TRIAGEM_GENERATOR_BASE_URL"); v != "" {
		cfg.Generator.BaseURL = v
	}
	if v := os.Getenv("TRIAGEM_GENERATOR_MODEL"); v != "" {
		cfg.Generator.Model = v
	}
	if v := os.Getenv("TRIAGEM_OPENAI_API_KEY"); v != "" {
		cfg.Classifier.APIKey = v
		cfg.Generator.APIKey = v
	}
	if v := os.Getenv("TRIAGEM_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("TRIAGEM_SERVER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("TRIAGEM_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("TRIAGEM_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("TRIAGEM_RESEND_API_KEY"); v != "" {
		cfg.Email.ResendAPIKey = v
	}
	if v := os.Getenv("TRIAGEM_SENDGRID_API_KEY"); v != "" {
		cfg.Email.SendgridAPIKey = v
	}
	if v := os.Getenv("TRIAGEM_INBOX_PASSWORD"); v != "" {
		cfg.Inbox.Password = v
	}
	if v := os.Getenv("TRIAGEM_SMTP_PASSWORD"); v != "" {
		cfg.Email.SMTP.Password = v
	}
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// Validate checks the settings every command depends on
func (c *Config) Validate() error {
	if d := c.Analysis.InternalDomain; d != "" && !strings.HasPrefix(d, "@") {
		return fmt.Errorf("analysis: internal_domain must start with @, got %q", d)
	}
	if !strings.Contains(c.Analysis.HypothesisTemplate, "{}") {
		return fmt.Errorf("analysis: hypothesis_template must contain {}")
	}
	if len(c.Analysis.CandidateLabels) < 2 {
		return fmt.Errorf("analysis: at least two candidate_labels are required")
	}

	if err := c.Classifier.validate("classifier"); err != nil {
		return err
	}
	if err := c.Generator.validate("generator"); err != nil {
		return err
	}
	if c.Generator.Mode != ModeChat && c.Generator.Mode != ModeCompletion {
		return fmt.Errorf("generator: unknown mode %q (chat or completion)", c.Generator.Mode)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server: invalid port %d", c.Server.Port)
	}

	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("log: unknown format %q (console or json)", c.Log.Format)
	}
	return nil
}

func (m Model) validate(section string) error {
	switch m.Provider {
	case ProviderNone:
		return nil
	case ProviderOpenAI:
		if m.Model == "" {
			return fmt.Errorf("%s: model is required", section)
		}
		// Local OpenAI-compatible servers often run without a key
		if m.APIKey == "" && m.BaseURL == "" {
			return fmt.Errorf("%s: api_key is required unless base_url points to a compatible server", section)
		}
		return nil
	default:
		return fmt.Errorf("%s: unknown provider %q (openai or none)", section, m.Provider)
	}
}

// ValidateInbox validates inbox configuration (only called when inbox monitoring is used)
func (c *Config) ValidateInbox() error {
	if !c.Inbox.Enabled {
		return fmt.Errorf("inbox: monitoring is not enabled in config")
	}
	if c.Inbox.Email == "" {
		return fmt.Errorf("inbox: email address is required")
	}
	if c.Inbox.Password == "" {
		return fmt.Errorf("inbox: password (app password) is required")
	}
	if c.Inbox.Server == "" {
		return fmt.Errorf("inbox: IMAP server is required")
	}
	if c.Inbox.Port == 0 {
		return fmt.Errorf("inbox: IMAP port is required")
	}
	return nil
}

// ValidateEmail validates reply dispatch settings (only called by monitor --reply)
func (c *Config) ValidateEmail() error {
	if c.Email.From == "" {
		return fmt.Errorf("email: from address is required")
	}

	switch c.Email.Provider {
	case "smtp":
		if c.Email.SMTP.Host == "" {
			return fmt.Errorf("email.smtp: host is required")
		}
		if c.Email.SMTP.Port == 0 {
			return fmt.Errorf("email.smtp: port is required")
		}
	case "resend":
		if c.Email.ResendAPIKey == "" {
			return fmt.Errorf("email: resend_api_key is required")
		}
	case "sendgrid":
		if c.Email.SendgridAPIKey == "" {
			return fmt.Errorf("email: sendgrid_api_key is required")
		}
	default:
		return fmt.Errorf("email: unknown provider %q (smtp, resend or sendgrid)", c.Email.Provider)
	}
	return nil
}
