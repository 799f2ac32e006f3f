/*
Package config loads the scraper settings from a YAML file, applies defaults and reads secrets
from the environment (optionally seeded from a .env file).
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/shanehull/bsescraper/internal/retry"
)

// DefaultPath is read when no --config flag is given and the file exists.
const DefaultPath = "config.yaml"

type Config struct {
	Root    string        `yaml:"root"`
	Workers int           `yaml:"workers"`
	Browser BrowserConfig `yaml:"browser"`
	Fetch   FetchConfig   `yaml:"fetch"`
	Extract ExtractConfig `yaml:"extract"`
	OCR     OCRConfig     `yaml:"ocr"`
	QA      QAConfig      `yaml:"qa"`
	SMTP    SMTPConfig    `yaml:"smtp"`
	Log     LogConfig     `yaml:"log"`
}

type BrowserConfig struct {
	URL         string        `yaml:"url"`
	ExecPath    string        `yaml:"exec_path"`
	Headless    bool          `yaml:"headless"`
	PageTimeout time.Duration `yaml:"page_timeout"`
	MaxPages    int           `yaml:"max_pages"`
	Retry       retry.Policy  `yaml:"retry"`
}

type FetchConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
	Retry     retry.Policy  `yaml:"retry"`
}

type ExtractConfig struct {
	DPI           float64       `yaml:"dpi"`
	PdftotextPath string        `yaml:"pdftotext_path"`
	PdfimagesPath string        `yaml:"pdfimages_path"`
	ToolTimeout   time.Duration `yaml:"tool_timeout"`
	MaxTablePages int           `yaml:"max_table_pages"`
}

type OCRConfig struct {
	TesseractPath   string        `yaml:"tesseract_path"`
	Language        string        `yaml:"language"`
	MinCharsPerPage int           `yaml:"min_chars_per_page"`
	Timeout         time.Duration `yaml:"timeout"`
}

type QAConfig struct {
	Backend         string        `yaml:"backend"`
	BaseURL         string        `yaml:"base_url"`
	Model           string        `yaml:"model"`
	APIKey          string        `yaml:"-"`
	Questions       []string      `yaml:"questions"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxContextChars int           `yaml:"max_context_chars"`
	Retry           retry.Policy  `yaml:"retry"`
}

type SMTPConfig struct {
	Server string `yaml:"server"`
	Port   int    `yaml:"port"`
	User   string `yaml:"user"`
	Pass   string `yaml:"-"`
	To     string `yaml:"to"`
	From   string `yaml:"from"`
}

// Enabled reports whether enough settings are present to send the run report by e-mail.
func (s SMTPConfig) Enabled() bool {
	return s.Server != "" && s.User != "" && s.Pass != "" && s.To != ""
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultQuestions are asked of every announcement unless the config lists its own.
var DefaultQuestions = []string{
	"Does the announcement mention a merger or acquisition?",
	"Is there any mention of a stock split or dividend declaration?",
	"Are there any regulatory actions or penalties mentioned?",
	"Is there an earnings report included in this announcement?",
	"Does the announcement include any management changes?",
}

func Defaults() *Config {
	return &Config{
		Root:    "announcements",
		Workers: 4,
		Browser: BrowserConfig{
			URL:         "https://www.bseindia.com/corporates/ann.html",
			Headless:    true,
			PageTimeout: 60 * time.Second,
			MaxPages:    50,
			Retry:       retry.DefaultPolicy(),
		},
		Fetch: FetchConfig{
			Timeout:   60 * time.Second,
			UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
			Retry:     retry.DefaultPolicy(),
		},
		Extract: ExtractConfig{
			DPI:           150,
			PdftotextPath: "pdftotext",
			PdfimagesPath: "pdfimages",
			ToolTimeout:   2 * time.Minute,
			MaxTablePages: 50,
		},
		OCR: OCRConfig{
			TesseractPath:   "tesseract",
			Language:        "eng",
			MinCharsPerPage: 100,
			Timeout:         2 * time.Minute,
		},
		QA: QAConfig{
			Backend:         "ollama",
			BaseURL:         "http://localhost:11434",
			Model:           "tinyllama:latest",
			Questions:       append([]string(nil), DefaultQuestions...),
			Timeout:         60 * time.Second,
			MaxContextChars: 5000,
			Retry:           retry.DefaultPolicy(),
		},
		SMTP: SMTPConfig{
			Server: "smtp.gmail.com",
			Port:   587,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path (skipped when path is empty)
// and the environment. A .env file in the working directory is loaded first if present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("BSE_ROOT"); v != "" {
		cfg.Root = v
	}
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		if !strings.HasPrefix(v, "http") {
			v = "http://" + v
		}
		cfg.QA.BaseURL = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.QA.APIKey = v
	}
	if v := os.Getenv("SMTP_PASS"); v != "" {
		cfg.SMTP.Pass = v
	}
	if v := os.Getenv("CHROME_PATH"); v != "" {
		cfg.Browser.ExecPath = v
	}
	if cfg.SMTP.From == "" {
		cfg.SMTP.From = cfg.SMTP.User
	}
}

func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Root) == "" {
		errs = append(errs, errors.New("root is required"))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.Browser.MaxPages < 1 {
		errs = append(errs, fmt.Errorf("browser.max_pages must be at least 1, got %d", c.Browser.MaxPages))
	}
	if c.Extract.DPI <= 0 {
		errs = append(errs, fmt.Errorf("extract.dpi must be positive, got %v", c.Extract.DPI))
	}
	if c.Extract.MaxTablePages < 1 {
		errs = append(errs, fmt.Errorf("extract.max_table_pages must be at least 1, got %d", c.Extract.MaxTablePages))
	}
	if c.OCR.MinCharsPerPage < 0 {
		errs = append(errs, fmt.Errorf("ocr.min_chars_per_page must not be negative, got %d", c.OCR.MinCharsPerPage))
	}
	if len(c.QA.Questions) == 0 {
		errs = append(errs, errors.New("qa.questions must not be empty"))
	}
	if c.QA.MaxContextChars < 100 {
		errs = append(errs, fmt.Errorf("qa.max_context_chars must be at least 100, got %d", c.QA.MaxContextChars))
	}
	switch c.QA.Backend {
	case "ollama":
		if c.QA.BaseURL == "" {
			errs = append(errs, errors.New("qa.base_url is required for the ollama backend"))
		}
	case "gemini":
		if c.QA.APIKey == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY is required for the gemini backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("qa.backend must be ollama or gemini, got %q", c.QA.Backend))
	}
	for name, p := range map[string]retry.Policy{"browser": c.Browser.Retry, "fetch": c.Fetch.Retry, "qa": c.QA.Retry} {
		if p.MaxAttempts < 1 {
			errs = append(errs, fmt.Errorf("%s.retry.max_attempts must be at least 1, got %d", name, p.MaxAttempts))
		}
	}

	return errors.Join(errs...)
}
