// Package config reads runtime settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every runtime setting.
type Config struct {
	Portal   PortalConfig
	Storage  StorageConfig
	Email    EmailConfig
	Download DownloadConfig
	Poll     PollConfig
	Port     string
	BaseURL  string
	LogLevel slog.Level
}

// PortalConfig controls how the search API is called.
type PortalConfig struct {
	ReferenceTable string // File path or http(s) URL of the security reference table
	SearchURL      string
	StaticHost     string
	MaxAttempts    uint
	PolitenessMin  time.Duration
	PolitenessMax  time.Duration
	HTTPTimeout    time.Duration
}

// StorageConfig selects where saved queries live.
type StorageConfig struct {
	LocalPath string // Takes precedence over Bucket
	Bucket    string
}

// EmailConfig configures update digests.
type EmailConfig struct {
	Provider        string // "gmail", "brevo" or "mock"
	NotifyTo        string // Digest recipient; empty disables digests
	From            string
	FromName        string
	BrevoAPIKey     string
	CredentialsJSON string
}

// DownloadConfig configures attachment downloads.
type DownloadConfig struct {
	Dir      string
	Interval time.Duration
}

// PollConfig configures periodic updates.
type PollConfig struct {
	MinInterval time.Duration
}

// Load reads a .env file when present and then the process environment.
// Variables already set in the environment win over the file.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env file: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function.
func FromEnv(getenv func(string) string) (*Config, error) {
	p := parser{getenv: getenv}

	cfg := &Config{
		Port:    p.str("PORT", "8080"),
		BaseURL: strings.TrimSuffix(getenv("BASE_URL"), "/"),
		Portal: PortalConfig{
			ReferenceTable: p.str("REFERENCE_TABLE", "http://www.cninfo.com.cn/new/data/szse_stock.json"),
			SearchURL:      p.str("SEARCH_URL", "http://www.cninfo.com.cn/new/hisAnnouncement/query"),
			StaticHost:     p.str("STATIC_HOST", "http://static.cninfo.com.cn/"),
			MaxAttempts:    uint(p.integer("MAX_ATTEMPTS", 3)),
			PolitenessMin:  p.duration("POLITENESS_MIN", time.Second),
			PolitenessMax:  p.duration("POLITENESS_MAX", 2*time.Second),
			HTTPTimeout:    p.duration("HTTP_TIMEOUT", 30*time.Second),
		},
		Storage: StorageConfig{
			LocalPath: getenv("LOCAL_STORAGE"),
			Bucket:    getenv("STORAGE_BUCKET"),
		},
		Email: EmailConfig{
			Provider:        strings.ToLower(p.str("EMAIL_PROVIDER", "mock")),
			NotifyTo:        getenv("NOTIFY_EMAIL"),
			From:            getenv("MAIL_FROM"),
			FromName:        p.str("MAIL_FROM_NAME", "cninfo-notices"),
			BrevoAPIKey:     getenv("BREVO_API_KEY"),
			CredentialsJSON: getenv("GOOGLE_CREDENTIALS_JSON"),
		},
		Download: DownloadConfig{
			Dir:      p.str("DOWNLOAD_DIR", "./downloads"),
			Interval: p.duration("DOWNLOAD_INTERVAL", time.Second),
		},
		Poll: PollConfig{
			MinInterval: p.duration("POLL_MIN_INTERVAL", time.Hour),
		},
	}

	if level := getenv("LOG_LEVEL"); level != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(level)); err != nil {
			p.errs = append(p.errs, fmt.Errorf("LOG_LEVEL: %w", err))
		}
	}

	// Default to local storage if no bucket specified
	if cfg.Storage.LocalPath == "" && cfg.Storage.Bucket == "" {
		cfg.Storage.LocalPath = "./data"
	}

	if cfg.Portal.PolitenessMax < cfg.Portal.PolitenessMin {
		p.errs = append(p.errs, fmt.Errorf("POLITENESS_MAX (%s) is below POLITENESS_MIN (%s)", cfg.Portal.PolitenessMax, cfg.Portal.PolitenessMin))
	}
	if cfg.Portal.MaxAttempts == 0 {
		p.errs = append(p.errs, errors.New("MAX_ATTEMPTS must be at least 1"))
	}
	switch cfg.Email.Provider {
	case "mock", "gmail":
	case "brevo":
		if cfg.Email.BrevoAPIKey == "" || cfg.Email.From == "" {
			p.errs = append(p.errs, errors.New("EMAIL_PROVIDER=brevo requires BREVO_API_KEY and MAIL_FROM"))
		}
	default:
		p.errs = append(p.errs, fmt.Errorf("EMAIL_PROVIDER %q is not one of mock, gmail, brevo", cfg.Email.Provider))
	}

	if err := errors.Join(p.errs...); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) integer(key string, def int) int {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a non-negative integer", key, v))
		return def
	}
	return n
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a valid duration", key, v))
		return def
	}
	return d
}
