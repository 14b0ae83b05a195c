package main

import (
	"cninfo-notices/config"
	"cninfo-notices/email"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", http.NoBody)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	// Explicit credentials win over ADC
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}

	// On Cloud Run the service account needs the gmail.send scope
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}

	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}

func initStorageClient(ctx context.Context, cfg *config.Config) (*gcs.Client, error) {
	if cfg.Email.CredentialsJSON != "" {
		return gcs.NewClient(ctx, option.WithCredentialsJSON([]byte(cfg.Email.CredentialsJSON)))
	}
	return gcs.NewClient(ctx)
}

// newProvider picks the mail backend named by EMAIL_PROVIDER.
func newProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (email.Provider, error) {
	switch cfg.Email.Provider {
	case "gmail":
		service, err := initGmailService(ctx, cfg.Email.CredentialsJSON)
		if err != nil {
			return nil, fmt.Errorf("init gmail service: %w", err)
		}
		return email.NewGmailProvider(service, cfg.Email.From, cfg.Email.FromName, logger), nil
	case "brevo":
		return email.NewBrevoProvider(cfg.Email.BrevoAPIKey, cfg.Email.From, cfg.Email.FromName, logger), nil
	default:
		logger.Info("Mock email mode enabled", "provider", cfg.Email.Provider)
		return email.NewMockProvider(logger), nil
	}
}
