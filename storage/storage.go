// Package storage handles persistence of saved queries.
package storage

import (
	"cninfo-notices/pkg/notice"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"
)

const keyPrefix = "query-"

// Store persists saved queries as JSON documents on local disk or in a
// Cloud Storage bucket.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// New creates a new storage handler. When localPath is set the bucket is ignored.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// QueryKey derives a stable, path-safe object name from a query name.
func QueryKey(name string) string {
	sum := sha256.Sum256([]byte(name))
	return keyPrefix + hex.EncodeToString(sum[:]) + ".json"
}

// ValidKey reports whether key looks like a name produced by QueryKey.
func ValidKey(key string) bool {
	if !strings.HasPrefix(key, keyPrefix) || !strings.HasSuffix(key, ".json") {
		return false
	}
	digest := strings.TrimSuffix(strings.TrimPrefix(key, keyPrefix), ".json")
	if len(digest) != 64 {
		return false
	}
	for _, c := range digest {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Save writes a query, replacing any previous document with the same name.
func (s *Store) Save(ctx context.Context, q *notice.Query) error {
	if q.QueryName == "" {
		return &notice.PersistenceError{Err: errors.New("query name is empty")}
	}
	key := QueryKey(q.QueryName)
	s.logger.Debug("Saving query", "key", key, "name", q.QueryName)

	data, err := json.MarshalIndent(q, "", "  ")
	if err != nil {
		return &notice.PersistenceError{Name: q.QueryName, Err: fmt.Errorf("marshal query: %w", err)}
	}

	// Local filesystem storage
	if s.localPath != "" {
		if err := os.MkdirAll(s.localPath, 0o700); err != nil {
			return &notice.PersistenceError{Name: q.QueryName, Err: fmt.Errorf("create local storage: %w", err)}
		}
		filePath := filepath.Join(s.localPath, key)
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			return &notice.PersistenceError{Name: q.QueryName, Err: fmt.Errorf("write to local storage: %w", err)}
		}

		s.logger.Info("Query saved to local storage", "path", filePath, "name", q.QueryName, "record_count", q.Count())
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying save operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return &notice.PersistenceError{Name: q.QueryName, Err: fmt.Errorf("save after retries: %w", err)}
	}

	s.logger.Info("Query saved", "key", key, "name", q.QueryName, "record_count", q.Count())
	return nil
}

// Load reads the query saved under name.
func (s *Store) Load(ctx context.Context, name string) (*notice.Query, error) {
	return s.loadKey(ctx, QueryKey(name), name)
}

func (s *Store) loadKey(ctx context.Context, key, name string) (*notice.Query, error) {
	if !ValidKey(key) {
		return nil, &notice.PersistenceError{Name: name, Err: fmt.Errorf("invalid key %q", key)}
	}

	var data []byte

	// Local filesystem storage
	if s.localPath != "" {
		var err error
		filePath := filepath.Join(s.localPath, key)
		data, err = os.ReadFile(filePath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, &notice.PersistenceError{Name: name, NotFound: true, Err: err}
			}
			return nil, &notice.PersistenceError{Name: name, Err: fmt.Errorf("read from local storage: %w", err)}
		}
	} else {
		// Cloud Storage with retry logic for reliability
		var readData []byte
		err := retry.Do(
			func() error {
				r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
				if openErr != nil {
					// Don't retry on "not found" errors
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						return retry.Unrecoverable(fmt.Errorf("open storage reader: %w", openErr))
					}
					return fmt.Errorf("open storage reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						s.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()

				var readErr error
				readData, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				return nil
			},
			retry.Attempts(3),
			retry.Delay(time.Second),
			retry.MaxDelay(2*time.Minute),
			retry.MaxJitter(10*time.Second),
			retry.Context(ctx),
			retry.OnRetry(func(n uint, retryErr error) {
				s.logger.Info("Retrying load operation after error", "attempt", n, "key", key, "error", retryErr)
			}),
		)
		if err != nil {
			return nil, &notice.PersistenceError{
				Name:     name,
				NotFound: errors.Is(err, storage.ErrObjectNotExist),
				Err:      fmt.Errorf("load after retries: %w", err),
			}
		}
		data = readData
	}

	var q notice.Query
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, &notice.PersistenceError{Name: name, Err: fmt.Errorf("unmarshal query: %w", err)}
	}
	if name != "" && q.QueryName != name {
		return nil, &notice.PersistenceError{Name: name, Err: fmt.Errorf("document holds query %q", q.QueryName)}
	}

	return &q, nil
}

// Delete removes the query saved under name. Deleting a missing query is not an error.
func (s *Store) Delete(ctx context.Context, name string) error {
	key := QueryKey(name)
	s.logger.Debug("Deleting query", "key", key, "name", name)

	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			return &notice.PersistenceError{Name: name, Err: fmt.Errorf("delete from local storage: %w", err)}
		}
		s.logger.Info("Query deleted from local storage", "path", filePath, "name", name)
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err := retry.Do(
		func() error {
			if deleteErr := s.client.Bucket(s.bucket).Object(key).Delete(ctx); deleteErr != nil {
				// Don't retry on "not found" errors - deletion is idempotent
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(fmt.Errorf("delete from storage: %w", deleteErr))
				}
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying delete operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return &notice.PersistenceError{Name: name, Err: fmt.Errorf("delete after retries: %w", err)}
	}

	s.logger.Info("Query deleted", "key", key, "name", name)
	return nil
}

// List loads every saved query. Unreadable documents are logged and skipped.
func (s *Store) List(ctx context.Context) ([]*notice.Query, error) {
	var queries []*notice.Query

	// Local filesystem storage
	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}

		for _, entry := range entries {
			if entry.IsDir() || !ValidKey(entry.Name()) {
				continue
			}

			q, err := s.loadKey(ctx, entry.Name(), "")
			if err != nil {
				s.logger.Warn("Failed to load query", "file", entry.Name(), "error", err)
				continue
			}

			queries = append(queries, q)
		}

		return queries, nil
	}

	// Cloud Storage
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{
		Prefix: keyPrefix,
	})

	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		if !ValidKey(attrs.Name) {
			continue
		}

		q, err := s.loadKey(ctx, attrs.Name, "")
		if err != nil {
			s.logger.Warn("Failed to load query", "key", attrs.Name, "error", err)
			continue
		}

		queries = append(queries, q)
	}

	return queries, nil
}
