package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"google.golang.org/api/option"
)

// FirebaseConfig locates the Realtime Database and its service account.
type FirebaseConfig struct {
	DatabaseURL     string
	CredentialsJSON []byte
	CredentialsFile string
}

// NewFirebaseApp initializes a firebase app. Inline credentials take
// precedence over the credentials file.
func NewFirebaseApp(ctx context.Context, cfg FirebaseConfig) (*firebase.App, error) {
	var opt option.ClientOption
	if len(cfg.CredentialsJSON) > 0 {
		opt = option.WithCredentialsJSON(cfg.CredentialsJSON)
		slog.Info("firebase: using inline service account credentials")
	} else {
		if _, err := os.Stat(cfg.CredentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("firebase credentials file not found: %s", cfg.CredentialsFile)
		}
		opt = option.WithCredentialsFile(cfg.CredentialsFile)
		slog.Info("firebase: using credentials file", "path", cfg.CredentialsFile)
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{DatabaseURL: cfg.DatabaseURL}, opt)
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %w", err)
	}
	return app, nil
}

// FirebaseStore is a Store backed by the Firebase Realtime Database.
type FirebaseStore struct {
	client *db.Client
}

func NewFirebaseStore(ctx context.Context, app *firebase.App) (*FirebaseStore, error) {
	client, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting database client: %w", err)
	}
	return &FirebaseStore{client: client}, nil
}

func (s *FirebaseStore) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := s.client.NewRef(path).Update(ctx, fields); err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	return nil
}

func (s *FirebaseStore) Set(ctx context.Context, path string, value any) error {
	if err := s.client.NewRef(path).Set(ctx, value); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	return nil
}

func (s *FirebaseStore) Get(ctx context.Context, path string, dest any) error {
	var raw json.RawMessage
	if err := s.client.NewRef(path).Get(ctx, &raw); err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return ErrNotFound
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
