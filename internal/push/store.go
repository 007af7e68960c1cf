// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package push

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Platforms accepted for push targets
var platforms = map[string]bool{
	"android": true,
	"ios":     true,
	"web":     true,
}

// Target is a client application registered to receive push notifications
type Target struct {
	ClientID  string    `json:"client_id"`
	Platform  string    `json:"platform"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the required fields
func (t Target) Validate() error {
	if strings.TrimSpace(t.ClientID) == "" {
		return fmt.Errorf("%w: client_id required", ErrInvalidTarget)
	}
	if !platforms[t.Platform] {
		return fmt.Errorf("%w: unsupported platform %q", ErrInvalidTarget, t.Platform)
	}
	if strings.TrimSpace(t.Token) == "" {
		return fmt.Errorf("%w: token required", ErrInvalidTarget)
	}
	return nil
}

// TargetStore keeps push targets in SQLite
type TargetStore struct {
	db *sql.DB
}

// NewTargetStore opens (or creates) the store at path. ":memory:" is accepted.
func NewTargetStore(path string) (*TargetStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open push store: %w", err)
	}
	// A single connection keeps ":memory:" databases shared
	db.SetMaxOpenConns(1)

	store := &TargetStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection
func (s *TargetStore) Close() error {
	return s.db.Close()
}

func (s *TargetStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS push_targets (
			client_id TEXT PRIMARY KEY,
			platform TEXT NOT NULL,
			token TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_push_targets_platform ON push_targets(platform)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}

	return nil
}

// Register inserts a target or replaces the platform and token of an existing one
func (s *TargetStore) Register(target Target) (*Target, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	query := `INSERT INTO push_targets (client_id, platform, token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			platform = excluded.platform,
			token = excluded.token,
			updated_at = excluded.updated_at`
	if _, err := s.db.Exec(query, target.ClientID, target.Platform, target.Token, now, now); err != nil {
		return nil, fmt.Errorf("failed to register push target: %w", err)
	}

	return s.Get(target.ClientID)
}

// Get returns one target
func (s *TargetStore) Get(clientID string) (*Target, error) {
	query := `SELECT client_id, platform, token, created_at, updated_at
		FROM push_targets WHERE client_id = ?`

	var target Target
	err := s.db.QueryRow(query, clientID).Scan(
		&target.ClientID, &target.Platform, &target.Token, &target.CreatedAt, &target.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrTargetNotFound, clientID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get push target: %w", err)
	}

	return &target, nil
}

// Unregister removes a target
func (s *TargetStore) Unregister(clientID string) error {
	result, err := s.db.Exec(`DELETE FROM push_targets WHERE client_id = ?`, clientID)
	if err != nil {
		return fmt.Errorf("failed to unregister push target: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrTargetNotFound, clientID)
	}

	return nil
}

// List returns every target ordered by client id
func (s *TargetStore) List() ([]Target, error) {
	query := `SELECT client_id, platform, token, created_at, updated_at
		FROM push_targets ORDER BY client_id`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list push targets: %w", err)
	}
	defer rows.Close()

	targets := []Target{}
	for rows.Next() {
		var target Target
		if err := rows.Scan(&target.ClientID, &target.Platform, &target.Token, &target.CreatedAt, &target.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan push target: %w", err)
		}
		targets = append(targets, target)
	}

	return targets, rows.Err()
}
