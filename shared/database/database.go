// Copyright 2025 AxonFlow
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

// Package database opens the Postgres pool shared by every durable store.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"
)

// Options tunes Open.
type Options struct {
	MaxRetries   int
	MaxOpenConns int
	MaxIdleConns int
	// Backoff returns the wait before the given 1-based retry.
	Backoff func(attempt int) time.Duration
}

// DefaultOptions retries five times with linear backoff.
func DefaultOptions() Options {
	return Options{
		MaxRetries:   5,
		MaxOpenConns: 25,
		MaxIdleConns: 5,
		Backoff: func(attempt int) time.Duration {
			return time.Duration(attempt*2) * time.Second
		},
	}
}

// Open connects to dbURL, retrying while the network or DNS comes up.
func Open(ctx context.Context, dbURL string, opts Options) (*sql.DB, error) {
	if dbURL == "" {
		return nil, fmt.Errorf("database url is empty")
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 1
	}

	var db *sql.DB
	var err error
	for attempt := 1; attempt <= opts.MaxRetries; attempt++ {
		db, err = sql.Open("postgres", dbURL)
		if err == nil {
			err = db.PingContext(ctx)
			if err == nil {
				log.Printf("[Database] Connected (attempt %d/%d)", attempt, opts.MaxRetries)
				break
			}
			_ = db.Close()
		}

		if attempt < opts.MaxRetries {
			wait := time.Second
			if opts.Backoff != nil {
				wait = opts.Backoff(attempt)
			}
			log.Printf("[Database] Connection failed (attempt %d/%d): %v, retrying in %v", attempt, opts.MaxRetries, err, wait)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", opts.MaxRetries, err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// Migrate runs each statement in order, stopping at the first failure.
func Migrate(ctx context.Context, db *sql.DB, statements ...string) error {
	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
