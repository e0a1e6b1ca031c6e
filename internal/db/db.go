package db

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/hybridrag/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const DefaultDimensions = 1536

var searchConfigRegex = regexp.MustCompile(`^[a-z_]+$`)

func Open(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.PostgresDSN())
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		// one extra connection stays available to the cache and cleanup job
		db.SetMaxOpenConns(cfg.MaxOpenConns + 1)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

type MigrationOptions struct {
	Dimensions       int
	TextSearchConfig string
}

func (o MigrationOptions) normalize() (MigrationOptions, error) {
	if o.Dimensions <= 0 {
		o.Dimensions = DefaultDimensions
	}
	if o.TextSearchConfig == "" {
		o.TextSearchConfig = "english"
	}
	if !searchConfigRegex.MatchString(o.TextSearchConfig) {
		return o, fmt.Errorf("invalid text search config: %q", o.TextSearchConfig)
	}
	return o, nil
}

// ApplyMigrations runs every embedded migration in name order. Statements are
// idempotent, so it is safe to run on every start.
func ApplyMigrations(ctx context.Context, db *sqlx.DB, opts MigrationOptions) error {
	opts, err := opts.normalize()
	if err != nil {
		return err
	}
	files, err := migrationFiles()
	if err != nil {
		return err
	}
	for _, file := range files {
		queries, err := renderMigration(file, opts)
		if err != nil {
			return err
		}
		for _, q := range queries {
			if _, err := db.ExecContext(ctx, q); err != nil {
				if strings.Contains(err.Error(), "already exists") {
					continue
				}
				return fmt.Errorf("execute query in %s: %w", file, err)
			}
		}
		logutil.GetLogger(ctx).Info("migration applied", zap.String("file", file), zap.Int("statements", len(queries)))
	}
	return nil
}

func migrationFiles() ([]string, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func renderMigration(file string, opts MigrationOptions) ([]string, error) {
	content, err := fs.ReadFile(migrationsFS, "migrations/"+file)
	if err != nil {
		return nil, err
	}
	tpl, err := template.New(file).Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("parse migration %s: %w", file, err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, opts); err != nil {
		return nil, fmt.Errorf("render migration %s: %w", file, err)
	}
	var queries []string
	for _, q := range strings.Split(buf.String(), ";") {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		queries = append(queries, q)
	}
	return queries, nil
}
