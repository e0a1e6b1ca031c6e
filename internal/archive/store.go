// Package archive keeps the raw uploaded documents next to their chunks.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Store interface {
	Type() string
	Put(ctx context.Context, key string, data []byte) error
}

type Factory func(ctx context.Context, args interface{}) (Store, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

func Register(name string, factory Factory) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || factory == nil {
		return
	}
	registryMu.Lock()
	registry[key] = factory
	registryMu.Unlock()
}

// New builds the named store. An empty type disables archiving and returns nil.
func New(ctx context.Context, typ string, args interface{}) (Store, error) {
	key := strings.ToLower(strings.TrimSpace(typ))
	if key == "" {
		return nil, nil
	}
	registryMu.RLock()
	factory := registry[key]
	registryMu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("unsupported archive type: %s", typ)
	}
	return factory(ctx, args)
}

// BuildKey returns "<tenant>/<yyyymmdd>/<uuid>-<file>" with the file name reduced
// to its base name.
func BuildKey(tenantID, filename string, now time.Time) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "document"
	}
	return tenantID + "/" + now.UTC().Format("20060102") + "/" + uuid.NewString() + "-" + name
}

func decodeConfig(args interface{}, dst interface{}) error {
	if args == nil {
		return fmt.Errorf("archive config is required")
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode archive config: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode archive config: %w", err)
	}
	return nil
}
