package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/appejv/storesync/internal/report"
	"github.com/appejv/storesync/internal/storage"
)

// DefaultStorageKey is the key the backlog is stored under.
const DefaultStorageKey = "offline_queue"

// Persister keeps the queue's backlog as one JSON list under a fixed key.
type Persister struct {
	kv       storage.KV
	key      string
	logger   *slog.Logger
	reporter report.Reporter
}

// NewPersister creates a persister for key ("" means DefaultStorageKey).
func NewPersister(kv storage.KV, key string, logger *slog.Logger, reporter report.Reporter) *Persister {
	if key == "" {
		key = DefaultStorageKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	if reporter == nil {
		reporter = report.Discard
	}
	return &Persister{kv: kv, key: key, logger: logger, reporter: reporter}
}

// Load returns the stored backlog in stored order. A missing or corrupt
// value yields an empty list. A storage read error is reported and returned;
// the stored value may still be intact, so callers must not overwrite it.
func (p *Persister) Load(ctx context.Context) ([]Action, error) {
	raw, ok, err := p.kv.GetItem(ctx, p.key)
	if err != nil {
		err = fmt.Errorf("load offline queue: %w", err)
		p.reporter.Report(err, map[string]any{"action": "load_offline_queue"})
		return nil, err
	}
	if !ok || raw == "" {
		return nil, nil
	}

	var actions []Action
	if err := json.Unmarshal([]byte(raw), &actions); err != nil {
		p.logger.Warn("discarding corrupt offline queue", "key", p.key, "error", err)
		return nil, nil
	}
	return actions, nil
}

// Save overwrites the stored backlog.
func (p *Persister) Save(ctx context.Context, actions []Action) error {
	if actions == nil {
		actions = []Action{}
	}
	data, err := json.Marshal(actions)
	if err != nil {
		return fmt.Errorf("marshal offline queue: %w", err)
	}
	if err := p.kv.SetItem(ctx, p.key, string(data)); err != nil {
		return fmt.Errorf("save offline queue: %w", err)
	}
	return nil
}

// Remove erases the stored backlog.
func (p *Persister) Remove(ctx context.Context) error {
	if err := p.kv.RemoveItem(ctx, p.key); err != nil {
		return fmt.Errorf("remove offline queue: %w", err)
	}
	return nil
}
