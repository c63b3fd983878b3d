package runtime

import (
	"fmt"

	"github.com/tjfontaine/copilot-messages-gateway/internal/config"
	"github.com/tjfontaine/copilot-messages-gateway/internal/storage"
	"github.com/tjfontaine/copilot-messages-gateway/internal/storage/memory"
	"github.com/tjfontaine/copilot-messages-gateway/internal/storage/sqlite"
)

// openStore builds the usage store named by cfg. "none" yields a nil store.
func openStore(cfg config.StorageConfig) (storage.UsageStore, error) {
	switch cfg.Type {
	case "", "memory":
		return memory.New(), nil
	case "sqlite":
		store, err := sqlite.New(cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
