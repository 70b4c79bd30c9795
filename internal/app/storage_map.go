package app

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"nrtool/internal/config"
	"nrtool/internal/storage"
)

func mapStorageConfig(env config.Env) (storage.Config, bool, error) {
	driver := strings.ToLower(strings.TrimSpace(env.StorageDriver))
	path := strings.TrimSpace(env.StoragePath)
	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		if path == "" {
			path = env.LogDir
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			path = filepath.Join(env.DataDir, "nrtool.db")
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: time.Second}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown NRTOOL_STORAGE_DRIVER: %s", driver)
	}
}
