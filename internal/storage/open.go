package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

const (
	DriverBadger = "badger"
	DriverBolt   = "bolt"
)

// Open returns the Store for the configured driver.
func Open(driver, path string, log *zap.Logger) (Store, error) {
	switch driver {
	case DriverBadger, "":
		return NewBadgerStore(path, log)
	case DriverBolt:
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		return NewBoltStore(path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
