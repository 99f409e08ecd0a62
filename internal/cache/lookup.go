package cache

import (
	"errors"
	"log/slog"

	"sleepstager/internal/failure"
)

// Lookup reads key from store and treats a corrupt entry as a miss. The
// corruption is logged, not returned; any other read error is returned.
func Lookup(store Store, key string, logger *slog.Logger) (payload []byte, ok, corrupt bool, err error) {
	payload, ok, err = store.Get(key)
	if errors.Is(err, failure.ErrCacheCorruption) {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("discarding corrupt cache entry", "key", key, "error", err)
		return nil, false, true, nil
	}
	if err != nil {
		return nil, false, false, err
	}
	return payload, ok, false, nil
}
