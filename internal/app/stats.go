package app

import (
	"context"

	"castbot/internal/config"
	"castbot/internal/storage"
	logx "castbot/pkg/logx"
)

// Stats opens the configured store and returns the subscriber counts
// without connecting to Telegram.
func Stats(ctx context.Context, cfgPath string) (storage.Counts, error) {
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return storage.Counts{}, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return storage.Counts{}, err
	}
	st, err := storage.Open(ctx, sc, logx.NewConsole("warn").With(logx.String("comp", "storage")))
	if err != nil {
		return storage.Counts{}, err
	}
	defer func() { _ = st.Close() }()
	return st.Counts(ctx)
}
