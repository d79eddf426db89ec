package config

import "fmt"

type keySpec struct {
	key     string
	apply   func(cfg *Config, v string)
	extract func(cfg Config) string
}

var specs = []keySpec{
	{
		key:     "storage.data_dir",
		apply:   func(cfg *Config, v string) { cfg.Storage.DataDir = v },
		extract: func(cfg Config) string { return cfg.Storage.DataDir },
	},
	{
		key:     "archive.default",
		apply:   func(cfg *Config, v string) { cfg.Archive.Default = v },
		extract: func(cfg Config) string { return cfg.Archive.Default },
	},
	{
		key:     "log.level",
		apply:   func(cfg *Config, v string) { cfg.Log.Level = v },
		extract: func(cfg Config) string { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		v, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if ok {
			s.apply(cfg, v)
		}
	}
	return nil
}
