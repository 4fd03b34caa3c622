package config

import (
	"fmt"

	"github.com/knadh/koanf/providers/file"
	"github.com/rs/zerolog/log"
)

// Watcher reloads the configuration file on change and republishes it
// through a Holder.
type Watcher struct {
	path     string
	holder   *Holder
	provider *file.File
}

// Watch starts watching path. Invalid edits are logged and ignored so the
// running snapshot stays in effect.
func Watch(path string, holder *Holder) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		holder:   holder,
		provider: file.Provider(path),
	}

	err := w.provider.Watch(func(event interface{}, err error) {
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("config watch error")
			return
		}
		w.reload()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to watch config %s: %w", path, err)
	}

	return w, nil
}

func (w *Watcher) reload() {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		log.Warn().Err(err).Str("path", w.path).Msg("config reload failed")
		return
	}

	snap, err := w.holder.Reconfigure(cfg)
	if err != nil {
		log.Warn().Err(err).Str("path", w.path).Msg("rejected config change")
		return
	}

	log.Info().
		Int("version", snap.Version).
		Str("model", snap.LLM.Model).
		Msg("configuration reloaded")
}
