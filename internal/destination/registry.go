package destination

import (
	"slices"

	"github.com/basekick-labs/logfeed/internal/reload"
	"github.com/rs/zerolog"
)

// Registry serves the current destination set, re-reading the descriptor
// source whenever its fingerprint changes.
type Registry struct {
	source *reload.Resource[[]Descriptor]
	path   string
	logger zerolog.Logger
}

// NewRegistry loads the descriptor source at path. A source that cannot be
// loaded here is fatal since there is no previous set to fall back on.
func NewRegistry(path string, logger zerolog.Logger) (*Registry, error) {
	r := &Registry{
		source: reload.New(path, Load, logger),
		path:   path,
		logger: logger.With().Str("component", "destinations").Logger(),
	}

	descriptors, err := r.source.Get()
	if err != nil {
		return nil, err
	}

	r.logger.Info().Str("source", path).Int("count", len(descriptors)).Msg("InfluxDB destinations")
	for _, d := range descriptors {
		r.logger.Info().
			Str("host", d.Host).
			Str("name", d.Name).
			Msgf("%s <--> %s", d.Host, d.Name)
	}

	return r, nil
}

// Current returns a copy of the current destination set
func (r *Registry) Current() ([]Descriptor, error) {
	descriptors, err := r.source.Get()
	if err != nil {
		return nil, err
	}
	return slices.Clone(descriptors), nil
}

// Cached returns the last loaded set without checking the source
func (r *Registry) Cached() []Descriptor {
	descriptors, err := r.source.Peek()
	if err != nil {
		return nil
	}
	return slices.Clone(descriptors)
}

// Reloads returns how many times the source was parsed successfully
func (r *Registry) Reloads() int {
	return r.source.Reloads()
}

// Path returns the descriptor source path
func (r *Registry) Path() string {
	return r.path
}
