// Package config provides human-readable run settings for pipelines: a YAML
// file (category, run type, stage defaults, storage locations) with an
// environment-variable overlay. Settings translate directly into
// pipeline.RunOption values, so wiring a run is Load → Options →
// pipeline.NewRunContext.
package config
