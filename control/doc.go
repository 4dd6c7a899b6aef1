// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, telemetry and debug introspection for capture sessions.
//
// Provides:
//   - viper-backed configuration loading with validation and a reloadable store
//   - OpenTelemetry engine instruments and a snapshot registry
//   - a periodic rate reporter driven by reset-on-read engine counters
//   - named debug probes
//
// This package is cross-platform and build-tag-partitioned as needed.
package control
