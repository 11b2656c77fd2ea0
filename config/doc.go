// Package config provides unified configuration loading for ReviewFlow.
//
// Configuration is resolved in three layers: built-in defaults, an optional
// YAML file, then environment variable overrides (REVIEWFLOW_* by default).
package config
