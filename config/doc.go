// Package config loads cabal configuration from defaults, an optional YAML
// file and CABAL_* environment variables, in that order of precedence.
package config
