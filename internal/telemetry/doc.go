// Package telemetry sets up the OpenTelemetry SDK for cabal. When disabled
// it installs nothing and every tracer it hands out is a noop.
package telemetry
