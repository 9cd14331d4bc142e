// Package logging provides structured logging for the nmfleet console.
//
// It wraps log/slog so every entry carries the service and version
// attributes, and components tag themselves via Component:
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Component("discovery").Info("listening", "port", 12345)
//
// Configuration:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Never log WiFi passwords or pool passwords.
package logging
