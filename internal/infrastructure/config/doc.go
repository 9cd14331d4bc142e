// Package config handles loading and validating nmfleet console configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with NMFLEET_* environment variables
//   - Validation of ports, timings, and required fields
//   - Default values matching the NMMiner firmware's well-known ports
//
// Security Considerations:
//   - MQTT passwords and InfluxDB tokens should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Discovery.StatusPort)
package config
