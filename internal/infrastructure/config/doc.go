// Package config handles loading and validating the agent configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables, including the variables the
//     Home Assistant add-on supervisor injects
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - The hub token and agent API key should be set via environment variables
//   - The config file should have restricted permissions (0600)
//   - The agent refuses to start without an API key
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.HomeAssistant.URL)
package config
