package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateServers(cfg.GetServers(), result)
	validateApplicationData(cfg.GetApplicationData(), result)

	return result
}

func validateServers(servers []ServerEntry, result *ValidationResult) {
	seen := make(map[string]bool, len(servers))
	defaults := 0

	for i, s := range servers {
		field := fmt.Sprintf("servers[%d]", i)

		if strings.TrimSpace(s.Name) == "" {
			result.AddError(field+".name", "server name is required")
		} else if seen[s.Name] {
			result.AddError(field+".name", fmt.Sprintf("duplicate server name %q", s.Name))
		}
		seen[s.Name] = true

		host, port, err := net.SplitHostPort(s.Address)
		if err != nil {
			result.AddError(field+".address",
				fmt.Sprintf("invalid address %q (expected host:port)", s.Address))
		} else {
			if strings.TrimSpace(host) == "" {
				result.AddError(field+".address", "address host is empty")
			}
			if p, err := strconv.Atoi(port); err != nil || p < 1 || p > 65535 {
				result.AddError(field+".address", fmt.Sprintf("invalid port %q", port))
			}
		}

		if s.Password == "" {
			result.AddWarning(field+".rcon_password",
				"empty rcon password, the server will reject authentication")
		}

		if s.Default {
			defaults++
		}
	}

	if defaults > 1 {
		result.AddWarning("servers", "multiple servers marked default, the first one wins")
	}
}

func validateApplicationData(data ApplicationData, result *ValidationResult) {
	if data.Timeouts.ConnectSeconds < 1 {
		result.AddError("application_data.timeouts.connect_sec", "connect timeout must be at least 1 second")
	}
	if data.Timeouts.CommandSeconds < 1 {
		result.AddError("application_data.timeouts.command_sec", "command timeout must be at least 1 second")
	}

	if data.API.Enabled {
		validatePort(data.API.Port, "application_data.api.port", result)
		if data.API.StatusCacheSeconds < 1 {
			result.AddWarning("application_data.api.status_cache_sec",
				"status cache disabled, every request hits the game server")
		}
	}

	if data.MQTT.Enabled {
		if strings.TrimSpace(data.MQTT.BrokerURL) == "" {
			result.AddError("application_data.mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if data.MQTT.Port < 1 || data.MQTT.Port > 65535 {
			result.AddError("application_data.mqtt.port", "invalid MQTT port")
		}
	}

	if data.History.Enabled {
		if strings.TrimSpace(data.History.Path) == "" {
			result.AddError("application_data.history.path", "history database path is required when enabled")
		}
		if data.History.RetentionDays < 1 {
			result.AddError("application_data.history.retention_days", "retention days must be at least 1")
		}
	}

	if data.Watch.Enabled {
		if data.Watch.IntervalSec < 1 {
			result.AddError("application_data.watch.interval_sec", "watch interval must be at least 1 second")
		} else if data.Watch.IntervalSec < 5 {
			result.AddWarning("application_data.watch.interval_sec",
				"watch interval under 5s hammers the game servers")
		}
		if len(data.Watch.Commands) == 0 {
			result.AddWarning("application_data.watch.commands", "watch enabled with no commands configured")
		}
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a TCP port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
