package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/mirkobrombin/go-todolock/v1/broadcast"
	"github.com/mirkobrombin/go-todolock/v1/lease"
	"github.com/mirkobrombin/go-todolock/v1/todo"
)

// ValidationError represents a single validation failure.
type ValidationError struct {
	Field   string // config key, e.g. "lease.duration"
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the accepted log.level values.
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidLogFormats returns the accepted log.format values.
func ValidLogFormats() []string {
	return []string{"text", "json"}
}

// ValidBackends returns the accepted store.backend values.
func ValidBackends() []string {
	return []string{"memory", "redis"}
}

func knownFields() []string {
	return []string{todo.FieldTitle, todo.FieldDescription, todo.FieldCompleted, todo.FieldPriority}
}

// Validate checks c and returns every problem found.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	if c.Lease.Duration <= 0 {
		errs = append(errs, ValidationError{
			Field:   "lease.duration",
			Value:   c.Lease.Duration,
			Message: "must be positive",
		})
	}
	if _, ok := lease.ParseSessionPolicy(c.Lease.SessionPolicy); !ok {
		errs = append(errs, ValidationError{
			Field:   "lease.session_policy",
			Value:   c.Lease.SessionPolicy,
			Message: "must be one of: reject, transfer",
		})
	}

	for _, f := range c.LockScope.BypassFields {
		if !slices.Contains(knownFields(), f) {
			errs = append(errs, ValidationError{
				Field:   "lock_scope.bypass_fields",
				Value:   f,
				Message: "unknown field, must be one of: " + strings.Join(knownFields(), ", "),
			})
		}
	}

	if c.Broadcast.QueueSize < 1 {
		errs = append(errs, ValidationError{
			Field:   "broadcast.queue_size",
			Value:   c.Broadcast.QueueSize,
			Message: "must be at least 1",
		})
	}
	if _, ok := broadcast.ParseOverflowPolicy(c.Broadcast.OverflowPolicy); !ok {
		errs = append(errs, ValidationError{
			Field:   "broadcast.overflow_policy",
			Value:   c.Broadcast.OverflowPolicy,
			Message: "must be one of: drop_oldest_content, drop_newest",
		})
	}

	if !slices.Contains(ValidBackends(), c.Store.Backend) {
		errs = append(errs, ValidationError{
			Field:   "store.backend",
			Value:   c.Store.Backend,
			Message: "must be one of: " + strings.Join(ValidBackends(), ", "),
		})
	}
	if c.Store.Cache && c.Store.CacheTTL <= 0 {
		errs = append(errs, ValidationError{
			Field:   "store.cache_ttl",
			Value:   c.Store.CacheTTL,
			Message: "must be positive when the cache is enabled",
		})
	}

	needsRedis := c.Store.Backend == "redis" || c.Relay.RedisChannel != ""
	if needsRedis && c.Redis.Addr == "" {
		errs = append(errs, ValidationError{
			Field:   "redis.addr",
			Value:   c.Redis.Addr,
			Message: "required by the redis backend or relay",
		})
	}
	if c.Redis.DB < 0 {
		errs = append(errs, ValidationError{
			Field:   "redis.db",
			Value:   c.Redis.DB,
			Message: "must be non-negative",
		})
	}
	if len(c.Relay.KafkaBrokers) > 0 && c.Relay.KafkaTopic == "" {
		errs = append(errs, ValidationError{
			Field:   "relay.kafka_topic",
			Value:   c.Relay.KafkaTopic,
			Message: "required when kafka brokers are set",
		})
	}

	if c.HTTP.Addr == "" {
		errs = append(errs, ValidationError{
			Field:   "http.addr",
			Value:   c.HTTP.Addr,
			Message: "must not be empty",
		})
	}
	if c.HTTP.ShutdownTimeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "http.shutdown_timeout",
			Value:   c.HTTP.ShutdownTimeout,
			Message: "must be non-negative",
		})
	}

	if !slices.Contains(ValidLogLevels(), c.Log.Level) {
		errs = append(errs, ValidationError{
			Field:   "log.level",
			Value:   c.Log.Level,
			Message: "must be one of: " + strings.Join(ValidLogLevels(), ", "),
		})
	}
	if !slices.Contains(ValidLogFormats(), c.Log.Format) {
		errs = append(errs, ValidationError{
			Field:   "log.format",
			Value:   c.Log.Format,
			Message: "must be one of: " + strings.Join(ValidLogFormats(), ", "),
		})
	}

	return errs
}
