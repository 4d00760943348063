package config

import (
	"os"
	"strings"
)

// R2OWebhookAsync makes the webhook endpoint publish qualifying invoice events to
// Pub/Sub and acknowledge immediately; the push endpoint applies them.
//
// Set via env:
// - R2O_WEBHOOK_ASYNC=true
func R2OWebhookAsync() bool {
	return EnvBool("R2O_WEBHOOK_ASYNC", false)
}

// R2OPubSubPushEnabled mounts the /pubsub/r2o-invoice push endpoint. Only the
// deployment that consumes the invoice subscription should set it.
//
// Set via env:
// - ENABLE_R2O_PUBSUB_PUSH_ENDPOINT=true
func R2OPubSubPushEnabled() bool {
	return EnvBool("ENABLE_R2O_PUBSUB_PUSH_ENDPOINT", false)
}

// InboundRateLimitEnabled turns on the Redis fixed-window limiter on public routes.
func InboundRateLimitEnabled() bool {
	return EnvBool("RATE_LIMIT_ENABLED", false)
}

func SkipMigrations() bool {
	return EnvBool("SKIP_MIGRATIONS", false)
}

func EnvBool(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}
