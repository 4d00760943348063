package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadR2OSettings_Defaults(t *testing.T) {
	for _, key := range []string{
		"R2O_API_BASE_URL", "R2O_DEVELOPER_TOKEN", "R2O_WEBHOOK_SECRET", "R2O_TOKEN_ENCRYPTION_KEY",
		"PUBLIC_BASE_URL", "APP_BASE_URL", "R2O_PRODUCT_GROUP_NAME", "R2O_WEBHOOK_EVENTS",
		"R2O_INVOICE_TOPIC", "R2O_RATE_LIMIT_REQUESTS", "R2O_RATE_LIMIT_WINDOW_MS", "R2O_HTTP_TIMEOUT_SECONDS",
		"R2O_PUSH_AUDIENCE", "R2O_PUSH_SERVICE_ACCOUNT", "R2O_PUSH_SECRET",
	} {
		t.Setenv(key, "")
	}

	s := LoadR2OSettings()
	assert.Equal(t, "https://api.ready2order.com/v1", s.APIBaseURL)
	assert.Equal(t, "Lounge Inventory", s.ProductGroupName)
	assert.Equal(t, []string{"invoice.created"}, s.WebhookEvents)
	assert.Equal(t, "r2o-invoices", s.InvoiceTopic)
	assert.Equal(t, 60, s.RateLimitRequests)
	assert.Equal(t, time.Minute, s.RateLimitWindow)
	assert.Equal(t, 15*time.Second, s.HTTPTimeout)
	assert.Empty(t, s.WebhookSecret)
	assert.Empty(t, s.PushAudience)
	assert.Empty(t, s.PushSecret)
}

func TestLoadR2OSettings_Overrides(t *testing.T) {
	t.Setenv("R2O_API_BASE_URL", "https://sandbox.ready2order.test/v1/")
	t.Setenv("PUBLIC_BASE_URL", "https://lounge.example.com/")
	t.Setenv("R2O_WEBHOOK_EVENTS", "invoice.created, invoice.updated,,")
	t.Setenv("R2O_RATE_LIMIT_REQUESTS", "30")
	t.Setenv("R2O_RATE_LIMIT_WINDOW_MS", "1000")
	t.Setenv("R2O_HTTP_TIMEOUT_SECONDS", "-4")
	t.Setenv("R2O_PUSH_AUDIENCE", " https://lounge.example.com/pubsub/r2o-invoice ")
	t.Setenv("R2O_PUSH_SERVICE_ACCOUNT", "r2o-push@lounge.iam.gserviceaccount.com")

	s := LoadR2OSettings()
	assert.Equal(t, "https://sandbox.ready2order.test/v1", s.APIBaseURL)
	assert.Equal(t, "https://lounge.example.com", s.PublicBaseURL)
	assert.Equal(t, []string{"invoice.created", "invoice.updated"}, s.WebhookEvents)
	assert.Equal(t, 30, s.RateLimitRequests)
	assert.Equal(t, time.Second, s.RateLimitWindow)
	assert.Equal(t, 15*time.Second, s.HTTPTimeout)
	assert.Equal(t, "https://lounge.example.com/pubsub/r2o-invoice", s.PushAudience)
	assert.Equal(t, "r2o-push@lounge.iam.gserviceaccount.com", s.PushServiceAccount)
}

func TestR2OPubSubPushEnabled_OffByDefault(t *testing.T) {
	t.Setenv("ENABLE_R2O_PUBSUB_PUSH_ENDPOINT", "")
	assert.False(t, R2OPubSubPushEnabled())
	t.Setenv("ENABLE_R2O_PUBSUB_PUSH_ENDPOINT", "true")
	assert.True(t, R2OPubSubPushEnabled())
}

func TestEnvBool(t *testing.T) {
	cases := map[string]bool{"true": true, "1": true, "ON": true, "no": false, "0": false}
	for val, want := range cases {
		t.Setenv("R2O_TEST_FLAG", val)
		assert.Equal(t, want, EnvBool("R2O_TEST_FLAG", !want), val)
	}
	t.Setenv("R2O_TEST_FLAG", "maybe")
	assert.True(t, EnvBool("R2O_TEST_FLAG", true))
}
