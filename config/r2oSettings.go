package config

import (
	"os"
	"strings"
	"time"
)

const (
	defaultR2OAPIBaseURL       = "https://api.ready2order.com/v1"
	defaultR2OProductGroupName = "Lounge Inventory"
	defaultR2OWebhookEvent     = "invoice.created"
)

// R2OSettings holds everything the ready2order integration reads from the environment.
type R2OSettings struct {
	APIBaseURL         string
	DeveloperToken     string
	WebhookSecret      string
	TokenEncryptionKey string
	PublicBaseURL      string
	AppBaseURL         string
	ProductGroupName   string
	WebhookEvents      []string
	InvoiceTopic       string

	// Push endpoint authentication: OIDC when PushAudience is set, else PushSecret.
	PushAudience       string
	PushServiceAccount string
	PushSecret         string

	RateLimitRequests int
	RateLimitWindow   time.Duration
	HTTPTimeout       time.Duration
}

func LoadR2OSettings() R2OSettings {
	s := R2OSettings{
		APIBaseURL:         strings.TrimRight(envOr("R2O_API_BASE_URL", defaultR2OAPIBaseURL), "/"),
		DeveloperToken:     strings.TrimSpace(os.Getenv("R2O_DEVELOPER_TOKEN")),
		WebhookSecret:      strings.TrimSpace(os.Getenv("R2O_WEBHOOK_SECRET")),
		TokenEncryptionKey: os.Getenv("R2O_TOKEN_ENCRYPTION_KEY"),
		PublicBaseURL:      strings.TrimRight(strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")), "/"),
		AppBaseURL:         strings.TrimRight(strings.TrimSpace(os.Getenv("APP_BASE_URL")), "/"),
		ProductGroupName:   envOr("R2O_PRODUCT_GROUP_NAME", defaultR2OProductGroupName),
		WebhookEvents:      splitCSV(envOr("R2O_WEBHOOK_EVENTS", defaultR2OWebhookEvent)),
		InvoiceTopic:       envOr("R2O_INVOICE_TOPIC", "r2o-invoices"),
		PushAudience:       strings.TrimSpace(os.Getenv("R2O_PUSH_AUDIENCE")),
		PushServiceAccount: strings.TrimSpace(os.Getenv("R2O_PUSH_SERVICE_ACCOUNT")),
		PushSecret:         strings.TrimSpace(os.Getenv("R2O_PUSH_SECRET")),
		RateLimitRequests:  intFromEnv("R2O_RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:    time.Duration(intFromEnv("R2O_RATE_LIMIT_WINDOW_MS", 60000)) * time.Millisecond,
		HTTPTimeout:        time.Duration(intFromEnv("R2O_HTTP_TIMEOUT_SECONDS", 15)) * time.Second,
	}
	if s.RateLimitRequests <= 0 {
		s.RateLimitRequests = 60
	}
	if s.RateLimitWindow <= 0 {
		s.RateLimitWindow = time.Minute
	}
	if s.HTTPTimeout <= 0 {
		s.HTTPTimeout = 15 * time.Second
	}
	return s
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func splitCSV(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
