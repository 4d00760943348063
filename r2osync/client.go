package r2osync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"bitbucket.org/mmdatafocus/lounge_backend/config"
	"bitbucket.org/mmdatafocus/lounge_backend/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxProviderBody = 1 << 20

// Provider is the subset of the ready2order API the pipeline uses.
type Provider interface {
	GrantAccessToken(ctx context.Context, redirectURI string) (GrantResponse, error)
	GetCompanyInfo(ctx context.Context, token string) (CompanyInfo, error)
	CreateProductGroup(ctx context.Context, token string, name string) (ProductGroup, error)
	RegisterWebhook(ctx context.Context, token string, webhookURL string, events []string) error
	DeleteWebhook(ctx context.Context, token string) error
}

type Client struct {
	baseURL        string
	developerToken string
	http           *http.Client
	limiter        *SlidingWindowLimiter
	tracer         trace.Tracer
}

func NewClient(settings config.R2OSettings, limiter *SlidingWindowLimiter) *Client {
	if limiter == nil {
		limiter = NewSlidingWindowLimiter(settings.RateLimitRequests, settings.RateLimitWindow, SystemClock)
	}
	return &Client{
		baseURL:        strings.TrimRight(settings.APIBaseURL, "/"),
		developerToken: settings.DeveloperToken,
		http:           &http.Client{Timeout: settings.HTTPTimeout},
		limiter:        limiter,
		tracer:         otel.Tracer("r2osync"),
	}
}

func (c *Client) GrantAccessToken(ctx context.Context, redirectURI string) (GrantResponse, error) {
	if strings.TrimSpace(c.developerToken) == "" {
		return GrantResponse{}, fmt.Errorf("developer token: %w", ErrServiceUnavailable)
	}
	var out GrantResponse
	err := c.call(ctx, "grant_access_token", http.MethodPost, "/developerToken/grantAccessToken", c.developerToken,
		grantAccessTokenRequest{AuthorizationCallbackURI: redirectURI}, &out)
	if err != nil {
		return GrantResponse{}, err
	}
	if out.GrantAccessURI == "" {
		return GrantResponse{}, &ExternalAPIError{StatusCode: http.StatusOK, Body: "grantAccessUri missing"}
	}
	return out, nil
}

func (c *Client) GetCompanyInfo(ctx context.Context, token string) (CompanyInfo, error) {
	var out CompanyInfo
	if err := c.call(ctx, "get_company", http.MethodGet, "/company", token, nil, &out); err != nil {
		return CompanyInfo{}, err
	}
	return out, nil
}

func (c *Client) CreateProductGroup(ctx context.Context, token string, name string) (ProductGroup, error) {
	var out ProductGroup
	if err := c.call(ctx, "create_product_group", http.MethodPut, "/productgroups", token, productGroupRequest{Name: name}, &out); err != nil {
		return ProductGroup{}, err
	}
	return out, nil
}

func (c *Client) RegisterWebhook(ctx context.Context, token string, webhookURL string, events []string) error {
	return c.call(ctx, "register_webhook", http.MethodPost, "/webhook", token, webhookRequest{WebhookURL: webhookURL, Events: events}, nil)
}

func (c *Client) DeleteWebhook(ctx context.Context, token string) error {
	return c.call(ctx, "delete_webhook", http.MethodDelete, "/webhook", token, nil, nil)
}

// call waits for the shared request budget, then performs one authenticated request.
// Non-2xx answers come back as *ExternalAPIError.
func (c *Client) call(ctx context.Context, operation, method, path, token string, body any, out any) (err error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	ctx, span := c.tracer.Start(ctx, "r2o."+operation, trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("r2o.path", path),
	))
	status := 0
	defer func() {
		metrics.ProviderRequests.WithLabelValues(operation, metrics.StatusClass(status)).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, operation)
		}
		span.End()
	}()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ready2order %s: %w", operation, err)
	}
	defer resp.Body.Close()
	status = resp.StatusCode
	span.SetAttributes(attribute.Int("http.status_code", status))

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxProviderBody))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ExternalAPIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode ready2order %s: %w", operation, err)
	}
	return nil
}
