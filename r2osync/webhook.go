package r2osync

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"bitbucket.org/mmdatafocus/lounge_backend/metrics"
	"bitbucket.org/mmdatafocus/lounge_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const maxWebhookBody = 1 << 20

var validate = validator.New()

// WebhookHandler authenticates before it parses. Once the secret matches and the
// body parses, the provider always gets 200 {received: true}.
func (s *Service) WebhookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := s.Settings.WebhookSecret
		if expected == "" {
			metrics.WebhookEvents.WithLabelValues("misconfigured").Inc()
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service_unavailable"})
			return
		}
		provided := c.Query("secret")
		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
			metrics.WebhookEvents.WithLabelValues("unauthorized").Inc()
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			metrics.WebhookEvents.WithLabelValues("bad_request").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request"})
			return
		}
		var envelope WebhookEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			metrics.WebhookEvents.WithLabelValues("bad_request").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request"})
			return
		}
		if err := validate.Struct(envelope); err != nil {
			metrics.WebhookEvents.WithLabelValues("bad_request").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request"})
			return
		}

		outcome, err := s.HandleEvent(c.Request.Context(), envelope)
		if err != nil {
			s.logger().WithFields(logrus.Fields{
				"module":     "r2osync",
				"funcName":   "WebhookHandler",
				"event":      envelope.Event,
				"account_id": envelope.AccountID.String(),
				"outcome":    outcome,
			}).WithError(err).Error("r2o webhook processing failed")
		}
		metrics.WebhookEvents.WithLabelValues(outcome).Inc()
		c.JSON(http.StatusOK, gin.H{"received": true})
	}
}

// HandleEvent routes an authenticated envelope to its tenant and, for new
// invoices, applies it inline or hands it to Pub/Sub. The returned outcome is
// a metric label.
func (s *Service) HandleEvent(ctx context.Context, envelope WebhookEnvelope) (string, error) {
	ctx, span := otel.Tracer("r2osync").Start(ctx, "r2o.webhook")
	defer span.End()
	span.SetAttributes(attribute.String("r2o.event", envelope.Event))

	conn, err := s.ConnectionByAccount(ctx, envelope.AccountID.String())
	if err != nil {
		return "error", err
	}
	if conn == nil {
		return "unknown_account", nil
	}
	span.SetAttributes(attribute.String("tenant_id", conn.TenantId))

	if envelope.Event != EventInvoiceCreated {
		return "ignored_event", nil
	}

	if s.Async && s.Publisher != nil {
		err := s.Publisher.PublishInvoice(ctx, InvoicePubSubPayload{
			TenantId:  conn.TenantId,
			AccountId: envelope.AccountID.String(),
			Event:     envelope.Event,
			Data:      envelope.Data,
		})
		if err == nil {
			return "queued", nil
		}
		s.logger().WithFields(logrus.Fields{
			"module":    "r2osync",
			"funcName":  "HandleEvent",
			"tenant_id": conn.TenantId,
		}).WithError(err).Warn("r2o publish failed, processing inline")
	}

	result, err := s.ProcessInvoice(ctx, conn.TenantId, envelope.Data)
	if err != nil {
		if errors.Is(err, ErrBadRequest) {
			return "invalid_invoice", err
		}
		return "error", err
	}
	return string(result.Outcome), nil
}

// ProcessInvoice decodes invoice data and runs the stock engine for the tenant.
func (s *Service) ProcessInvoice(ctx context.Context, tenantId string, data json.RawMessage) (ApplyResult, error) {
	var invoice Invoice
	if len(data) == 0 {
		return ApplyResult{}, fmt.Errorf("empty invoice data: %w", ErrBadRequest)
	}
	if err := json.Unmarshal(data, &invoice); err != nil {
		return ApplyResult{}, fmt.Errorf("decode invoice: %v: %w", err, ErrBadRequest)
	}

	ctx = utils.SetTenantIdInContext(ctx, tenantId)
	result, err := s.Engine.ApplyInvoice(ctx, tenantId, invoice)
	if err != nil {
		return result, err
	}
	s.logger().WithFields(logrus.Fields{
		"module":     "r2osync",
		"tenant_id":  tenantId,
		"invoice_id": result.InvoiceId,
		"outcome":    result.Outcome,
		"applied":    result.Applied,
		"failed":     result.Failed,
	}).Info("r2o invoice handled")
	return result, nil
}
