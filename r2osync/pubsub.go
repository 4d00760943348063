package r2osync

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"bitbucket.org/mmdatafocus/lounge_backend/config"
	"bitbucket.org/mmdatafocus/lounge_backend/models"
	"bitbucket.org/mmdatafocus/lounge_backend/utils"
	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/idtoken"
)

// EventPublisher queues invoice events for the push worker.
type EventPublisher interface {
	PublishInvoice(ctx context.Context, payload InvoicePubSubPayload) error
}

type PubSubPublisher struct {
	topic *pubsub.Topic
}

func NewPubSubPublisher(ctx context.Context, client *pubsub.Client, topicName string, createTopic bool) (*PubSubPublisher, error) {
	topic := client.Topic(topicName)
	if createTopic {
		var err error
		topic, err = config.CreateTopicIfNotExists(ctx, client, topicName)
		if err != nil {
			return nil, err
		}
	}
	return &PubSubPublisher{topic: topic}, nil
}

func (p *PubSubPublisher) PublishInvoice(ctx context.Context, payload InvoicePubSubPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	res := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"tenant_id": payload.TenantId,
			"event":     payload.Event,
		},
	})
	_, err = res.Get(ctx)
	return err
}

func (p *PubSubPublisher) Stop() {
	if p != nil && p.topic != nil {
		p.topic.Stop()
	}
}

// PushAuthenticator checks that a push request comes from the invoice
// subscription.
type PushAuthenticator interface {
	AuthenticatePush(r *http.Request) error
}

// OIDCPushAuthenticator verifies the Google-signed token Pub/Sub attaches to
// authenticated push subscriptions.
type OIDCPushAuthenticator struct {
	Audience       string
	ServiceAccount string
	Validate       func(ctx context.Context, token, audience string) (*idtoken.Payload, error)
}

func (a OIDCPushAuthenticator) AuthenticatePush(r *http.Request) error {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) <= len("bearer ") || !strings.EqualFold(auth[:len("bearer ")], "bearer ") {
		return fmt.Errorf("push without bearer token: %w", ErrUnauthorized)
	}
	validate := a.Validate
	if validate == nil {
		validate = idtoken.Validate
	}
	payload, err := validate(r.Context(), strings.TrimSpace(auth[len("bearer "):]), a.Audience)
	if err != nil {
		return fmt.Errorf("push token: %v: %w", err, ErrUnauthorized)
	}
	if a.ServiceAccount == "" {
		return nil
	}
	email, _ := payload.Claims["email"].(string)
	verified, _ := payload.Claims["email_verified"].(bool)
	if !verified || !strings.EqualFold(email, a.ServiceAccount) {
		return fmt.Errorf("push token issued to %q: %w", email, ErrUnauthorized)
	}
	return nil
}

// SharedSecretPushAuthenticator expects the secret as ?token= on the push URL.
type SharedSecretPushAuthenticator struct {
	Secret string
}

func (a SharedSecretPushAuthenticator) AuthenticatePush(r *http.Request) error {
	provided := r.URL.Query().Get("token")
	if a.Secret == "" || provided == "" ||
		subtle.ConstantTimeCompare([]byte(provided), []byte(a.Secret)) != 1 {
		return fmt.Errorf("push secret mismatch: %w", ErrUnauthorized)
	}
	return nil
}

// NewPushAuthenticator prefers OIDC when an audience is configured. It returns
// nil when neither OIDC nor a shared secret is set; the push endpoint then
// refuses everything.
func NewPushAuthenticator(settings config.R2OSettings) PushAuthenticator {
	switch {
	case settings.PushAudience != "":
		return OIDCPushAuthenticator{Audience: settings.PushAudience, ServiceAccount: settings.PushServiceAccount}
	case settings.PushSecret != "":
		return SharedSecretPushAuthenticator{Secret: settings.PushSecret}
	default:
		return nil
	}
}

// PubSubPushHandler consumes pushed invoice events. Poison messages and events
// for tenants that are no longer connected are acked with 204; storage
// failures answer 500 so Pub/Sub redelivers.
func (s *Service) PubSubPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.PushAuth == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service_unavailable"})
			return
		}
		if err := s.PushAuth.AuthenticatePush(c.Request); err != nil {
			s.logger().WithFields(logrus.Fields{
				"module":   "r2osync",
				"funcName": "PubSubPushHandler",
			}).WithError(err).Warn("r2o push rejected")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			c.Status(http.StatusNoContent)
			return
		}
		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(http.StatusNoContent)
			return
		}
		var payload InvoicePubSubPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(http.StatusNoContent)
			return
		}
		if payload.TenantId == "" || payload.Event != EventInvoiceCreated {
			c.Status(http.StatusNoContent)
			return
		}

		fields := logrus.Fields{
			"module":     "r2osync",
			"funcName":   "PubSubPushHandler",
			"tenant_id":  payload.TenantId,
			"message_id": envelope.Message.MessageID,
		}
		ctx := c.Request.Context()
		conn, err := getConnection(s.DB.WithContext(utils.SetTenantIdInContext(ctx, payload.TenantId)), payload.TenantId)
		if err != nil {
			s.logger().WithFields(fields).WithError(err).Error("r2o connection lookup failed")
			c.Status(http.StatusInternalServerError)
			return
		}
		if conn == nil || conn.Status != models.IntegrationStatusConnected ||
			(payload.AccountId != "" && (conn.AccountId == nil || *conn.AccountId != payload.AccountId)) {
			s.logger().WithFields(fields).Warn("r2o invoice message for unconnected tenant dropped")
			c.Status(http.StatusNoContent)
			return
		}

		if _, err := s.ProcessInvoice(ctx, payload.TenantId, payload.Data); err != nil {
			if errors.Is(err, ErrBadRequest) {
				s.logger().WithFields(fields).WithError(err).Warn("r2o invoice message dropped")
				c.Status(http.StatusNoContent)
				return
			}
			s.logger().WithFields(fields).WithError(err).Error("r2o invoice message failed")
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
