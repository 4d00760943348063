package r2osync

import (
	"bytes"
	"encoding/json"
	"strings"
)

const (
	EventInvoiceCreated = "invoice.created"

	stateCookieName   = "r2o_oauth_state"
	stateCookieMaxAge = 600
)

// FlexibleID accepts ids that ready2order sends either as JSON numbers or strings.
type FlexibleID string

func (f *FlexibleID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexibleID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexibleID(n.String())
	return nil
}

func (f FlexibleID) String() string { return string(f) }

type grantAccessTokenRequest struct {
	AuthorizationCallbackURI string `json:"authorizationCallbackUri"`
}

type GrantResponse struct {
	GrantAccessToken string `json:"grantAccessToken"`
	GrantAccessURI   string `json:"grantAccessUri"`
}

type CompanyInfo struct {
	CompanyID   FlexibleID `json:"company_id"`
	CompanyName string     `json:"company_name"`
}

type productGroupRequest struct {
	Name string `json:"productgroup_name"`
}

type ProductGroup struct {
	ID   FlexibleID `json:"productgroup_id"`
	Name string     `json:"productgroup_name"`
}

type webhookRequest struct {
	WebhookURL string   `json:"webhookUrl"`
	Events     []string `json:"events"`
}

// WebhookEnvelope is the body ready2order posts to the webhook endpoint.
type WebhookEnvelope struct {
	Event     string          `json:"event" validate:"required"`
	AccountID FlexibleID      `json:"accountId"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

type Invoice struct {
	InvoiceID        FlexibleID    `json:"invoice_id"`
	InvoiceNumber    string        `json:"invoice_number"`
	InvoiceTimestamp string        `json:"invoice_timestamp"`
	InvoiceTotal     json.Number   `json:"invoice_total"`
	Items            []InvoiceItem `json:"invoice_items"`
}

type InvoiceItem struct {
	ProductID FlexibleID  `json:"product_id"`
	Quantity  json.Number `json:"item_quantity"`
	Name      string      `json:"item_name"`
}

type StatusResponse struct {
	Status            string  `json:"status"`
	WebhookRegistered bool    `json:"webhookRegistered"`
	AccountLinked     bool    `json:"accountLinked"`
	ProductGroupId    *string `json:"productGroupId"`
	MappedProducts    int64   `json:"mappedProducts"`
	ConnectedAt       *string `json:"connectedAt"`
}

// InvoicePubSubPayload is published in async webhook mode.
type InvoicePubSubPayload struct {
	TenantId  string          `json:"tenant_id"`
	AccountId string          `json:"account_id"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data       []byte            `json:"data"`
		Attributes map[string]string `json:"attributes"`
		MessageID  string            `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}
