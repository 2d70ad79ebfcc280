package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"order-pipeline/internal/models"
	"order-pipeline/internal/util"

	"go.uber.org/zap"
)

// statusMapping translates the free-text order status carried on the wire
// into the downstream CRM status enum. Unrecognized statuses pass through
// unchanged.
var statusMapping = map[string]string{
	"pending":    "New",
	"processing": "In Progress",
	"shipped":    "Shipped",
	"delivered":  "Delivered",
	"completed":  "Completed",
	"cancelled":  "Cancelled",
	"failed":     "Failed",
}

// MapStatus returns the downstream status for a wire status.
func MapStatus(status string) string {
	if mapped, ok := statusMapping[status]; ok {
		return mapped
	}
	return status
}

// orderRecord is the create-record payload in the CRM's schema.
type orderRecord struct {
	ExternalID      string  `json:"External_Id__c"`
	CustomerID      string  `json:"Customer_Id__c"`
	CustomerName    string  `json:"Customer_Name__c"`
	CustomerEmail   string  `json:"Customer_Email__c"`
	TotalPrice      float64 `json:"Total_Price__c"`
	TotalQuantity   int     `json:"Total_Quantity__c"`
	ShippingStreet  string  `json:"Shipping_Street__c"`
	ShippingCity    string  `json:"Shipping_City__c"`
	ShippingZip     string  `json:"Shipping_Zip__c"`
	ShippingCountry string  `json:"Shipping_Country__c"`
	OrderDate       string  `json:"Order_Date__c"`
	Status          string  `json:"Status__c"`
	ItemsJSON       string  `json:"Items_Json__c,omitempty"`
	Notes           string  `json:"Notes__c,omitempty"`
}

// Client submits orders to the downstream CRM as create-record calls and
// classifies every response into a DeliveryOutcome. All calls carry bounded
// timeouts so a hung downstream never blocks a worker indefinitely.
type Client struct {
	httpClient *http.Client
	tokens     *TokenManager
	baseURL    string
	apiVersion string
	logger     *zap.Logger
}

// NewClient builds a CRM client with a tuned transport and its own token
// manager.
func NewClient(baseURL, apiVersion, tokenURL, clientID, clientSecret, refreshToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	httpClient := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        50,
			MaxIdleConnsPerHost: 50,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}

	return &Client{
		httpClient: httpClient,
		tokens:     NewTokenManager(httpClient, tokenURL, clientID, clientSecret, refreshToken),
		baseURL:    baseURL,
		apiVersion: apiVersion,
		logger:     util.GetLogger(),
	}
}

// Tokens exposes the token manager, mainly for tests.
func (c *Client) Tokens() *TokenManager {
	return c.tokens
}

// DeliverOrder submits a fully parsed order to the CRM.
func (c *Client) DeliverOrder(ctx context.Context, order *models.OrderMessage, correlationID string) *models.DeliveryOutcome {
	itemsJSON, err := json.Marshal(order.Items)
	if err != nil {
		return &models.DeliveryOutcome{
			Retryable: false,
			Error:     fmt.Sprintf("failed to marshal line items: %v", err),
		}
	}

	record := orderRecord{
		ExternalID:      order.OrderID,
		CustomerID:      order.UserID,
		CustomerName:    order.UserName,
		CustomerEmail:   order.UserEmail,
		TotalPrice:      order.TotalPrice,
		TotalQuantity:   order.TotalQuantity,
		ShippingStreet:  order.ShippingAddress.Address,
		ShippingCity:    order.ShippingAddress.City,
		ShippingZip:     order.ShippingAddress.PostalCode,
		ShippingCountry: order.ShippingAddress.Country,
		OrderDate:       order.OrderDate.UTC().Format(time.RFC3339),
		Status:          MapStatus(order.Status),
		ItemsJSON:       string(itemsJSON),
		Notes:           order.Notes,
	}

	return c.createRecord(ctx, record, order.OrderID, correlationID)
}

// DeliverFallback submits a degraded record built from raw decoded text when
// the payload could not be fully parsed. Best effort only.
func (c *Client) DeliverFallback(ctx context.Context, messageID, rawText, correlationID string) *models.DeliveryOutcome {
	record := orderRecord{
		ExternalID: messageID,
		Status:     "Unparsed",
		Notes:      rawText,
	}
	return c.createRecord(ctx, record, messageID, correlationID)
}

// createRecord performs the authenticated create call with a single bounded
// retry on 401: force-refresh once, retry once, never loop on a persistently
// invalid credential.
func (c *Client) createRecord(ctx context.Context, record orderRecord, recordID, correlationID string) *models.DeliveryOutcome {
	ctx, span := util.StartSpan(ctx, "CRMClient.createRecord")
	defer span.End()

	start := time.Now()
	defer func() {
		util.CRMDeliveryLatency.Observe(time.Since(start).Seconds())
	}()

	payload, err := json.Marshal(record)
	if err != nil {
		return transportFailure(fmt.Errorf("failed to marshal record: %w", err))
	}

	var outcome *models.DeliveryOutcome
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.acquireToken(ctx, attempt)
		if err != nil {
			outcome = transportFailure(fmt.Errorf("token acquisition failed: %w", err))
			break
		}

		target := c.endpoint()
		resp, body, err := c.post(ctx, target, token, payload)
		if err != nil {
			outcome = transportFailure(err)
			break
		}

		c.logger.Info("CRM delivery attempt",
			zap.String("record_id", recordID),
			zap.String("correlation_id", correlationID),
			zap.String("target", target),
			zap.Int("status", resp.StatusCode),
			zap.Int("attempt", attempt+1))

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			// Token expiry race: refresh and go around exactly once.
			continue
		}

		outcome = classify(resp.StatusCode, body)
		break
	}

	util.CRMDeliveriesTotal.WithLabelValues(outcomeLabel(outcome)).Inc()
	return outcome
}

// acquireToken returns the cached token on the first attempt and forces a
// refresh on the 401 retry.
func (c *Client) acquireToken(ctx context.Context, attempt int) (string, error) {
	if attempt == 0 {
		return c.tokens.GetToken(ctx)
	}
	return c.tokens.ForceRefresh(ctx)
}

func (c *Client) endpoint() string {
	base := c.tokens.InstanceURL()
	if base == "" {
		base = c.baseURL
	}
	return fmt.Sprintf("%s/services/data/%s/sobjects/Order__c", base, c.apiVersion)
}

func (c *Client) post(ctx context.Context, target, token string, payload []byte) (*http.Response, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read response body: %w", err)
	}

	return resp, string(body), nil
}

// classify maps a final HTTP status into a DeliveryOutcome:
// 2xx success; 429 and 5xx retryable; other 4xx permanent; anything else
// fails closed as permanent so unclassified errors never requeue forever.
func classify(statusCode int, body string) *models.DeliveryOutcome {
	outcome := &models.DeliveryOutcome{
		StatusCode: statusCode,
		Body:       body,
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		outcome.Success = true
	case statusCode == http.StatusTooManyRequests:
		outcome.Retryable = true
		outcome.Error = "downstream rate limited (429)"
	case statusCode >= 500 && statusCode < 600:
		outcome.Retryable = true
		outcome.Error = fmt.Sprintf("downstream outage (%d)", statusCode)
	case statusCode >= 400 && statusCode < 500:
		outcome.Error = fmt.Sprintf("downstream rejected request (%d)", statusCode)
	default:
		outcome.Error = fmt.Sprintf("unclassified downstream status (%d)", statusCode)
	}

	return outcome
}

// transportFailure wraps request-level errors (timeouts included) as
// permanent per the fail-closed rule.
func transportFailure(err error) *models.DeliveryOutcome {
	return &models.DeliveryOutcome{
		Success:   false,
		Retryable: false,
		Error:     err.Error(),
	}
}

func outcomeLabel(outcome *models.DeliveryOutcome) string {
	switch {
	case outcome.Success:
		return "success"
	case outcome.Retryable:
		return "retryable"
	default:
		return "permanent"
	}
}
