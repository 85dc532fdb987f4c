// Package provider is the HTTP client for the messaging provider's Graph-style
// send API. Its contract is fixed: send content, get the provider message id
// or an error. Per-endpoint bearer tokens come from the tenant resolver.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"ChatHive/entity"
	"ChatHive/internal/lib/sl"
	"ChatHive/internal/vault"
)

const sendAttempts = 3

// ErrSendFailed is returned once the bounded retries are exhausted.
var ErrSendFailed = errors.New("provider: send failed")

// TokenSource supplies the decrypted access token for an endpoint.
type TokenSource interface {
	AccessToken(ctx context.Context, endpointID entity.EndpointID) (string, error)
}

type Client struct {
	baseURL string
	tokens  TokenSource
	http    *http.Client
	log     *slog.Logger
}

func NewClient(baseURL string, tokens TokenSource, log *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		tokens:  tokens,
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     log.With(sl.Module("provider.client")),
	}
}

type textPayload struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type interactivePayload struct {
	Type   string          `json:"type"`
	Body   interactiveBody `json:"body"`
	Action map[string]any  `json:"action"`
}

type interactiveBody struct {
	Text string `json:"text"`
}

type sendRequest struct {
	MessagingProduct string              `json:"messaging_product"`
	RecipientType    string              `json:"recipient_type"`
	To               string              `json:"to"`
	Type             string              `json:"type"`
	Text             *textPayload        `json:"text,omitempty"`
	Interactive      *interactivePayload `json:"interactive,omitempty"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// SendText delivers a plain text message.
func (c *Client) SendText(ctx context.Context, endpointID entity.EndpointID, to, text string) (string, error) {
	req := sendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "text",
		Text:             &textPayload{Body: text},
	}
	return c.send(ctx, endpointID, req)
}

// SendButtons delivers an interactive button message.
func (c *Client) SendButtons(ctx context.Context, endpointID entity.EndpointID, to, text string, buttons []entity.Button) (string, error) {
	actionButtons := make([]map[string]any, 0, len(buttons))
	for _, b := range buttons {
		actionButtons = append(actionButtons, map[string]any{
			"type": "reply",
			"reply": map[string]string{
				"id":    b.ID,
				"title": b.Title,
			},
		})
	}
	req := sendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "interactive",
		Interactive: &interactivePayload{
			Type:   "button",
			Body:   interactiveBody{Text: text},
			Action: map[string]any{"buttons": actionButtons},
		},
	}
	return c.send(ctx, endpointID, req)
}

// SendList delivers an interactive list message.
func (c *Client) SendList(ctx context.Context, endpointID entity.EndpointID, to, text string, items []entity.ListItem) (string, error) {
	rows := make([]map[string]string, 0, len(items))
	for _, it := range items {
		rows = append(rows, map[string]string{
			"id":    it.ID,
			"title": it.Title,
		})
	}
	req := sendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "interactive",
		Interactive: &interactivePayload{
			Type: "list",
			Body: interactiveBody{Text: text},
			Action: map[string]any{
				"button": "Select",
				"sections": []map[string]any{
					{"rows": rows},
				},
			},
		},
	}
	return c.send(ctx, endpointID, req)
}

// send posts the request with the endpoint's token, retrying transient
// failures with jittered exponential backoff up to a small bounded count.
func (c *Client) send(ctx context.Context, endpointID entity.EndpointID, reqBody sendRequest) (string, error) {
	token, err := c.tokens.AccessToken(ctx, endpointID)
	if err != nil {
		if errors.Is(err, vault.ErrDecryptionFailed) {
			return "", err
		}
		return "", fmt.Errorf("access token for %s: %w", endpointID, err)
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal send request: %w", err)
	}
	url := fmt.Sprintf("%s/%s/messages", c.baseURL, endpointID)

	var providerID string
	operation := func() error {
		id, err := c.post(ctx, url, token, jsonBody)
		if err != nil {
			return err
		}
		providerID = id
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), sendAttempts-1),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		c.log.Error("send exhausted retries",
			slog.String("endpoint_id", string(endpointID)),
			sl.Err(err),
		)
		return "", fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return providerID, nil
}

func (c *Client) post(ctx context.Context, url, token string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("provider API status %d: %s", resp.StatusCode, string(respBody))
		// Client errors will not heal on retry.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return "", backoff.Permanent(err)
		}
		return "", err
	}

	var parsed sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", backoff.Permanent(fmt.Errorf("decode send response: %w", err))
	}
	if len(parsed.Messages) == 0 {
		return "", backoff.Permanent(fmt.Errorf("send response without message id"))
	}
	return parsed.Messages[0].ID, nil
}
