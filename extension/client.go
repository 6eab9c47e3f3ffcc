// Package extension is the storefront-side client of the upsell backend.
package extension

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"upsellflow/auth"
	"upsellflow/offer"
)

const maxResponseBytes = 1 << 20

// PurchaseContext identifies the in-flight purchase and carries the platform session
// token bound to it.
type PurchaseContext struct {
	ReferenceID string
	Token       string
}

// SignRequest asks the backend to authorize one offer for one purchase. Only the offer
// id travels; the backend resolves the changes itself.
type SignRequest struct {
	ReferenceID string
	OfferID     int64
	Token       string
}

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status    int
	Kind      string
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("extension: backend returned %d (%s): %s", e.Status, e.Kind, msg)
}

// Unwrap maps backend error kinds onto the core sentinels.
func (e *APIError) Unwrap() error {
	switch {
	case e.Status == http.StatusUnauthorized:
		return auth.ErrUnauthorized
	case e.Status == http.StatusNotFound && e.Kind == "offer_not_found":
		return offer.ErrNotFound
	default:
		return nil
	}
}

// Client calls the backend's /offer and /sign-changeset endpoints.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a backend client. A nil httpClient gets a 10s timeout default.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

type offersRequest struct {
	ReferenceID string `json:"referenceId"`
	Token       string `json:"token"`
}

type offersResponse struct {
	Offers []offer.Offer `json:"offers"`
}

// FetchOffers returns the offers the backend selected for the purchase.
func (c *Client) FetchOffers(ctx context.Context, pc PurchaseContext) ([]offer.Offer, error) {
	var out offersResponse
	if err := c.post(ctx, "/offer", offersRequest{ReferenceID: pc.ReferenceID, Token: pc.Token}, &out); err != nil {
		return nil, fmt.Errorf("extension: fetch offers: %w", err)
	}
	if out.Offers == nil {
		out.Offers = []offer.Offer{}
	}
	return out.Offers, nil
}

type signRequest struct {
	ReferenceID string `json:"referenceId"`
	Changes     int64  `json:"changes"`
	Token       string `json:"token"`
}

type signResponse struct {
	Token string `json:"token"`
}

// SignChangeset requests a signed assertion for the offer.
func (c *Client) SignChangeset(ctx context.Context, req SignRequest) (string, error) {
	var out signResponse
	body := signRequest{ReferenceID: req.ReferenceID, Changes: req.OfferID, Token: req.Token}
	if err := c.post(ctx, "/sign-changeset", body, &out); err != nil {
		return "", fmt.Errorf("extension: sign changeset: %w", err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("extension: sign changeset: empty token in response")
	}
	return out.Token, nil
}

type errorEnvelope struct {
	RequestID string `json:"request_id"`
	Error     struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var env errorEnvelope
		if json.Unmarshal(body, &env) == nil {
			apiErr.Kind = env.Error.Kind
			apiErr.Message = env.Error.Message
			apiErr.RequestID = env.RequestID
		}
		return apiErr
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
