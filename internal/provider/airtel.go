package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/katale-store/payments/internal/logging"
)

type AirtelConfig struct {
	BaseURL        string
	ClientID       string
	ClientSecret   string
	Country        string
	CallbackURL    string
	Timeout        time.Duration
	TokenTTLMargin time.Duration
}

// AirtelClient drives the Airtel Money merchant collections API.
type AirtelClient struct {
	cfg        AirtelConfig
	httpClient *http.Client
	tokens     *tokenSource
}

func NewAirtelClient(cfg AirtelConfig) *AirtelClient {
	c := &AirtelClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
	c.tokens = newTokenSource(c.fetchToken, cfg.TokenTTLMargin)
	return c
}

func (c *AirtelClient) fetchToken(ctx context.Context) (string, time.Duration, error) {
	const op = "airtel.fetchToken"
	log := logging.FromContext(ctx)

	body, err := json.Marshal(map[string]string{
		"client_id":     c.cfg.ClientID,
		"client_secret": c.cfg.ClientSecret,
		"grant_type":    "client_credentials",
	})
	if err != nil {
		return "", 0, &TransientError{Op: op, Err: err}
	}

	url := c.cfg.BaseURL + "/auth/oauth2/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", 0, &TransientError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	log.Info("requesting airtel money access token")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, &TransientError{Op: op, Err: err}
	}
	respBody := readBody(resp)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", 0, &TransientError{Op: op, Err: fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, respBody)}
	}

	var tr struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   any    `json:"expires_in"` // Airtel returns this as a string in some environments
	}
	if err := json.Unmarshal(respBody, &tr); err != nil || tr.AccessToken == "" {
		return "", 0, &TransientError{Op: op, Err: fmt.Errorf("malformed token response: %s", respBody)}
	}

	return tr.AccessToken, parseExpiresIn(tr.ExpiresIn), nil
}

func parseExpiresIn(v any) time.Duration {
	switch n := v.(type) {
	case float64:
		if n > 0 {
			return time.Duration(n) * time.Second
		}
	case string:
		if secs, err := strconv.Atoi(n); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Hour
}

type airtelPaymentRequest struct {
	Reference   string            `json:"reference"`
	Subscriber  airtelSubscriber  `json:"subscriber"`
	Transaction airtelTransaction `json:"transaction"`
	Narrative   string            `json:"narrative,omitempty"`
	CallbackURL string            `json:"callback_url,omitempty"`
}

type airtelSubscriber struct {
	Country  string `json:"country"`
	Currency string `json:"currency"`
	MSISDN   string `json:"msisdn"`
}

type airtelTransaction struct {
	Amount   string `json:"amount"`
	Country  string `json:"country"`
	Currency string `json:"currency"`
	ID       string `json:"id"`
}

func (c *AirtelClient) Initiate(ctx context.Context, ir InitiateRequest) (*InitiateResult, error) {
	const op = "airtel.Initiate"
	log := logging.FromContext(ctx)

	payload := airtelPaymentRequest{
		Reference: ir.OrderRef,
		Subscriber: airtelSubscriber{
			Country:  c.cfg.Country,
			Currency: ir.Currency,
			MSISDN:   ir.PayerPhone,
		},
		Transaction: airtelTransaction{
			Amount:   strconv.FormatInt(ir.Amount, 10),
			Country:  c.cfg.Country,
			Currency: ir.Currency,
			ID:       ir.ProviderRef,
		},
		Narrative:   ir.PayerMessage,
		CallbackURL: c.cfg.CallbackURL,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &TransientError{Op: op, Err: err}
	}

	url := c.cfg.BaseURL + "/merchant/v1/payments/"

	start := time.Now()
	resp, err := authedDo(ctx, c.httpClient, c.tokens, func(token string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, classifyCallError(op, err)
	}
	respBody := readBody(resp)

	log.Info("airtel payment response",
		"status", resp.StatusCode,
		"provider_ref", ir.ProviderRef,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &InitiateResult{Status: StatusPending, Raw: respBody}, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, &RejectedError{Op: op, StatusCode: resp.StatusCode, Detail: airtelDetail(respBody), Raw: respBody}
	default:
		return nil, &TransientError{Op: op, Err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, respBody)}
	}
}

type airtelStatusResponse struct {
	Data struct {
		Transaction struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		} `json:"transaction"`
	} `json:"data"`
	Status struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"status"`
}

func (c *AirtelClient) QueryStatus(ctx context.Context, providerRef string) (*StatusResult, error) {
	const op = "airtel.QueryStatus"

	url := c.cfg.BaseURL + "/merchant/v1/payments/" + providerRef

	resp, err := authedDo(ctx, c.httpClient, c.tokens, func(token string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return req, nil
	})
	if err != nil {
		return nil, classifyCallError(op, err)
	}
	body := readBody(resp)

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, &RejectedError{Op: op, StatusCode: resp.StatusCode, Detail: airtelDetail(body), Raw: body}
		}
		return nil, &TransientError{Op: op, Err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)}
	}

	var sr airtelStatusResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, &TransientError{Op: op, Err: fmt.Errorf("malformed status response: %s", body)}
	}

	code := sr.Data.Transaction.Status
	if code == "" {
		code = sr.Status.Code
	}
	detail := sr.Data.Transaction.Message
	if detail == "" {
		detail = sr.Status.Message
	}

	return &StatusResult{Status: mapAirtelStatus(code), Detail: detail, Raw: body}, nil
}

// Airtel transaction status codes: TS success, TF failure, TA ambiguous,
// TIP in progress.
func mapAirtelStatus(code string) PaymentStatus {
	switch strings.ToUpper(code) {
	case "TS", "SUCCESS":
		return StatusSucceeded
	case "TF", "FAILED", "CANCELLED":
		return StatusFailed
	default:
		return StatusPending
	}
}

func airtelDetail(body []byte) string {
	var e struct {
		Status struct {
			Message string `json:"message"`
		} `json:"status"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Status.Message != "" {
		return e.Status.Message
	}
	return string(body)
}
