package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/katale-store/payments/internal/logging"
)

// MTNConfig holds the MoMo collection API credentials. TargetEnv is
// "sandbox" or "mtnuganda".
type MTNConfig struct {
	BaseURL         string
	SubscriptionKey string
	APIUser         string
	APIKey          string
	TargetEnv       string
	CallbackURL     string
	Timeout         time.Duration
	TokenTTLMargin  time.Duration
}

// MTNClient drives the MTN MoMo collection API. Request-to-pay is
// asynchronous on MTN's side: a 202 means the customer got a prompt, the
// outcome arrives later by webhook or status poll.
type MTNClient struct {
	cfg        MTNConfig
	httpClient *http.Client
	tokens     *tokenSource
}

func NewMTNClient(cfg MTNConfig) *MTNClient {
	c := &MTNClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
	c.tokens = newTokenSource(c.fetchToken, cfg.TokenTTLMargin)
	return c
}

type mtnTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (c *MTNClient) fetchToken(ctx context.Context) (string, time.Duration, error) {
	const op = "mtn.fetchToken"
	log := logging.FromContext(ctx)

	url := c.cfg.BaseURL + "/collection/token/"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", 0, &TransientError{Op: op, Err: err}
	}
	basic := base64.StdEncoding.EncodeToString([]byte(c.cfg.APIUser + ":" + c.cfg.APIKey))
	req.Header.Set("Authorization", "Basic "+basic)
	req.Header.Set("Ocp-Apim-Subscription-Key", c.cfg.SubscriptionKey)

	log.Info("requesting mtn momo access token")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, &TransientError{Op: op, Err: err}
	}
	body := readBody(resp)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", 0, &TransientError{Op: op, Err: fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, body)}
	}

	var tr mtnTokenResponse
	if err := json.Unmarshal(body, &tr); err != nil || tr.AccessToken == "" {
		return "", 0, &TransientError{Op: op, Err: fmt.Errorf("malformed token response: %s", body)}
	}

	ttl := time.Duration(tr.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	return tr.AccessToken, ttl, nil
}

type mtnRequestToPay struct {
	Amount       string   `json:"amount"`
	Currency     string   `json:"currency"`
	ExternalID   string   `json:"externalId"`
	Payer        mtnPayer `json:"payer"`
	PayerMessage string   `json:"payerMessage"`
	PayeeNote    string   `json:"payeeNote"`
}

type mtnPayer struct {
	PartyIDType string `json:"partyIdType"`
	PartyID     string `json:"partyId"`
}

func (c *MTNClient) Initiate(ctx context.Context, ir InitiateRequest) (*InitiateResult, error) {
	const op = "mtn.Initiate"
	log := logging.FromContext(ctx)

	payload := mtnRequestToPay{
		Amount:       strconv.FormatInt(ir.Amount, 10),
		Currency:     ir.Currency,
		ExternalID:   ir.OrderRef,
		Payer:        mtnPayer{PartyIDType: "MSISDN", PartyID: ir.PayerPhone},
		PayerMessage: ir.PayerMessage,
		PayeeNote:    "Thank you for shopping with us",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &TransientError{Op: op, Err: err}
	}

	url := c.cfg.BaseURL + "/collection/v1_0/requesttopay"

	start := time.Now()
	resp, err := authedDo(ctx, c.httpClient, c.tokens, func(token string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		c.setCommonHeaders(req, token)
		req.Header.Set("X-Reference-Id", ir.ProviderRef)
		if c.cfg.CallbackURL != "" {
			req.Header.Set("X-Callback-Url", c.cfg.CallbackURL)
		}
		return req, nil
	})
	if err != nil {
		return nil, classifyCallError(op, err)
	}
	respBody := readBody(resp)

	log.Info("mtn request-to-pay response",
		"status", resp.StatusCode,
		"provider_ref", ir.ProviderRef,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	switch {
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		return &InitiateResult{Status: StatusPending, Raw: respBody}, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, &RejectedError{Op: op, StatusCode: resp.StatusCode, Detail: mtnRejectDetail(respBody), Raw: respBody}
	default:
		return nil, &TransientError{Op: op, Err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, respBody)}
	}
}

type mtnStatusResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (c *MTNClient) QueryStatus(ctx context.Context, providerRef string) (*StatusResult, error) {
	const op = "mtn.QueryStatus"

	url := c.cfg.BaseURL + "/collection/v1_0/requesttopay/" + providerRef

	resp, err := authedDo(ctx, c.httpClient, c.tokens, func(token string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		c.setCommonHeaders(req, token)
		return req, nil
	})
	if err != nil {
		return nil, classifyCallError(op, err)
	}
	body := readBody(resp)

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, &RejectedError{Op: op, StatusCode: resp.StatusCode, Detail: mtnRejectDetail(body), Raw: body}
		}
		return nil, &TransientError{Op: op, Err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)}
	}

	var sr mtnStatusResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, &TransientError{Op: op, Err: fmt.Errorf("malformed status response: %s", body)}
	}

	return &StatusResult{Status: mapMTNStatus(sr.Status), Detail: sr.Reason, Raw: body}, nil
}

func (c *MTNClient) setCommonHeaders(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Ocp-Apim-Subscription-Key", c.cfg.SubscriptionKey)
	req.Header.Set("X-Target-Environment", c.cfg.TargetEnv)
	req.Header.Set("Content-Type", "application/json")
}

func mapMTNStatus(status string) PaymentStatus {
	switch strings.ToUpper(status) {
	case "SUCCESSFUL":
		return StatusSucceeded
	case "FAILED", "REJECTED", "TIMEOUT":
		return StatusFailed
	default:
		return StatusPending
	}
}

func mtnRejectDetail(body []byte) string {
	var e struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Message != "" {
		return e.Message
	}
	return string(body)
}

// classifyCallError wraps failures from authedDo that are not already
// classified: token fetch errors pass through, transport errors become
// transient.
func classifyCallError(op string, err error) error {
	if IsTransient(err) || IsRejected(err) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}
