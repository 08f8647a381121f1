package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/katale-store/payments/internal/logging"
)

// Simulates just enough of the MTN MoMo and Airtel Money sandboxes to
// exercise the orchestrator locally: token endpoints, collection
// requests, status queries that flip from pending to successful after a
// short delay, and optional signed success callbacks once settled.
type store struct {
	mu       sync.Mutex
	started  map[string]time.Time
	settleIn time.Duration

	callbacks *callbackSender
}

func (s *store) begin(ref, provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.started[ref]; ok {
		return
	}
	s.started[ref] = time.Now()
	if s.callbacks != nil {
		time.AfterFunc(s.settleIn, func() { s.callbacks.send(provider, ref) })
	}
}

func (s *store) settled(ref string) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.started[ref]
	if !ok {
		return false, false
	}
	return time.Since(at) >= s.settleIn, true
}

// callbackSender delivers HMAC-signed success callbacks to the payment
// service, mimicking the providers' webhook channel.
type callbackSender struct {
	mtnURL    string
	airtelURL string
	secrets   map[string]string
	client    *http.Client
}

func (c *callbackSender) send(provider, ref string) {
	var url string
	var body []byte
	switch provider {
	case "mtn":
		url = c.mtnURL
		body, _ = json.Marshal(map[string]string{"referenceId": ref, "status": "SUCCESSFUL"})
	case "airtel":
		url = c.airtelURL
		body, _ = json.Marshal(map[string]any{
			"transaction": map[string]string{"id": ref, "status_code": "TS", "message": "transaction successful"},
		})
	}
	if url == "" {
		return
	}

	mac := hmac.New(sha256.New, []byte(c.secrets[provider]))
	mac.Write(body)

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		slog.Error("failed to build callback", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", hex.EncodeToString(mac.Sum(nil)))

	resp, err := c.client.Do(req)
	if err != nil {
		slog.Error("callback delivery failed", "provider", provider, "reference", ref, "error", err)
		return
	}
	resp.Body.Close()
	slog.Info("callback delivered", "provider", provider, "reference", ref, "status", resp.StatusCode)
}

func newCallbackSender() *callbackSender {
	mtnURL := os.Getenv("MOCK_CALLBACK_URL_MTN")
	airtelURL := os.Getenv("MOCK_CALLBACK_URL_AIRTEL")
	if mtnURL == "" && airtelURL == "" {
		return nil
	}
	return &callbackSender{
		mtnURL:    mtnURL,
		airtelURL: airtelURL,
		secrets: map[string]string{
			"mtn":    os.Getenv("MTN_MOMO_WEBHOOK_SECRET"),
			"airtel": os.Getenv("AIRTEL_MONEY_WEBHOOK_SECRET"),
		},
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func main() {
	logging.Init("mock-provider", "info", os.Getenv("APP_ENV"))

	settleIn := 10 * time.Second
	if raw := os.Getenv("MOCK_SETTLE_IN"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			settleIn = d
		}
	}
	payments := &store{
		started:   map[string]time.Time{},
		settleIn:  settleIn,
		callbacks: newCallbackSender(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// MTN MoMo collection surface.
	mux.HandleFunc("POST /collection/token/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": "mock-mtn-token",
			"token_type":   "access_token",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("POST /collection/v1_0/requesttopay", func(w http.ResponseWriter, r *http.Request) {
		ref := r.Header.Get("X-Reference-Id")
		if ref == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "X-Reference-Id required"})
			return
		}
		payments.begin(ref, "mtn")
		slog.Info("mtn request to pay accepted", "reference", ref)
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /collection/v1_0/requesttopay/{ref}", func(w http.ResponseWriter, r *http.Request) {
		ref := r.PathValue("ref")
		done, known := payments.settled(ref)
		if !known {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "payment not found"})
			return
		}
		status := "PENDING"
		if done {
			status = "SUCCESSFUL"
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"externalId": ref,
			"status":     status,
			"currency":   "UGX",
		})
	})

	// Airtel Money surface.
	mux.HandleFunc("POST /auth/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": "mock-airtel-token",
			"token_type":   "bearer",
			"expires_in":   "3600",
		})
	})
	mux.HandleFunc("POST /merchant/v1/payments/", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Transaction struct {
				ID string `json:"id"`
			} `json:"transaction"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Transaction.ID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "transaction.id required"})
			return
		}
		payments.begin(body.Transaction.ID, "airtel")
		slog.Info("airtel collection accepted", "reference", body.Transaction.ID)
		writeJSON(w, http.StatusOK, map[string]any{
			"status": map[string]any{"code": "200", "success": true},
		})
	})
	mux.HandleFunc("GET /merchant/v1/payments/{ref}", func(w http.ResponseWriter, r *http.Request) {
		ref := r.PathValue("ref")
		done, known := payments.settled(ref)
		if !known {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "payment not found"})
			return
		}
		code := "TIP"
		message := "transaction in progress"
		if done {
			code = "TS"
			message = "transaction successful"
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"data": map[string]any{
				"transaction": map[string]any{
					"id":      ref,
					"status":  code,
					"message": message,
				},
			},
		})
	})

	addr := ":8081"
	if port := os.Getenv("MOCK_PORT"); port != "" {
		addr = ":" + port
	}

	slog.Info("mock provider started", "addr", addr, "settle_in", settleIn)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}
