package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/juju/loggo"
)

var backendLogger = loggo.GetLogger("backend")

const (
	backendDefaultTimeout = 5 * time.Second
	balanceFetchAttempts  = 3
	balanceFetchBackoff   = 500 * time.Millisecond
)

// Backend is the HTTP collaborator holding RFID-backed account balances.
// Modeled as an interface so the coordinator can be driven by a fake in
// tests rather than a real HTTP round trip.
type Backend interface {
	GetBalance(ctx context.Context, uid string) (int64, error)
	MakePurchase(ctx context.Context, uid string, amount, product int) (transactionID int64, err error)
	MakeCashPurchase(ctx context.Context, amount, product int) error
	ConfirmPurchase(ctx context.Context, transactionID int64) error
	RollbackPurchase(ctx context.Context, transactionID int64) error
}

// HTTPBackend implements Backend against the backend's JSON endpoints.
type HTTPBackend struct {
	baseURL   string
	apiKey    string
	machineID string
	client    *http.Client
}

func NewHTTPBackend(baseURL, apiKey, machineID string) *HTTPBackend {
	return &HTTPBackend{
		baseURL:   baseURL,
		apiKey:    apiKey,
		machineID: machineID,
		client:    &http.Client{Timeout: backendDefaultTimeout},
	}
}

// SetBaseURL is called by the mDNS resolver once startup resolution
// completes or falls back.
func (b *HTTPBackend) SetBaseURL(url string) {
	b.baseURL = url
}

func (b *HTTPBackend) doJSON(ctx context.Context, path string, body interface{}, out interface{}) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", b.apiKey)

	backendLogger.Debugf("-> %v %v", path, buf.String())
	resp, err := b.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	backendLogger.Debugf("<- %v %v", path, resp.StatusCode)
	return resp.StatusCode, nil
}

// GetBalance calls POST /getBalance. It does not itself retry; the retry
// backoff is the coordinator's responsibility so that it can be exercised
// (and aborted via context) independently of the HTTP client.
func (b *HTTPBackend) GetBalance(ctx context.Context, uid string) (int64, error) {
	var out struct {
		Balance int64 `json:"balance"`
	}
	status, err := b.doJSON(ctx, "/getBalance", map[string]string{"uid": uid}, &out)
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("backend: getBalance status %d", status)
	}
	return out.Balance, nil
}

func (b *HTTPBackend) MakePurchase(ctx context.Context, uid string, amount, product int) (int64, error) {
	var out struct {
		TransactionID int64 `json:"transaction_id"`
	}
	body := map[string]interface{}{
		"uid":        uid,
		"amount":     amount,
		"product":    product,
		"machine_id": b.machineID,
	}
	status, err := b.doJSON(ctx, "/makePurchase", body, &out)
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("backend: makePurchase status %d", status)
	}
	return out.TransactionID, nil
}

func (b *HTTPBackend) MakeCashPurchase(ctx context.Context, amount, product int) error {
	body := map[string]interface{}{
		"amount":     amount,
		"product":    product,
		"machine_id": b.machineID,
	}
	status, err := b.doJSON(ctx, "/makeCashPurchase", body, nil)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return fmt.Errorf("backend: makeCashPurchase status %d", status)
	}
	return nil
}

func (b *HTTPBackend) ConfirmPurchase(ctx context.Context, transactionID int64) error {
	status, err := b.doJSON(ctx, "/confirmPurchase", map[string]int64{"transaction_id": transactionID}, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("backend: confirmPurchase status %d", status)
	}
	return nil
}

// RollbackPurchase is a best-effort call to an endpoint the documented
// API does not guarantee. A 404 means the deployment doesn't have it; the
// caller logs and continues rather than treating it as a hard failure.
func (b *HTTPBackend) RollbackPurchase(ctx context.Context, transactionID int64) error {
	status, err := b.doJSON(ctx, "/voidPurchase", map[string]int64{"transaction_id": transactionID}, nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return errRollbackUnsupported
	}
	if status != http.StatusOK {
		return fmt.Errorf("backend: voidPurchase status %d", status)
	}
	return nil
}

var errRollbackUnsupported = fmt.Errorf("backend: rollback endpoint not present on this deployment")
