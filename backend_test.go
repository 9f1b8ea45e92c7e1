package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPBackendGetBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/getBalance" {
			t.Fatalf("unexpected path %v", r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "secret" {
			t.Fatalf("missing X-API-Key header")
		}
		var body struct{ UID string }
		json.NewDecoder(r.Body).Decode(&body)
		if body.UID != "ABCD" {
			t.Fatalf("unexpected uid %v", body.UID)
		}
		json.NewEncoder(w).Encode(map[string]int64{"balance": 500})
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, "secret", "vm-1")
	balance, err := b.GetBalance(context.Background(), "ABCD")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if balance != 500 {
		t.Fatalf("balance = %v, want 500", balance)
	}
}

func TestHTTPBackendGetBalanceNonOKIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, "secret", "vm-1")
	if _, err := b.GetBalance(context.Background(), "ABCD"); err == nil {
		t.Fatalf("expected error on non-200 status")
	}
}

func TestHTTPBackendMakePurchase(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			UID       string
			Amount    int
			Product   int
			MachineID string `json:"machine_id"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.Amount != 150 || body.Product != 3 || body.MachineID != "vm-1" {
			t.Fatalf("unexpected body %+v", body)
		}
		json.NewEncoder(w).Encode(map[string]int64{"transaction_id": 42})
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, "secret", "vm-1")
	txID, err := b.MakePurchase(context.Background(), "ABCD", 150, 3)
	if err != nil {
		t.Fatalf("MakePurchase: %v", err)
	}
	if txID != 42 {
		t.Fatalf("transaction id = %v, want 42", txID)
	}
}

func TestHTTPBackendRollbackNotFoundIsSpecialCased(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, "secret", "vm-1")
	err := b.RollbackPurchase(context.Background(), 42)
	if err != errRollbackUnsupported {
		t.Fatalf("err = %v, want errRollbackUnsupported", err)
	}
}

func TestHTTPBackendMakeCashPurchaseWantsCreated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, "secret", "vm-1")
	if err := b.MakeCashPurchase(context.Background(), 100, 1); err != nil {
		t.Fatalf("MakeCashPurchase: %v", err)
	}
}
