package fda

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"pharmasentinel/internal/domain"
)

func TestQueryParsesResults(t *testing.T) {
	t.Parallel()

	var gotSearch string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSearch = r.URL.Query().Get("search")
		w.Write([]byte(`{"results":[
			{"generic_name":"HEPARIN SODIUM","status":"Current","shortage_reason":"Demand increase","update_date":"2026-08-01"},
			{"proprietary_name":"Diprivan","status":"Resolved"}
		]}`))
	}))
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, nil)
	signals, err := client.Query(context.Background(), "Heparin")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if gotSearch != `openfda.generic_name:"Heparin"` {
		t.Fatalf("unexpected search parameter: %s", gotSearch)
	}
	if len(signals) != 2 {
		t.Fatalf("expected 2 signals, got %d", len(signals))
	}
	if signals[0].GenericName != "HEPARIN SODIUM" || signals[0].Reason != "Demand increase" {
		t.Fatalf("unexpected first signal: %+v", signals[0])
	}
	// proprietary name backfills a missing generic name
	if signals[1].GenericName != "Diprivan" {
		t.Fatalf("expected proprietary fallback, got %+v", signals[1])
	}
}

func TestQueryNotFoundIsEmpty(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no matches", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, nil)
	signals, err := client.Query(context.Background(), "Oxygen")
	if err != nil {
		t.Fatalf("expected no error on 404, got %v", err)
	}
	if signals != nil {
		t.Fatalf("expected nil signals on 404, got %v", signals)
	}
}

func TestQueryServerErrorIsExternal(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, nil)
	_, err := client.Query(context.Background(), "Insulin")
	var external *domain.ExternalCallError
	if !errors.As(err, &external) {
		t.Fatalf("expected ExternalCallError, got %v", err)
	}
	if external.Collaborator != "fda" {
		t.Fatalf("unexpected collaborator: %s", external.Collaborator)
	}
}
