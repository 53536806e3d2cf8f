package news

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pharmasentinel/internal/config"
	"pharmasentinel/internal/domain"
)

func TestSearchParsesArticles(t *testing.T) {
	t.Parallel()

	var gotPath, gotQuery, gotKey, gotFrom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("q")
		gotKey = r.Header.Get("X-Api-Key")
		gotFrom = r.URL.Query().Get("from")
		w.Write([]byte(`{"status":"ok","articles":[
			{"title":"Propofol plant halts production","description":"Major disruption","url":"https://example.com/a","publishedAt":"2026-08-28T10:00:00Z","source":{"name":"Reuters"}},
			{"title":"No link article","description":"skipped","url":""}
		]}`))
	}))
	t.Cleanup(srv.Close)

	client := NewClient(config.NewsConfig{BaseURL: srv.URL, APIKey: "news-key", PageSize: 5}, nil, nil)
	articles, err := client.Search(context.Background(), "Propofol shortage", 7)
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	if gotPath != "/everything" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
	if gotQuery != "Propofol shortage" {
		t.Fatalf("unexpected query: %s", gotQuery)
	}
	if gotKey != "news-key" {
		t.Fatalf("unexpected api key header: %s", gotKey)
	}
	if from, err := time.Parse(time.RFC3339, gotFrom); err != nil || time.Since(from) < 6*24*time.Hour {
		t.Fatalf("expected from parameter about 7 days back, got %s (%v)", gotFrom, err)
	}

	if len(articles) != 1 {
		t.Fatalf("expected url-less articles dropped, got %d", len(articles))
	}
	a := articles[0]
	if a.Headline != "Propofol plant halts production" || a.Source != "Reuters" {
		t.Fatalf("unexpected article: %+v", a)
	}
	if a.PublishedAt.IsZero() {
		t.Fatal("expected published date parsed")
	}
}

func TestSearchWithoutKeyFails(t *testing.T) {
	t.Parallel()

	client := NewClient(config.NewsConfig{BaseURL: "https://unused"}, nil, nil)
	_, err := client.Search(context.Background(), "q", 7)
	var external *domain.ExternalCallError
	if !errors.As(err, &external) {
		t.Fatalf("expected ExternalCallError for missing key, got %v", err)
	}
}

func TestSearchFetchesBodies(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/everything", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok","articles":[
			{"title":"t","description":"d","url":"` + srv.URL + `/story","source":{"name":"s"}}
		]}`))
	})
	mux.HandleFunc("/story", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body><article><p>First paragraph.</p><p>Second paragraph.</p></article></body></html>`))
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := NewClient(config.NewsConfig{BaseURL: srv.URL, APIKey: "k", FetchBodies: true}, nil, nil)
	articles, err := client.Search(context.Background(), "q", 7)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(articles) != 1 {
		t.Fatalf("expected one article, got %d", len(articles))
	}
	if articles[0].Body != "First paragraph.\nSecond paragraph." {
		t.Fatalf("unexpected body: %q", articles[0].Body)
	}
}

func TestSearchBodyFailureLeavesBodyEmpty(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/everything", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok","articles":[
			{"title":"t","description":"d","url":"` + srv.URL + `/missing","source":{"name":"s"}}
		]}`))
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := NewClient(config.NewsConfig{BaseURL: srv.URL, APIKey: "k", FetchBodies: true}, nil, nil)
	articles, err := client.Search(context.Background(), "q", 7)
	if err != nil {
		t.Fatalf("search must not fail on body errors: %v", err)
	}
	if articles[0].Body != "" {
		t.Fatalf("expected empty body, got %q", articles[0].Body)
	}
}
