package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vtorres/leadline/internal/config"
	"github.com/vtorres/leadline/internal/retry"
)

// fakeCRM is an in-memory CRM HTTP server keyed by the natural key.
type fakeCRM struct {
	mu      map[string]map[string]string // externalID -> payload
	nextID  int
	creates int
	updates int
}

func newFakeCRM() *fakeCRM {
	return &fakeCRM{mu: make(map[string]map[string]string), nextID: 1}
}

func (f *fakeCRM) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			phone := r.URL.Query().Get("phone")
			type item struct {
				ID string `json:"id"`
			}
			var items []item
			for id, p := range f.mu {
				if p["phone"] == phone {
					items = append(items, item{ID: id})
				}
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"items": items})
		case r.Method == http.MethodPost:
			var payload map[string]string
			json.NewDecoder(r.Body).Decode(&payload)
			id := fmt.Sprintf("ext-%d", f.nextID)
			f.nextID++
			f.creates++
			f.mu[id] = payload
			json.NewEncoder(w).Encode(map[string]string{"id": id})
		case r.Method == http.MethodPut:
			parts := strings.Split(r.URL.Path, "/")
			id := parts[len(parts)-1]
			var payload map[string]string
			json.NewDecoder(r.Body).Decode(&payload)
			f.updates++
			f.mu[id] = payload
			json.NewEncoder(w).Encode(map[string]string{"id": id})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(ClientOpts{
		Config:     config.CRMConfig{BaseURL: baseURL, TokenURL: baseURL + "/token", ClientID: "id"},
		HTTPClient: http.DefaultClient,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestCreateOrUpdate_CreatesWhenAbsent(t *testing.T) {
	fake := newFakeCRM()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	id, err := c.CreateOrUpdate(context.Background(), "lead", map[string]string{
		"phone": "5511987654321", "name": "Maria",
	})
	if err != nil {
		t.Fatalf("CreateOrUpdate: %v", err)
	}
	if id == "" {
		t.Fatal("expected external id")
	}
	if fake.creates != 1 || fake.updates != 0 {
		t.Errorf("creates=%d updates=%d, want 1/0", fake.creates, fake.updates)
	}
}

func TestCreateOrUpdate_IdempotentReplay(t *testing.T) {
	fake := newFakeCRM()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	payload := map[string]string{"phone": "5511987654321", "name": "Maria"}

	first, err := c.CreateOrUpdate(context.Background(), "lead", payload)
	if err != nil {
		t.Fatalf("first CreateOrUpdate: %v", err)
	}
	// Replay (e.g. by the reconciler): must update, never duplicate.
	second, err := c.CreateOrUpdate(context.Background(), "lead", payload)
	if err != nil {
		t.Fatalf("second CreateOrUpdate: %v", err)
	}

	if first != second {
		t.Errorf("replay produced a different entity: %q vs %q", first, second)
	}
	if fake.creates != 1 {
		t.Errorf("creates = %d, want 1", fake.creates)
	}
	if fake.updates != 1 {
		t.Errorf("updates = %d, want 1", fake.updates)
	}
}

func TestCreateOrUpdate_MissingNaturalKey(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1")
	_, err := c.CreateOrUpdate(context.Background(), "lead", map[string]string{"name": "Maria"})
	if err == nil {
		t.Fatal("expected error for missing natural key")
	}
	if !retry.IsPermanent(err) {
		t.Errorf("missing natural key should be permanent, got %v", err)
	}
}

func TestClassify_ServerErrorRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.CreateOrUpdate(context.Background(), "lead", map[string]string{"phone": "5511900000000"})
	if err == nil {
		t.Fatal("expected error")
	}
	if retry.IsPermanent(err) {
		t.Errorf("503 must be retryable, got permanent: %v", err)
	}
}

func TestClassify_ClientErrorPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.CreateOrUpdate(context.Background(), "lead", map[string]string{"phone": "5511900000000"})
	if !retry.IsPermanent(err) {
		t.Errorf("422 must be permanent, got %v", err)
	}
}

func TestClassify_RateLimitCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.CreateOrUpdate(context.Background(), "lead", map[string]string{"phone": "5511900000000"})

	var rle *retry.RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("err = %v, want RateLimitError", err)
	}
	if rle.RetryAfter != 12*time.Second {
		t.Errorf("RetryAfter = %v, want 12s", rle.RetryAfter)
	}
}

func TestClassify_TransportErrorRetryable(t *testing.T) {
	// Nothing listens on port 1.
	c := newTestClient(t, "http://127.0.0.1:1")
	_, err := c.CreateOrUpdate(context.Background(), "lead", map[string]string{"phone": "5511900000000"})
	if err == nil {
		t.Fatal("expected transport error")
	}
	if retry.IsPermanent(err) {
		t.Errorf("connection failure must be retryable, got permanent: %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"30", 30 * time.Second},
		{"soon", 0},
		{"-5", 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.in); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	if _, err := NewClient(ClientOpts{}); err == nil {
		t.Fatal("expected error for missing base_url")
	}
}
