package nce

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, tokenURL, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		TokenURL: tokenURL,
		BaseURL:  baseURL,
		Username: "user",
		Password: "pass",
	}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

// newFakeAPI serves a token endpoint at /oauth/token and delegates everything
// else to handler.
func newFakeAPI(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var tokenGrants atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "user" || pass != "pass" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := r.ParseForm(); err != nil || r.Form.Get("grant_type") != "client_credentials" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		tokenGrants.Add(1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "tok-" + strings.Repeat("x", 30),
			"token_type":   "bearer",
			"expires_in":   3600,
			"organisation": map[string]interface{}{"id": 4242},
		})
	})
	mux.HandleFunc("/", handler)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &tokenGrants
}

func TestTokenCachedUntilExpiry(t *testing.T) {
	server, grants := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	c := newTestClient(t, server.URL+"/oauth/token", server.URL)

	first, err := c.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	second, err := c.Token(context.Background())
	if err != nil {
		t.Fatalf("Token (cached): %v", err)
	}
	if first != second {
		t.Fatalf("expected cached token, got %q then %q", first, second)
	}
	if got := grants.Load(); got != 1 {
		t.Fatalf("expected 1 token grant, got %d", got)
	}

	info, ok := c.CachedTokenInfo()
	if !ok {
		t.Fatal("expected cached token info")
	}
	if info.OrganizationID != "4242" {
		t.Fatalf("expected organisation 4242, got %q", info.OrganizationID)
	}
	if remaining := time.Until(info.ExpiresAt); remaining > 56*time.Minute || remaining < 50*time.Minute {
		t.Fatalf("expected expiry buffered below 1h, got %v remaining", remaining)
	}
}

func TestTokenWithoutCredentials(t *testing.T) {
	c, err := NewClient(Config{
		TokenURL: "https://example.test/oauth/token",
		BaseURL:  "https://example.test/v1",
	}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.HasCredentials() {
		t.Fatal("expected no credentials")
	}
	if _, err := c.Token(context.Background()); err != ErrNoCredentials {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}
}

func TestSetCredentialsDropsToken(t *testing.T) {
	server, grants := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	c := newTestClient(t, server.URL+"/oauth/token", server.URL)

	if _, err := c.Token(context.Background()); err != nil {
		t.Fatalf("Token: %v", err)
	}
	c.SetCredentials("user", "pass")
	if _, ok := c.CachedTokenInfo(); ok {
		t.Fatal("expected cached token dropped after SetCredentials")
	}
	if _, err := c.Token(context.Background()); err != nil {
		t.Fatalf("Token after SetCredentials: %v", err)
	}
	if got := grants.Load(); got != 2 {
		t.Fatalf("expected 2 token grants, got %d", got)
	}
}

func TestVerifyCredentialsDoesNotTouchCache(t *testing.T) {
	server, _ := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	c := newTestClient(t, server.URL+"/oauth/token", server.URL)

	info, err := c.VerifyCredentials(context.Background(), "user", "pass")
	if err != nil {
		t.Fatalf("VerifyCredentials: %v", err)
	}
	if info.OrganizationID != "4242" {
		t.Fatalf("expected organisation 4242, got %q", info.OrganizationID)
	}
	if _, ok := c.CachedTokenInfo(); ok {
		t.Fatal("VerifyCredentials must not populate the token cache")
	}

	if _, err := c.VerifyCredentials(context.Background(), "user", "wrong"); err == nil {
		t.Fatal("expected error for bad credentials")
	}
}

func TestListSimsPageObject(t *testing.T) {
	server, _ := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sims" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); !strings.HasPrefix(got, "Bearer tok-") {
			t.Errorf("missing bearer token, got %q", got)
		}
		if got := r.URL.Query().Get("page"); got != "2" {
			t.Errorf("expected page=2, got %q", got)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"items": []map[string]interface{}{
				{"iccid": "89882390001", "status": "Enabled"},
				{"iccid": "89882390002", "status": map[string]interface{}{"status": "Disabled"}},
			},
			"totalItems": 137,
		})
	})
	c := newTestClient(t, server.URL+"/oauth/token", server.URL)

	page, err := c.ListSims(context.Background(), 2, 50)
	if err != nil {
		t.Fatalf("ListSims: %v", err)
	}
	if page.TotalItems != 137 {
		t.Fatalf("expected totalItems 137, got %d", page.TotalItems)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(page.Items))
	}
	if page.Items[0].Status != StatusEnabled {
		t.Fatalf("expected flat status decoded, got %q", page.Items[0].Status)
	}
	if page.Items[1].Status != StatusDisabled {
		t.Fatalf("expected nested status decoded, got %q", page.Items[1].Status)
	}
}

func TestListSimsBareArray(t *testing.T) {
	server, _ := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{"iccid": "89882390001"},
		})
	})
	c := newTestClient(t, server.URL+"/oauth/token", server.URL)

	page, err := c.ListSims(context.Background(), 1, 50)
	if err != nil {
		t.Fatalf("ListSims: %v", err)
	}
	if len(page.Items) != 1 || page.TotalItems != 1 {
		t.Fatalf("expected bare array folded into a page, got %+v", page)
	}
}

func TestListAllSimsWalksPages(t *testing.T) {
	var pages atomic.Int64
	server, _ := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		pages.Add(1)
		page := r.URL.Query().Get("page")
		items := make([]map[string]interface{}, 0, inventoryPageSize)
		count := inventoryPageSize
		if page == "3" {
			count = 7
		}
		for i := 0; i < count; i++ {
			items = append(items, map[string]interface{}{"iccid": page + "-" + string(rune('a'+i%26))})
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"items": items})
	})
	c := newTestClient(t, server.URL+"/oauth/token", server.URL)

	sims, err := c.ListAllSims(context.Background())
	if err != nil {
		t.Fatalf("ListAllSims: %v", err)
	}
	if want := 2*inventoryPageSize + 7; len(sims) != want {
		t.Fatalf("expected %d sims, got %d", want, len(sims))
	}
	if got := pages.Load(); got != 3 {
		t.Fatalf("expected 3 pages fetched, got %d", got)
	}
}

func TestGetRetriesOnceAfterUnauthorized(t *testing.T) {
	var calls atomic.Int64
	server, grants := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"iccid": "89882390001", "status": "Enabled"})
	})
	c := newTestClient(t, server.URL+"/oauth/token", server.URL)

	sim, err := c.GetSim(context.Background(), "89882390001")
	if err != nil {
		t.Fatalf("GetSim: %v", err)
	}
	if sim.Status != StatusEnabled {
		t.Fatalf("expected Enabled, got %q", sim.Status)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected retry after 401, got %d calls", got)
	}
	if got := grants.Load(); got != 2 {
		t.Fatalf("expected token refresh before retry, got %d grants", got)
	}
}

func TestGetSurfacesAPIError(t *testing.T) {
	server, _ := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"sim not found"}`))
	})
	c := newTestClient(t, server.URL+"/oauth/token", server.URL)

	_, err := c.GetSim(context.Background(), "000")
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", apiErr.StatusCode)
	}
	if !strings.Contains(apiErr.Body, "sim not found") {
		t.Fatalf("expected body excerpt, got %q", apiErr.Body)
	}
}

func TestGetUsageSendsDateRange(t *testing.T) {
	server, _ := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("startDate") != "2026-07-26" || q.Get("endDate") != "2026-08-25" {
			t.Errorf("unexpected date range: %v", q)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"items": []map[string]interface{}{
				{"date": "2026-08-24", "volume": 1.5},
			},
		})
	})
	c := newTestClient(t, server.URL+"/oauth/token", server.URL)

	records, err := c.GetUsage(context.Background(), "89882390001", "2026-07-26", "2026-08-25")
	if err != nil {
		t.Fatalf("GetUsage: %v", err)
	}
	if len(records) != 1 || records[0].Volume != 1.5 {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestListEventsFoldsAlternateKeys(t *testing.T) {
	server, _ := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{"eventTime": "2026-08-25T10:00:00Z", "event_type": "attach", "message": "network attach"},
		})
	})
	c := newTestClient(t, server.URL+"/oauth/token", server.URL)

	page, err := c.ListEvents(context.Background(), "89882390001", 1, 25)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("expected 1 event, got %d", len(page.Items))
	}
	ev := page.Items[0]
	if ev.Timestamp != "2026-08-25T10:00:00Z" || ev.EventType != "attach" || ev.Description != "network attach" {
		t.Fatalf("alternate keys not folded: %+v", ev)
	}
}

func TestTokenRequestUsesBasicAuth(t *testing.T) {
	var authHeader string
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "tok", "expires_in": 3600})
	}))
	defer tokenSrv.Close()

	c := newTestClient(t, tokenSrv.URL, tokenSrv.URL)
	if _, err := c.Token(context.Background()); err != nil {
		t.Fatalf("Token: %v", err)
	}
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("user:pass"))
	if authHeader != want {
		t.Fatalf("expected basic auth header, got %q", authHeader)
	}
}
