package dashboard

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nce-iot/sim-platform/internal/app/services/sims"
	"github.com/nce-iot/sim-platform/internal/middleware"
	"github.com/nce-iot/sim-platform/internal/nce"
)

type fakeAuth struct {
	hasCreds  bool
	verifyErr error
	installed [2]string
}

func (f *fakeAuth) HasCredentials() bool { return f.hasCreds }

func (f *fakeAuth) VerifyCredentials(_ context.Context, username, password string) (nce.TokenInfo, error) {
	if f.verifyErr != nil {
		return nce.TokenInfo{}, f.verifyErr
	}
	return nce.TokenInfo{OrganizationID: "42"}, nil
}

func (f *fakeAuth) SetCredentials(username, password string) {
	f.installed = [2]string{username, password}
	f.hasCreds = true
}

type fakeSimClient struct{}

func (fakeSimClient) Token(context.Context) (string, error) { return "tok", nil }
func (fakeSimClient) TokenInfo(context.Context) (nce.TokenInfo, error) {
	return nce.TokenInfo{}, nil
}
func (fakeSimClient) HasCredentials() bool   { return true }
func (fakeSimClient) OrganizationID() string { return "42" }
func (fakeSimClient) ListSims(context.Context, int, int) (nce.SimPage, error) {
	return nce.SimPage{Items: []nce.Sim{{ICCID: "89882390001", Status: nce.StatusEnabled}}, TotalItems: 1}, nil
}
func (fakeSimClient) ListAllSims(context.Context) ([]nce.Sim, error) {
	return []nce.Sim{{ICCID: "89882390001", Status: nce.StatusEnabled}}, nil
}
func (fakeSimClient) GetSim(_ context.Context, iccid string) (nce.Sim, error) {
	return nce.Sim{ICCID: iccid, Status: nce.StatusEnabled}, nil
}
func (fakeSimClient) GetQuota(context.Context, string) (nce.Quota, error) {
	return nce.Quota{Volume: 50, TotalVolume: 100}, nil
}
func (fakeSimClient) GetUsage(context.Context, string, string, string) ([]nce.UsageRecord, error) {
	return []nce.UsageRecord{{Date: "2026-08-24", Volume: 1.5}}, nil
}
func (fakeSimClient) ListSMS(context.Context, string, int, int) ([]nce.SMSRecord, error) {
	return nil, nil
}
func (fakeSimClient) ListEvents(context.Context, string, int, int) (nce.EventPage, error) {
	return nce.EventPage{
		Items: []nce.Event{{
			Timestamp:   "2026-08-24T10:00:00Z",
			EventType:   "attach",
			Description: "network attach",
			Network:     "Telekom",
			Country:     "Germany",
		}},
		TotalItems: 1,
	}, nil
}

func newTestDashboard(t *testing.T, auth *fakeAuth) (http.Handler, *middleware.SessionManager) {
	t.Helper()
	sessions := middleware.NewSessionManager("test-secret", nil)
	svc := sims.NewService(fakeSimClient{}, nil, nil)
	handler, err := NewHandler(Options{Sims: svc, Auth: auth, Sessions: sessions})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return handler, sessions
}

func TestLoginPageRenders(t *testing.T) {
	handler, _ := newTestDashboard(t, &fakeAuth{})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/login", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Sign in") {
		t.Fatalf("expected login form, got %q", rec.Body.String())
	}
}

func TestLoginSuccessSetsCookieAndInstallsCredentials(t *testing.T) {
	auth := &fakeAuth{hasCreds: false}
	handler, _ := newTestDashboard(t, auth)

	form := strings.NewReader("username=alice&password=secret")
	req := httptest.NewRequest(http.MethodPost, "/login", form)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected redirect, got %d: %s", rec.Code, rec.Body.String())
	}
	cookie := rec.Header().Get("Set-Cookie")
	if !strings.Contains(cookie, middleware.SessionCookie+"=") {
		t.Fatalf("expected session cookie, got %q", cookie)
	}
	if auth.installed != [2]string{"alice", "secret"} {
		t.Fatalf("expected credentials installed, got %v", auth.installed)
	}
}

func TestLoginDoesNotOverrideConfiguredCredentials(t *testing.T) {
	auth := &fakeAuth{hasCreds: true}
	handler, _ := newTestDashboard(t, auth)

	form := strings.NewReader("username=bob&password=other")
	req := httptest.NewRequest(http.MethodPost, "/login", form)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected redirect, got %d", rec.Code)
	}
	if auth.installed != [2]string{} {
		t.Fatalf("env credentials must not be replaced, got %v", auth.installed)
	}
}

func TestLoginFailureShowsError(t *testing.T) {
	auth := &fakeAuth{verifyErr: errors.New("401")}
	handler, _ := newTestDashboard(t, auth)

	form := strings.NewReader("username=alice&password=wrong")
	req := httptest.NewRequest(http.MethodPost, "/login", form)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected re-rendered login, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "login failed") {
		t.Fatalf("expected error message, got %q", rec.Body.String())
	}
}

func TestProtectedPagesRedirectWithoutSession(t *testing.T) {
	handler, _ := newTestDashboard(t, &fakeAuth{})

	for _, path := range []string{"/", "/sims", "/sims/89882390001", "/export/sims.csv"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusSeeOther {
			t.Fatalf("%s: expected redirect to login, got %d", path, rec.Code)
		}
	}
}

func TestOverviewWithSession(t *testing.T) {
	handler, sessions := newTestDashboard(t, &fakeAuth{hasCreds: true})
	token, err := sessions.Issue("alice", "42")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookie, Value: token})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "SIM status") || !strings.Contains(body, "Enabled") {
		t.Fatalf("expected summary rendered, got %q", body)
	}
}

func TestSimListAndDetailWithSession(t *testing.T) {
	handler, sessions := newTestDashboard(t, &fakeAuth{hasCreds: true})
	token, _ := sessions.Issue("alice", "42")

	req := httptest.NewRequest(http.MethodGet, "/sims", nil)
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookie, Value: token})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "89882390001") {
		t.Fatalf("sim list: code=%d body=%q", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/sims/89882390001", nil)
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookie, Value: token})
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Data quota") {
		t.Fatalf("sim detail: code=%d", rec.Code)
	}
}

func TestCSVExport(t *testing.T) {
	handler, sessions := newTestDashboard(t, &fakeAuth{hasCreds: true})
	token, _ := sessions.Issue("alice", "42")

	req := httptest.NewRequest(http.MethodGet, "/export/sims.csv", nil)
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookie, Value: token})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/csv") {
		t.Fatalf("expected CSV content type, got %q", got)
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "iccid,") {
		t.Fatalf("unexpected CSV: %q", rec.Body.String())
	}
}

func TestEventsCSVExport(t *testing.T) {
	handler, sessions := newTestDashboard(t, &fakeAuth{hasCreds: true})
	token, _ := sessions.Issue("alice", "42")

	req := httptest.NewRequest(http.MethodGet, "/export/events/89882390001.csv", nil)
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookie, Value: token})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/csv") {
		t.Fatalf("expected CSV content type, got %q", got)
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "timestamp,") {
		t.Fatalf("unexpected CSV: %q", rec.Body.String())
	}
	if !strings.Contains(lines[1], "attach") || !strings.Contains(lines[1], "Germany") {
		t.Fatalf("expected event row, got %q", lines[1])
	}
}

func TestUsageExportRejectsBadDates(t *testing.T) {
	handler, sessions := newTestDashboard(t, &fakeAuth{hasCreds: true})
	token, _ := sessions.Issue("alice", "42")

	req := httptest.NewRequest(http.MethodGet, "/export/usage/89882390001.csv?start_date=24-08-2026", nil)
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookie, Value: token})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed date, got %d", rec.Code)
	}
}

func TestLogoutClearsSession(t *testing.T) {
	handler, _ := newTestDashboard(t, &fakeAuth{})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/logout", nil))

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected redirect, got %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Set-Cookie"), "Max-Age=0") {
		t.Fatalf("expected cookie cleared, got %q", rec.Header().Get("Set-Cookie"))
	}
}
