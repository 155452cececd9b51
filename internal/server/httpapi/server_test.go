package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"pirateradio/internal/server/auth"
	"pirateradio/internal/server/metrics"
	"pirateradio/internal/server/registry"
)

type fakeClock struct{ now int64 }

func (c fakeClock) NowMs() int64 { return c.now }

func newTestServer(t *testing.T) (*httptest.Server, *auth.Store) {
	t.Helper()
	reg := registry.New(fakeClock{now: 1_000}, nil)
	authStore := auth.New()
	api := New(reg, authStore, metrics.New())
	ts := httptest.NewServer(api.Echo())
	t.Cleanup(ts.Close)
	return ts, authStore
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func TestAuthCreateJoinFlow(t *testing.T) {
	ts, _ := newTestServer(t)

	authResp := doJSON(t, http.MethodPost, ts.URL+"/auth", "", map[string]string{"spotifyUserId": "dj1", "displayName": "DJ One"})
	defer authResp.Body.Close()
	if authResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /auth, got %d", authResp.StatusCode)
	}
	var auth1 authResponse
	if err := json.NewDecoder(authResp.Body).Decode(&auth1); err != nil {
		t.Fatalf("decode auth: %v", err)
	}
	if auth1.Token == "" {
		t.Fatal("expected non-empty token")
	}

	createResp := doJSON(t, http.MethodPost, ts.URL+"/sessions", auth1.Token, nil)
	defer createResp.Body.Close()
	if createResp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 from /sessions, got %d", createResp.StatusCode)
	}
	var created createSessionResponse
	if err := json.NewDecoder(createResp.Body).Decode(&created); err != nil {
		t.Fatalf("decode create: %v", err)
	}
	if created.DJUserID != "dj1" || created.CreatorID != "dj1" || created.JoinCode == "" {
		t.Fatalf("unexpected create payload: %#v", created)
	}

	listenerAuthResp := doJSON(t, http.MethodPost, ts.URL+"/auth", "", map[string]string{"spotifyUserId": "listener1", "displayName": "Listener One"})
	defer listenerAuthResp.Body.Close()
	var auth2 authResponse
	json.NewDecoder(listenerAuthResp.Body).Decode(&auth2)

	joinResp := doJSON(t, http.MethodPost, ts.URL+"/sessions/join", auth2.Token, map[string]string{"code": created.JoinCode})
	defer joinResp.Body.Close()
	if joinResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /sessions/join, got %d", joinResp.StatusCode)
	}
	var joined joinSessionResponse
	if err := json.NewDecoder(joinResp.Body).Decode(&joined); err != nil {
		t.Fatalf("decode join: %v", err)
	}
	if joined.ID != created.ID || joined.DJUserID != "dj1" || joined.MemberCount != 2 {
		t.Fatalf("unexpected join payload: %#v", joined)
	}
}

func TestJoinWithBadCodeReturns404(t *testing.T) {
	ts, authStore := newTestServer(t)
	token := authStore.Issue("u1", "U")

	resp := doJSON(t, http.MethodPost, ts.URL+"/sessions/join", token, map[string]string{"code": "0000"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestCreateSessionRequiresAuth(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doJSON(t, http.MethodPost, ts.URL+"/sessions", "", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestHealthzReportsSessionCount(t *testing.T) {
	ts, authStore := newTestServer(t)
	token := authStore.Issue("dj1", "DJ")
	doJSON(t, http.MethodPost, ts.URL+"/sessions", token, nil).Body.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	var h healthzResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if h.Status != "ok" || h.Sessions != 1 {
		t.Fatalf("unexpected healthz payload: %#v", h)
	}
}

func TestMetricsEndpointExposesPrometheusFormat(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", resp.StatusCode)
	}
}
