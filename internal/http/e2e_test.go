package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"waveminer/internal/config"
	"waveminer/internal/domain"
	"waveminer/internal/events"
	journalmem "waveminer/internal/journal/memory"
	"waveminer/internal/runtime"
	"waveminer/internal/service/mining"
	"waveminer/internal/service/spatial"
	"waveminer/internal/service/transit"
	storemem "waveminer/internal/store/memory"
)

func startAPI(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Config{
		AdminUsername: "admin",
		AdminPassword: "hunter2",
		JWTSecret:     "test-secret",
		AdminTokenTTL: time.Hour,
	}

	store := storemem.NewStore(nil, "local-miner")
	store.SetTransitTime(30 * time.Millisecond)
	store.AddSource(domain.ResourceSource{
		SourceID:       1,
		Position:       domain.Vec3{X: 10},
		TotalRemaining: 20,
		Composition:    []domain.FrequencyCount{{Frequency: 0, Count: 20}},
	})

	bus := events.NewBus()
	index := spatial.NewIndex(nil)
	query := spatial.NewQuery(index, 30)
	inv := domain.NewInventory(100)
	tracker := transit.NewTracker(nil, bus, store, index, 8)
	ctrl := mining.NewController(nil, bus, store, query, inv, tracker, "local-miner", mining.Config{
		ExtractionInterval: 50 * time.Millisecond,
		RetargetThreshold:  3,
		RetargetDelay:      20 * time.Millisecond,
	})
	tracker.SetCaptureSink(ctrl)
	jour := journalmem.NewJournal(256)
	loop := runtime.NewLoop(nil, store, ctrl, tracker, index, jour, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		store.Close()
		<-done
	})

	srv := httptest.NewServer(NewServer(cfg, loop, inv, jour).Router())
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, map[string]any) {
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
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func login(t *testing.T, base string) string {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, base+"/admin/login", "", map[string]string{
		"username": "admin",
		"password": "hunter2",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status %d: %v", resp.StatusCode, body)
	}
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatal("login returned no token")
	}
	return token
}

func TestProtectedEndpointsRequireToken(t *testing.T) {
	srv := startAPI(t)
	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/status", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/status", "not-a-jwt", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", resp.StatusCode)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	srv := startAPI(t)
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/admin/login", "", map[string]string{
		"username": "admin",
		"password": "wrong",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestMiningLifecycleOverAPI(t *testing.T) {
	srv := startAPI(t)
	token := login(t, srv.URL)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/mining/start", token, map[string]any{"source_id": 1})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mining start status %d: %v", resp.StatusCode, body)
	}

	waitForIntent(t, srv.URL, token, "active")

	// Wait until at least one unit has been captured into the inventory.
	deadline := time.Now().Add(3 * time.Second)
	for {
		_, invBody := doJSON(t, http.MethodGet, srv.URL+"/inventory", token, nil)
		if total, _ := invBody["total"].(float64); total > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no units captured in time")
		}
		time.Sleep(20 * time.Millisecond)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/mining/stop", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mining stop status %d", resp.StatusCode)
	}
	waitForIntent(t, srv.URL, token, "idle")

	_, eventsBody := doJSON(t, http.MethodGet, srv.URL+"/events?limit=50", token, nil)
	if count, _ := eventsBody["count"].(float64); count == 0 {
		t.Fatal("journal recorded no events")
	}
}

func TestMiningStartUnknownSource(t *testing.T) {
	srv := startAPI(t)
	token := login(t, srv.URL)
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/mining/start", token, map[string]any{"source_id": 404})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for unknown source, got %d", resp.StatusCode)
	}
}

func TestPositionUpdate(t *testing.T) {
	srv := startAPI(t)
	token := login(t, srv.URL)
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/position", token, domain.Vec3{X: 5, Y: 1, Z: 2})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("position status %d", resp.StatusCode)
	}
	_, body := doJSON(t, http.MethodGet, srv.URL+"/status", token, nil)
	pos, _ := body["position"].(map[string]any)
	x, _ := pos["x"].(float64)
	if x != 5 {
		t.Fatalf("status did not reflect position: %v", body)
	}
}

func waitForIntent(t *testing.T, base, token, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_, body := doJSON(t, http.MethodGet, base+"/status", token, nil)
		ctrlStatus, _ := body["controller"].(map[string]any)
		if ctrlStatus != nil {
			if intent, _ := ctrlStatus["intent"].(string); intent == want {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("controller never reached %s", want)
}
