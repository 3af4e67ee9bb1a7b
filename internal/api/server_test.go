package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/admesh-net/admesh/internal/adnet"
	"github.com/admesh-net/admesh/internal/chain"
	"github.com/admesh-net/admesh/internal/clock"
	"github.com/admesh-net/admesh/internal/engine"
	"github.com/admesh-net/admesh/internal/guid"
	"github.com/admesh-net/admesh/internal/payment"
	"github.com/admesh-net/admesh/internal/registry"
	"github.com/admesh-net/admesh/internal/state"
	"github.com/admesh-net/admesh/internal/throttle"
)

const testAdminToken = "correct-horse-battery-staple"

type allowAll struct{}

func (allowAll) Check(context.Context, string) (bool, error) { return true, nil }

func newTestServer(t *testing.T) (*httptest.Server, *engine.Engine) {
	t.Helper()

	store, err := state.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	clk := clock.NewSynced()
	nodeID := guid.New()
	dispatcher := registry.NewDispatcher()
	manager := registry.NewManager(registry.Config{
		NodeID:   nodeID,
		Address:  "127.0.0.1",
		Provider: true,
	}, clk, dispatcher)

	payments := payment.NewEngine(payment.DefaultConfig(), store, chain.NewFakeClient(8), clk, nil)
	if err := payments.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(payments.Stop)

	reputation := throttle.NewReputationCache(allowAll{})
	t.Cleanup(reputation.Close)

	eng := engine.New(engine.Config{NodeID: nodeID, Provider: true}, clk, store, manager, dispatcher,
		payments, adnet.NewAllocator(store, payments, clk),
		throttle.NewIPThrottle(throttle.Config{}, store, clk), reputation)

	srv := NewServer("127.0.0.1:0", testAdminToken, eng, clk)
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return ts, eng
}

func doJSON(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthEndpointIsPublic(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doJSON(t, http.MethodGet, ts.URL+"/healthz", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestAdminEndpointsRequireToken(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doJSON(t, http.MethodGet, ts.URL+"/v1/status", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token: status = %d, want 401", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodGet, ts.URL+"/v1/status", "wrong-token", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d, want 401", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodGet, ts.URL+"/v1/status", testAdminToken, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid token: status = %d, want 200", resp.StatusCode)
	}
}

func TestCreateAdvertisementActivatesPaymentCache(t *testing.T) {
	ts, eng := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/advertisements", testAdminToken,
		`{"title":"Shoes","target_url":"https://example.com","bid_per_impression":500,"active":true,"attributes":{"format":"banner"}}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var ad struct {
		GUID string `json:"guid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ad); err != nil {
		t.Fatal(err)
	}
	if !eng.Payments().ActiveAds().Has(ad.GUID) {
		t.Fatal("created active ad missing from payment pre-filter")
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/advertisements/"+ad.GUID+"/deactivate", testAdminToken, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deactivate status = %d, want 200", resp.StatusCode)
	}
	if eng.Payments().ActiveAds().Has(ad.GUID) {
		t.Fatal("deactivated ad still in payment pre-filter")
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/advertisements/"+ad.GUID+"/activate", testAdminToken, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("activate status = %d, want 200", resp.StatusCode)
	}
	if !eng.Payments().ActiveAds().Has(ad.GUID) {
		t.Fatal("reactivated ad missing from payment pre-filter")
	}
}

func TestCreateAdvertisementValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/advertisements", testAdminToken, `{"title":""}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty title: status = %d, want 400", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/advertisements", testAdminToken,
		`{"title":"x","bid_per_impression":0}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("zero bid: status = %d, want 400", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/advertisements", testAdminToken,
		`{"title":"x","bid_per_impression":1,"bogus_field":true}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown field: status = %d, want 400", resp.StatusCode)
	}
}

func TestGetUnknownAdvertisementIs404(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doJSON(t, http.MethodGet, ts.URL+"/v1/advertisements/"+guid.New(), testAdminToken, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestDeviceAdRequestWithoutPeersTimesOut(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/device/advertisements", "",
		`{"device_id":"device-1"}`)
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", resp.StatusCode)
	}
}

func TestCreateNetworkAndList(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/networks", testAdminToken,
		`{"name":"Acme","payout_address":"addr-1","daily_budget":250000}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/v1/networks", testAdminToken, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d, want 200", resp.StatusCode)
	}
	var page struct {
		Items []struct {
			Name string `json:"name"`
		} `json:"items"`
		Total int `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 || page.Items[0].Name != "Acme" {
		t.Fatalf("unexpected page: %+v", page)
	}
}
