// README: End-to-end route tests over in-memory services.
package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	httptransport "ridecore/internal/http"
	"ridecore/internal/config"
	"ridecore/internal/infra"
	"ridecore/internal/maps"
	"ridecore/internal/modules/booking"
	"ridecore/internal/modules/dispatch"
	"ridecore/internal/modules/eventbus"
	"ridecore/internal/modules/geoindex"
	"ridecore/internal/modules/location"
	"ridecore/internal/modules/payment"
	"ridecore/internal/modules/pricing"
	"ridecore/internal/types"
)

type tokenVerifier struct{}

// VerifyIDToken accepts "<role>:<uid>".
func (tokenVerifier) VerifyIDToken(_ context.Context, raw string) (*infra.FirebaseToken, error) {
	role, uid, ok := strings.Cut(raw, ":")
	if !ok || uid == "" {
		return nil, infra.ErrInvalidToken
	}
	return &infra.FirebaseToken{UID: uid, Claims: map[string]interface{}{"role": role}}, nil
}

type offlineRouter struct{}

func (offlineRouter) GetRoute(context.Context, types.Point, types.Point) (maps.Route, error) {
	return maps.Route{}, maps.ErrExternalServiceTimeout
}

type driverStore struct {
	mu      sync.Mutex
	drivers map[types.ID]location.DriverRecord
}

func (s *driverStore) UpsertDriver(_ context.Context, d location.DriverRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drivers[d.ID] = d
	return nil
}

func (s *driverStore) DeleteDriver(_ context.Context, id types.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.drivers[id]; !ok {
		return location.ErrDriverNotFound
	}
	delete(s.drivers, id)
	return nil
}

func (s *driverStore) GetDriver(_ context.Context, id types.ID) (*location.DriverRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drivers[id]
	if !ok {
		return nil, location.ErrDriverNotFound
	}
	return &d, nil
}

func (s *driverStore) AppendSnapshot(context.Context, location.Snapshot) error { return nil }

const webhookSecret = "whsec_test"

type api struct {
	handler http.Handler
	payment *payment.Service
}

func newAPI(t *testing.T) *api {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	index := geoindex.New()
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	bookings := booking.NewService(booking.NewMemoryStore(), index, bus, logger)
	dispatcher := dispatch.NewService(offlineRouter{}, pricing.NewService(pricing.DefaultRates()), index, bookings, bus, config.DispatchConfig{}, logger)
	locations := location.NewService(index, &driverStore{drivers: map[types.ID]location.DriverRecord{}}, nil, bookings, bus, config.LocationConfig{}, logger)
	payments := payment.NewService(bookings, webhookSecret, time.Second, logger)

	srv := httptransport.NewServer(httptransport.ServerDeps{
		Booking:  bookings,
		Dispatch: dispatcher,
		Location: locations,
		Payment:  payments,
		Verifier: tokenVerifier{},
		Logger:   logger,
	})
	return &api{handler: srv.Routes(), payment: payments}
}

func (a *api) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func wantStatus(t *testing.T, w *httptest.ResponseRecorder, code int) {
	t.Helper()
	if w.Code != code {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, code, w.Body.String())
	}
}

var (
	pickup  = map[string]float64{"lat": 40.0, "lng": -74.0}
	dropoff = map[string]float64{"lat": 40.09, "lng": -74.0}
)

func (a *api) onlineDriver(t *testing.T, id string) {
	t.Helper()
	wantStatus(t, a.do(t, http.MethodPost, "/api/drivers", "driver:"+id, map[string]any{"vehicleClass": "economy"}), http.StatusCreated)
	w := a.do(t, http.MethodPut, "/api/drivers/"+id+"/location", "driver:"+id, map[string]any{"lat": 40.0, "lng": -74.0, "available": true})
	wantStatus(t, w, http.StatusOK)
	if res := decodeBody[location.ReportResult](t, w); !res.Accepted {
		t.Fatalf("report not accepted: %+v", res)
	}
}

func TestBookingLifecycle(t *testing.T) {
	a := newAPI(t)
	a.onlineDriver(t, "d1")

	w := a.do(t, http.MethodPost, "/api/fares/quote", "customer:c1", map[string]any{"pickup": pickup, "dropoff": dropoff})
	wantStatus(t, w, http.StatusOK)
	quote := decodeBody[dispatch.Quote](t, w)
	if quote.DistanceSource != booking.SourceHaversine || quote.Price.Amount <= 500 || quote.Price.Currency != "USD" {
		t.Fatalf("quote = %+v", quote)
	}

	w = a.do(t, http.MethodPost, "/api/bookings", "customer:c1", map[string]any{"pickup": pickup, "dropoff": dropoff, "vehicleClass": "economy"})
	wantStatus(t, w, http.StatusCreated)
	b := decodeBody[booking.Booking](t, w)
	if b.Status != booking.StatusAccepted || b.Driver() != "d1" || b.Price != quote.Price {
		t.Fatalf("booking = %+v", b)
	}
	path := "/api/bookings/" + string(b.ID)

	wantStatus(t, a.do(t, http.MethodGet, path, "customer:c1", nil), http.StatusOK)
	wantStatus(t, a.do(t, http.MethodGet, path, "driver:d1", nil), http.StatusOK)
	wantStatus(t, a.do(t, http.MethodGet, path, "customer:c2", nil), http.StatusForbidden)

	wantStatus(t, a.do(t, http.MethodPatch, path+"/status", "customer:c1", map[string]any{"status": "in_progress"}), http.StatusForbidden)
	wantStatus(t, a.do(t, http.MethodPatch, path+"/status", "driver:d1", map[string]any{"status": "in_progress"}), http.StatusOK)
	wantStatus(t, a.do(t, http.MethodPatch, path+"/status", "driver:d1", map[string]any{"status": "accepted"}), http.StatusConflict)

	event := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"metadata":{"bookingId":"` + string(b.ID) + `"}}}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/payments/webhook", bytes.NewReader(event))
	req.Header.Set("Stripe-Signature", a.payment.Sign(event, time.Now()))
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	wantStatus(t, rec, http.StatusOK)

	w = a.do(t, http.MethodGet, path, "customer:c1", nil)
	if got := decodeBody[booking.Booking](t, w); got.Status != booking.StatusCompleted || got.PaymentStatus != booking.PaymentCompleted {
		t.Fatalf("after payment = %s/%s", got.Status, got.PaymentStatus)
	}

	wantStatus(t, a.do(t, http.MethodPost, path+"/rating", "customer:c1", map[string]any{"rating": 5, "feedback": "great"}), http.StatusOK)
	wantStatus(t, a.do(t, http.MethodPost, path+"/rating", "customer:c1", map[string]any{"rating": 4}), http.StatusConflict)

	w = a.do(t, http.MethodGet, "/api/drivers/nearby?lat=40&lng=-74", "customer:c1", nil)
	wantStatus(t, w, http.StatusOK)
	nearby := decodeBody[struct {
		Drivers []location.NearbyDriver `json:"drivers"`
	}](t, w)
	if len(nearby.Drivers) != 1 || nearby.Drivers[0].DriverID != "d1" {
		t.Fatalf("driver not released after completion: %+v", nearby.Drivers)
	}
}

func TestNoDriverAvailable(t *testing.T) {
	a := newAPI(t)
	w := a.do(t, http.MethodPost, "/api/bookings", "customer:c1", map[string]any{"pickup": pickup, "dropoff": dropoff})
	wantStatus(t, w, http.StatusConflict)
	if body := decodeBody[map[string]string](t, w); body["error"] != dispatch.ErrNoDriverAvailable.Error() {
		t.Fatalf("body = %v", body)
	}
}

func TestCancelReleasesDriver(t *testing.T) {
	a := newAPI(t)
	a.onlineDriver(t, "d1")

	w := a.do(t, http.MethodPost, "/api/bookings", "customer:c1", map[string]any{"pickup": pickup, "dropoff": dropoff})
	wantStatus(t, w, http.StatusCreated)
	b := decodeBody[booking.Booking](t, w)

	wantStatus(t, a.do(t, http.MethodDelete, "/api/drivers/d1", "driver:d1", nil), http.StatusConflict)

	w = a.do(t, http.MethodPatch, "/api/bookings/"+string(b.ID)+"/status", "customer:c1", map[string]any{"status": "cancelled", "reason": "changed plans"})
	wantStatus(t, w, http.StatusOK)
	if got := decodeBody[booking.Booking](t, w); got.CancelReason == nil || *got.CancelReason != "changed plans" {
		t.Fatalf("cancel reason = %v", got.CancelReason)
	}

	wantStatus(t, a.do(t, http.MethodPost, "/api/bookings", "customer:c2", map[string]any{"pickup": pickup, "dropoff": dropoff}), http.StatusCreated)
}

func TestRequestValidation(t *testing.T) {
	a := newAPI(t)
	a.onlineDriver(t, "d1")

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		code   int
	}{
		{"no token", http.MethodPost, "/api/bookings", "", map[string]any{}, http.StatusUnauthorized},
		{"bad token", http.MethodPost, "/api/bookings", "garbage", map[string]any{}, http.StatusUnauthorized},
		{"driver books", http.MethodPost, "/api/bookings", "driver:d1", map[string]any{"pickup": pickup, "dropoff": dropoff}, http.StatusForbidden},
		{"missing dropoff", http.MethodPost, "/api/bookings", "customer:c1", map[string]any{"pickup": pickup}, http.StatusBadRequest},
		{"bad coordinates", http.MethodPost, "/api/fares/quote", "customer:c1", map[string]any{"pickup": map[string]float64{"lat": 91, "lng": 0}, "dropoff": dropoff}, http.StatusBadRequest},
		{"unknown class", http.MethodPost, "/api/fares/quote", "customer:c1", map[string]any{"pickup": pickup, "dropoff": dropoff, "vehicleClass": "limo"}, http.StatusBadRequest},
		{"unknown booking", http.MethodGet, "/api/bookings/missing", "customer:c1", nil, http.StatusNotFound},
		{"bad booking id", http.MethodGet, "/api/bookings/bad%20id", "customer:c1", nil, http.StatusBadRequest},
		{"unknown status", http.MethodPatch, "/api/bookings/x/status", "driver:d1", map[string]any{"status": "teleported"}, http.StatusBadRequest},
		{"rating required", http.MethodPost, "/api/bookings/x/rating", "customer:c1", map[string]any{}, http.StatusBadRequest},
		{"customer reports location", http.MethodPut, "/api/drivers/d1/location", "customer:d1", map[string]any{"lat": 1, "lng": 1}, http.StatusForbidden},
		{"other driver location", http.MethodPut, "/api/drivers/d1/location", "driver:d2", map[string]any{"lat": 1, "lng": 1}, http.StatusForbidden},
		{"location missing lat", http.MethodPut, "/api/drivers/d1/location", "driver:d1", map[string]any{"lng": 1}, http.StatusBadRequest},
		{"location out of range", http.MethodPut, "/api/drivers/d1/location", "driver:d1", map[string]any{"lat": 100, "lng": 1}, http.StatusBadRequest},
		{"unregistered location", http.MethodPut, "/api/drivers/d9/location", "driver:d9", map[string]any{"lat": 1, "lng": 1}, http.StatusNotFound},
		{"availability required", http.MethodPut, "/api/drivers/d1/availability", "driver:d1", map[string]any{}, http.StatusBadRequest},
		{"register bad class", http.MethodPost, "/api/drivers", "driver:d3", map[string]any{"vehicleClass": "tank"}, http.StatusBadRequest},
		{"nearby missing lat", http.MethodGet, "/api/drivers/nearby?lng=1", "customer:c1", nil, http.StatusBadRequest},
		{"nearby bad limit", http.MethodGet, "/api/drivers/nearby?lat=1&lng=1&limit=0", "customer:c1", nil, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wantStatus(t, a.do(t, tc.method, tc.path, tc.token, tc.body), tc.code)
		})
	}
}

func TestAvailabilityToggle(t *testing.T) {
	a := newAPI(t)
	a.onlineDriver(t, "d1")

	nearbyCount := func() int {
		w := a.do(t, http.MethodGet, "/api/drivers/nearby?lat=40&lng=-74&vehicleClass=economy", "customer:c1", nil)
		wantStatus(t, w, http.StatusOK)
		return len(decodeBody[struct {
			Drivers []location.NearbyDriver `json:"drivers"`
		}](t, w).Drivers)
	}

	wantStatus(t, a.do(t, http.MethodPut, "/api/drivers/d1/availability", "driver:d1", map[string]any{"available": false}), http.StatusOK)
	if n := nearbyCount(); n != 0 {
		t.Fatalf("offline driver listed: %d", n)
	}
	wantStatus(t, a.do(t, http.MethodPut, "/api/drivers/d1/availability", "driver:d1", map[string]any{"available": true}), http.StatusOK)
	if n := nearbyCount(); n != 1 {
		t.Fatalf("online driver missing: %d", n)
	}
	wantStatus(t, a.do(t, http.MethodDelete, "/api/drivers/d1", "driver:d1", nil), http.StatusNoContent)
	if n := nearbyCount(); n != 0 {
		t.Fatalf("deregistered driver listed: %d", n)
	}
}

func TestWebhookSignature(t *testing.T) {
	a := newAPI(t)
	body := []byte(`{"type":"payment_intent.succeeded","data":{"object":{"metadata":{"bookingId":"b1"}}}}`)

	req := httptest.NewRequest(http.MethodPost, "/api/payments/webhook", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	wantStatus(t, w, http.StatusUnauthorized)

	req = httptest.NewRequest(http.MethodPost, "/api/payments/webhook", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", a.payment.Sign(body, time.Now()))
	w = httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	wantStatus(t, w, http.StatusNotFound)
}

func TestHealthAndCORS(t *testing.T) {
	a := newAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	wantStatus(t, w, http.StatusOK)
	if w.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Fatal("missing CORS header")
	}
}
