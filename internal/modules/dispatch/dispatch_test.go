// README: Dispatch engine tests: nearest-driver selection, fallbacks, pending policy and races.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"ridecore/internal/config"
	"ridecore/internal/maps"
	"ridecore/internal/modules/booking"
	"ridecore/internal/modules/eventbus"
	"ridecore/internal/modules/geoindex"
	"ridecore/internal/modules/pricing"
	"ridecore/internal/types"
)

var (
	origin = types.Point{Lat: 37.7749, Lng: -122.4194}
	target = types.Point{Lat: 37.8049, Lng: -122.4094}
)

// fakeRouter returns a fixed route, an error, or blocks until the context ends.
type fakeRouter struct {
	route maps.Route
	err   error
	block bool
	calls int
	mu    sync.Mutex
}

func (r *fakeRouter) GetRoute(ctx context.Context, _, _ types.Point) (maps.Route, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if r.block {
		<-ctx.Done()
		return maps.Route{}, maps.ErrExternalServiceTimeout
	}
	return r.route, r.err
}

type harness struct {
	svc      *Service
	index    *geoindex.Index
	store    *booking.MemoryStore
	bookings *booking.Service
	bus      *eventbus.Bus
}

func newHarness(t *testing.T, router Router, cfg config.DispatchConfig) *harness {
	t.Helper()
	index := geoindex.New()
	store := booking.NewMemoryStore()
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	bookings := booking.NewService(store, index, bus, nil)
	svc := NewService(router, pricing.NewService(pricing.DefaultRates()), index, bookings, bus, cfg, nil)
	return &harness{svc: svc, index: index, store: store, bookings: bookings, bus: bus}
}

func (h *harness) addDriver(t *testing.T, id types.ID, p types.Point, class types.VehicleClass) {
	t.Helper()
	online := true
	if _, err := h.index.Report(geoindex.Report{DriverID: id, Location: p, Class: class, Online: &online}); err != nil {
		t.Fatalf("report %s: %v", id, err)
	}
}

// offset moves p north by km kilometres.
func offset(p types.Point, km float64) types.Point {
	return types.Point{Lat: p.Lat + km/111.195, Lng: p.Lng}
}

func tenKmRoute() *fakeRouter {
	return &fakeRouter{route: maps.Route{DistanceKm: 10, DurationText: "18 mins", Duration: 18 * time.Minute}}
}

func TestRequestBookingPicksNearestDriver(t *testing.T) {
	h := newHarness(t, tenKmRoute(), config.DispatchConfig{})
	h.addDriver(t, "d_far", offset(origin, 5), types.VehicleEconomy)
	h.addDriver(t, "d_near", offset(origin, 1), types.VehicleEconomy)
	h.addDriver(t, "d_premium", offset(origin, 0.1), types.VehiclePremium)

	sub, err := h.bus.Subscribe("driver-app", eventbus.DriverRideRequestTopic("d_near"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	b, err := h.svc.RequestBooking(context.Background(), RequestCommand{
		CustomerID: "c1", Pickup: origin, Dropoff: target, Class: types.VehicleEconomy,
	})
	if err != nil {
		t.Fatalf("request booking: %v", err)
	}
	if b.Status != booking.StatusAccepted || b.Driver() != "d_near" {
		t.Fatalf("booking = %s/%s, want accepted/d_near", b.Status, b.Driver())
	}
	if b.Price != (types.Money{Amount: 2000, Currency: "USD"}) {
		t.Fatalf("price = %s, want 20.00 USD", b.Price)
	}
	if b.DistanceSource != booking.SourceRoute || b.DurationText != "18 mins" {
		t.Fatalf("distance source = %s (%q)", b.DistanceSource, b.DurationText)
	}

	if d, _ := h.index.Get("d_near"); d.ClaimedBy != b.ID {
		t.Fatalf("d_near claimed by %q", d.ClaimedBy)
	}
	for _, id := range []types.ID{"d_far", "d_premium"} {
		if d, _ := h.index.Get(id); !d.Available() {
			t.Fatalf("%s should stay available", id)
		}
	}

	select {
	case e := <-sub.C():
		req, ok := e.Payload.(eventbus.RideRequest)
		if !ok || req.BookingID != b.ID || e.Type != eventbus.TypeNewRideRequest {
			t.Fatalf("ride request = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no ride request published")
	}
}

func TestRequestBookingRouteFallback(t *testing.T) {
	cases := []struct {
		name   string
		router Router
	}{
		{"no router", nil},
		{"router error", &fakeRouter{err: maps.ErrNoRoute}},
		{"router timeout", &fakeRouter{block: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.router, config.DispatchConfig{RouteTimeout: 20 * time.Millisecond})
			h.addDriver(t, "d1", offset(origin, 1), types.VehicleEconomy)

			start := time.Now()
			b, err := h.svc.RequestBooking(context.Background(), RequestCommand{
				CustomerID: "c1", Pickup: origin, Dropoff: target,
			})
			if err != nil {
				t.Fatalf("request booking: %v", err)
			}
			if elapsed := time.Since(start); elapsed > time.Second {
				t.Fatalf("request took %s", elapsed)
			}
			if b.DistanceSource != booking.SourceHaversine {
				t.Fatalf("distance source = %s", b.DistanceSource)
			}
			want := geoindex.DistanceKm(origin, target)
			if b.DistanceKm != want {
				t.Fatalf("distance = %v, want %v", b.DistanceKm, want)
			}
			if b.VehicleClass != types.VehicleEconomy {
				t.Fatalf("class = %s", b.VehicleClass)
			}
		})
	}
}

func TestRequestBookingNoDriver(t *testing.T) {
	h := newHarness(t, tenKmRoute(), config.DispatchConfig{RadiusKm: 3})
	h.addDriver(t, "d_outside", offset(origin, 4), types.VehicleEconomy)
	h.addDriver(t, "d_suv", offset(origin, 1), types.VehicleSUV)
	h.addDriver(t, "d_busy", offset(origin, 1), types.VehicleEconomy)
	if !h.index.Claim("d_busy", "other-booking") {
		t.Fatal("claim d_busy")
	}

	_, err := h.svc.RequestBooking(context.Background(), RequestCommand{
		CustomerID: "c1", Pickup: origin, Dropoff: target, Class: types.VehicleEconomy,
	})
	if !errors.Is(err, ErrNoDriverAvailable) {
		t.Fatalf("err = %v, want ErrNoDriverAvailable", err)
	}
	all, _ := h.store.ListByStatus(context.Background(),
		booking.StatusRequested, booking.StatusAccepted, booking.StatusCancelled)
	if len(all) != 0 {
		t.Fatalf("bookings created = %d, want 0", len(all))
	}
}

func TestRequestBookingValidation(t *testing.T) {
	h := newHarness(t, tenKmRoute(), config.DispatchConfig{})
	h.addDriver(t, "d1", origin, types.VehicleEconomy)

	cases := []struct {
		name string
		cmd  RequestCommand
	}{
		{"missing customer", RequestCommand{Pickup: origin, Dropoff: target}},
		{"bad pickup", RequestCommand{CustomerID: "c1", Pickup: types.Point{Lat: 100}, Dropoff: target}},
		{"bad dropoff", RequestCommand{CustomerID: "c1", Pickup: origin, Dropoff: types.Point{Lng: -200}}},
		{"unknown class", RequestCommand{CustomerID: "c1", Pickup: origin, Dropoff: target, Class: "rickshaw"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.svc.RequestBooking(context.Background(), tc.cmd); !errors.Is(err, booking.ErrBadRequest) {
				t.Fatalf("err = %v, want ErrBadRequest", err)
			}
		})
	}
	if d, _ := h.index.Get("d1"); !d.Available() {
		t.Fatal("validation failure claimed a driver")
	}
}

func TestRequestBookingReleasesClaimOnCreateFailure(t *testing.T) {
	h := newHarness(t, tenKmRoute(), config.DispatchConfig{})
	h.addDriver(t, "d1", offset(origin, 1), types.VehicleEconomy)
	h.addDriver(t, "d2", offset(origin, 2), types.VehicleEconomy)

	ctx := context.Background()
	if _, err := h.svc.RequestBooking(ctx, RequestCommand{CustomerID: "c1", Pickup: origin, Dropoff: target}); err != nil {
		t.Fatalf("first request: %v", err)
	}
	_, err := h.svc.RequestBooking(ctx, RequestCommand{CustomerID: "c1", Pickup: origin, Dropoff: target})
	if !errors.Is(err, booking.ErrActiveBooking) {
		t.Fatalf("second request: %v, want ErrActiveBooking", err)
	}
	if d, _ := h.index.Get("d2"); !d.Available() {
		t.Fatalf("d2 left claimed by %q", d.ClaimedBy)
	}
}

func TestQuoteDoesNotClaim(t *testing.T) {
	h := newHarness(t, tenKmRoute(), config.DispatchConfig{})
	h.addDriver(t, "d1", origin, types.VehiclePremium)

	q, err := h.svc.Quote(context.Background(), origin, target, types.VehiclePremium)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.Price.Amount != 800+2500 || q.DistanceSource != booking.SourceRoute {
		t.Fatalf("quote = %+v", q)
	}
	if d, _ := h.index.Get("d1"); !d.Available() {
		t.Fatal("quote claimed a driver")
	}
}

func TestPendingPolicy(t *testing.T) {
	h := newHarness(t, tenKmRoute(), config.DispatchConfig{PendingOnNoDriver: true, PendingTimeout: time.Minute})
	ctx := context.Background()

	b, err := h.svc.RequestBooking(ctx, RequestCommand{CustomerID: "c1", Pickup: origin, Dropoff: target})
	if err != nil {
		t.Fatalf("request booking: %v", err)
	}
	if b.Status != booking.StatusRequested || b.DriverID != nil {
		t.Fatalf("booking = %s/%v, want requested without driver", b.Status, b.DriverID)
	}

	if err := h.svc.matchPending(ctx); err != nil {
		t.Fatalf("match pass: %v", err)
	}
	got, _ := h.bookings.Get(ctx, b.ID)
	if got.Status != booking.StatusRequested {
		t.Fatalf("status = %s before any driver exists", got.Status)
	}

	h.addDriver(t, "d1", offset(origin, 1), types.VehicleEconomy)
	sub, err := h.bus.Subscribe("driver-app", eventbus.DriverRideRequestTopic("d1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := h.svc.matchPending(ctx); err != nil {
		t.Fatalf("match pass: %v", err)
	}
	got, _ = h.bookings.Get(ctx, b.ID)
	if got.Status != booking.StatusAccepted || got.Driver() != "d1" {
		t.Fatalf("booking = %s/%s, want accepted/d1", got.Status, got.Driver())
	}
	select {
	case <-sub.C():
	case <-time.After(time.Second):
		t.Fatal("no ride request published")
	}
}

func TestPendingTimeout(t *testing.T) {
	h := newHarness(t, tenKmRoute(), config.DispatchConfig{PendingOnNoDriver: true, PendingTimeout: time.Minute})
	ctx := context.Background()

	b, err := h.svc.RequestBooking(ctx, RequestCommand{CustomerID: "c1", Pickup: origin, Dropoff: target})
	if err != nil {
		t.Fatalf("request booking: %v", err)
	}
	h.svc.now = func() time.Time { return b.CreatedAt.Add(2 * time.Minute) }

	if err := h.svc.matchPending(ctx); err != nil {
		t.Fatalf("match pass: %v", err)
	}
	got, _ := h.bookings.Get(ctx, b.ID)
	if got.Status != booking.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if got.CancelReason == nil || *got.CancelReason != CancelReasonNoDriver {
		t.Fatalf("cancel reason = %v", got.CancelReason)
	}
}

func TestRunSchedulerStopsOnCancel(t *testing.T) {
	h := newHarness(t, tenKmRoute(), config.DispatchConfig{PendingOnNoDriver: true, RetryInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.svc.RunScheduler(ctx)
		close(done)
	}()

	b, err := h.svc.RequestBooking(context.Background(), RequestCommand{CustomerID: "c1", Pickup: origin, Dropoff: target})
	if err != nil {
		t.Fatalf("request booking: %v", err)
	}
	h.addDriver(t, "d1", offset(origin, 1), types.VehicleEconomy)

	deadline := time.After(2 * time.Second)
	for {
		got, _ := h.bookings.Get(context.Background(), b.ID)
		if got.Status == booking.StatusAccepted {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("scheduler never assigned booking (status %s)", got.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestConcurrentRequestsNeverDoubleAssign(t *testing.T) {
	const customers = 12
	h := newHarness(t, tenKmRoute(), config.DispatchConfig{CandidateCount: 5})
	drivers := []types.ID{"d1", "d2", "d3"}
	for i, id := range drivers {
		h.addDriver(t, id, offset(origin, float64(i+1)*0.5), types.VehicleEconomy)
	}

	start := make(chan struct{})
	type result struct {
		b   *booking.Booking
		err error
	}
	results := make(chan result, customers)
	var wg sync.WaitGroup
	for i := 0; i < customers; i++ {
		wg.Add(1)
		go func(cid types.ID) {
			defer wg.Done()
			<-start
			b, err := h.svc.RequestBooking(context.Background(), RequestCommand{
				CustomerID: cid, Pickup: origin, Dropoff: target,
			})
			results <- result{b, err}
		}(types.ID(fmt.Sprintf("c%d", i)))
	}
	close(start)
	wg.Wait()
	close(results)

	assigned := make(map[types.ID]types.ID)
	for r := range results {
		if r.err != nil {
			if !errors.Is(r.err, ErrNoDriverAvailable) {
				t.Fatalf("unexpected error: %v", r.err)
			}
			continue
		}
		if prev, dup := assigned[r.b.Driver()]; dup {
			t.Fatalf("driver %s assigned to %s and %s", r.b.Driver(), prev, r.b.ID)
		}
		assigned[r.b.Driver()] = r.b.ID
	}
	if len(assigned) != len(drivers) {
		t.Fatalf("assigned %d drivers, want %d", len(assigned), len(drivers))
	}
}
