// README: Benchmark cases: environment, ride lifecycle, dispatch races, and throughput over the HTTP API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"ridecore/internal/infra"
	"ridecore/internal/modules/payment"
	"ridecore/migrations"
)

const (
	statusPass = "PASS"
	statusFail = "FAIL"
	statusSkip = "SKIP"
)

var (
	pickup  = map[string]float64{"lat": 25.033, "lng": 121.565}
	dropoff = map[string]float64{"lat": 25.0478, "lng": 121.5318}
)

type Runner struct {
	cfg    Config
	httpc  *http.Client
	db     *pgxpool.Pool
	redis  *redis.Client
	tokens *infra.JWTVerifier

	// per-run identities so reruns do not collide with earlier data
	run       string
	driverID  string
	customer  string
	bookingID string
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	run := uuid.NewString()[:8]
	r := &Runner{
		cfg:      cfg,
		httpc:    &http.Client{Timeout: 10 * time.Second},
		run:      run,
		driverID: "bench-driver-" + run,
		customer: "bench-customer-" + run,
	}
	if cfg.JWTSecret != "" {
		r.tokens = infra.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer, time.Hour)
	}
	return r
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))
	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	return results
}

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{"Env: Postgres connect", func(ctx context.Context, r *Runner) Result {
			if r.db == nil {
				return Result{Status: statusFail, Note: "db not configured"}
			}
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := r.db.Ping(ctx); err != nil {
				return Result{Status: statusFail, Note: err.Error()}
			}
			return Result{Status: statusPass}
		}},
		{"Env: Redis connect", func(ctx context.Context, r *Runner) Result {
			if r.redis == nil {
				return Result{Status: statusFail, Note: "redis not configured"}
			}
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := r.redis.Ping(ctx).Err(); err != nil {
				return Result{Status: statusFail, Note: err.Error()}
			}
			return Result{Status: statusPass}
		}},
		{"Migration: apply (optional)", func(ctx context.Context, r *Runner) Result {
			if !r.cfg.ApplyMigration {
				return Result{Status: statusSkip, Note: "apply-migration=false"}
			}
			if err := infra.Migrate(ctx, r.cfg.DSN, slog.Default()); err != nil {
				return Result{Status: statusFail, Note: err.Error()}
			}
			return Result{Status: statusPass}
		}},
		{"Migration: tables exist", checkTables},
		{"API: health", func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodGet, "/health", "", nil, http.StatusOK, nil)
		}},
		{"Auth: missing token -> 401", func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodPost, "/api/bookings", "", map[string]any{}, http.StatusUnauthorized, nil)
		}},

		{"Driver: register", r.needTokens(func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodPost, "/api/drivers", r.token("driver", r.driverID),
				map[string]any{"vehicleClass": "economy"}, http.StatusCreated, nil)
		})},
		{"Driver: report location online", r.needTokens(func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodPut, "/api/drivers/"+r.driverID+"/location", r.token("driver", r.driverID),
				map[string]any{"lat": pickup["lat"], "lng": pickup["lng"], "available": true}, http.StatusOK, nil)
		})},
		{"Driver: invalid coords -> 400", r.needTokens(func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodPut, "/api/drivers/"+r.driverID+"/location", r.token("driver", r.driverID),
				map[string]any{"lat": 123.0, "lng": 456.0}, http.StatusBadRequest, nil)
		})},
		{"Driver: nearby search", r.needTokens(func(ctx context.Context, r *Runner) Result {
			path := fmt.Sprintf("/api/drivers/nearby?lat=%f&lng=%f", pickup["lat"], pickup["lng"])
			return r.expect(ctx, http.MethodGet, path, r.token("customer", r.customer), nil, http.StatusOK, nil)
		})},

		{"Pricing: quote", r.needTokens(func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodPost, "/api/fares/quote", r.token("customer", r.customer),
				map[string]any{"pickup": pickup, "dropoff": dropoff, "vehicleClass": "economy"}, http.StatusOK, nil)
		})},
		{"Pricing: unknown class -> 400", r.needTokens(func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodPost, "/api/fares/quote", r.token("customer", r.customer),
				map[string]any{"pickup": pickup, "dropoff": dropoff, "vehicleClass": "unknown"}, http.StatusBadRequest, nil)
		})},

		{"Booking: create", r.needTokens(func(ctx context.Context, r *Runner) Result {
			var b struct {
				ID string `json:"id"`
			}
			res := r.expect(ctx, http.MethodPost, "/api/bookings", r.token("customer", r.customer),
				map[string]any{"pickup": pickup, "dropoff": dropoff, "vehicleClass": "economy"}, http.StatusCreated, &b)
			r.bookingID = b.ID
			return res
		})},
		{"Booking: duplicate active -> 409", r.needBooking(func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodPost, "/api/bookings", r.token("customer", r.customer),
				map[string]any{"pickup": pickup, "dropoff": dropoff}, http.StatusConflict, nil)
		})},
		{"Booking: get", r.needBooking(func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodGet, "/api/bookings/"+r.bookingID, r.token("customer", r.customer), nil, http.StatusOK, nil)
		})},
		{"Booking: stranger get -> 403", r.needBooking(func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodGet, "/api/bookings/"+r.bookingID, r.token("customer", "stranger-"+r.run), nil, http.StatusForbidden, nil)
		})},
		{"Booking: driver starts trip", r.needBooking(func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodPatch, "/api/bookings/"+r.bookingID+"/status", r.token("driver", r.driverID),
				map[string]any{"status": "in_progress"}, http.StatusOK, nil)
		})},
		{"Booking: backwards transition -> 409", r.needBooking(func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodPatch, "/api/bookings/"+r.bookingID+"/status", r.token("driver", r.driverID),
				map[string]any{"status": "accepted"}, http.StatusConflict, nil)
		})},
		{"Payment: webhook completes trip", r.needBooking(func(ctx context.Context, r *Runner) Result {
			if r.cfg.WebhookSecret == "" {
				return Result{Status: statusSkip, Note: "webhook-secret not set"}
			}
			body, _ := json.Marshal(map[string]any{
				"id":   "evt_bench_" + r.run,
				"type": payment.EventSucceeded,
				"data": map[string]any{"object": map[string]any{"metadata": map[string]string{"bookingId": r.bookingID}}},
			})
			signer := payment.NewService(nil, r.cfg.WebhookSecret, 0, nil)
			req, _ := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+"/api/payments/webhook", bytes.NewReader(body))
			req.Header.Set("Stripe-Signature", signer.Sign(body, time.Now()))
			return r.send(req, http.StatusOK, nil)
		})},
		{"Booking: rate completed trip", r.needBooking(func(ctx context.Context, r *Runner) Result {
			if r.cfg.WebhookSecret == "" {
				return Result{Status: statusSkip, Note: "trip not completed without webhook"}
			}
			return r.expect(ctx, http.MethodPost, "/api/bookings/"+r.bookingID+"/rating", r.token("customer", r.customer),
				map[string]any{"rating": 5, "feedback": "bench"}, http.StatusOK, nil)
		})},
		{"Booking: cancel releases driver", r.needTokens(cancelReleases)},
		{"Dispatch: no driver -> 409", r.needTokens(func(ctx context.Context, r *Runner) Result {
			far := map[string]float64{"lat": -45.0, "lng": 170.0}
			return r.expect(ctx, http.MethodPost, "/api/bookings", r.token("customer", "lonely-"+r.run),
				map[string]any{"pickup": far, "dropoff": far}, http.StatusConflict, nil)
		})},

		{"Concurrency: one driver, many customers", r.needTokens(concurrentBookings)},

		{"Error: restart recovers active bookings", manual("restart the API with an accepted booking and check the driver stays claimed")},
		{"Error: DB down -> 500", manual("stop Postgres and observe booking writes")},

		{"Perf: location update throughput", r.needTokens(func(ctx context.Context, r *Runner) Result {
			return r.perfLoad(ctx, http.MethodPut, "/api/drivers/"+r.driverID+"/location", r.token("driver", r.driverID),
				map[string]any{"lat": pickup["lat"], "lng": pickup["lng"]})
		})},
		{"Perf: quote throughput", r.needTokens(func(ctx context.Context, r *Runner) Result {
			return r.perfLoad(ctx, http.MethodPost, "/api/fares/quote", r.token("customer", r.customer),
				map[string]any{"pickup": pickup, "dropoff": dropoff})
		})},
	}
}

func (r *Runner) needTokens(fn func(context.Context, *Runner) Result) func(context.Context, *Runner) Result {
	return func(ctx context.Context, r *Runner) Result {
		if r.tokens == nil {
			return Result{Status: statusSkip, Note: "jwt-secret not set"}
		}
		return fn(ctx, r)
	}
}

func (r *Runner) needBooking(fn func(context.Context, *Runner) Result) func(context.Context, *Runner) Result {
	return r.needTokens(func(ctx context.Context, r *Runner) Result {
		if r.bookingID == "" {
			return Result{Status: statusSkip, Note: "no booking created"}
		}
		return fn(ctx, r)
	})
}

func manual(note string) func(context.Context, *Runner) Result {
	return func(context.Context, *Runner) Result {
		return Result{Status: statusSkip, Note: note}
	}
}

func (r *Runner) token(role, uid string) string {
	t, err := r.tokens.IssueToken(uid, role)
	if err != nil {
		return ""
	}
	return t
}

func (r *Runner) newRequest(ctx context.Context, method, path, token string, body any) *http.Request {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req, _ := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func (r *Runner) expect(ctx context.Context, method, path, token string, body any, want int, out any) Result {
	return r.send(r.newRequest(ctx, method, path, token, body), want, out)
}

func (r *Runner) send(req *http.Request, want int, out any) Result {
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	latency := time.Since(start)

	if resp.StatusCode != want {
		return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("status=%d want=%d body=%s", resp.StatusCode, want, raw)}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return Result{Status: statusFail, Latency: latency, Note: err.Error()}
		}
	}
	return Result{Status: statusPass, Latency: latency, Note: fmt.Sprintf("status=%d", resp.StatusCode)}
}

func (r *Runner) status(ctx context.Context, method, path, token string, body any) int {
	resp, err := r.httpc.Do(r.newRequest(ctx, method, path, token, body))
	if err != nil {
		return 0
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode
}

// onlineDriver registers a fresh economy driver at the pickup point.
func (r *Runner) onlineDriver(ctx context.Context, id string) error {
	tok := r.token("driver", id)
	if code := r.status(ctx, http.MethodPost, "/api/drivers", tok, map[string]any{"vehicleClass": "economy"}); code != http.StatusCreated {
		return fmt.Errorf("register %s: status=%d", id, code)
	}
	code := r.status(ctx, http.MethodPut, "/api/drivers/"+id+"/location", tok,
		map[string]any{"lat": pickup["lat"], "lng": pickup["lng"], "available": true})
	if code != http.StatusOK {
		return fmt.Errorf("locate %s: status=%d", id, code)
	}
	return nil
}

func cancelReleases(ctx context.Context, r *Runner) Result {
	driver := "bench-cancel-driver-" + r.run
	if err := r.onlineDriver(ctx, driver); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	// park the run's main driver so the cancel driver is the only candidate
	_ = r.status(ctx, http.MethodPut, "/api/drivers/"+r.driverID+"/availability", r.token("driver", r.driverID), map[string]any{"available": false})
	defer r.status(ctx, http.MethodPut, "/api/drivers/"+r.driverID+"/availability", r.token("driver", r.driverID), map[string]any{"available": true})

	first := "bench-cancel-a-" + r.run
	var b struct {
		ID       string `json:"id"`
		DriverID string `json:"driverId"`
	}
	if res := r.expect(ctx, http.MethodPost, "/api/bookings", r.token("customer", first),
		map[string]any{"pickup": pickup, "dropoff": dropoff}, http.StatusCreated, &b); res.Status != statusPass {
		return res
	}
	if res := r.expect(ctx, http.MethodPatch, "/api/bookings/"+b.ID+"/status", r.token("customer", first),
		map[string]any{"status": "cancelled", "reason": "bench"}, http.StatusOK, nil); res.Status != statusPass {
		return res
	}
	second := "bench-cancel-b-" + r.run
	var again struct {
		DriverID string `json:"driverId"`
	}
	res := r.expect(ctx, http.MethodPost, "/api/bookings", r.token("customer", second),
		map[string]any{"pickup": pickup, "dropoff": dropoff}, http.StatusCreated, &again)
	if res.Status == statusPass && again.DriverID != b.DriverID {
		return Result{Status: statusFail, Note: fmt.Sprintf("expected released driver %s, got %s", b.DriverID, again.DriverID)}
	}
	return res
}

// concurrentBookings races customers for a single online driver in an
// isolated spot; exactly one may win.
func concurrentBookings(ctx context.Context, r *Runner) Result {
	spot := map[string]float64{"lat": -33.8688, "lng": 151.2093}
	driver := "bench-race-driver-" + r.run
	tok := r.token("driver", driver)
	if code := r.status(ctx, http.MethodPost, "/api/drivers", tok, map[string]any{"vehicleClass": "economy"}); code != http.StatusCreated {
		return Result{Status: statusFail, Note: fmt.Sprintf("register: status=%d", code)}
	}
	if code := r.status(ctx, http.MethodPut, "/api/drivers/"+driver+"/location", tok,
		map[string]any{"lat": spot["lat"], "lng": spot["lng"], "available": true}); code != http.StatusOK {
		return Result{Status: statusFail, Note: fmt.Sprintf("locate: status=%d", code)}
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		success  int
		conflict int
		start    = make(chan struct{})
	)
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			code := r.status(ctx, http.MethodPost, "/api/bookings", r.token("customer", fmt.Sprintf("bench-race-%s-%d", r.run, i)),
				map[string]any{"pickup": spot, "dropoff": dropoff})
			mu.Lock()
			defer mu.Unlock()
			switch code {
			case http.StatusCreated:
				success++
			case http.StatusConflict:
				conflict++
			}
		}(i)
	}
	close(start)
	wg.Wait()

	note := fmt.Sprintf("success=%d conflict=%d", success, conflict)
	if success != 1 || success+conflict != r.cfg.Concurrency {
		return Result{Status: statusFail, Note: note}
	}
	return Result{Status: statusPass, Note: note}
}

func (r *Runner) perfLoad(ctx context.Context, method, path, token string, payload any) Result {
	end := time.Now().Add(r.cfg.Duration)
	var (
		count    int64
		errCount int64
		mu       sync.Mutex
		wg       sync.WaitGroup
	)
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				code := r.status(ctx, method, path, token, payload)
				mu.Lock()
				if code >= 200 && code < 300 {
					count++
				} else {
					errCount++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if count == 0 {
		return Result{Status: statusFail, Note: "no requests completed"}
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return Result{Status: statusPass, Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount)}
}

func checkTables(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusFail, Note: "db not configured"}
	}
	tables, err := migrationTables()
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	for _, t := range tables {
		var exists bool
		err := r.db.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
			t,
		).Scan(&exists)
		if err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
		if !exists {
			return Result{Status: statusFail, Note: "missing table: " + t}
		}
	}
	return Result{Status: statusPass, Note: fmt.Sprintf("tables=%d", len(tables))}
}

var createTable = regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)

// migrationTables lists the tables created by the embedded up migrations.
func migrationTables() ([]string, error) {
	files, err := fs.Glob(migrations.FS, "*.up.sql")
	if err != nil {
		return nil, err
	}
	var tables []string
	for _, f := range files {
		b, err := fs.ReadFile(migrations.FS, f)
		if err != nil {
			return nil, err
		}
		for _, m := range createTable.FindAllStringSubmatch(string(b), -1) {
			tables = append(tables, m[1])
		}
	}
	return tables, nil
}
