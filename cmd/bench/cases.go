// README: Bench cases: environment, seeding, matching race, ride lifecycle, consistency and throughput checks.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"rideflow/internal/infra"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"

	benchClient      = "bench-client-1"
	benchRaceClient  = "bench-client-2"
	benchProviderFmt = "bench-provider-%02d"
)

var benchPickup = map[string]float64{"lat": 30.0444, "lng": 31.2357}

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client

	// shared between cases, in order
	providers []string
	rideID    string
	notified  int
	winner    string
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
	providers := make([]string, cfg.Concurrency)
	for i := range providers {
		providers[i] = fmt.Sprintf(benchProviderFmt, i+1)
	}
	return &Runner{
		cfg:       cfg,
		httpc:     &http.Client{Timeout: 10 * time.Second},
		providers: providers,
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := infra.NewDB(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = infra.NewRedis(r.cfg.RedisAddr)
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
		{Name: "Env: Postgres connect", Run: func(ctx context.Context, r *Runner) Result {
			if r.db == nil {
				return fail("db not configured")
			}
			return check(r.db.Ping(ctx))
		}},
		{Name: "Env: Redis connect", Run: func(ctx context.Context, r *Runner) Result {
			if r.redis == nil {
				return fail("redis not configured")
			}
			return check(r.redis.Ping(ctx).Err())
		}},
		{Name: "Migration: apply", Run: applyMigration},
		{Name: "Migration: tables exist", Run: tablesExist},
		{Name: "Seed: service, pricing rule and bench accounts", Run: seed},
		{Name: "API: health", Run: func(ctx context.Context, r *Runner) Result {
			status, _, latency, err := r.call(ctx, http.MethodGet, "/health", "", nil)
			if err != nil {
				return fail(err.Error())
			}
			return expect(status, latency, http.StatusOK)
		}},
		{Name: "Auth: missing token -> 401", Run: func(ctx context.Context, r *Runner) Result {
			status, _, latency, err := r.call(ctx, http.MethodGet, "/api/rides/active", "", nil)
			if err != nil {
				return fail(err.Error())
			}
			return expect(status, latency, http.StatusUnauthorized)
		}},
		{Name: "Location: providers report positions", Run: providersOnline},
		{Name: "Location: invalid coordinates -> 400", Run: authed(func(ctx context.Context, r *Runner) Result {
			status, _, latency, err := r.as(ctx, r.providers[0], "driver", http.MethodPut, "/api/location", map[string]any{"lat": 123.0, "lng": 456.0})
			if err != nil {
				return fail(err.Error())
			}
			return expect(status, latency, http.StatusBadRequest)
		})},
		{Name: "Pricing: quote", Run: authed(func(ctx context.Context, r *Runner) Result {
			status, _, latency, err := r.as(ctx, benchClient, "", http.MethodPost, "/api/pricing/quote", map[string]any{
				"service_id": r.cfg.ServiceID, "pickup_lat": benchPickup["lat"], "pickup_lng": benchPickup["lng"],
				"drop_lat": 30.0626, "drop_lng": 31.2497,
			})
			if err != nil {
				return fail(err.Error())
			}
			return expect(status, latency, http.StatusOK)
		})},
		{Name: "Matching: broadcast to nearby providers", Run: authed(broadcast)},
		{Name: "Matching: second active ride -> 409", Run: authed(func(ctx context.Context, r *Runner) Result {
			status, _, latency, err := r.as(ctx, benchClient, "", http.MethodPost, "/api/rides/broadcast", rideRequest(r.cfg.ServiceID))
			if err != nil {
				return fail(err.Error())
			}
			return expect(status, latency, http.StatusConflict)
		})},
		{Name: "Redis: notified set matches broadcast", Run: notifiedSet},
		{Name: "Concurrency: many providers accept the same ride", Run: authed(concurrentAccept)},
		{Name: "Lifecycle: starting -> arriving -> finished", Run: authed(lifecycle)},
		{Name: "Consistency: one invoice and full audit trail", Run: consistency},
		{Name: "Concurrency: accept vs cancel", Run: authed(acceptVsCancel)},
		{Name: "Perf: location update throughput", Run: authed(perfLocation)},
	}
}

// authed skips cases that need tokens when no JWT secret is configured.
func authed(run func(ctx context.Context, r *Runner) Result) func(ctx context.Context, r *Runner) Result {
	return func(ctx context.Context, r *Runner) Result {
		if r.cfg.JWTSecret == "" {
			return Result{Status: StatusSkip, Note: "jwt secret not configured"}
		}
		return run(ctx, r)
	}
}

func applyMigration(ctx context.Context, r *Runner) Result {
	if !r.cfg.ApplyMigration {
		return Result{Status: StatusSkip, Note: "apply-migration=false"}
	}
	if r.db == nil {
		return fail("db not configured")
	}
	sql, err := os.ReadFile(r.cfg.MigrationPath)
	if err != nil {
		return fail(err.Error())
	}
	for _, s := range splitSQL(string(sql)) {
		if _, err := r.db.Exec(ctx, s); err != nil {
			return fail(err.Error())
		}
	}
	return pass("")
}

func tablesExist(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return fail("db not configured")
	}
	tables, err := extractTables(r.cfg.MigrationPath)
	if err != nil {
		return fail(err.Error())
	}
	for _, t := range tables {
		var exists bool
		if err := r.db.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)", t,
		).Scan(&exists); err != nil {
			return fail(err.Error())
		}
		if !exists {
			return fail("missing table: " + t)
		}
	}
	return pass(fmt.Sprintf("%d tables", len(tables)))
}

// seed is idempotent and resets bench accounts left over from an earlier run.
func seed(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return fail("db not configured")
	}
	sid := r.cfg.ServiceID
	stmts := []struct {
		sql  string
		args []any
	}{
		{`INSERT INTO services (id, name, category) VALUES ($1, 'Bench Ride', 'ride') ON CONFLICT (id) DO NOTHING`, []any{sid}},
		{`INSERT INTO pricing_rules (service_id, base_fare, price_per_km, price_per_minute, minimum_fare)
		  SELECT $1, 10, 3.5, 0.5, 20 WHERE NOT EXISTS (SELECT 1 FROM pricing_rules WHERE service_id = $1)`, []any{sid}},
		{`UPDATE rides SET status = 'cancelled', cancelled_at = NOW(), cancelled_by = 'system', status_version = status_version + 1
		  WHERE client_id LIKE 'bench-%' AND status IN ('pending', 'accepted', 'starting', 'arriving')`, nil},
	}
	for _, c := range []string{benchClient, benchRaceClient} {
		stmts = append(stmts, struct {
			sql  string
			args []any
		}{`INSERT INTO accounts (id, role, name) VALUES ($1, 'client', $1)
		   ON CONFLICT (id) DO UPDATE SET in_ride = FALSE`, []any{c}})
	}
	for _, p := range r.providers {
		stmts = append(stmts,
			struct {
				sql  string
				args []any
			}{`INSERT INTO accounts (id, role, name, verified, driver_status) VALUES ($1, 'provider', $1, TRUE, 'available')
			   ON CONFLICT (id) DO UPDATE SET in_ride = FALSE, driver_status = 'available', verified = TRUE`, []any{p}},
			struct {
				sql  string
				args []any
			}{`INSERT INTO provider_services (provider_id, service_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, []any{p, sid}},
		)
	}
	for _, s := range stmts {
		if _, err := r.db.Exec(ctx, s.sql, s.args...); err != nil {
			return fail(err.Error())
		}
	}
	return pass(fmt.Sprintf("%d providers", len(r.providers)))
}

func providersOnline(ctx context.Context, r *Runner) Result {
	if r.cfg.JWTSecret == "" {
		return Result{Status: StatusSkip, Note: "jwt secret not configured"}
	}
	start := time.Now()
	for i, p := range r.providers {
		// spread providers a few hundred meters around the pickup
		body := map[string]any{"lat": benchPickup["lat"] + float64(i)*0.001, "lng": benchPickup["lng"], "heading": 0}
		status, raw, _, err := r.as(ctx, p, "driver", http.MethodPut, "/api/location", body)
		if err != nil {
			return fail(err.Error())
		}
		if status != http.StatusOK {
			return fail(fmt.Sprintf("%s: status=%d %s", p, status, raw))
		}
	}
	return pass("").withLatency(time.Since(start))
}

func rideRequest(serviceID int64) map[string]any {
	return map[string]any{
		"lat": benchPickup["lat"], "lng": benchPickup["lng"], "service_id": serviceID,
		"drop_lat": 30.0626, "drop_lng": 31.2497,
	}
}

func broadcast(ctx context.Context, r *Runner) Result {
	status, raw, latency, err := r.as(ctx, benchClient, "", http.MethodPost, "/api/rides/broadcast", rideRequest(r.cfg.ServiceID))
	if err != nil {
		return fail(err.Error())
	}
	if status != http.StatusCreated {
		return fail(fmt.Sprintf("status=%d %s", status, raw)).withLatency(latency)
	}
	var res struct {
		RideID   string `json:"ride_id"`
		Notified int    `json:"notified"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return fail(err.Error())
	}
	r.rideID, r.notified = res.RideID, res.Notified
	if res.Notified == 0 {
		return fail("no provider notified").withLatency(latency)
	}
	return pass(fmt.Sprintf("ride=%s notified=%d", res.RideID, res.Notified)).withLatency(latency)
}

func notifiedSet(ctx context.Context, r *Runner) Result {
	if r.redis == nil || r.rideID == "" {
		return Result{Status: StatusSkip, Note: "needs redis and a broadcast ride"}
	}
	n, err := r.redis.SCard(ctx, fmt.Sprintf("matching:ride:%s:notified", r.rideID)).Result()
	if err != nil {
		return fail(err.Error())
	}
	if int(n) != r.notified {
		return fail(fmt.Sprintf("redis=%d api=%d", n, r.notified))
	}
	return pass(fmt.Sprintf("members=%d", n))
}

func concurrentAccept(ctx context.Context, r *Runner) Result {
	if r.rideID == "" {
		return Result{Status: StatusSkip, Note: "no broadcast ride"}
	}
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  []string
		conflict int
		other    []int
	)
	start := time.Now()
	for _, p := range r.providers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, _, _, err := r.as(ctx, p, "driver", http.MethodPost, "/api/rides/respond", map[string]any{
				"ride_id": r.rideID, "client_id": benchClient, "accepted": true,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				other = append(other, 0)
			case status == http.StatusOK:
				winners = append(winners, p)
			case status == http.StatusConflict || status == http.StatusNotFound:
				conflict++
			default:
				other = append(other, status)
			}
		}()
	}
	wg.Wait()
	latency := time.Since(start)

	if len(winners) != 1 {
		return fail(fmt.Sprintf("winners=%d conflicts=%d other=%v", len(winners), conflict, other)).withLatency(latency)
	}
	r.winner = winners[0]
	return pass(fmt.Sprintf("winner=%s conflicts=%d", r.winner, conflict)).withLatency(latency)
}

func lifecycle(ctx context.Context, r *Runner) Result {
	if r.winner == "" {
		return Result{Status: StatusSkip, Note: "no accepted ride"}
	}
	start := time.Now()
	for _, status := range []string{"starting", "arriving", "finished"} {
		code, raw, _, err := r.as(ctx, r.winner, "driver", http.MethodPost, "/api/rides/status", map[string]any{"status": status})
		if err != nil {
			return fail(err.Error())
		}
		if code != http.StatusOK {
			return fail(fmt.Sprintf("%s: status=%d %s", status, code, raw))
		}
	}
	code, _, _, err := r.as(ctx, r.winner, "driver", http.MethodPost, "/api/rides/status", map[string]any{"status": "arriving"})
	if err != nil {
		return fail(err.Error())
	}
	if code != http.StatusNotFound && code != http.StatusConflict {
		return fail(fmt.Sprintf("finished ride moved again: status=%d", code))
	}
	return pass("").withLatency(time.Since(start))
}

func consistency(ctx context.Context, r *Runner) Result {
	if r.db == nil || r.winner == "" {
		return Result{Status: StatusSkip, Note: "needs db and a finished ride"}
	}
	var status string
	var invoices, events int
	err := r.db.QueryRow(ctx, `
		SELECT r.status,
		       (SELECT COUNT(*) FROM invoices i WHERE i.ride_id = r.id),
		       (SELECT COUNT(*) FROM ride_state_events e WHERE e.ride_id = r.id)
		FROM rides r WHERE r.id = $1`, r.rideID,
	).Scan(&status, &invoices, &events)
	if err != nil {
		return fail(err.Error())
	}
	if status != "finished" || invoices != 1 || events != 5 {
		return fail(fmt.Sprintf("status=%s invoices=%d events=%d", status, invoices, events))
	}
	var inRide bool
	if err := r.db.QueryRow(ctx, `SELECT in_ride FROM accounts WHERE id = $1`, r.winner).Scan(&inRide); err != nil {
		return fail(err.Error())
	}
	if inRide {
		return fail("provider still marked in ride")
	}
	return pass("")
}

func acceptVsCancel(ctx context.Context, r *Runner) Result {
	status, raw, _, err := r.as(ctx, benchRaceClient, "", http.MethodPost, "/api/rides/broadcast", rideRequest(r.cfg.ServiceID))
	if err != nil {
		return fail(err.Error())
	}
	if status != http.StatusCreated {
		return fail(fmt.Sprintf("broadcast status=%d %s", status, raw))
	}
	var res struct {
		RideID string `json:"ride_id"`
	}
	_ = json.Unmarshal(raw, &res)

	var acceptCode, cancelCode int
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		acceptCode, _, _, _ = r.as(ctx, r.providers[len(r.providers)-1], "driver", http.MethodPost, "/api/rides/respond", map[string]any{
			"ride_id": res.RideID, "accepted": true,
		})
	}()
	go func() {
		defer wg.Done()
		cancelCode, _, _, _ = r.as(ctx, benchRaceClient, "", http.MethodPost, "/api/rides/cancel", nil)
	}()
	wg.Wait()

	code, raw, _, err := r.as(ctx, benchRaceClient, "", http.MethodGet, "/api/rides/"+res.RideID, nil)
	if err != nil || code != http.StatusOK {
		return fail(fmt.Sprintf("read back status=%d err=%v", code, err))
	}
	var final struct {
		Status string `json:"status"`
	}
	_ = json.Unmarshal(raw, &final)
	note := fmt.Sprintf("accept=%d cancel=%d final=%s", acceptCode, cancelCode, final.Status)

	switch {
	case cancelCode == http.StatusOK && final.Status != "cancelled":
		return fail(note)
	case cancelCode != http.StatusOK && acceptCode == http.StatusOK && final.Status != "accepted":
		return fail(note)
	}
	// leave the accounts free for the next run
	_, _, _, _ = r.as(ctx, benchRaceClient, "", http.MethodPost, "/api/rides/cancel", nil)
	return pass(note)
}

func perfLocation(ctx context.Context, r *Runner) Result {
	end := time.Now().Add(r.cfg.Duration)
	var (
		mu       sync.Mutex
		count    int64
		errCount int64
		wg       sync.WaitGroup
	)
	for _, p := range r.providers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				status, _, _, err := r.as(ctx, p, "driver", http.MethodPut, "/api/location", map[string]any{"lat": benchPickup["lat"], "lng": benchPickup["lng"]})
				mu.Lock()
				if err != nil || status != http.StatusOK {
					errCount++
				} else {
					count++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if count == 0 {
		return fail("no requests completed")
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return pass(fmt.Sprintf("rps=%.1f errors=%d", rps, errCount))
}

// as calls the API with a freshly minted token for uid.
func (r *Runner) as(ctx context.Context, uid, role, method, path string, body any) (int, []byte, time.Duration, error) {
	token, err := infra.SignJWT(r.cfg.JWTSecret, uid, role, 10*time.Minute)
	if err != nil {
		return 0, nil, 0, err
	}
	return r.call(ctx, method, path, token, body)
}

func (r *Runner) call(ctx context.Context, method, path, token string, body any) (int, []byte, time.Duration, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, 0, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, nil, 0, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, raw, time.Since(start), nil
}

func pass(note string) Result { return Result{Status: StatusPass, Note: note} }

func fail(note string) Result { return Result{Status: StatusFail, Note: note} }

func (res Result) withLatency(d time.Duration) Result {
	res.Latency = d
	return res
}

func check(err error) Result {
	if err != nil {
		return fail(err.Error())
	}
	return pass("")
}

func expect(status int, latency time.Duration, want int) Result {
	if status != want {
		return fail(fmt.Sprintf("status=%d want=%d", status, want)).withLatency(latency)
	}
	return pass("").withLatency(latency)
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}

func splitSQL(sql string) []string {
	lines := strings.Split(sql, "\n")
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "--") || l == "" {
			continue
		}
		filtered = append(filtered, line)
	}
	parts := strings.Split(strings.Join(filtered, "\n"), ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
