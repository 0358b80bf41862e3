// Command loadgen drives the webhook API of an in-process stack and reports
// latency percentiles per scenario.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iago/leave-bot/internal/cache"
	"github.com/iago/leave-bot/internal/domain"
	"github.com/iago/leave-bot/internal/extract"
	httpserver "github.com/iago/leave-bot/internal/http"
	"github.com/iago/leave-bot/internal/http/handlers"
	"github.com/iago/leave-bot/internal/notify"
	"github.com/iago/leave-bot/internal/reconciler"
	"github.com/iago/leave-bot/internal/repository"
	"github.com/iago/leave-bot/internal/scheduler"
	"github.com/iago/leave-bot/internal/service"
	"github.com/iago/leave-bot/internal/sheets"
	"github.com/iago/leave-bot/internal/task"
	"github.com/iago/leave-bot/internal/transport"
	"github.com/iago/leave-bot/internal/worker"
)

type scenarioResult struct {
	Name          string   `json:"name"`
	Total         int      `json:"total"`
	Success       int      `json:"success"`
	Errors        int      `json:"errors"`
	P50MS         float64  `json:"p50_ms"`
	P95MS         float64  `json:"p95_ms"`
	P99MS         float64  `json:"p99_ms"`
	MaxMS         float64  `json:"max_ms"`
	ThroughputRPS float64  `json:"throughput_rps"`
	ErrorSamples  []string `json:"error_samples,omitempty"`
}

type runResult struct {
	GeneratedAtUTC string           `json:"generated_at_utc"`
	Environment    string           `json:"environment"`
	Users          int              `json:"users"`
	Results        []scenarioResult `json:"results"`
	SLOEvaluation  map[string]bool  `json:"slo_evaluation"`
}

type loadEnv struct {
	server *httptest.Server
	store  repository.Store
	close  func()
}

func main() {
	users := flag.Int("users", 50, "number of seeded employees")
	inboundTotal := flag.Int("inbound-total", 400, "total inbound webhook requests")
	inboundConcurrency := flag.Int("inbound-concurrency", 32, "concurrency for inbound webhook requests")
	statusTotal := flag.Int("status-total", 400, "total delivery status callbacks")
	statusConcurrency := flag.Int("status-concurrency", 32, "concurrency for delivery status callbacks")
	jobsTotal := flag.Int("jobs-total", 200, "total job lookups")
	jobsConcurrency := flag.Int("jobs-concurrency", 16, "concurrency for job lookups")
	outputPath := flag.String("output", "", "optional path to persist results JSON")
	flag.Parse()

	env, err := startLoadEnvironment(*users)
	if err != nil {
		log.Fatalf("failed to start local environment: %v", err)
	}
	defer env.close()

	client := &http.Client{Timeout: 10 * time.Second}
	var idCounter int64

	inboundScenario := runScenario("inbound_webhook", *inboundTotal, *inboundConcurrency, func(index int) error {
		id := atomic.AddInt64(&idCounter, 1)
		payload := map[string]any{
			"from":       employeeNumber(index % *users),
			"body":       leaveMessage(index),
			"message_id": fmt.Sprintf("load-in-%d", id),
			"timestamp":  time.Now().Unix(),
		}
		return postJSON(client, env.server.URL+"/webhooks/whatsapp/messages", payload, http.StatusAccepted)
	})

	statuses := []string{"sent", "delivered", "read", "failed"}
	statusScenario := runScenario("status_webhook", *statusTotal, *statusConcurrency, func(index int) error {
		payload := map[string]any{
			"message_id": fmt.Sprintf("load-unknown-%d", index),
			"status":     statuses[index%len(statuses)],
		}
		return postJSON(client, env.server.URL+"/webhooks/whatsapp/status", payload, http.StatusOK)
	})

	jobIDs := collectJobIDs(env.store, *users)
	jobsScenario := runScenario("job_lookup", *jobsTotal, *jobsConcurrency, func(index int) error {
		if len(jobIDs) == 0 {
			return getJSON(client, env.server.URL+"/v1/jobs/missing", http.StatusNotFound)
		}
		return getJSON(client, env.server.URL+"/v1/jobs/"+jobIDs[index%len(jobIDs)], http.StatusOK)
	})

	results := []scenarioResult{inboundScenario, statusScenario, jobsScenario}
	report := runResult{
		GeneratedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
		Environment:    "local-httptest",
		Users:          *users,
		Results:        results,
		SLOEvaluation: map[string]bool{
			"inbound_webhook_p95_le_200ms": inboundScenario.P95MS <= 200,
			"status_webhook_p95_le_200ms":  statusScenario.P95MS <= 200,
		},
	}

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Fatalf("failed to marshal report: %v", err)
	}
	if *outputPath != "" {
		if err := os.WriteFile(*outputPath, encoded, 0o644); err != nil {
			log.Fatalf("failed to write output file: %v", err)
		}
	}
	_, _ = fmt.Fprintln(os.Stdout, string(encoded))
}

func employeeNumber(i int) string {
	return fmt.Sprintf("55%08d", i+1)
}

func leaveMessage(index int) string {
	switch index % 3 {
	case 0:
		return "I need leave tomorrow"
	case 1:
		return "leave for 2 days from next monday"
	default:
		return "annual"
	}
}

func startLoadEnvironment(users int) (*loadEnv, error) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	memCache := cache.NewMemoryCache(cache.MemoryConfig{MaxEntries: 100000})

	if err := store.UpsertUser(ctx, &domain.User{ID: "manager", Name: "Manager", Number: "5500000000", IsActive: true}); err != nil {
		return nil, fmt.Errorf("seed manager: %w", err)
	}
	for i := 0; i < users; i++ {
		user := &domain.User{
			ID:                 fmt.Sprintf("emp-%d", i),
			Name:               fmt.Sprintf("Employee %d", i),
			Number:             employeeNumber(i),
			Department:         "ops",
			IsActive:           true,
			ReportingOfficerID: "manager",
		}
		if err := store.UpsertUser(ctx, user); err != nil {
			return nil, fmt.Errorf("seed user %s: %w", user.ID, err)
		}
	}

	pool := worker.NewPool(worker.PoolConfig{Workers: 8, QueueSize: 4096}, nil)
	dispatcher := notify.NewDispatcher(store, transport.NewLogSender(nil), pool, notify.Config{}, nil)
	rec := reconciler.New(store, memCache, dispatcher, reconciler.Config{}, nil)
	dispatcher.SetTracker(rec)

	executor := task.NewExecutor(&task.Env{
		Store:     store,
		Cache:     memCache,
		Notifier:  dispatcher,
		Syncer:    sheets.Noop{},
		Extractor: extract.NewRegex(extract.RegexConfig{}),
		Pool:      pool,
		Completer: rec,
	})
	conversations := service.NewConversations(store, dispatcher, executor, nil)
	queue := scheduler.New(conversations.Process, memCache, scheduler.Config{QueueSize: 1024, OnDrop: conversations.Dropped}, nil)
	conversations.SetQueue(queue)

	api := handlers.NewAPI(conversations, rec, service.NewJobsService(store), memCache, handlers.Options{}, nil)
	router := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            api,
		RateLimitRPS:   20000,
		RateLimitBurst: 20000,
	})

	server := httptest.NewServer(router)
	return &loadEnv{
		server: server,
		store:  store,
		close: func() {
			server.Close()
			queue.Close()
			pool.Close()
		},
	}, nil
}

func collectJobIDs(store repository.Store, users int) []string {
	ids := make([]string, 0, users)
	for i := 0; i < users; i++ {
		job, err := store.LatestJobForUser(context.Background(), fmt.Sprintf("emp-%d", i), domain.JobTypeLeave)
		if err != nil {
			continue
		}
		ids = append(ids, job.ID)
	}
	return ids
}

func runScenario(
	name string,
	total int,
	concurrency int,
	requestFn func(index int) error,
) scenarioResult {
	if total <= 0 {
		return scenarioResult{Name: name}
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	startedAt := time.Now()
	type sample struct {
		durationMS float64
		err        string
	}

	jobs := make(chan int, total)
	results := make(chan sample, total)
	for i := 0; i < total; i++ {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				requestStart := time.Now()
				err := requestFn(index)
				s := sample{durationMS: float64(time.Since(requestStart).Microseconds()) / 1000.0}
				if err != nil {
					s.err = err.Error()
				}
				results <- s
			}
		}()
	}
	wg.Wait()
	close(results)

	durations := make([]float64, 0, total)
	errorSamples := make([]string, 0, 5)
	success := 0
	for item := range results {
		durations = append(durations, item.durationMS)
		if item.err == "" {
			success++
			continue
		}
		if len(errorSamples) < 5 {
			errorSamples = append(errorSamples, item.err)
		}
	}

	sort.Float64s(durations)
	throughput := 0.0
	if elapsed := time.Since(startedAt).Seconds(); elapsed > 0 {
		throughput = float64(total) / elapsed
	}

	return scenarioResult{
		Name:          name,
		Total:         total,
		Success:       success,
		Errors:        total - success,
		P50MS:         percentile(durations, 0.50),
		P95MS:         percentile(durations, 0.95),
		P99MS:         percentile(durations, 0.99),
		MaxMS:         percentile(durations, 1.00),
		ThroughputRPS: round2(throughput),
		ErrorSamples:  errorSamples,
	}
}

func postJSON(client *http.Client, url string, payload any, expectedStatus int) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	request, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	return do(client, request, expectedStatus)
}

func getJSON(client *http.Client, url string, expectedStatus int) error {
	request, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	return do(client, request, expectedStatus)
}

func do(client *http.Client, request *http.Request, expectedStatus int) error {
	request.Header.Set("Accept", "application/json")
	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != expectedStatus {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return fmt.Errorf("unexpected status %d (expected %d): %s", response.StatusCode, expectedStatus, string(body))
	}
	_, _ = io.Copy(io.Discard, response.Body)
	return nil
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p >= 1 {
		return round2(values[len(values)-1])
	}
	rank := int(math.Ceil(float64(len(values))*p)) - 1
	if rank < 0 {
		rank = 0
	}
	return round2(values[rank])
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
