package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/glimte/mmate-bus/messaging"
)

// Status grades a result or a whole report
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// worse reports whether s is a worse grade than other
func (s Status) worse(other Status) bool {
	return s.rank() > other.rank()
}

func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Result is what one checker found
type Result struct {
	Check     string        `json:"check"`
	Status    Status        `json:"status"`
	Endpoint  string        `json:"endpoint,omitempty"`
	RoundTrip time.Duration `json:"roundTrip,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Report describes the bus as seen by one Registry.Check
type Report struct {
	Status     Status        `json:"status"`
	Connection string        `json:"connection,omitempty"`
	Version    string        `json:"version,omitempty"`
	CheckedAt  time.Time     `json:"checkedAt"`
	Took       time.Duration `json:"took"`
	Results    []Result      `json:"results"`
}

// Checker inspects one aspect of the bus
type Checker interface {
	Name() string
	Check(ctx context.Context) Result
}

type funcChecker struct {
	name string
	fn   func(ctx context.Context) Result
}

func (c funcChecker) Name() string                     { return c.name }
func (c funcChecker) Check(ctx context.Context) Result { return c.fn(ctx) }

// CheckFunc turns fn into a Checker called name
func CheckFunc(name string, fn func(ctx context.Context) Result) Checker {
	return funcChecker{name: name, fn: fn}
}

// Option configures a Registry
type Option func(*Registry)

// WithVersion sets the version reported with every report
func WithVersion(version string) Option {
	return func(r *Registry) {
		r.version = version
	}
}

// WithCheckTimeout bounds one Check run. Checkers still running at the
// deadline are reported unhealthy.
func WithCheckTimeout(timeout time.Duration) Option {
	return func(r *Registry) {
		r.timeout = timeout
	}
}

// Registry runs checkers against one context factory. A closed factory makes
// every report unhealthy, whatever the checkers say.
type Registry struct {
	factory *messaging.ContextFactory
	version string
	timeout time.Duration

	mu       sync.RWMutex
	checkers []Checker
}

// NewRegistry creates a registry reporting on factory, which may be nil
func NewRegistry(factory *messaging.ContextFactory, opts ...Option) *Registry {
	r := &Registry{
		factory: factory,
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds c, replacing a checker with the same name in place
func (r *Registry) Register(c Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, existing := range r.checkers {
		if existing.Name() == c.Name() {
			r.checkers[i] = c
			return
		}
	}
	r.checkers = append(r.checkers, c)
}

// Check runs every checker concurrently. Results keep registration order.
func (r *Registry) Check(ctx context.Context) Report {
	start := time.Now()

	r.mu.RLock()
	checkers := append([]Checker(nil), r.checkers...)
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		mu      sync.Mutex
		results = make([]Result, len(checkers))
		filled  = make([]bool, len(checkers))
		expired bool
		wg      sync.WaitGroup
	)
	for i, c := range checkers {
		i, c := i, c
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := c.Check(ctx)
			if res.Check == "" {
				res.Check = c.Name()
			}
			mu.Lock()
			defer mu.Unlock()
			if !expired {
				results[i], filled[i] = res, true
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	expired = true
	for i, ok := range filled {
		if !ok {
			results[i] = Result{
				Check:  checkers[i].Name(),
				Status: StatusUnhealthy,
				Error:  "check did not finish: " + ctx.Err().Error(),
			}
		}
	}
	mu.Unlock()

	report := Report{
		Status:    StatusHealthy,
		Version:   r.version,
		CheckedAt: start,
		Results:   results,
	}
	if r.factory != nil {
		state := r.factory.State()
		report.Connection = state.String()
		if state == messaging.FactoryClosed {
			report.Status = StatusUnhealthy
		}
	}
	for _, res := range results {
		if res.Status.worse(report.Status) {
			report.Status = res.Status
		}
	}
	report.Took = time.Since(start)
	return report
}

// ServeHTTP answers GET with the JSON report: 200 when healthy or degraded,
// 503 when unhealthy
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	report := r.Check(req.Context())
	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		http.Error(w, "encode report: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode(report.Status))
	_, _ = w.Write(body)
}

// Ready answers "ready" unless the report is unhealthy
func (r *Registry) Ready() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.Check(req.Context()).Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		_, _ = w.Write([]byte("ready"))
	}
}

// Live always answers "alive"
func Live() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte("alive"))
	}
}

func statusCode(s Status) int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}
