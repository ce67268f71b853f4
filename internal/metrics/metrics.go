// Package metrics provides Prometheus metrics for the strm service.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strm_job_runs_total",
			Help: "Total job runs by outcome",
		},
		[]string{"job", "outcome"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "strm_job_duration_seconds",
			Help:    "Wall-clock duration of one job run",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"job"},
	)

	pagesListed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "strm_list_pages_total",
			Help: "Folder list pages fetched",
		},
	)

	filesClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strm_files_classified_total",
			Help: "Remote files seen by classification outcome",
		},
		[]string{"action"},
	)

	apiCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strm_api_calls_total",
			Help: "Vendor API calls by endpoint and status",
		},
		[]string{"endpoint", "status"},
	)

	redirectsServed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strm_redirects_total",
			Help: "302 redirects served by cache outcome",
		},
		[]string{"source"},
	)

	localDeletes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strm_local_deletes_total",
			Help: "Local files and directories removed by reconciliation",
		},
		[]string{"kind"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strm_http_requests_total",
			Help: "HTTP requests to the local API",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "strm_http_request_duration_seconds",
			Help:    "Local API request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// JobRun records one completed job run.
func JobRun(job, outcome string, d time.Duration) {
	jobRunsTotal.WithLabelValues(job, outcome).Inc()
	jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

// PageListed counts one folder list page.
func PageListed() { pagesListed.Inc() }

// FileClassified counts one classified remote file.
func FileClassified(action string) { filesClassified.WithLabelValues(action).Inc() }

// APICall counts one vendor API call.
func APICall(endpoint, status string) { apiCallsTotal.WithLabelValues(endpoint, status).Inc() }

// Redirect counts one served redirect; source is "cache" or "api".
func Redirect(source string) { redirectsServed.WithLabelValues(source).Inc() }

// LocalDelete counts one reconciliation removal; kind is "file" or "dir".
func LocalDelete(kind string) { localDeletes.WithLabelValues(kind).Inc() }

// EndpointLabel strips query parameters from an API path for use as a label.
func EndpointLabel(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}

// Handler returns the /metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware instruments local API requests.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := routePattern(r.URL.Path)
		httpRequestsTotal.WithLabelValues(r.Method, path, http.StatusText(rec.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// routePattern collapses parameterized paths so label cardinality stays
// bounded.
func routePattern(path string) string {
	for _, prefix := range []string{"/get_file_url/", "/get_job_folders/", "/get_job_target_dir/"} {
		if strings.HasPrefix(path, prefix) {
			return prefix + "*"
		}
	}
	return path
}
