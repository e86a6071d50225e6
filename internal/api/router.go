package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/portariahub/visitgate/internal/models"
	"github.com/portariahub/visitgate/internal/monitoring"
	"github.com/portariahub/visitgate/internal/queue"
	"github.com/portariahub/visitgate/internal/realtime"
	apperrors "github.com/portariahub/visitgate/pkg/errors"
	"github.com/portariahub/visitgate/pkg/response"
)

const defaultJobListLimit = 50

// Options configures the monitoring router.
type Options struct {
	MetricsEnabled  bool
	MetricsEndpoint string
}

// NewRouter builds the gin engine exposing the monitoring surface: health,
// metrics, queue inspection and the realtime event stream. Grant mutations
// never travel over this router; they belong to the lifecycle machine's
// callers.
func NewRouter(health *monitoring.HealthManager, q *queue.Queue, hub *realtime.Hub, opts Options) (*gin.Engine, error) {
	if health == nil {
		return nil, errors.New("api: health manager is required")
	}
	if q == nil {
		return nil, errors.New("api: queue is required")
	}

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		report := health.Evaluate(c.Request.Context())
		status := http.StatusOK
		if report.Status == monitoring.StatusDown {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"success":    report.Success,
			"status":     report.Status,
			"checks":     report.Checks,
			"checked_at": time.Now().UTC(),
		})
	})

	if opts.MetricsEnabled {
		endpoint := opts.MetricsEndpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	api := r.Group("/api")
	{
		api.GET("/queue/jobs", listJobs(q))
		api.GET("/queue/stats", queueStats(q))
	}

	if hub != nil {
		r.GET("/ws", func(c *gin.Context) {
			streams := strings.Split(c.DefaultQuery("streams", realtime.StreamQueue), ",")
			hub.Serve(streams, c.Writer, c.Request)
		})
	}

	return r, nil
}

func listJobs(q *queue.Queue) gin.HandlerFunc {
	return func(c *gin.Context) {
		query := queue.JobQuery{
			GrantID: strings.TrimSpace(c.Query("grant_id")),
			Limit:   parseIntQuery(c, "limit", defaultJobListLimit),
		}

		if raw := strings.TrimSpace(c.Query("status")); raw != "" {
			for _, s := range strings.Split(raw, ",") {
				status := models.JobStatus(strings.TrimSpace(s))
				switch status {
				case models.JobPending, models.JobProcessing, models.JobCompleted, models.JobFailed:
					query.Statuses = append(query.Statuses, status)
				default:
					response.Error(c, apperrors.NewValidation("unknown job status: "+string(status)))
					return
				}
			}
		}

		jobs, err := q.List(c.Request.Context(), query)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, http.StatusOK, jobs)
	}
}

func queueStats(q *queue.Queue) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := q.Stats(c.Request.Context())
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, http.StatusOK, stats)
	}
}

func parseIntQuery(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
