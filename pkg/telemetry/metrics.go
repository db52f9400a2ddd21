package telemetry

import (
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_http_requests_total",
		Help: "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatrelay_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	MessagesAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_messages_appended_total",
		Help: "Messages appended to conversation logs.",
	})

	FramesPushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_frames_pushed_total",
		Help: "Frames pushed to live subscribers by frame type.",
	}, []string{"type"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatrelay_ws_connections",
		Help: "Currently attached websocket sessions.",
	})

	DirectoryChanges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_directory_changes_total",
		Help: "Directory change records appended to the feed.",
	})
)

// observeRequest records a finished HTTP request. Route labels collapse
// path parameters to keep cardinality bounded.
func observeRequest(method, path string, status int, dur time.Duration) {
	route := routeLabel(path)
	httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, route).Observe(dur.Seconds())
}

func routeLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		return "/" + strings.Join(parts, "/")
	}
	switch parts[1] {
	case "rooms":
		if len(parts) == 2 {
			return "/v1/rooms"
		}
		if len(parts) == 3 {
			return "/v1/rooms/{name}"
		}
		if parts[3] == "members" {
			return "/v1/rooms/{name}/members/{email}"
		}
		return "/v1/rooms/{name}/" + strings.Join(parts[3:], "/")
	case "conversations":
		if len(parts) >= 4 {
			return "/v1/conversations/{type}/{id}/" + strings.Join(parts[4:], "/")
		}
		return "/v1/conversations"
	default:
		return "/v1/" + parts[1]
	}
}
