package health

import (
	"fmt"
	"sort"
	"sync"

	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/zero-day-ai/pluginhost/plugin"
)

// OverallService is the service name that reports the whole host.
const OverallService = ""

// ServiceName returns the health service name of a plugin.
func ServiceName(pluginID int) string {
	return fmt.Sprintf("plugin/%d", pluginID)
}

// Reporter tracks per-plugin health and mirrors it into a gRPC health server.
//
// Thread-safety: All methods are safe for concurrent use.
type Reporter struct {
	hs *health.Server

	mu       sync.Mutex
	statuses map[int]plugin.HealthStatus
}

// NewReporter creates a reporter with the host reported as SERVING.
func NewReporter() *Reporter {
	r := &Reporter{
		hs:       health.NewServer(),
		statuses: make(map[int]plugin.HealthStatus),
	}
	r.hs.SetServingStatus(OverallService, grpc_health_v1.HealthCheckResponse_SERVING)
	return r
}

// HealthServer returns the underlying gRPC health service.
func (r *Reporter) HealthServer() *health.Server {
	return r.hs
}

// Report records the status of a plugin and updates its service and the overall one.
func (r *Reporter) Report(pluginID int, status plugin.HealthStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.statuses[pluginID] = status
	r.hs.SetServingStatus(ServiceName(pluginID), servingStatus(status))
	r.updateOverallLocked()
}

// Forget stops tracking a plugin. Its service keeps answering NOT_SERVING so
// watchers see it go away.
func (r *Reporter) Forget(pluginID int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.statuses, pluginID)
	r.hs.SetServingStatus(ServiceName(pluginID), grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	r.updateOverallLocked()
}

// Status returns the last reported status of a plugin.
func (r *Reporter) Status(pluginID int) (plugin.HealthStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.statuses[pluginID]
	return st, ok
}

// Overall combines the statuses of every tracked plugin.
func (r *Reporter) Overall() plugin.HealthStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overallLocked()
}

// Shutdown reports every service as NOT_SERVING and ignores later updates.
func (r *Reporter) Shutdown() {
	r.hs.Shutdown()
}

func (r *Reporter) overallLocked() plugin.HealthStatus {
	ids := make([]int, 0, len(r.statuses))
	for id := range r.statuses {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	checks := make([]plugin.HealthStatus, 0, len(ids))
	for _, id := range ids {
		st := r.statuses[id]
		if st.Message == "" {
			st.Message = ServiceName(id)
		} else {
			st.Message = ServiceName(id) + ": " + st.Message
		}
		checks = append(checks, st)
	}
	return Combine(checks...)
}

func (r *Reporter) updateOverallLocked() {
	r.hs.SetServingStatus(OverallService, servingStatus(r.overallLocked()))
}

// servingStatus maps a plugin status onto the gRPC protocol. Degraded plugins
// still serve.
func servingStatus(st plugin.HealthStatus) grpc_health_v1.HealthCheckResponse_ServingStatus {
	if st.IsUnhealthy() {
		return grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	return grpc_health_v1.HealthCheckResponse_SERVING
}
