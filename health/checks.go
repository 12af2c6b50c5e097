package health

import (
	"fmt"
	"os"

	"github.com/zero-day-ai/pluginhost/plugin"
)

// FileCheck verifies that a file or directory exists.
//
// Example:
//
//	status := health.FileCheck("/opt/plugins")
//	if status.IsUnhealthy() {
//	    log.Fatal("plugin directory is missing")
//	}
func FileCheck(path string) plugin.HealthStatus {
	if path == "" {
		return plugin.NewUnhealthyStatus("path cannot be empty", nil)
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return plugin.NewUnhealthyStatus(
				fmt.Sprintf("path '%s' does not exist", path),
				map[string]any{
					"path": path,
				},
			)
		}

		return plugin.NewUnhealthyStatus(
			fmt.Sprintf("failed to stat path '%s'", path),
			map[string]any{
				"path":  path,
				"error": err.Error(),
			},
		)
	}

	fileType := "file"
	if info.IsDir() {
		fileType = "directory"
	}

	return plugin.NewHealthyStatus(
		fmt.Sprintf("%s '%s' exists", fileType, path),
	)
}

// Combine aggregates several statuses into one:
//   - unhealthy if any status is unhealthy
//   - degraded if any is degraded and none is unhealthy
//   - healthy otherwise, including when no statuses are given
func Combine(checks ...plugin.HealthStatus) plugin.HealthStatus {
	if len(checks) == 0 {
		return plugin.NewHealthyStatus("no checks provided")
	}

	var unhealthy, degraded []string
	var healthyCount int

	for _, check := range checks {
		msg := check.Message
		if msg == "" {
			msg = "unnamed check"
		}
		switch check.Status {
		case plugin.StatusUnhealthy:
			unhealthy = append(unhealthy, msg)
		case plugin.StatusDegraded:
			degraded = append(degraded, msg)
		case plugin.StatusHealthy:
			healthyCount++
		}
	}

	if len(unhealthy) > 0 {
		return plugin.NewUnhealthyStatus(
			fmt.Sprintf("%d check(s) failed", len(unhealthy)),
			map[string]any{
				"total":         len(checks),
				"unhealthy":     len(unhealthy),
				"degraded":      len(degraded),
				"healthy":       healthyCount,
				"failed_checks": unhealthy,
			},
		)
	}

	if len(degraded) > 0 {
		return plugin.NewDegradedStatus(
			fmt.Sprintf("%d check(s) degraded", len(degraded)),
			map[string]any{
				"total":           len(checks),
				"degraded":        len(degraded),
				"healthy":         healthyCount,
				"degraded_checks": degraded,
			},
		)
	}

	return plugin.NewHealthyStatus(
		fmt.Sprintf("all %d check(s) passed", len(checks)),
	)
}
