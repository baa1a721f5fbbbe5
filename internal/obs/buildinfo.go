package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	// buildInfo is a constant 1 gauge labelled with version and commit.
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "b24app API build information.",
		},
		[]string{"version", "commit", "backend"},
	)
)

// InitBuildInfo registers build_info once and sets build_info{version,commit,backend="go"} 1.
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	if commit == "" {
		commit = "unknown"
	}
	buildInfo.WithLabelValues(version, commit, "go").Set(1)
}
