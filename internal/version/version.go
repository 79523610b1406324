// Package version хранит сведения о сборке, заполняемые через -ldflags:
//
//	go build -ldflags "-X github.com/vladislavdragonenkov/possync/internal/version.version=v1.2.0"
package version

import (
	"fmt"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Info returns version information populated via -ldflags.
func Info() (v, c, d string) { return version, commit, date }

// GetVersion возвращает версию сборки.
func GetVersion() string { return version }

// GetCommit возвращает commit сборки.
func GetCommit() string { return commit }

// GetDate возвращает дату сборки.
func GetDate() string { return date }

func String() string {
	return fmt.Sprintf("version=%s commit=%s date=%s go=%s", version, commit, date, runtime.Version())
}

// RegisterBuildInfo публикует метрику <component>_build_info со значением 1.
func RegisterBuildInfo(reg prometheus.Registerer, component string) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "possync",
		Name:        "build_info",
		Help:        "Build information of the running binary.",
		ConstLabels: prometheus.Labels{"component": component, "version": version, "commit": commit},
	})
	gauge.Set(1)
	return reg.Register(gauge)
}
