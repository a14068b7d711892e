package diagnostics

import (
	"time"

	"github.com/pkg/errors"
	"go.viam.com/utils/perf"
)

// SetupTelemetry registers the localizer views and starts an exporter that periodically
// reports spans and stats to the log.
func SetupTelemetry(reportingInterval time.Duration) (perf.Exporter, error) {
	if err := RegisterViews(); err != nil {
		return nil, errors.Wrap(err, "error registering metric views")
	}
	exporter := perf.NewDevelopmentExporterWithOptions(perf.DevelopmentExporterOptions{
		ReportingInterval: reportingInterval,
	})
	if err := exporter.Start(); err != nil {
		return nil, err
	}

	return exporter, nil
}
