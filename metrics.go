package main

import (
	"os"
	"time"

	"github.com/rcrowley/go-metrics"
)

// appMetrics tracks process-level counters alongside the per-subsystem
// go-metrics counters registered elsewhere.
type appMetrics struct {
	StartTime time.Time
	PID       int
}

type exportMetrics struct {
	UpTime           string
	PID              int
	VendsApproved    int64
	VendsDenied      int64
	CashForwarded    int64
	CashDropped      int64
	BackendFailures  int64
	SerialReconnects int64
	PeripheralState  string
}

var (
	metricVendsApproved      = metrics.NewRegisteredCounter("vend.approved", metrics.DefaultRegistry)
	metricVendsDenied        = metrics.NewRegisteredCounter("vend.denied", metrics.DefaultRegistry)
	metricCashSalesForwarded = metrics.NewRegisteredCounter("cashsale.forwarded", metrics.DefaultRegistry)
	metricCashSalesDropped   = metrics.NewRegisteredCounter("cashsale.dropped", metrics.DefaultRegistry)
	metricBackendFailures    = metrics.NewRegisteredCounter("backend.failures", metrics.DefaultRegistry)
	metricSerialReconnects   = metrics.NewRegisteredCounter("serial.reconnects", metrics.DefaultRegistry)
)

func registerMetrics() *appMetrics {
	return &appMetrics{
		StartTime: time.Now(),
		PID:       os.Getpid(),
	}
}

func (m *appMetrics) Export(state PeripheralState) *exportMetrics {
	return &exportMetrics{
		UpTime:           time.Since(m.StartTime).String(),
		PID:              m.PID,
		VendsApproved:    metricVendsApproved.Count(),
		VendsDenied:      metricVendsDenied.Count(),
		CashForwarded:    metricCashSalesForwarded.Count(),
		CashDropped:      metricCashSalesDropped.Count(),
		BackendFailures:  metricBackendFailures.Count(),
		SerialReconnects: metricSerialReconnects.Count(),
		PeripheralState:  state.String(),
	}
}
