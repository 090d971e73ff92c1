package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devicegw_dispatch_total",
		Help: "Actions dispatched to devices, by action and result",
	}, []string{"action", "result"}) // result: "success", "failure", "busy", "unknown_device"

	busyTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devicegw_device_busy_total",
		Help: "Dispatches rejected because the device was busy",
	})

	driverDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "devicegw_driver_duration_seconds",
		Help:    "Time a device spent Running per action",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"action"})
)
