// Package metrics is the thin Prometheus registration helper every
// component with a counter goes through, mirroring the teacher's
// lib/observability/metrics.RegisterPrometheusCollectors: register once
// at package init, swallow AlreadyRegisteredError so re-importing a
// package under test never panics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Register adds each collector to the default registry, ignoring a
// collector that has already been registered by an earlier call (the
// same collector var can be registered more than once across tests in
// the same binary).
func Register(collectors ...prometheus.Collector) error {
	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}
