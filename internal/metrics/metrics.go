// Package metrics holds the prometheus collectors shared by the node cache
// and the daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the registry served on the daemon debug listener.
var Registry = prometheus.NewRegistry()

var (
	remoteCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sharefs",
		Name:      "remote_calls_total",
		Help:      "Calls made to the remote folder service, by operation.",
	}, []string{"op"})

	lookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sharefs",
		Name:      "lookups_total",
		Help:      "Path resolutions, by outcome.",
	}, []string{"result"})

	staleEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sharefs",
		Name:      "stale_events_total",
		Help:      "Nodes found to no longer exist on the host.",
	})

	raceLosses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sharefs",
		Name:      "lookup_race_losses_total",
		Help:      "Resolutions whose freshly built node was discarded in favour of a concurrent one.",
	})
)

func init() {
	Registry.MustRegister(remoteCalls, lookups, staleEvents, raceLosses)
}

// Lookup outcomes.
const (
	LookupCached   = "cached"
	LookupRemote   = "remote"
	LookupNotFound = "not_found"
	LookupError    = "error"
)

// RemoteCall counts one call to the remote folder service.
func RemoteCall(op string) { remoteCalls.WithLabelValues(op).Inc() }

// Lookup counts one path resolution.
func Lookup(result string) { lookups.WithLabelValues(result).Inc() }

// StaleEvent counts one node becoming stale.
func StaleEvent() { staleEvents.Inc() }

// RaceLoss counts one discarded duplicate node.
func RaceLoss() { raceLosses.Inc() }

// RegisterGaugeFunc exposes a value computed on scrape. Registering the same
// name twice replaces nothing and returns the registration error.
func RegisterGaugeFunc(name, help string, labels prometheus.Labels, fn func() float64) error {
	return Registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "sharefs",
		Name:        name,
		Help:        help,
		ConstLabels: labels,
	}, fn))
}

// UnregisterGaugeFunc removes a gauge added by RegisterGaugeFunc.
func UnregisterGaugeFunc(name string, labels prometheus.Labels) bool {
	return Registry.Unregister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "sharefs",
		Name:        name,
		ConstLabels: labels,
	}, nil))
}
