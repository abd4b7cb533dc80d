// Package metrics exposes Prometheus counters for servient interactions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector counts interactions per Thing. A nil *Collector is valid and
// records nothing.
type Collector struct {
	propertyReads  *prometheus.CounterVec
	propertyWrites *prometheus.CounterVec
	actionInvokes  *prometheus.CounterVec
	eventEmissions *prometheus.CounterVec
	notifications  *prometheus.CounterVec
	errors         *prometheus.CounterVec
	clientsCreated *prometheus.CounterVec
}

// NewCollector creates the counters and registers them with reg.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		propertyReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wot", Name: "property_reads_total",
			Help: "Property reads served by exposed things.",
		}, []string{"thing_id"}),
		propertyWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wot", Name: "property_writes_total",
			Help: "Property writes applied by exposed things.",
		}, []string{"thing_id"}),
		actionInvokes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wot", Name: "action_invocations_total",
			Help: "Action invocations handled by exposed things.",
		}, []string{"thing_id"}),
		eventEmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wot", Name: "event_emissions_total",
			Help: "Events emitted by exposed things.",
		}, []string{"thing_id"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wot", Name: "property_notifications_total",
			Help: "Property change notifications pushed to observers.",
		}, []string{"thing_id"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wot", Name: "interaction_errors_total",
			Help: "Failed interactions by operation.",
		}, []string{"thing_id", "operation"}),
		clientsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wot", Name: "protocol_clients_created_total",
			Help: "Protocol clients created by consumed things.",
		}, []string{"scheme"}),
	}

	for _, col := range []prometheus.Collector{
		c.propertyReads, c.propertyWrites, c.actionInvokes, c.eventEmissions,
		c.notifications, c.errors, c.clientsCreated,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) IncrementPropertyReads(thingID string) {
	if c != nil {
		c.propertyReads.WithLabelValues(thingID).Inc()
	}
}

func (c *Collector) IncrementPropertyWrites(thingID string) {
	if c != nil {
		c.propertyWrites.WithLabelValues(thingID).Inc()
	}
}

func (c *Collector) IncrementActionInvokes(thingID string) {
	if c != nil {
		c.actionInvokes.WithLabelValues(thingID).Inc()
	}
}

func (c *Collector) IncrementEventEmissions(thingID string) {
	if c != nil {
		c.eventEmissions.WithLabelValues(thingID).Inc()
	}
}

func (c *Collector) IncrementNotifications(thingID string) {
	if c != nil {
		c.notifications.WithLabelValues(thingID).Inc()
	}
}

func (c *Collector) IncrementErrors(thingID, operation string) {
	if c != nil {
		c.errors.WithLabelValues(thingID, operation).Inc()
	}
}

func (c *Collector) IncrementClientsCreated(scheme string) {
	if c != nil {
		c.clientsCreated.WithLabelValues(scheme).Inc()
	}
}
