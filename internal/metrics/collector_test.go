package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)

	c.IncrementPropertyReads("urn:dev:a")
	c.IncrementPropertyReads("urn:dev:a")
	c.IncrementPropertyWrites("urn:dev:a")
	c.IncrementActionInvokes("urn:dev:b")
	c.IncrementEventEmissions("urn:dev:b")
	c.IncrementNotifications("urn:dev:a")
	c.IncrementErrors("urn:dev:a", "readproperty")
	c.IncrementClientsCreated("http")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.propertyReads.WithLabelValues("urn:dev:a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.propertyWrites.WithLabelValues("urn:dev:a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.actionInvokes.WithLabelValues("urn:dev:b")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.eventEmissions.WithLabelValues("urn:dev:b")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.notifications.WithLabelValues("urn:dev:a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.errors.WithLabelValues("urn:dev:a", "readproperty")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.clientsCreated.WithLabelValues("http")))

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 7, count)
}

func TestCollector_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewCollector(reg)
	require.NoError(t, err)

	_, err = NewCollector(reg)
	assert.Error(t, err)
}

func TestCollector_Nil(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.IncrementPropertyReads("x")
		c.IncrementErrors("x", "y")
		c.IncrementClientsCreated("http")
	})
}
