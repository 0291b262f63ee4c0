package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewCollector(t *testing.T) {
	c := NewCollector("test", zap.NewNop())

	require.NotNil(t, c)
	assert.NotNil(t, c.Registry())
	assert.NotNil(t, c.connectedPeers)
	assert.NotNil(t, c.envelopesSent)
	assert.NotNil(t, c.handshakeFailed)
}

// Each collector owns its registry, so two collectors with the same
// namespace must not collide.
func TestCollectorsAreIsolated(t *testing.T) {
	a := NewCollector("mesh", zap.NewNop())
	b := NewCollector("mesh", zap.NewNop())

	a.RecordSighting()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.sightings))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.sightings))
}

func TestPeerCounts(t *testing.T) {
	c := NewCollector("test", zap.NewNop())

	c.SetPeerCounts(3, 10)
	assert.Equal(t, 3.0, testutil.ToFloat64(c.connectedPeers))
	assert.Equal(t, 10.0, testutil.ToFloat64(c.knownPeers))

	c.SetPeerCounts(0, 10)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.connectedPeers))
}

func TestEnvelopeCounters(t *testing.T) {
	c := NewCollector("test", zap.NewNop())

	c.RecordEnvelopeSent("heartbeat")
	c.RecordEnvelopeSent("heartbeat")
	c.RecordEnvelopeReceived("task_relay")
	c.RecordEnvelopeDropped("replay")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.envelopesSent.WithLabelValues("heartbeat")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.envelopesRecv.WithLabelValues("task_relay")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.envelopesDrop.WithLabelValues("replay")))
}

func TestRecordDial(t *testing.T) {
	c := NewCollector("test", zap.NewNop())

	c.RecordDial(nil)
	c.RecordDial(errors.New("refused"))
	c.RecordDial(errors.New("refused"))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.dialAttempts.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.dialAttempts.WithLabelValues("error")))
}

func TestSyncCounters(t *testing.T) {
	c := NewCollector("test", zap.NewNop())

	c.RecordSyncApplied()
	c.RecordSyncStale()
	c.RecordSyncStale()

	assert.Equal(t, 1.0, testutil.ToFloat64(c.syncApplied))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.syncStale))
}
