package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func testInit(t *testing.T) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	Init(logger)
	SetEnabled(true)
}

// Relay traffic counters aggregate across all calls; only the drop reason
// is a label, so the series count stays fixed over the process lifetime.
func TestRelayCountersAggregateAcrossCalls(t *testing.T) {
	testInit(t)

	packets := testutil.ToFloat64(RTPPacketsForwarded)
	bytes := testutil.ToFloat64(RTPBytesForwarded)

	RecordForwardedPacket(160)
	RecordForwardedPacket(172)

	assert.Equal(t, packets+2, testutil.ToFloat64(RTPPacketsForwarded))
	assert.Equal(t, bytes+332, testutil.ToFloat64(RTPBytesForwarded))

	drops := testutil.ToFloat64(RTPDroppedPackets.WithLabelValues("too_short"))
	RecordDroppedPacket("too_short")
	RecordDroppedPacket("unexpected_source")
	assert.Equal(t, drops+1, testutil.ToFloat64(RTPDroppedPackets.WithLabelValues("too_short")))
}

func TestRecordingDisabledIsInert(t *testing.T) {
	testInit(t)
	SetEnabled(false)
	defer SetEnabled(true)

	packets := testutil.ToFloat64(RTPPacketsForwarded)
	RecordForwardedPacket(160)
	RecordDroppedPacket("too_short")
	assert.Equal(t, packets, testutil.ToFloat64(RTPPacketsForwarded))
}
