package metrics

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/delivery/domain"
)

func TestRecordDeliveryIncrementsCounter(t *testing.T) {
	require := require.New(t)
	r := New()

	r.RecordDelivery("live_socket")
	r.RecordDelivery("live_socket")
	r.RecordDelivery("stored")

	metricFamilies, err := r.Prometheus().Gather()
	require.NoError(err)

	var found bool
	for _, mf := range metricFamilies {
		if mf.GetName() != "delivery_deliveries_total" {
			continue
		}
		found = true
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "path" && l.GetValue() == "live_socket" {
					require.Equal(float64(2), m.GetCounter().GetValue())
				}
			}
		}
	}
	require.True(found, "expected delivery_deliveries_total to be registered")
}

func TestPushLatencyRecorderFeedsQueueDepthGauge(t *testing.T) {
	require := require.New(t)
	r := New()
	recorder := r.PushLatencyRecorder()

	device := domain.DeviceKey{AccountUUID: uuid.New(), DeviceID: 1}
	recorder.RecordFirstInsert(device)

	metricFamilies, err := r.Prometheus().Gather()
	require.NoError(err)

	var found bool
	for _, mf := range metricFamilies {
		if mf.GetName() == "delivery_queue_depth" {
			found = true
		}
	}
	require.True(found)
}
