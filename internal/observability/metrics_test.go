package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecordRun(t *testing.T) {
	before := testutil.ToFloat64(runsTotal.WithLabelValues("test", "success"))
	RecordRun("test", "success", 20*time.Millisecond)
	require.Equal(t, before+1, testutil.ToFloat64(runsTotal.WithLabelValues("test", "success")))
}

func TestRecordUnseenIgnoresZero(t *testing.T) {
	before := testutil.ToFloat64(unseenItems)
	RecordUnseen(0)
	RecordUnseen(3)
	require.Equal(t, before+3, testutil.ToFloat64(unseenItems))
}

func TestRecordSuccessWatermark(t *testing.T) {
	RecordSuccess(time.Time{})
	ts := time.Unix(1_700_000_000, 0)
	RecordSuccess(ts)
	require.Equal(t, float64(ts.Unix()), testutil.ToFloat64(lastSuccess))
}

func TestRecordDeliverySkippedHasNoDuration(t *testing.T) {
	RecordDelivery("obs-test", "skipped", time.Second)
	require.Equal(t, 1.0, testutil.ToFloat64(deliveries.WithLabelValues("obs-test", "skipped")))
	require.Equal(t, 0, testutil.CollectAndCount(deliveryDuration, "ddlbot_sink_push_duration_seconds"))
}
