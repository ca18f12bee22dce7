package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordEvent(t *testing.T) {
	before := testutil.ToFloat64(EventsTotal.WithLabelValues("page_view", "applied"))
	RecordEvent("page_view", "applied", time.Millisecond)
	RecordEvent("page_view", "duplicate", 0)
	assert.Equal(t, before+1, testutil.ToFloat64(EventsTotal.WithLabelValues("page_view", "applied")))
	assert.Equal(t, 1, testutil.CollectAndCount(IngestDuration))
}

func TestRecordSnapshot(t *testing.T) {
	ok := testutil.ToFloat64(SnapshotsBuilt.WithLabelValues("ok"))
	bad := testutil.ToFloat64(SnapshotsBuilt.WithLabelValues("error"))
	RecordSnapshot(nil)
	RecordSnapshot(errors.New("boom"))
	assert.Equal(t, ok+1, testutil.ToFloat64(SnapshotsBuilt.WithLabelValues("ok")))
	assert.Equal(t, bad+1, testutil.ToFloat64(SnapshotsBuilt.WithLabelValues("error")))
}

func TestRecordRealtime(t *testing.T) {
	RecordRealtime(7, 42)
	assert.Equal(t, float64(7), testutil.ToFloat64(RealtimeActiveUsers))
	assert.Equal(t, float64(42), testutil.ToFloat64(RealtimeEvents))
}
