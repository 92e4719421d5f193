package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordReply(t *testing.T) {
	before := testutil.ToFloat64(replies.WithLabelValues(ReplyRateLimited))
	RecordReply(ReplyRateLimited)
	RecordReply(ReplyRateLimited)
	assert.Equal(t, before+2, testutil.ToFloat64(replies.WithLabelValues(ReplyRateLimited)))
}

func TestSetActiveSessions(t *testing.T) {
	SetActiveSessions(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(activeSessions))
	SetActiveSessions(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(activeSessions))
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(reconnects)
	IncrementReconnects()
	assert.Equal(t, before+1, testutil.ToFloat64(reconnects))

	beforeSite := testutil.ToFloat64(siteFailures.WithLabelValues("webhook"))
	IncrementSiteFailure("webhook")
	assert.Equal(t, beforeSite+1, testutil.ToFloat64(siteFailures.WithLabelValues("webhook")))

	RecordAILatency(120 * time.Millisecond)
	assert.Equal(t, 1, testutil.CollectAndCount(aiLatency))
}
