package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordHTTPRequest(t *testing.T) {
	HTTPRequestsTotal.Reset()
	HTTPRequestDuration.Reset()

	RecordHTTPRequest("POST", "/api/user/redemptions", "201", 0.02)
	RecordHTTPRequest("POST", "/api/user/redemptions", "201", 0.03)
	RecordHTTPRequest("POST", "/api/user/redemptions", "402", 0.01)

	assert.Equal(t, float64(2), testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("POST", "/api/user/redemptions", "201")))
	assert.Equal(t, float64(1), testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("POST", "/api/user/redemptions", "402")))
	assert.Equal(t, 1, testutil.CollectAndCount(HTTPRequestDuration))
}

func TestRecordDeposit(t *testing.T) {
	depositsBefore := testutil.ToFloat64(DepositsTotal)
	coinsBefore := testutil.ToFloat64(CoinsCreditedTotal)

	RecordDeposit(12)
	RecordDeposit(3)

	assert.Equal(t, depositsBefore+2, testutil.ToFloat64(DepositsTotal))
	assert.Equal(t, coinsBefore+15, testutil.ToFloat64(CoinsCreditedTotal))
}

func TestRecordRedemption(t *testing.T) {
	RedemptionsTotal.Reset()
	debitedBefore := testutil.ToFloat64(CoinsDebitedTotal)

	RecordRedemption("create", "ok", 0)
	RecordRedemption("confirm", "ok", 80)
	RecordRedemption("confirm", "expired", 0)

	assert.Equal(t, float64(1), testutil.ToFloat64(RedemptionsTotal.WithLabelValues("create", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(RedemptionsTotal.WithLabelValues("confirm", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(RedemptionsTotal.WithLabelValues("confirm", "expired")))
	assert.Equal(t, debitedBefore+80, testutil.ToFloat64(CoinsDebitedTotal))
}

func TestRecordVerification(t *testing.T) {
	VerificationsTotal.Reset()

	RecordVerification("selfie", true)
	RecordVerification("selfie", false)
	RecordVerification("selfie", false)

	assert.Equal(t, float64(1), testutil.ToFloat64(VerificationsTotal.WithLabelValues("selfie", "passed")))
	assert.Equal(t, float64(2), testutil.ToFloat64(VerificationsTotal.WithLabelValues("selfie", "rejected")))
}

func TestSetLedgerDrift(t *testing.T) {
	SetLedgerDrift(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(LedgerDriftUsers))

	SetLedgerDrift(0)
	assert.Equal(t, float64(0), testutil.ToFloat64(LedgerDriftUsers))
}

func TestRecordRateLimited(t *testing.T) {
	RateLimitedTotal.Reset()

	RecordRateLimited("redeem")

	assert.Equal(t, float64(1), testutil.ToFloat64(RateLimitedTotal.WithLabelValues("redeem")))
}
