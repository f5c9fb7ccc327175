package aggregator

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"QuorumDriver/internal/types"
)

func TestGetQuorumRetryAfter(t *testing.T) {
	type vote struct {
		stake types.StakeUnit
		after time.Duration
	}

	tests := []struct {
		name      string
		votes     []vote
		good      types.StakeUnit
		threshold types.StakeUnit
		want      time.Duration
	}{
		{
			name:      "nothing recorded",
			threshold: 3,
		},
		{
			name:      "single delay",
			votes:     []vote{{3, 30 * time.Second}},
			good:      1,
			threshold: 3,
			want:      30 * time.Second,
		},
		{
			name:      "smallest delay reaching quorum",
			votes:     []vote{{1, 10 * time.Second}, {1, 20 * time.Second}, {1, time.Minute}},
			good:      1,
			threshold: 3,
			want:      20 * time.Second,
		},
		{
			name:      "same delay summed",
			votes:     []vote{{1, 5 * time.Second}, {1, 5 * time.Second}, {1, time.Minute}},
			good:      1,
			threshold: 3,
			want:      5 * time.Second,
		},
		{
			name:      "largest delay when quorum is out of reach",
			votes:     []vote{{1, 10 * time.Second}, {1, 40 * time.Second}},
			threshold: 5,
			want:      40 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var info RetryableOverloadInfo
			var total types.StakeUnit
			for _, v := range tt.votes {
				info.Add(v.stake, v.after)
				total += v.stake
			}

			require.Equal(t, total, info.TotalStake)
			require.Equal(t, tt.want, info.GetQuorumRetryAfter(tt.good, tt.threshold))
		})
	}
}

func TestTimeoutConfigDefaults(t *testing.T) {
	got := TimeoutConfig{PreQuorumTimeout: time.Second}.withDefaults()

	require.Equal(t, time.Second, got.PreQuorumTimeout)
	require.Equal(t, DefaultPostQuorumTimeout, got.PostQuorumTimeout)
	require.Equal(t, DefaultSerialAuthorityRequestInterval, got.SerialAuthorityRequestInterval)
	require.Equal(t, DefaultTimeoutConfig(), TimeoutConfig{}.withDefaults())
}

func TestGaugeGuard(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	done := gaugeGuard(m.InflightTransactions)
	require.Equal(t, 1.0, testutil.ToFloat64(m.InflightTransactions))

	done()
	require.Zero(t, testutil.ToFloat64(m.InflightTransactions))
}

func TestNewMetricsRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.TxCertificatesCreated.Inc()
	m.RPCErrors.WithLabelValues("a", "unavailable").Inc()

	count, err := testutil.GatherAndCount(reg, "total_tx_certificates_created", "total_rpc_err")
	require.NoError(t, err)
	require.Equal(t, 2, count)

	// A nil registerer keeps the collectors unregistered.
	require.NotPanics(t, func() { NewMetrics(nil) })
	require.NotPanics(t, func() { NewMetrics(nil) })
}
