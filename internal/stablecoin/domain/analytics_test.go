package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertToPegAsset(t *testing.T) {
	tests := []struct {
		name   string
		asset  string
		amount int64
		peg    string
		rate   decimal.Decimal
		want   int64
	}{
		{"identity when same asset", "USD", 150000, "USD", decimal.Zero, 150000},
		{"converts with rate", "EUR", 150000, "USD", decimal.NewFromFloat(1.1), 165000},
		{"rounds to nearest minor unit", "BTC", 3, "USD", decimal.NewFromFloat(1.25), 4},
		{"zero amount", "EUR", 0, "USD", decimal.NewFromFloat(1.1), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ConvertToPegAsset(tt.asset, tt.amount, tt.peg, tt.rate)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestComputeCollateralRatio(t *testing.T) {
	ratio := ComputeCollateralRatio(150000, 100000)
	assert.True(t, ratio.Equal(decimal.NewFromFloat(1.5)), "got %s", ratio)

	assert.True(t, ComputeCollateralRatio(150000, 0).IsZero(), "zero debt has no defined ratio")
}

func TestHealthScore(t *testing.T) {
	minRatio := decimal.NewFromFloat(1.2)

	t.Run("no debt is perfectly healthy", func(t *testing.T) {
		assert.Equal(t, 1.0, HealthScore(0, decimal.Zero, minRatio))
	})

	t.Run("at liquidation threshold scores zero", func(t *testing.T) {
		assert.Equal(t, 0.0, HealthScore(100000, minRatio, minRatio))
	})

	t.Run("below threshold clamps to zero", func(t *testing.T) {
		assert.Equal(t, 0.0, HealthScore(100000, decimal.NewFromFloat(1.0), minRatio))
	})

	t.Run("target ratio scores proportionally", func(t *testing.T) {
		score := HealthScore(100000, decimal.NewFromFloat(1.5), minRatio)
		assert.InDelta(t, 0.25, score, 1e-9)
	})

	t.Run("monotonically increasing in ratio", func(t *testing.T) {
		prev := -1.0
		for _, r := range []float64{1.0, 1.2, 1.3, 1.5, 2.0, 2.4, 3.0} {
			score := HealthScore(100000, decimal.NewFromFloat(r), minRatio)
			assert.GreaterOrEqual(t, score, prev, "ratio %v", r)
			prev = score
		}
	})

	t.Run("caps at one", func(t *testing.T) {
		assert.Equal(t, 1.0, HealthScore(100000, decimal.NewFromFloat(10), minRatio))
	})

	t.Run("panics on non-positive min ratio", func(t *testing.T) {
		assert.Panics(t, func() {
			HealthScore(100000, decimal.NewFromFloat(1.5), decimal.Zero)
		})
	})
}

func TestLiquidationPriority(t *testing.T) {
	now := time.Now()
	fresh := now.Add(-time.Hour)

	t.Run("lower health means higher priority", func(t *testing.T) {
		sick := LiquidationPriority(0.1, 100000, fresh, now)
		healthy := LiquidationPriority(0.9, 100000, fresh, now)
		assert.Greater(t, sick, healthy)
	})

	t.Run("larger debt means higher priority", func(t *testing.T) {
		big := LiquidationPriority(0.5, 900000, fresh, now)
		small := LiquidationPriority(0.5, 100000, fresh, now)
		assert.Greater(t, big, small)
	})

	t.Run("staler position means higher priority", func(t *testing.T) {
		stale := LiquidationPriority(0.5, 100000, now.Add(-200*time.Hour), now)
		recent := LiquidationPriority(0.5, 100000, fresh, now)
		assert.Greater(t, stale, recent)
	})

	t.Run("bounded to unit interval", func(t *testing.T) {
		score := LiquidationPriority(0, 10_000_000, now.Add(-10000*time.Hour), now)
		assert.LessOrEqual(t, score, 1.0)
		assert.GreaterOrEqual(t, score, 0.0)
	})
}

func TestPositionRecommendations(t *testing.T) {
	target := decimal.NewFromFloat(1.5)
	minRatio := decimal.NewFromFloat(1.2)

	t.Run("well collateralized suggests minting more", func(t *testing.T) {
		recs := PositionRecommendations(decimal.NewFromFloat(3.2), target, minRatio)
		require.Len(t, recs, 1)
		assert.Equal(t, "mint_more", recs[0].Action)
	})

	t.Run("near threshold urges adding collateral", func(t *testing.T) {
		recs := PositionRecommendations(decimal.NewFromFloat(1.25), target, minRatio)
		require.Len(t, recs, 1)
		assert.Equal(t, "add_collateral", recs[0].Action)
		assert.Equal(t, "high", recs[0].Urgency)
	})

	t.Run("comfortable middle has no advice", func(t *testing.T) {
		assert.Empty(t, PositionRecommendations(decimal.NewFromFloat(1.8), target, minRatio))
	})
}

func TestDistributionReportFinalize(t *testing.T) {
	report := &DistributionReport{
		Distribution: []AssetDistribution{
			{Asset: "USD", PegValue: 150000, TotalAmount: 150000, PositionCount: 2},
			{Asset: "EUR", PegValue: 50000, TotalAmount: 45455, PositionCount: 1},
		},
		TotalPegValue: 200000,
	}
	report.Finalize()

	assert.InDelta(t, 75.0, report.Distribution[0].Percentage, 1e-9)
	assert.InDelta(t, 25.0, report.Distribution[1].Percentage, 1e-9)
}
