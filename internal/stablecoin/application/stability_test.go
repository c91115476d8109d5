package application

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/stablecoin/internal/stablecoin/domain"
)

type stabilityFixture struct {
	coin      *domain.Stablecoin
	coins     *fakeCoinRepo
	oracle    *fakeOracle
	publisher *recordingPublisher
	svc       *StabilityService
}

func newStabilityFixture(mechanism domain.StabilityMechanism) *stabilityFixture {
	coin := newFUSD()
	coin.Symbol = "CUSD"
	coin.Mechanism = mechanism
	f := &stabilityFixture{
		coin:      coin,
		coins:     newFakeCoinRepo(coin),
		oracle:    newFakeOracle(),
		publisher: &recordingPublisher{},
	}
	f.svc = NewStabilityService(f.coins, f.oracle, passthroughTx{}, f.publisher,
		StabilityConfig{}, testLogger())
	return f
}

func (f *stabilityFixture) setMarketPrice(price float64) {
	f.oracle.setRate("CUSD", "USD", decimal.NewFromFloat(price))
}

func TestCheckPegDeviation(t *testing.T) {
	ctx := context.Background()

	t.Run("above peg beyond threshold", func(t *testing.T) {
		f := newStabilityFixture(domain.MechanismCollateralized)
		f.setMarketPrice(1.05)

		deviation, err := f.svc.CheckPegDeviation(ctx, "CUSD")
		require.NoError(t, err)

		assert.True(t, deviation.Deviation.Equal(decimal.NewFromFloat(0.05)),
			"got %s", deviation.Deviation)
		assert.True(t, deviation.Percentage.Equal(decimal.NewFromInt(5)),
			"got %s", deviation.Percentage)
		assert.Equal(t, "above", deviation.Direction)
		assert.False(t, deviation.WithinThreshold)
	})

	t.Run("below peg", func(t *testing.T) {
		f := newStabilityFixture(domain.MechanismCollateralized)
		f.setMarketPrice(0.95)

		deviation, err := f.svc.CheckPegDeviation(ctx, "CUSD")
		require.NoError(t, err)

		assert.Equal(t, "below", deviation.Direction)
		assert.True(t, deviation.Percentage.Equal(decimal.NewFromInt(-5)),
			"got %s", deviation.Percentage)
	})

	t.Run("small deviation stays within threshold", func(t *testing.T) {
		f := newStabilityFixture(domain.MechanismCollateralized)
		f.setMarketPrice(1.005)

		deviation, err := f.svc.CheckPegDeviation(ctx, "CUSD")
		require.NoError(t, err)
		assert.True(t, deviation.WithinThreshold)
	})

	t.Run("oracle failure propagates", func(t *testing.T) {
		f := newStabilityFixture(domain.MechanismCollateralized)
		_, err := f.svc.CheckPegDeviation(ctx, "CUSD")
		assert.ErrorIs(t, err, domain.ErrRateUnavailable)
	})
}

func TestCalculateFeeAdjustment(t *testing.T) {
	ctx := context.Background()

	t.Run("above peg raises mint fee and lowers burn fee", func(t *testing.T) {
		f := newStabilityFixture(domain.MechanismCollateralized)
		f.setMarketPrice(1.05)

		adj, err := f.svc.CalculateFeeAdjustment(ctx, "CUSD")
		require.NoError(t, err)

		// 偏离 5% → 调整系数 0.5
		assert.True(t, adj.NewMintFee.Equal(decimal.NewFromFloat(0.0075)),
			"got %s", adj.NewMintFee)
		assert.True(t, adj.NewBurnFee.Equal(decimal.NewFromFloat(0.0015)),
			"got %s", adj.NewBurnFee)
	})

	t.Run("below peg lowers mint fee and raises burn fee", func(t *testing.T) {
		f := newStabilityFixture(domain.MechanismCollateralized)
		f.setMarketPrice(0.95)

		adj, err := f.svc.CalculateFeeAdjustment(ctx, "CUSD")
		require.NoError(t, err)

		assert.True(t, adj.NewMintFee.Equal(decimal.NewFromFloat(0.0025)),
			"got %s", adj.NewMintFee)
		assert.True(t, adj.NewBurnFee.Equal(decimal.NewFromFloat(0.0045)),
			"got %s", adj.NewBurnFee)
	})

	t.Run("within threshold keeps base fees", func(t *testing.T) {
		f := newStabilityFixture(domain.MechanismCollateralized)
		f.setMarketPrice(1.005)

		adj, err := f.svc.CalculateFeeAdjustment(ctx, "CUSD")
		require.NoError(t, err)

		assert.True(t, adj.NewMintFee.Equal(f.coin.BaseMintFee))
		assert.True(t, adj.NewBurnFee.Equal(f.coin.BaseBurnFee))
	})

	t.Run("adjustment factor saturates at full scale", func(t *testing.T) {
		f := newStabilityFixture(domain.MechanismCollateralized)
		f.coin.BaseMintFee = decimal.NewFromFloat(0.08)
		f.setMarketPrice(1.5)

		adj, err := f.svc.CalculateFeeAdjustment(ctx, "CUSD")
		require.NoError(t, err)

		// 0.08 × 2 超过上界，裁剪到 0.10；销毁费压到 0
		assert.True(t, adj.NewMintFee.Equal(domain.MaxFeeBound), "got %s", adj.NewMintFee)
		assert.True(t, adj.NewBurnFee.IsZero(), "got %s", adj.NewBurnFee)
	})
}

func TestCalculateSupplyIncentives(t *testing.T) {
	ctx := context.Background()

	t.Run("below peg rewards burning", func(t *testing.T) {
		f := newStabilityFixture(domain.MechanismAlgorithmic)
		f.setMarketPrice(0.95)

		adj, err := f.svc.CalculateSupplyIncentives(ctx, "CUSD")
		require.NoError(t, err)

		assert.Equal(t, "burn", adj.RecommendedAction)
		assert.True(t, adj.BurnPenalty.Equal(decimal.NewFromFloat(0.05)),
			"got %s", adj.BurnPenalty)
		assert.True(t, adj.MintReward.IsZero())
	})

	t.Run("above peg rewards minting", func(t *testing.T) {
		f := newStabilityFixture(domain.MechanismAlgorithmic)
		f.setMarketPrice(1.05)

		adj, err := f.svc.CalculateSupplyIncentives(ctx, "CUSD")
		require.NoError(t, err)

		assert.Equal(t, "mint", adj.RecommendedAction)
		assert.True(t, adj.MintReward.Equal(decimal.NewFromFloat(0.05)))
	})

	t.Run("incentive clamps to upper bound", func(t *testing.T) {
		f := newStabilityFixture(domain.MechanismAlgorithmic)
		f.setMarketPrice(0.80)

		adj, err := f.svc.CalculateSupplyIncentives(ctx, "CUSD")
		require.NoError(t, err)
		assert.True(t, adj.BurnPenalty.Equal(domain.MaxFeeBound), "got %s", adj.BurnPenalty)
	})

	t.Run("within threshold holds", func(t *testing.T) {
		f := newStabilityFixture(domain.MechanismAlgorithmic)
		f.setMarketPrice(1.005)

		adj, err := f.svc.CalculateSupplyIncentives(ctx, "CUSD")
		require.NoError(t, err)
		assert.Equal(t, "hold", adj.RecommendedAction)
	})
}

func TestApply(t *testing.T) {
	ctx := context.Background()

	t.Run("collateralized mechanism adjusts fees only", func(t *testing.T) {
		f := newStabilityFixture(domain.MechanismCollateralized)
		f.setMarketPrice(1.05)

		actions, err := f.svc.Apply(ctx, "CUSD")
		require.NoError(t, err)

		require.Len(t, actions, 1)
		assert.Equal(t, "fee_adjustment", actions[0].Action)
		assert.True(t, f.coin.MintFee.Equal(decimal.NewFromFloat(0.0075)),
			"got %s", f.coin.MintFee)
		assert.Contains(t, f.publisher.names(), "stability.mechanism.applied")
	})

	t.Run("hybrid mechanism adjusts fees and incentives", func(t *testing.T) {
		f := newStabilityFixture(domain.MechanismHybrid)
		f.setMarketPrice(0.95)

		actions, err := f.svc.Apply(ctx, "CUSD")
		require.NoError(t, err)

		require.Len(t, actions, 2)
		assert.Equal(t, "fee_adjustment", actions[0].Action)
		assert.Equal(t, "supply_incentive", actions[1].Action)
		assert.True(t, f.coin.AlgoBurnPenalty.Equal(decimal.NewFromFloat(0.05)),
			"got %s", f.coin.AlgoBurnPenalty)
	})

	t.Run("algorithmic mechanism adjusts incentives only", func(t *testing.T) {
		f := newStabilityFixture(domain.MechanismAlgorithmic)
		f.setMarketPrice(0.95)

		actions, err := f.svc.Apply(ctx, "CUSD")
		require.NoError(t, err)

		require.Len(t, actions, 1)
		assert.Equal(t, "supply_incentive", actions[0].Action)
		assert.True(t, f.coin.MintFee.Equal(f.coin.BaseMintFee), "fees untouched")
	})

	t.Run("within threshold is a no-op", func(t *testing.T) {
		f := newStabilityFixture(domain.MechanismHybrid)
		f.setMarketPrice(1.005)

		actions, err := f.svc.Apply(ctx, "CUSD")
		require.NoError(t, err)
		assert.Empty(t, actions)
		assert.Empty(t, f.publisher.events)
	})

	t.Run("recovered peg restores base fees and withdraws incentives", func(t *testing.T) {
		f := newStabilityFixture(domain.MechanismHybrid)
		f.setMarketPrice(0.95)
		_, err := f.svc.Apply(ctx, "CUSD")
		require.NoError(t, err)
		require.False(t, f.coin.MintFee.Equal(f.coin.BaseMintFee), "fees drifted by adjustment")
		require.False(t, f.coin.AlgoBurnPenalty.IsZero())
		f.publisher.events = nil

		f.setMarketPrice(1.0)
		actions, err := f.svc.Apply(ctx, "CUSD")
		require.NoError(t, err)

		require.Len(t, actions, 2)
		assert.Equal(t, "fee_reset", actions[0].Action)
		assert.Equal(t, "incentive_reset", actions[1].Action)
		assert.True(t, f.coin.MintFee.Equal(f.coin.BaseMintFee))
		assert.True(t, f.coin.BurnFee.Equal(f.coin.BaseBurnFee))
		assert.True(t, f.coin.AlgoMintReward.IsZero())
		assert.True(t, f.coin.AlgoBurnPenalty.IsZero())
		assert.Contains(t, f.publisher.names(), "stability.mechanism.applied")

		// 已处于基准则不再动作
		f.publisher.events = nil
		actions, err = f.svc.Apply(ctx, "CUSD")
		require.NoError(t, err)
		assert.Empty(t, actions)
		assert.Empty(t, f.publisher.events)
	})
}

func TestMonitorAllPegs(t *testing.T) {
	ctx := context.Background()
	f := newStabilityFixture(domain.MechanismCollateralized)

	warningCoin := newFUSD()
	warningCoin.Symbol = "WUSD"
	criticalCoin := newFUSD()
	criticalCoin.Symbol = "XUSD"
	blindCoin := newFUSD()
	blindCoin.Symbol = "ZUSD"
	_ = f.coins.Save(ctx, warningCoin)
	_ = f.coins.Save(ctx, criticalCoin)
	_ = f.coins.Save(ctx, blindCoin)

	f.setMarketPrice(1.005)
	f.oracle.setRate("WUSD", "USD", decimal.NewFromFloat(1.03))
	f.oracle.setRate("XUSD", "USD", decimal.NewFromFloat(1.20))
	// ZUSD 无报价

	statuses, err := f.svc.MonitorAllPegs(ctx)
	require.NoError(t, err)

	byStatus := make(map[string]string, len(statuses))
	for _, s := range statuses {
		byStatus[s.Symbol] = s.Status
	}
	assert.Equal(t, "healthy", byStatus["CUSD"])
	assert.Equal(t, "warning", byStatus["WUSD"])
	assert.Equal(t, "critical", byStatus["XUSD"])
	assert.Equal(t, "unknown", byStatus["ZUSD"])
}

func TestExecuteEmergencyActions(t *testing.T) {
	ctx := context.Background()

	t.Run("trips circuit breaker beyond emergency threshold", func(t *testing.T) {
		f := newStabilityFixture(domain.MechanismCollateralized)
		f.setMarketPrice(1.15)

		actions, err := f.svc.ExecuteEmergencyActions(ctx, "CUSD")
		require.NoError(t, err)

		require.Len(t, actions, 2)
		assert.Equal(t, "pause_minting", actions[0].Action)
		assert.Equal(t, "max_fee_adjustment", actions[1].Action)
		assert.False(t, f.coin.MintingEnabled)
		assert.True(t, f.coin.MintFee.Equal(domain.MaxFeeBound))
		assert.Contains(t, f.publisher.names(), "stability.circuit_breaker")
	})

	t.Run("already tripped breaker is idempotent", func(t *testing.T) {
		f := newStabilityFixture(domain.MechanismCollateralized)
		f.setMarketPrice(1.15)

		_, err := f.svc.ExecuteEmergencyActions(ctx, "CUSD")
		require.NoError(t, err)
		f.publisher.events = nil

		actions, err := f.svc.ExecuteEmergencyActions(ctx, "CUSD")
		require.NoError(t, err)
		assert.Empty(t, actions)
		assert.Empty(t, f.publisher.events)
	})

	t.Run("deviation below emergency threshold does nothing", func(t *testing.T) {
		f := newStabilityFixture(domain.MechanismCollateralized)
		f.setMarketPrice(1.05)

		actions, err := f.svc.ExecuteEmergencyActions(ctx, "CUSD")
		require.NoError(t, err)
		assert.Empty(t, actions)
		assert.True(t, f.coin.MintingEnabled)
	})
}

func TestRecommendations(t *testing.T) {
	ctx := context.Background()

	t.Run("low global collateral ratio", func(t *testing.T) {
		f := newStabilityFixture(domain.MechanismCollateralized)
		f.coin.TotalSupply = 100000
		f.coin.TotalCollateralValue = 100000

		recs, err := f.svc.Recommendations(ctx, "CUSD")
		require.NoError(t, err)

		actions := make([]string, 0, len(recs))
		for _, r := range recs {
			actions = append(actions, r.Action)
		}
		assert.ElementsMatch(t, []string{
			"increase_collateral_requirements",
			"incentivize_collateral_deposits",
		}, actions)
	})

	t.Run("high supply utilization", func(t *testing.T) {
		f := newStabilityFixture(domain.MechanismHybrid)
		f.coin.MaxSupply = 100000
		f.coin.TotalSupply = 90000
		f.coin.TotalCollateralValue = 180000

		recs, err := f.svc.Recommendations(ctx, "CUSD")
		require.NoError(t, err)

		actions := make([]string, 0, len(recs))
		for _, r := range recs {
			actions = append(actions, r.Action)
		}
		assert.Contains(t, actions, "reduce_max_supply")
		assert.Contains(t, actions, "increase_burn_incentives")
	})

	t.Run("healthy coin has no recommendations", func(t *testing.T) {
		f := newStabilityFixture(domain.MechanismCollateralized)
		f.coin.TotalSupply = 100000
		f.coin.TotalCollateralValue = 200000

		recs, err := f.svc.Recommendations(ctx, "CUSD")
		require.NoError(t, err)
		assert.Empty(t, recs)
	})
}
