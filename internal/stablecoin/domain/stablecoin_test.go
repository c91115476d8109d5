package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStablecoin() *Stablecoin {
	return &Stablecoin{
		Symbol:             "FUSD",
		PegAssetCode:       "USD",
		TargetPrice:        decimal.NewFromInt(1),
		Mechanism:          MechanismCollateralized,
		CollateralRatio:    decimal.NewFromFloat(1.5),
		MinCollateralRatio: decimal.NewFromFloat(1.2),
		LiquidationPenalty: decimal.NewFromFloat(0.1),
		MintFee:            decimal.NewFromFloat(0.005),
		BurnFee:            decimal.NewFromFloat(0.003),
		BaseMintFee:        decimal.NewFromFloat(0.005),
		BaseBurnFee:        decimal.NewFromFloat(0.003),
		MaxSupply:          10_000_000,
		MintingEnabled:     true,
		BurningEnabled:     true,
		Status:             StablecoinActive,
	}
}

func TestStabilityMechanism(t *testing.T) {
	assert.True(t, MechanismCollateralized.AdjustsFees())
	assert.False(t, MechanismCollateralized.AdjustsIncentives())
	assert.False(t, MechanismAlgorithmic.AdjustsFees())
	assert.True(t, MechanismAlgorithmic.AdjustsIncentives())
	assert.True(t, MechanismHybrid.AdjustsFees())
	assert.True(t, MechanismHybrid.AdjustsIncentives())

	assert.True(t, MechanismHybrid.Valid())
	assert.False(t, StabilityMechanism("rebasing").Valid())
}

func TestStablecoinCanMint(t *testing.T) {
	coin := newTestStablecoin()

	assert.NoError(t, coin.CanMint(100000))

	t.Run("minting disabled", func(t *testing.T) {
		coin := newTestStablecoin()
		coin.MintingEnabled = false
		assert.ErrorIs(t, coin.CanMint(100000), ErrMintingDisabled)
	})

	t.Run("max supply exceeded", func(t *testing.T) {
		coin := newTestStablecoin()
		coin.TotalSupply = 9_950_000
		assert.ErrorIs(t, coin.CanMint(100000), ErrMaxSupplyExceeded)
		assert.NoError(t, coin.CanMint(50000))
	})
}

func TestStablecoinCanBurn(t *testing.T) {
	coin := newTestStablecoin()
	assert.NoError(t, coin.CanBurn())

	coin.BurningEnabled = false
	assert.ErrorIs(t, coin.CanBurn(), ErrBurningDisabled)
}

func TestStablecoinApplyMintAndBurn(t *testing.T) {
	coin := newTestStablecoin()

	coin.ApplyMint(100000, 150000)
	assert.Equal(t, int64(100000), coin.TotalSupply)
	assert.Equal(t, int64(150000), coin.TotalCollateralValue)

	coin.ApplyBurn(50000, 75000)
	assert.Equal(t, int64(50000), coin.TotalSupply)
	assert.Equal(t, int64(75000), coin.TotalCollateralValue)

	t.Run("burn below zero supply violates invariant", func(t *testing.T) {
		assert.Panics(t, func() { coin.ApplyBurn(60000, 0) })
	})
}

func TestStablecoinApplyLiquidation(t *testing.T) {
	coin := newTestStablecoin()
	coin.ApplyMint(100000, 110000)

	coin.ApplyLiquidation(100000, 110000)

	assert.Equal(t, int64(0), coin.TotalSupply)
	assert.Equal(t, int64(0), coin.TotalCollateralValue)
}

func TestStablecoinFees(t *testing.T) {
	coin := newTestStablecoin()

	assert.Equal(t, int64(500), coin.MintFeeAmount(100000))
	assert.Equal(t, int64(150), coin.BurnFeeAmount(50000))
	assert.Equal(t, int64(10000), coin.PenaltyAmount(100000))

	t.Run("set fees clamps to bound", func(t *testing.T) {
		coin.SetFees(decimal.NewFromFloat(0.5), decimal.NewFromFloat(-0.01))
		assert.True(t, coin.MintFee.Equal(MaxFeeBound), "got %s", coin.MintFee)
		assert.True(t, coin.BurnFee.IsZero())
	})

	t.Run("reset restores base fees", func(t *testing.T) {
		coin.ResetFeesToBase()
		assert.True(t, coin.MintFee.Equal(coin.BaseMintFee))
		assert.True(t, coin.BurnFee.Equal(coin.BaseBurnFee))
	})

	t.Run("set incentives clamps to bound", func(t *testing.T) {
		coin.SetIncentives(decimal.NewFromFloat(0.2), decimal.NewFromFloat(0.05))
		assert.True(t, coin.AlgoMintReward.Equal(MaxFeeBound))
		assert.True(t, coin.AlgoBurnPenalty.Equal(decimal.NewFromFloat(0.05)))
	})
}

func TestStablecoinRatios(t *testing.T) {
	coin := newTestStablecoin()
	coin.TotalSupply = 100000
	coin.TotalCollateralValue = 150000

	assert.True(t, coin.GlobalCollateralRatio().Equal(decimal.NewFromFloat(1.5)))

	t.Run("zero supply does not divide by zero", func(t *testing.T) {
		empty := newTestStablecoin()
		empty.TotalCollateralValue = 500
		assert.True(t, empty.GlobalCollateralRatio().Equal(decimal.NewFromInt(500)))
	})

	coin.MaxSupply = 1_000_000
	assert.True(t, coin.SupplyUtilization().Equal(decimal.NewFromFloat(0.1)),
		"got %s", coin.SupplyUtilization())
}

func TestDomainEventCollection(t *testing.T) {
	coin := newTestStablecoin()
	coin.AddEvent(StablecoinMintedEvent{Symbol: "FUSD"})

	require.Len(t, coin.DomainEvents(), 1)
	coin.ClearDomainEvents()
	assert.Empty(t, coin.DomainEvents())
}
