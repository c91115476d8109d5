package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPosition() *CollateralPosition {
	p := NewCollateralPosition("POS-1", "alice", "FUSD", "USD")
	p.ApplyMint(150000, 100000, decimal.NewFromFloat(1.5))
	return p
}

func TestPositionApplyMint(t *testing.T) {
	p := newTestPosition()

	assert.Equal(t, int64(150000), p.CollateralAmount)
	assert.Equal(t, int64(100000), p.DebtAmount)
	assert.True(t, p.CollateralRatio.Equal(decimal.NewFromFloat(1.5)))
	assert.Equal(t, PositionActive, p.Status)

	t.Run("accumulates on repeat mint", func(t *testing.T) {
		p.ApplyMint(150000, 100000, decimal.NewFromFloat(1.5))
		assert.Equal(t, int64(300000), p.CollateralAmount)
		assert.Equal(t, int64(200000), p.DebtAmount)
	})

	t.Run("rejects non-positive debt delta", func(t *testing.T) {
		assert.Panics(t, func() { p.ApplyMint(100, 0, decimal.NewFromInt(1)) })
	})
}

func TestPositionApplyBurn(t *testing.T) {
	t.Run("partial burn keeps position active", func(t *testing.T) {
		p := newTestPosition()
		closed := p.ApplyBurn(50000, 75000, decimal.NewFromFloat(1.5))

		assert.False(t, closed)
		assert.Equal(t, int64(50000), p.DebtAmount)
		assert.Equal(t, int64(75000), p.CollateralAmount)
		assert.Equal(t, PositionActive, p.Status)
	})

	t.Run("full burn closes position", func(t *testing.T) {
		p := newTestPosition()
		closed := p.ApplyBurn(100000, 150000, decimal.Zero)

		assert.True(t, closed)
		assert.Equal(t, int64(0), p.DebtAmount)
		assert.Equal(t, int64(0), p.CollateralAmount)
		assert.Equal(t, PositionClosed, p.Status)
	})

	t.Run("closing with residual collateral violates invariant", func(t *testing.T) {
		p := newTestPosition()
		assert.Panics(t, func() { p.ApplyBurn(100000, 140000, decimal.Zero) })
	})

	t.Run("burn beyond debt violates invariant", func(t *testing.T) {
		p := newTestPosition()
		assert.Panics(t, func() { p.ApplyBurn(100001, 150000, decimal.Zero) })
	})

	t.Run("burn on closed position violates invariant", func(t *testing.T) {
		p := newTestPosition()
		p.ApplyBurn(100000, 150000, decimal.Zero)
		assert.Panics(t, func() { p.ApplyBurn(1, 0, decimal.Zero) })
	})
}

func TestPositionApplyLiquidation(t *testing.T) {
	t.Run("partial liquidation stays active", func(t *testing.T) {
		p := NewCollateralPosition("POS-2", "bob", "FUSD", "USD")
		p.ApplyMint(110000, 100000, decimal.NewFromFloat(1.1))

		full := p.ApplyLiquidation(50000, 55000, decimal.NewFromFloat(1.1))

		assert.False(t, full)
		assert.Equal(t, int64(50000), p.DebtAmount)
		assert.Equal(t, int64(55000), p.CollateralAmount)
		assert.Equal(t, PositionActive, p.Status)
		assert.Nil(t, p.LiquidatedAt)
	})

	t.Run("full liquidation is terminal", func(t *testing.T) {
		p := NewCollateralPosition("POS-3", "bob", "FUSD", "USD")
		p.ApplyMint(110000, 100000, decimal.NewFromFloat(1.1))

		full := p.ApplyLiquidation(100000, 110000, decimal.Zero)

		assert.True(t, full)
		assert.Equal(t, PositionLiquidated, p.Status)
		require.NotNil(t, p.LiquidatedAt)
		assert.True(t, p.CollateralRatio.IsZero())

		assert.Panics(t, func() { p.ApplyLiquidation(1, 0, decimal.Zero) })
	})

	t.Run("seizing more than collateral violates invariant", func(t *testing.T) {
		p := newTestPosition()
		assert.Panics(t, func() { p.ApplyLiquidation(100000, 150001, decimal.Zero) })
	})
}

func TestPositionCheckAsset(t *testing.T) {
	p := NewCollateralPosition("POS-4", "alice", "FUSD", "USD")

	assert.NoError(t, p.CheckAsset("USD"))

	err := p.CheckAsset("EUR")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAssetMismatch)
}

func TestPositionHoursSinceInteraction(t *testing.T) {
	p := newTestPosition()
	p.LastInteractionAt = time.Now().Add(-48 * time.Hour)

	assert.InDelta(t, 48.0, p.HoursSinceInteraction(time.Now()), 0.01)
}
