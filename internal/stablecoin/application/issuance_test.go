package application

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/stablecoin/internal/stablecoin/domain"
	"github.com/wyfcoding/stablecoin/pkg/metrics"
)

func newFUSD() *domain.Stablecoin {
	return &domain.Stablecoin{
		Symbol:             "FUSD",
		Name:               "Fiat USD",
		PegAssetCode:       "USD",
		TargetPrice:        decimal.NewFromInt(1),
		Mechanism:          domain.MechanismCollateralized,
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
		Status:             domain.StablecoinActive,
	}
}

type issuanceFixture struct {
	coin      *domain.Stablecoin
	coins     *fakeCoinRepo
	positions *fakePositionRepo
	ledger    *fakeLedger
	oracle    *fakeOracle
	publisher *recordingPublisher
	svc       *IssuanceService
}

func newIssuanceFixture() *issuanceFixture {
	f := &issuanceFixture{
		coin:      newFUSD(),
		positions: newFakePositionRepo(),
		ledger:    newFakeLedger(),
		oracle:    newFakeOracle(),
		publisher: &recordingPublisher{},
	}
	f.coins = newFakeCoinRepo(f.coin)
	f.svc = NewIssuanceService(f.coins, f.positions, f.ledger, f.oracle,
		passthroughTx{}, f.publisher, nil, testLogger())
	return f
}

func TestMint(t *testing.T) {
	ctx := context.Background()

	t.Run("mints against same-asset collateral", func(t *testing.T) {
		f := newIssuanceFixture()
		f.ledger.fund("alice", "USD", 1_000_000)

		result, err := f.svc.Mint(ctx, MintCommand{
			AccountID:        "alice",
			Symbol:           "FUSD",
			CollateralAsset:  "USD",
			CollateralAmount: 150000,
			MintAmount:       100000,
		})
		require.NoError(t, err)

		assert.Equal(t, int64(500), result.FeeAmount)
		assert.Equal(t, int64(99500), result.NetCredited)
		assert.True(t, result.CollateralRatio.Equal(decimal.NewFromFloat(1.5)))

		assert.Equal(t, int64(850000), f.ledger.balance("alice", "USD"))
		assert.Equal(t, int64(99500), f.ledger.balance("alice", "FUSD"))
		assert.Equal(t, int64(100000), f.coin.TotalSupply)
		assert.Equal(t, int64(150000), f.coin.TotalCollateralValue)

		position, err := f.positions.FindByID(ctx, result.PositionID)
		require.NoError(t, err)
		assert.Equal(t, int64(150000), position.CollateralAmount)
		assert.Equal(t, int64(100000), position.DebtAmount)

		assert.Contains(t, f.publisher.names(), "stablecoin.minted")
	})

	t.Run("repeat mint tops up the existing position", func(t *testing.T) {
		f := newIssuanceFixture()
		f.ledger.fund("alice", "USD", 1_000_000)

		first, err := f.svc.Mint(ctx, MintCommand{
			AccountID: "alice", Symbol: "FUSD", CollateralAsset: "USD",
			CollateralAmount: 150000, MintAmount: 100000,
		})
		require.NoError(t, err)
		second, err := f.svc.Mint(ctx, MintCommand{
			AccountID: "alice", Symbol: "FUSD", CollateralAsset: "USD",
			CollateralAmount: 150000, MintAmount: 100000,
		})
		require.NoError(t, err)

		assert.Equal(t, first.PositionID, second.PositionID)
		position, err := f.positions.FindByID(ctx, first.PositionID)
		require.NoError(t, err)
		assert.Equal(t, int64(300000), position.CollateralAmount)
		assert.Equal(t, int64(200000), position.DebtAmount)
		assert.Equal(t, int64(200000), f.coin.TotalSupply)
	})

	t.Run("foreign collateral is valued at oracle rate", func(t *testing.T) {
		f := newIssuanceFixture()
		f.ledger.fund("alice", "EUR", 1_000_000)
		f.oracle.setRate("EUR", "USD", decimal.NewFromFloat(1.1))

		result, err := f.svc.Mint(ctx, MintCommand{
			AccountID: "alice", Symbol: "FUSD", CollateralAsset: "EUR",
			CollateralAmount: 150000, MintAmount: 100000,
		})
		require.NoError(t, err)

		assert.True(t, result.CollateralRatio.Equal(decimal.NewFromFloat(1.65)),
			"got %s", result.CollateralRatio)
		assert.Equal(t, int64(165000), f.coin.TotalCollateralValue)
	})

	t.Run("collateral below target ratio is rejected", func(t *testing.T) {
		f := newIssuanceFixture()
		f.ledger.fund("alice", "USD", 1_000_000)

		_, err := f.svc.Mint(ctx, MintCommand{
			AccountID: "alice", Symbol: "FUSD", CollateralAsset: "USD",
			CollateralAmount: 100000, MintAmount: 100000,
		})
		require.ErrorIs(t, err, domain.ErrInsufficientCollateral)
		assert.Contains(t, err.Error(), "required ratio")
		assert.Equal(t, int64(1_000_000), f.ledger.balance("alice", "USD"), "no partial effects on failure")
		assert.Equal(t, int64(0), f.coin.TotalSupply)
	})

	t.Run("minting disabled", func(t *testing.T) {
		f := newIssuanceFixture()
		f.coin.MintingEnabled = false
		f.ledger.fund("alice", "USD", 1_000_000)

		_, err := f.svc.Mint(ctx, MintCommand{
			AccountID: "alice", Symbol: "FUSD", CollateralAsset: "USD",
			CollateralAmount: 150000, MintAmount: 100000,
		})
		assert.ErrorIs(t, err, domain.ErrMintingDisabled)
	})

	t.Run("max supply exceeded", func(t *testing.T) {
		f := newIssuanceFixture()
		f.coin.TotalSupply = 9_950_000
		f.ledger.fund("alice", "USD", 1_000_000)

		_, err := f.svc.Mint(ctx, MintCommand{
			AccountID: "alice", Symbol: "FUSD", CollateralAsset: "USD",
			CollateralAmount: 150000, MintAmount: 100000,
		})
		assert.ErrorIs(t, err, domain.ErrMaxSupplyExceeded)
	})

	t.Run("insufficient collateral balance", func(t *testing.T) {
		f := newIssuanceFixture()
		f.ledger.fund("alice", "USD", 100000)

		_, err := f.svc.Mint(ctx, MintCommand{
			AccountID: "alice", Symbol: "FUSD", CollateralAsset: "USD",
			CollateralAmount: 150000, MintAmount: 100000,
		})
		assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	})

	t.Run("collateral asset must match existing position", func(t *testing.T) {
		f := newIssuanceFixture()
		f.ledger.fund("alice", "USD", 1_000_000)
		f.ledger.fund("alice", "EUR", 1_000_000)
		f.oracle.setRate("EUR", "USD", decimal.NewFromFloat(1.1))

		_, err := f.svc.Mint(ctx, MintCommand{
			AccountID: "alice", Symbol: "FUSD", CollateralAsset: "USD",
			CollateralAmount: 150000, MintAmount: 100000,
		})
		require.NoError(t, err)

		_, err = f.svc.Mint(ctx, MintCommand{
			AccountID: "alice", Symbol: "FUSD", CollateralAsset: "EUR",
			CollateralAmount: 150000, MintAmount: 100000,
		})
		assert.ErrorIs(t, err, domain.ErrAssetMismatch)
	})

	t.Run("missing exchange rate fails hard", func(t *testing.T) {
		f := newIssuanceFixture()
		f.ledger.fund("alice", "BTC", 1_000_000)

		_, err := f.svc.Mint(ctx, MintCommand{
			AccountID: "alice", Symbol: "FUSD", CollateralAsset: "BTC",
			CollateralAmount: 150000, MintAmount: 100000,
		})
		assert.ErrorIs(t, err, domain.ErrRateUnavailable)
	})

	t.Run("non-positive amounts rejected", func(t *testing.T) {
		f := newIssuanceFixture()
		_, err := f.svc.Mint(ctx, MintCommand{
			AccountID: "alice", Symbol: "FUSD", CollateralAsset: "USD",
			CollateralAmount: 0, MintAmount: 100000,
		})
		assert.ErrorIs(t, err, domain.ErrInsufficientCollateral)
	})
}

func mintedFixture(t *testing.T) (*issuanceFixture, string) {
	t.Helper()
	f := newIssuanceFixture()
	f.ledger.fund("alice", "USD", 1_000_000)
	result, err := f.svc.Mint(context.Background(), MintCommand{
		AccountID: "alice", Symbol: "FUSD", CollateralAsset: "USD",
		CollateralAmount: 150000, MintAmount: 100000,
	})
	require.NoError(t, err)
	return f, result.PositionID
}

func TestBurn(t *testing.T) {
	ctx := context.Background()

	t.Run("partial burn releases proportional collateral", func(t *testing.T) {
		f, positionID := mintedFixture(t)

		result, err := f.svc.Burn(ctx, BurnCommand{
			AccountID: "alice", Symbol: "FUSD", BurnAmount: 50000,
		})
		require.NoError(t, err)

		assert.Equal(t, int64(75000), result.CollateralReleased)
		assert.Equal(t, int64(150), result.FeeAmount)
		assert.Equal(t, int64(50000), result.RemainingDebt)
		assert.True(t, result.CollateralRatio.Equal(decimal.NewFromFloat(1.5)))
		assert.False(t, result.Closed)

		// 铸造净入 99500，销毁划扣 50000+150
		assert.Equal(t, int64(49350), f.ledger.balance("alice", "FUSD"))
		assert.Equal(t, int64(925000), f.ledger.balance("alice", "USD"))
		assert.Equal(t, int64(50000), f.coin.TotalSupply)
		assert.Equal(t, int64(75000), f.coin.TotalCollateralValue)

		position, err := f.positions.FindByID(ctx, positionID)
		require.NoError(t, err)
		assert.Equal(t, int64(75000), position.CollateralAmount)
		assert.Equal(t, int64(50000), position.DebtAmount)
	})

	t.Run("full burn closes position and returns all collateral", func(t *testing.T) {
		f, positionID := mintedFixture(t)
		// 手续费缺口，另补足稳定币
		f.ledger.fund("alice", "FUSD", 1000)

		result, err := f.svc.Burn(ctx, BurnCommand{
			AccountID: "alice", Symbol: "FUSD", BurnAmount: 100000,
		})
		require.NoError(t, err)

		assert.True(t, result.Closed)
		assert.Equal(t, int64(150000), result.CollateralReleased)
		assert.Equal(t, int64(300), result.FeeAmount)
		assert.Equal(t, int64(0), result.RemainingDebt)

		// 抵押全额退回，往返净成本只有铸造费 500 + 销毁费 300
		assert.Equal(t, int64(1_000_000), f.ledger.balance("alice", "USD"))
		assert.Equal(t, int64(200), f.ledger.balance("alice", "FUSD"))
		assert.Equal(t, int64(0), f.coin.TotalSupply)
		assert.Equal(t, int64(0), f.coin.TotalCollateralValue)

		position, err := f.positions.FindByID(ctx, positionID)
		require.NoError(t, err)
		assert.Equal(t, domain.PositionClosed, position.Status)
		assert.Contains(t, f.publisher.names(), "position.closed")
	})

	t.Run("explicit release within minimum ratio is honored", func(t *testing.T) {
		f, _ := mintedFixture(t)
		release := int64(50000)

		result, err := f.svc.Burn(ctx, BurnCommand{
			AccountID: "alice", Symbol: "FUSD", BurnAmount: 50000,
			CollateralToRelease: &release,
		})
		require.NoError(t, err)

		assert.Equal(t, int64(50000), result.CollateralReleased)
		assert.True(t, result.CollateralRatio.Equal(decimal.NewFromInt(2)),
			"got %s", result.CollateralRatio)
	})

	t.Run("over-release leaving position undercollateralized is rejected", func(t *testing.T) {
		f, _ := mintedFixture(t)
		release := int64(60000)

		_, err := f.svc.Burn(ctx, BurnCommand{
			AccountID: "alice", Symbol: "FUSD", BurnAmount: 10000,
			CollateralToRelease: &release,
		})
		assert.ErrorIs(t, err, domain.ErrUndercollateralized)
	})

	t.Run("burning more than debt is rejected", func(t *testing.T) {
		f, _ := mintedFixture(t)

		_, err := f.svc.Burn(ctx, BurnCommand{
			AccountID: "alice", Symbol: "FUSD", BurnAmount: 100001,
		})
		assert.ErrorIs(t, err, domain.ErrExceedsDebt)
	})

	t.Run("burning disabled", func(t *testing.T) {
		f, _ := mintedFixture(t)
		f.coin.BurningEnabled = false

		_, err := f.svc.Burn(ctx, BurnCommand{
			AccountID: "alice", Symbol: "FUSD", BurnAmount: 50000,
		})
		assert.ErrorIs(t, err, domain.ErrBurningDisabled)
	})

	t.Run("no active position", func(t *testing.T) {
		f := newIssuanceFixture()
		_, err := f.svc.Burn(ctx, BurnCommand{
			AccountID: "nobody", Symbol: "FUSD", BurnAmount: 50000,
		})
		assert.ErrorIs(t, err, domain.ErrPositionNotFound)
	})
}

func TestIssuanceCounters(t *testing.T) {
	ctx := context.Background()
	f := newIssuanceFixture()
	m := metrics.New("issuance_counter_test")
	f.svc = NewIssuanceService(f.coins, f.positions, f.ledger, f.oracle,
		passthroughTx{}, f.publisher, m, testLogger())
	f.ledger.fund("alice", "USD", 1_000_000)

	_, err := f.svc.Mint(ctx, MintCommand{
		AccountID: "alice", Symbol: "FUSD", CollateralAsset: "USD",
		CollateralAmount: 150000, MintAmount: 100000,
	})
	require.NoError(t, err)
	_, err = f.svc.Burn(ctx, BurnCommand{
		AccountID: "alice", Symbol: "FUSD", BurnAmount: 50000,
	})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.MintsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BurnsTotal))

	// 失败的调用不计数
	_, err = f.svc.Burn(ctx, BurnCommand{
		AccountID: "alice", Symbol: "FUSD", BurnAmount: 1_000_000,
	})
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BurnsTotal))
}

func TestAddCollateral(t *testing.T) {
	ctx := context.Background()

	t.Run("tops up collateral and recomputes ratio", func(t *testing.T) {
		f, positionID := mintedFixture(t)

		result, err := f.svc.AddCollateral(ctx, AddCollateralCommand{
			AccountID: "alice", Symbol: "FUSD", CollateralAsset: "USD", Amount: 30000,
		})
		require.NoError(t, err)

		assert.Equal(t, positionID, result.PositionID)
		assert.Equal(t, int64(180000), result.CollateralAmount)
		assert.True(t, result.CollateralRatio.Equal(decimal.NewFromFloat(1.8)),
			"got %s", result.CollateralRatio)
		assert.Equal(t, int64(180000), f.coin.TotalCollateralValue)
		assert.Equal(t, int64(820000), f.ledger.balance("alice", "USD"))
		assert.Contains(t, f.publisher.names(), "position.collateral_added")
	})

	t.Run("asset mismatch", func(t *testing.T) {
		f, _ := mintedFixture(t)
		f.ledger.fund("alice", "EUR", 100000)
		f.oracle.setRate("EUR", "USD", decimal.NewFromFloat(1.1))

		_, err := f.svc.AddCollateral(ctx, AddCollateralCommand{
			AccountID: "alice", Symbol: "FUSD", CollateralAsset: "EUR", Amount: 30000,
		})
		assert.ErrorIs(t, err, domain.ErrAssetMismatch)
	})

	t.Run("non-positive amount", func(t *testing.T) {
		f, _ := mintedFixture(t)
		_, err := f.svc.AddCollateral(ctx, AddCollateralCommand{
			AccountID: "alice", Symbol: "FUSD", CollateralAsset: "USD", Amount: 0,
		})
		require.Error(t, err)
		assert.True(t, domain.IsValidation(err))
	})
}
