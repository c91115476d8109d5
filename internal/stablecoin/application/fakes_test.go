package application

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/stablecoin/internal/stablecoin/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeCoinRepo struct {
	coins map[string]*domain.Stablecoin
}

func newFakeCoinRepo(coins ...*domain.Stablecoin) *fakeCoinRepo {
	repo := &fakeCoinRepo{coins: make(map[string]*domain.Stablecoin)}
	for _, c := range coins {
		repo.coins[c.Symbol] = c
	}
	return repo
}

func (r *fakeCoinRepo) Save(_ context.Context, coin *domain.Stablecoin) error {
	r.coins[coin.Symbol] = coin
	return nil
}

func (r *fakeCoinRepo) Update(_ context.Context, coin *domain.Stablecoin) error {
	coin.Version++
	r.coins[coin.Symbol] = coin
	return nil
}

func (r *fakeCoinRepo) FindBySymbol(_ context.Context, symbol string) (*domain.Stablecoin, error) {
	coin, ok := r.coins[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrStablecoinNotFound, symbol)
	}
	return coin, nil
}

func (r *fakeCoinRepo) FindBySymbolForUpdate(ctx context.Context, symbol string) (*domain.Stablecoin, error) {
	return r.FindBySymbol(ctx, symbol)
}

func (r *fakeCoinRepo) ListActive(_ context.Context) ([]*domain.Stablecoin, error) {
	symbols := make([]string, 0, len(r.coins))
	for symbol := range r.coins {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	coins := make([]*domain.Stablecoin, 0, len(symbols))
	for _, symbol := range symbols {
		if r.coins[symbol].Status == domain.StablecoinActive {
			coins = append(coins, r.coins[symbol])
		}
	}
	return coins, nil
}

type fakePositionRepo struct {
	positions map[string]*domain.CollateralPosition
}

func newFakePositionRepo(positions ...*domain.CollateralPosition) *fakePositionRepo {
	repo := &fakePositionRepo{positions: make(map[string]*domain.CollateralPosition)}
	for _, p := range positions {
		repo.positions[p.PositionID] = p
	}
	return repo
}

func (r *fakePositionRepo) Save(_ context.Context, position *domain.CollateralPosition) error {
	r.positions[position.PositionID] = position
	return nil
}

func (r *fakePositionRepo) Update(_ context.Context, position *domain.CollateralPosition) error {
	position.Version++
	r.positions[position.PositionID] = position
	return nil
}

func (r *fakePositionRepo) FindByID(_ context.Context, positionID string) (*domain.CollateralPosition, error) {
	position, ok := r.positions[positionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPositionNotFound, positionID)
	}
	return position, nil
}

func (r *fakePositionRepo) FindByIDForUpdate(ctx context.Context, positionID string) (*domain.CollateralPosition, error) {
	return r.FindByID(ctx, positionID)
}

func (r *fakePositionRepo) FindActiveByAccount(_ context.Context, accountID, symbol string) (*domain.CollateralPosition, error) {
	for _, p := range r.sorted() {
		if p.AccountID == accountID && p.Symbol == symbol && p.Status == domain.PositionActive {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: account %s symbol %s", domain.ErrPositionNotFound, accountID, symbol)
}

func (r *fakePositionRepo) FindActiveByAccountForUpdate(ctx context.Context, accountID, symbol string) (*domain.CollateralPosition, error) {
	return r.FindActiveByAccount(ctx, accountID, symbol)
}

func (r *fakePositionRepo) ListActiveBySymbol(_ context.Context, symbol string) ([]*domain.CollateralPosition, error) {
	var active []*domain.CollateralPosition
	for _, p := range r.sorted() {
		if p.Symbol == symbol && p.Status == domain.PositionActive {
			active = append(active, p)
		}
	}
	return active, nil
}

func (r *fakePositionRepo) sorted() []*domain.CollateralPosition {
	ids := make([]string, 0, len(r.positions))
	for id := range r.positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	positions := make([]*domain.CollateralPosition, 0, len(ids))
	for _, id := range ids {
		positions = append(positions, r.positions[id])
	}
	return positions
}

type fakeLedger struct {
	balances map[string]int64
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{balances: make(map[string]int64)}
}

func (l *fakeLedger) key(accountID, assetCode string) string {
	return accountID + "/" + assetCode
}

func (l *fakeLedger) fund(accountID, assetCode string, amount int64) {
	l.balances[l.key(accountID, assetCode)] += amount
}

func (l *fakeLedger) balance(accountID, assetCode string) int64 {
	return l.balances[l.key(accountID, assetCode)]
}

func (l *fakeLedger) GetBalance(_ context.Context, accountID, assetCode string) (int64, error) {
	return l.balances[l.key(accountID, assetCode)], nil
}

func (l *fakeLedger) Debit(_ context.Context, accountID, assetCode string, amount int64) error {
	key := l.key(accountID, assetCode)
	if l.balances[key] < amount {
		return fmt.Errorf("%w: %s %s", domain.ErrInsufficientBalance, accountID, assetCode)
	}
	l.balances[key] -= amount
	return nil
}

func (l *fakeLedger) Credit(_ context.Context, accountID, assetCode string, amount int64) error {
	l.balances[l.key(accountID, assetCode)] += amount
	return nil
}

type fakeOracle struct {
	rates map[string]decimal.Decimal
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{rates: make(map[string]decimal.Decimal)}
}

func (o *fakeOracle) setRate(fromAsset, toAsset string, rate decimal.Decimal) {
	o.rates[fromAsset+"/"+toAsset] = rate
}

func (o *fakeOracle) GetRate(_ context.Context, fromAsset, toAsset string) (decimal.Decimal, error) {
	rate, ok := o.rates[fromAsset+"/"+toAsset]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s/%s", domain.ErrRateUnavailable, fromAsset, toAsset)
	}
	return rate, nil
}

type recordingPublisher struct {
	events []domain.DomainEvent
}

func (p *recordingPublisher) Publish(_ context.Context, events ...domain.DomainEvent) error {
	p.events = append(p.events, events...)
	return nil
}

func (p *recordingPublisher) names() []string {
	names := make([]string, 0, len(p.events))
	for _, e := range p.events {
		names = append(names, e.EventName())
	}
	return names
}

type passthroughTx struct{}

func (passthroughTx) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
