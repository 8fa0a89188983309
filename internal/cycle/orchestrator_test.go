package cycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/damozycodes/Bybit/internal/config"
	"github.com/damozycodes/Bybit/internal/exchange"
	"github.com/damozycodes/Bybit/internal/models"
	"github.com/damozycodes/Bybit/internal/notify"
	"github.com/damozycodes/Bybit/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// MockExchange is a mock implementation of the exchange.Client interface.
type MockExchange struct {
	mock.Mock
}

func (m *MockExchange) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	args := m.Called(ctx, asset)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *MockExchange) GetPosition(ctx context.Context, symbol string) (*exchange.Position, error) {
	args := m.Called(ctx, symbol)
	if pos, ok := args.Get(0).(*exchange.Position); ok {
		return pos, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockExchange) PlaceOrder(ctx context.Context, symbol, side string, quantity decimal.Decimal, leverage int, marginMode string) (*exchange.OrderResult, error) {
	args := m.Called(ctx, symbol, side, quantity, leverage, marginMode)
	if res, ok := args.Get(0).(*exchange.OrderResult); ok {
		return res, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockExchange) ClosePosition(ctx context.Context, symbol string) (*exchange.FillResult, error) {
	args := m.Called(ctx, symbol)
	if res, ok := args.Get(0).(*exchange.FillResult); ok {
		return res, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockExchange) RequestConvertQuote(ctx context.Context, fromAsset, toAsset string, amount decimal.Decimal) (*exchange.ConvertQuote, error) {
	args := m.Called(ctx, fromAsset, toAsset, amount)
	if res, ok := args.Get(0).(*exchange.ConvertQuote); ok {
		return res, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockExchange) ConfirmConvert(ctx context.Context, quoteID string) error {
	args := m.Called(ctx, quoteID)
	return args.Error(0)
}

func (m *MockExchange) GetConvertStatus(ctx context.Context, quoteID string) (*exchange.ConvertStatus, error) {
	args := m.Called(ctx, quoteID)
	if res, ok := args.Get(0).(*exchange.ConvertStatus); ok {
		return res, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockExchange) Withdraw(ctx context.Context, asset string, amount decimal.Decimal, address, network string) (*exchange.WithdrawResult, error) {
	args := m.Called(ctx, asset, amount, address, network)
	if res, ok := args.Get(0).(*exchange.WithdrawResult); ok {
		return res, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockExchange) ListWithdrawals(ctx context.Context, asset string, since time.Time) ([]exchange.WithdrawalRecord, error) {
	args := m.Called(ctx, asset, since)
	if res, ok := args.Get(0).([]exchange.WithdrawalRecord); ok {
		return res, args.Error(1)
	}
	return nil, args.Error(1)
}

var _ exchange.Client = (*MockExchange)(nil)

// captureNotifier records every delivered event.
type captureNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *captureNotifier) Notify(_ context.Context, event notify.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureNotifier) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		Trading: config.Trading{
			Symbol:          "BTCUSDT",
			Side:            "long",
			Quantity:        0.1,
			Leverage:        10,
			MarginMode:      "isolated",
			ProfitThreshold: 50,
			MonitorInterval: 1,
			MaxRetries:      3,
			RetryDelay:      1,
			Continuous:      false,
		},
		Conversion: config.Conversion{
			Enabled:        true,
			TargetAsset:    "BTC",
			SettleTimeout:  5,
			SettleInterval: 1,
		},
		Withdrawal: config.Withdrawal{
			Enabled:   true,
			Address:   "0xdeadbeef",
			Network:   "BSC",
			MinAmount: 0.0001,
		},
	}
}

// setupOrchestrator wires an orchestrator against a mock exchange and a
// non-shared in-memory database, with all timers shrunk for tests.
func setupOrchestrator(t *testing.T, cfg *config.Config) (*Orchestrator, *store.Store, *MockExchange, *captureNotifier) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	err = db.AutoMigrate(
		&models.Trade{}, &models.Conversion{}, &models.Withdrawal{},
		&models.BotState{}, &models.ErrorLog{}, &models.Notification{},
	)
	assert.NoError(t, err)

	st := store.NewStore(db)
	mockEx := new(MockExchange)
	notifier := &captureNotifier{}

	orch, err := NewOrchestrator(zap.NewNop(), cfg, st, mockEx, notifier)
	assert.NoError(t, err)
	orch.monitorInterval = 5 * time.Millisecond
	orch.retryDelay = time.Millisecond
	orch.settleInterval = time.Millisecond
	orch.settleTimeout = 200 * time.Millisecond
	return orch, st, mockEx, notifier
}

func openedPosition() *exchange.Position {
	return &exchange.Position{
		Symbol:        "BTCUSDT",
		Side:          "long",
		EntryPrice:    decimal.NewFromInt(50000),
		Quantity:      decimal.NewFromFloat(0.1),
		MarkPrice:     decimal.NewFromInt(50500),
		UnrealizedPnL: decimal.NewFromInt(50),
	}
}

func TestRun_FullCycle(t *testing.T) {
	orch, st, mockEx, notifier := setupOrchestrator(t, testConfig())

	toAmount := decimal.RequireFromString("0.00099")
	mockEx.On("PlaceOrder", mock.Anything, "BTCUSDT", "long", mock.Anything, 10, "isolated").
		Return(&exchange.OrderResult{OrderID: "order-1"}, nil)
	mockEx.On("GetPosition", mock.Anything, "BTCUSDT").Return(openedPosition(), nil)
	mockEx.On("ClosePosition", mock.Anything, "BTCUSDT").
		Return(&exchange.FillResult{OrderID: "close-1", Price: decimal.NewFromInt(50500), Quantity: decimal.NewFromFloat(0.1)}, nil)
	mockEx.On("GetBalance", mock.Anything, "USDT").Return(decimal.NewFromInt(50), nil)
	mockEx.On("RequestConvertQuote", mock.Anything, "USDT", "BTC", decimal.NewFromInt(50)).
		Return(&exchange.ConvertQuote{QuoteID: "quote-1", ToAmount: toAmount}, nil)
	mockEx.On("ConfirmConvert", mock.Anything, "quote-1").Return(nil)
	mockEx.On("GetConvertStatus", mock.Anything, "quote-1").
		Return(&exchange.ConvertStatus{QuoteID: "quote-1", State: exchange.ConvertStateSuccess, ToAmount: toAmount, Rate: decimal.RequireFromString("0.0000198")}, nil)
	mockEx.On("GetBalance", mock.Anything, "BTC").Return(toAmount, nil)
	mockEx.On("Withdraw", mock.Anything, "BTC", toAmount, "0xdeadbeef", "BSC").
		Return(&exchange.WithdrawResult{ID: "wd-1"}, nil)
	mockEx.On("ListWithdrawals", mock.Anything, "BTC", mock.Anything).
		Return([]exchange.WithdrawalRecord{{
			ID: "wd-1", TxID: "0xtx1", Asset: "BTC",
			Amount: toAmount, Address: "0xdeadbeef",
			Status: exchange.WithdrawStateSuccess, CreatedAt: time.Now(),
		}}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	assert.NoError(t, orch.Run(ctx))

	trade, err := st.LatestClosedTrade()
	assert.NoError(t, err)
	assert.NotNil(t, trade)
	assert.Equal(t, models.TradeStatusClosed, trade.Status)
	assert.True(t, trade.Profit.Valid)
	assert.True(t, trade.Profit.Decimal.Equal(decimal.NewFromInt(50)), "got %s", trade.Profit.Decimal)

	conv, err := st.CompletedConversion(trade.ID)
	assert.NoError(t, err)
	assert.NotNil(t, conv)
	assert.Equal(t, "quote-1", conv.QuoteID)

	var wd models.Withdrawal
	assert.NoError(t, st.DB().First(&wd).Error)
	assert.Equal(t, models.StatusCompleted, wd.Status)
	assert.Equal(t, "0xtx1", wd.TxID)

	// The run ends armed for the next cycle.
	snap, err := st.LatestSnapshot()
	assert.NoError(t, err)
	assert.Equal(t, string(StateConfigured), snap.CurrentState)

	assert.Equal(t, []string{
		notify.EventPositionOpened,
		notify.EventPositionClosed,
		notify.EventConversionCompleted,
		notify.EventWithdrawalCompleted,
	}, notifier.types())
}

func TestRun_LiquidationHaltsCycle(t *testing.T) {
	orch, st, mockEx, notifier := setupOrchestrator(t, testConfig())

	holding := openedPosition()
	holding.UnrealizedPnL = decimal.NewFromInt(-20)
	holding.MarkPrice = decimal.NewFromInt(49800)

	// Confirm sees the position once, then the exchange stops
	// reporting it: a liquidation.
	mockEx.On("PlaceOrder", mock.Anything, "BTCUSDT", "long", mock.Anything, 10, "isolated").
		Return(&exchange.OrderResult{OrderID: "order-1"}, nil)
	mockEx.On("GetPosition", mock.Anything, "BTCUSDT").Return(holding, nil).Once()
	mockEx.On("GetPosition", mock.Anything, "BTCUSDT").Return(nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		// No operator is coming; end the run once the cycle halts.
		for {
			if orch.currentState() == StateLiquidated {
				cancel()
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
	assert.NoError(t, orch.Run(ctx))

	var trade models.Trade
	assert.NoError(t, st.DB().First(&trade).Error)
	assert.Equal(t, models.TradeStatusLiquidated, trade.Status)
	assert.NotNil(t, trade.ClosedAt)

	var convCount, wdCount int64
	st.DB().Model(&models.Conversion{}).Count(&convCount)
	st.DB().Model(&models.Withdrawal{}).Count(&wdCount)
	assert.Zero(t, convCount, "liquidation must not trigger a conversion")
	assert.Zero(t, wdCount, "liquidation must not trigger a withdrawal")

	snap, _ := st.LatestSnapshot()
	assert.Equal(t, string(StateLiquidated), snap.CurrentState)
	assert.Equal(t, []string{notify.EventPositionOpened, notify.EventLiquidation}, notifier.types())

	mockEx.AssertNotCalled(t, "ClosePosition", mock.Anything, mock.Anything)
}

func TestOpenPosition_AmbiguousOrderAdoptsLivePosition(t *testing.T) {
	orch, st, mockEx, _ := setupOrchestrator(t, testConfig())

	ambiguous := &exchange.Error{Kind: exchange.KindAmbiguous, Op: "place_order", Message: "request failed after 3 attempts"}
	mockEx.On("PlaceOrder", mock.Anything, "BTCUSDT", "long", mock.Anything, 10, "isolated").
		Return(nil, ambiguous)
	mockEx.On("GetPosition", mock.Anything, "BTCUSDT").Return(openedPosition(), nil)

	assert.NoError(t, orch.openPosition(context.Background()))
	assert.Equal(t, StateMonitoring, orch.currentState())

	trade, err := st.OpenTrade()
	assert.NoError(t, err)
	assert.NotNil(t, trade, "the order that landed must be adopted, not re-placed")
	mockEx.AssertNumberOfCalls(t, "PlaceOrder", 1)
}

func TestOpenPosition_RejectedOrderHalts(t *testing.T) {
	orch, st, mockEx, notifier := setupOrchestrator(t, testConfig())

	rejected := &exchange.Error{Kind: exchange.KindRejected, Op: "place_order", Code: 110007, Message: "ab not enough for new order"}
	mockEx.On("PlaceOrder", mock.Anything, "BTCUSDT", "long", mock.Anything, 10, "isolated").
		Return(nil, rejected)

	assert.NoError(t, orch.openPosition(context.Background()))
	assert.Equal(t, StateFailed, orch.currentState())
	mockEx.AssertNumberOfCalls(t, "PlaceOrder", 1)

	entries, err := st.RecentErrors(10)
	assert.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, "rejected", entries[0].ErrorType)
	assert.Equal(t, []string{notify.EventCycleFailed}, notifier.types())
}

func TestWithdrawProceeds_RejectedHaltsWithFailedRow(t *testing.T) {
	orch, st, mockEx, notifier := setupOrchestrator(t, testConfig())
	trade := seedClosedTrade(t, st)
	seedCompletedConversion(t, st, trade.ID)
	orch.tradeID = trade.ID
	orch.state = StateWithdrawing

	toAmount := decimal.RequireFromString("0.00099")
	mockEx.On("GetBalance", mock.Anything, "BTC").Return(toAmount, nil)
	rejected := &exchange.Error{Kind: exchange.KindRejected, Op: "withdraw", Code: 131002, Message: "address not on whitelist"}
	mockEx.On("Withdraw", mock.Anything, "BTC", toAmount, "0xdeadbeef", "BSC").Return(nil, rejected)

	assert.NoError(t, orch.withdrawProceeds(context.Background()))
	assert.Equal(t, StateFailed, orch.currentState())

	var wd models.Withdrawal
	assert.NoError(t, st.DB().First(&wd).Error)
	assert.Equal(t, models.StatusFailed, wd.Status)
	assert.Empty(t, wd.TxID)

	snap, _ := st.LatestSnapshot()
	assert.Equal(t, string(StateFailed), snap.CurrentState)

	entries, _ := st.RecentErrors(10)
	assert.Len(t, entries, 1)
	assert.Equal(t, []string{notify.EventCycleFailed}, notifier.types())
	// Rejected is final: no reconciliation, no resubmit.
	mockEx.AssertNumberOfCalls(t, "Withdraw", 1)
	mockEx.AssertNotCalled(t, "ListWithdrawals", mock.Anything, mock.Anything, mock.Anything)
}

func TestWithdrawProceeds_AmbiguousReconciledFromRecords(t *testing.T) {
	orch, st, mockEx, notifier := setupOrchestrator(t, testConfig())
	trade := seedClosedTrade(t, st)
	seedCompletedConversion(t, st, trade.ID)
	orch.tradeID = trade.ID
	orch.state = StateWithdrawing

	toAmount := decimal.RequireFromString("0.00099")
	mockEx.On("GetBalance", mock.Anything, "BTC").Return(toAmount, nil)
	ambiguous := &exchange.Error{Kind: exchange.KindAmbiguous, Op: "withdraw", Message: "request cancelled"}
	mockEx.On("Withdraw", mock.Anything, "BTC", toAmount, "0xdeadbeef", "BSC").Return(nil, ambiguous)
	mockEx.On("ListWithdrawals", mock.Anything, "BTC", mock.Anything).
		Return([]exchange.WithdrawalRecord{{
			ID: "wd-9", TxID: "0xtx9", Asset: "BTC",
			Amount: toAmount, Address: "0xdeadbeef",
			Status: exchange.WithdrawStatePending, CreatedAt: time.Now(),
		}}, nil)

	assert.NoError(t, orch.withdrawProceeds(context.Background()))
	assert.Equal(t, StateResetting, orch.currentState())

	var wd models.Withdrawal
	assert.NoError(t, st.DB().First(&wd).Error)
	assert.Equal(t, models.StatusCompleted, wd.Status)
	assert.Equal(t, "0xtx9", wd.TxID)
	assert.Equal(t, []string{notify.EventWithdrawalCompleted}, notifier.types())
	// Never resubmitted: the exchange record settled the ambiguity.
	mockEx.AssertNumberOfCalls(t, "Withdraw", 1)
}

func TestWithdrawProceeds_BelowMinimumSkipsToReset(t *testing.T) {
	cfg := testConfig()
	cfg.Withdrawal.MinAmount = 10
	orch, st, mockEx, _ := setupOrchestrator(t, cfg)
	trade := seedClosedTrade(t, st)
	orch.tradeID = trade.ID
	orch.state = StateWithdrawing

	mockEx.On("GetBalance", mock.Anything, "BTC").Return(decimal.NewFromInt(5), nil)

	assert.NoError(t, orch.withdrawProceeds(context.Background()))
	assert.Equal(t, StateResetting, orch.currentState())
	mockEx.AssertNotCalled(t, "Withdraw", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestConvertProceeds_SameAssetSkipsConversion(t *testing.T) {
	cfg := testConfig()
	cfg.Conversion.TargetAsset = "USDT"
	orch, st, _, _ := setupOrchestrator(t, cfg)
	trade := seedClosedTrade(t, st)
	orch.tradeID = trade.ID
	orch.state = StateConverting

	assert.NoError(t, orch.convertProceeds(context.Background()))
	assert.Equal(t, StateWithdrawing, orch.currentState())

	var count int64
	st.DB().Model(&models.Conversion{}).Count(&count)
	assert.Zero(t, count)
}

func TestForceReset(t *testing.T) {
	orch, st, _, _ := setupOrchestrator(t, testConfig())

	// Not allowed while a cycle is in flight.
	orch.state = StateMonitoring
	assert.Error(t, orch.ForceReset())

	orch.state = StateFailed
	assert.NoError(t, orch.ForceReset())
	assert.Equal(t, StateConfigured, orch.currentState())

	snap, err := st.LatestSnapshot()
	assert.NoError(t, err)
	assert.Equal(t, string(StateConfigured), snap.CurrentState)
}

func seedClosedTrade(t *testing.T, st *store.Store) *models.Trade {
	now := time.Now().UTC()
	exit := decimal.NewFromInt(50500)
	profit := decimal.NewFromInt(50)
	trade := &models.Trade{
		Symbol:     "BTCUSDT",
		Side:       "long",
		EntryPrice: decimal.NewFromInt(50000),
		ExitPrice:  decimal.NewNullDecimal(exit),
		Quantity:   decimal.NewFromFloat(0.1),
		Leverage:   10,
		Profit:     decimal.NewNullDecimal(profit),
		Status:     models.TradeStatusClosed,
		OpenedAt:   now.Add(-time.Hour),
		ClosedAt:   &now,
	}
	assert.NoError(t, st.DB().Create(trade).Error)
	return trade
}

func seedCompletedConversion(t *testing.T, st *store.Store, tradeID uint) *models.Conversion {
	now := time.Now().UTC()
	conv := &models.Conversion{
		TradeID:      &tradeID,
		FromAsset:    "USDT",
		ToAsset:      "BTC",
		FromAmount:   decimal.NewFromInt(50),
		QuoteID:      "quote-seed",
		Status:       models.StatusCompleted,
		ToAmount:     decimal.NewNullDecimal(decimal.RequireFromString("0.00099")),
		ExchangeRate: decimal.NewNullDecimal(decimal.RequireFromString("0.0000198")),
		ExecutedAt:   &now,
	}
	assert.NoError(t, st.DB().Create(conv).Error)
	return conv
}
