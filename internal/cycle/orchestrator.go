// Package cycle contains the trade-cycle orchestrator: the state machine
// that opens a leveraged position, monitors it to a profit target,
// closes it, converts the proceeds and withdraws them, persisting every
// transition so a crash resumes at the right stage instead of repeating
// an irreversible action.
package cycle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/damozycodes/Bybit/internal/config"
	"github.com/damozycodes/Bybit/internal/exchange"
	"github.com/damozycodes/Bybit/internal/models"
	"github.com/damozycodes/Bybit/internal/monitor"
	"github.com/damozycodes/Bybit/internal/notify"
	"github.com/damozycodes/Bybit/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// maintenance margin percentage used for the logged liquidation estimate.
var maintenanceMarginPct = decimal.NewFromFloat(0.5)

// Orchestrator drives one trade cycle at a time through the stage
// machine. All stages run on the single Run goroutine; the mutex only
// guards the snapshot fields read by the operator API.
type Orchestrator struct {
	logger   *zap.Logger
	cfg      *config.Config
	store    *store.Store
	exchange exchange.Client
	notifier notify.Notifier

	monitorInterval time.Duration
	retryDelay      time.Duration
	settleInterval  time.Duration
	settleTimeout   time.Duration
	maxRetries      int

	initialCfg TradingConfig

	mu         sync.Mutex
	state      State
	snapshot   *models.BotState
	tradingCfg TradingConfig
	position   *ActivePosition
	tradeID    uint
	stop       context.CancelFunc

	resetCh chan struct{}
}

// NewOrchestrator validates the trading configuration and wires the
// orchestrator's collaborators.
func NewOrchestrator(logger *zap.Logger, cfg *config.Config, st *store.Store, ex exchange.Client, notifier notify.Notifier) (*Orchestrator, error) {
	tc, err := NewTradingConfig(&cfg.Trading)
	if err != nil {
		return nil, err
	}
	monitorInterval := time.Duration(cfg.Trading.MonitorInterval) * time.Second
	if monitorInterval <= 0 {
		monitorInterval = 5 * time.Second
	}
	return &Orchestrator{
		logger:          logger.Named("cycle"),
		cfg:             cfg,
		store:           st,
		exchange:        ex,
		notifier:        notifier,
		monitorInterval: monitorInterval,
		retryDelay:      time.Duration(cfg.Trading.RetryDelay) * time.Second,
		settleInterval:  time.Duration(cfg.Conversion.SettleInterval) * time.Second,
		settleTimeout:   time.Duration(cfg.Conversion.SettleTimeout) * time.Second,
		maxRetries:      cfg.Trading.MaxRetries,
		initialCfg:      tc,
		tradingCfg:      tc,
		state:           StateConfigured,
		resetCh:         make(chan struct{}, 1),
	}, nil
}

// Run recovers persisted state and drives the stage machine until the
// context is cancelled or a single-cycle run completes.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	o.stop = cancel
	o.mu.Unlock()

	if err := o.recover(ctx); err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}

	for {
		if ctx.Err() != nil {
			o.logger.Info("Stopping trade cycle orchestrator")
			return nil
		}

		var err error
		switch state := o.currentState(); state {
		case StateConfigured, StateOpening:
			err = o.openPosition(ctx)
		case StateMonitoring:
			err = o.monitorPosition(ctx)
		case StateClosing:
			err = o.closePosition(ctx)
		case StateConverting:
			err = o.convertProceeds(ctx)
		case StateWithdrawing:
			err = o.withdrawProceeds(ctx)
		case StateResetting:
			var done bool
			done, err = o.resetCycle()
			if err == nil && done {
				o.logger.Info("Single-cycle run complete")
				return nil
			}
		default: // Failed or Liquidated
			if !o.awaitOperator(ctx) {
				return nil
			}
		}
		if err != nil {
			return err
		}
	}
}

// Stop cancels the run at the next poll or stage boundary.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	stop := o.stop
	o.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// StatusReport is the operator-facing view of the orchestrator.
type StatusReport struct {
	State    string          `json:"state"`
	CycleID  string          `json:"cycle_id"`
	Config   TradingConfig   `json:"trading_config"`
	Position *ActivePosition `json:"active_position,omitempty"`
}

// Status returns the current stage and in-flight position.
func (o *Orchestrator) Status() StatusReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	report := StatusReport{
		State:  string(o.state),
		Config: o.tradingCfg,
	}
	if o.snapshot != nil {
		report.CycleID = o.snapshot.CycleID
	}
	if o.position != nil {
		position := *o.position
		report.Position = &position
	}
	return report
}

// ForceReset abandons a halted cycle and arms a fresh one. Only allowed
// from a terminal state so an in-flight cycle cannot be clobbered.
func (o *Orchestrator) ForceReset() error {
	o.mu.Lock()
	state := o.state
	o.mu.Unlock()
	if !state.Terminal() {
		return fmt.Errorf("force reset only allowed from a terminal state, currently %s", state)
	}
	if _, err := o.resetCycle(); err != nil {
		return err
	}
	select {
	case o.resetCh <- struct{}{}:
	default:
	}
	o.logger.Warn("Forced reset from terminal state", zap.String("previous_state", string(state)))
	return nil
}

func (o *Orchestrator) currentState() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// buildSnapshotLocked advances the in-memory state and refreshes the
// current snapshot row for persistence. Caller holds o.mu.
func (o *Orchestrator) buildSnapshotLocked(state State) *models.BotState {
	o.state = state
	if o.snapshot == nil {
		o.snapshot = &models.BotState{CycleID: uuid.NewString()}
	}
	o.snapshot.CurrentState = string(state)
	cfgJSON, _ := o.tradingCfg.Encode()
	o.snapshot.TradingConfig = cfgJSON
	if o.position != nil {
		posJSON, _ := o.position.Encode()
		o.snapshot.ActivePosition = posJSON
	} else {
		o.snapshot.ActivePosition = ""
	}
	o.snapshot.LastUpdated = time.Now()
	return o.snapshot
}

// persistState durably records a transition that touches no domain record.
func (o *Orchestrator) persistState(state State) error {
	o.mu.Lock()
	snap := o.buildSnapshotLocked(state)
	o.mu.Unlock()
	return o.store.SaveSnapshot(snap)
}

// retryTransient runs fn, retrying transient exchange failures up to the
// configured ceiling with a fixed delay. Rejected and ambiguous failures
// are returned immediately.
func (o *Orchestrator) retryTransient(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= o.maxRetries; attempt++ {
		if attempt > 0 {
			o.logger.Warn("Retrying after transient failure",
				zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
			select {
			case <-time.After(o.retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if !exchange.IsTransient(err) {
			return err
		}
	}
	return err
}

// logErrorEntry appends a forensic error log row. Failures to log are
// themselves only logged; they never affect the cycle.
func (o *Orchestrator) logErrorEntry(stage State, cause error) {
	errorType := "error"
	switch {
	case exchange.IsTransient(cause):
		errorType = "transient"
	case exchange.IsRejected(cause):
		errorType = "rejected"
	case exchange.IsAmbiguous(cause):
		errorType = "ambiguous"
	}
	o.mu.Lock()
	posJSON := ""
	if o.position != nil {
		posJSON, _ = o.position.Encode()
	}
	o.mu.Unlock()
	entry := &models.ErrorLog{
		Timestamp:      time.Now(),
		ErrorType:      errorType,
		ErrorMessage:   cause.Error(),
		State:          string(stage),
		ActivePosition: posJSON,
	}
	if err := o.store.LogError(entry); err != nil {
		o.logger.Error("Failed to append error log", zap.Error(err))
	}
}

// sendNotification delivers best-effort: a failed send is logged and
// never rolls back or blocks a stage transition.
func (o *Orchestrator) sendNotification(ctx context.Context, event notify.Event) {
	if err := o.notifier.Notify(ctx, event); err != nil {
		o.logger.Warn("Notification delivery failed",
			zap.String("type", event.Type), zap.Error(err))
	}
}

// haltCycle moves the cycle to Failed. persist, when given, commits the
// failing domain record together with the Failed snapshot; otherwise the
// snapshot is written alone.
func (o *Orchestrator) haltCycle(ctx context.Context, stage State, cause error, persist func(snap *models.BotState) error) error {
	o.mu.Lock()
	snap := o.buildSnapshotLocked(StateFailed)
	tradeID := o.tradeID
	o.mu.Unlock()

	var err error
	if persist != nil {
		err = persist(snap)
	} else {
		err = o.store.SaveSnapshot(snap)
	}
	if err != nil {
		return err
	}

	o.logErrorEntry(stage, cause)
	o.sendNotification(ctx, notify.CycleFailed(tradeID, string(stage), cause.Error()))
	o.logger.Error("Trade cycle halted",
		zap.String("stage", string(stage)), zap.Error(cause))
	return nil
}

// awaitOperator blocks a halted cycle until a force reset or shutdown.
// Returns false when the context ended.
func (o *Orchestrator) awaitOperator(ctx context.Context) bool {
	o.logger.Info("Cycle halted, awaiting operator", zap.String("state", string(o.currentState())))
	select {
	case <-ctx.Done():
		return false
	case <-o.resetCh:
		return true
	}
}

// openPosition runs the Configured->Opening->Monitoring stage: place the
// entry order, confirm the position on the exchange, and durably record
// the trade before monitoring starts.
func (o *Orchestrator) openPosition(ctx context.Context) error {
	o.mu.Lock()
	tc := o.tradingCfg
	o.mu.Unlock()

	// Mark the opening in-flight first: if we crash after the order
	// lands, recovery knows to look for an unrecorded position instead
	// of re-opening a duplicate.
	if err := o.persistState(StateOpening); err != nil {
		return err
	}

	o.logger.Info("Opening position",
		zap.String("symbol", tc.Symbol),
		zap.String("side", tc.Side),
		zap.String("quantity", tc.Quantity.String()),
		zap.Int("leverage", tc.Leverage),
	)

	var adopted *exchange.Position
	err := o.retryTransient(ctx, "place_order", func() error {
		_, perr := o.exchange.PlaceOrder(ctx, tc.Symbol, tc.Side, tc.Quantity, tc.Leverage, tc.MarginMode)
		if perr != nil && exchange.IsAmbiguous(perr) {
			// Outcome unknown: the exchange is the source of truth.
			pos, qerr := o.exchange.GetPosition(ctx, tc.Symbol)
			if qerr == nil && pos != nil {
				adopted = pos
				return nil
			}
		}
		return perr
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return o.haltCycle(ctx, StateOpening, err, nil)
	}

	pos := adopted
	if pos == nil {
		err = o.retryTransient(ctx, "confirm_position", func() error {
			p, qerr := o.exchange.GetPosition(ctx, tc.Symbol)
			if qerr != nil {
				return qerr
			}
			if p == nil {
				return &exchange.Error{Kind: exchange.KindTransient, Op: "confirm_position", Message: "position not visible yet"}
			}
			pos = p
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return o.haltCycle(ctx, StateOpening, err, nil)
		}
	}

	return o.recordOpenedPosition(ctx, pos)
}

// recordOpenedPosition persists the open trade and the Monitoring
// snapshot atomically, then announces the position.
func (o *Orchestrator) recordOpenedPosition(ctx context.Context, pos *exchange.Position) error {
	o.mu.Lock()
	tc := o.tradingCfg
	o.mu.Unlock()

	now := time.Now()
	trade := &models.Trade{
		Symbol:     tc.Symbol,
		Side:       pos.Side,
		EntryPrice: pos.EntryPrice,
		Quantity:   pos.Quantity,
		Leverage:   tc.Leverage,
		Status:     models.TradeStatusOpen,
		OpenedAt:   now,
	}
	err := o.store.CreateTradeWithSnapshot(trade, func(t *models.Trade) (*models.BotState, error) {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.tradeID = t.ID
		o.position = &ActivePosition{
			TradeID:    t.ID,
			Symbol:     tc.Symbol,
			Side:       pos.Side,
			EntryPrice: pos.EntryPrice,
			Quantity:   pos.Quantity,
			OpenedAt:   now,
		}
		return o.buildSnapshotLocked(StateMonitoring), nil
	})
	if err != nil {
		return err
	}

	liqEstimate := monitor.EstimateLiquidationPrice(pos.EntryPrice, pos.Side, tc.Leverage, maintenanceMarginPct)
	o.logger.Info("Position opened",
		zap.Uint("trade_id", trade.ID),
		zap.String("entry_price", pos.EntryPrice.String()),
		zap.String("quantity", pos.Quantity.String()),
		zap.String("estimated_liquidation_price", liqEstimate.String()),
	)
	o.sendNotification(ctx, notify.PositionOpened(trade.ID, tc.Symbol, pos.Side, pos.Quantity, pos.EntryPrice, tc.Leverage))
	return nil
}

// monitorPosition polls the exchange until the profit threshold is hit,
// the position disappears (liquidation), or the run is cancelled. Poll
// failures are retried with the bounded ceiling; past it, one error log
// entry is written and monitoring continues, because abandoning an open
// position on telemetry failure would be worse than waiting.
func (o *Orchestrator) monitorPosition(ctx context.Context) error {
	o.mu.Lock()
	tc := o.tradingCfg
	o.mu.Unlock()

	o.logger.Info("Monitoring position",
		zap.String("symbol", tc.Symbol),
		zap.String("profit_threshold", tc.ProfitThreshold.String()),
		zap.Duration("interval", o.monitorInterval),
	)

	ticker := time.NewTicker(o.monitorInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		pos, err := o.exchange.GetPosition(ctx, tc.Symbol)
		if err != nil {
			failures++
			o.logger.Warn("Position poll failed",
				zap.Int("consecutive_failures", failures), zap.Error(err))
			if failures >= o.maxRetries {
				o.logErrorEntry(StateMonitoring, fmt.Errorf("position poll failed %d times in a row: %w", failures, err))
				failures = 0
			}
			continue
		}
		failures = 0

		switch monitor.Assess(pos, true, tc.ProfitThreshold) {
		case monitor.TakeProfit:
			o.logger.Info("Profit threshold reached",
				zap.String("unrealized_pnl", pos.UnrealizedPnL.String()),
				zap.String("mark_price", pos.MarkPrice.String()),
			)
			return o.persistState(StateClosing)
		case monitor.Liquidated:
			return o.recordLiquidation(ctx)
		default:
			o.logger.Debug("Holding position",
				zap.String("unrealized_pnl", pos.UnrealizedPnL.String()))
		}
	}
}

// recordLiquidation finalizes a trade the exchange force-closed. This is
// a named terminal outcome, not an error: no conversion or withdrawal
// follows, the cycle halts for the operator.
func (o *Orchestrator) recordLiquidation(ctx context.Context) error {
	o.mu.Lock()
	tradeID := o.tradeID
	o.mu.Unlock()

	trade, err := o.store.TradeByID(tradeID)
	if err != nil {
		return err
	}
	if trade == nil {
		return fmt.Errorf("liquidation recorded for missing trade %d", tradeID)
	}

	now := time.Now()
	trade.Status = models.TradeStatusLiquidated
	trade.ClosedAt = &now
	trade.Notes = "position no longer reported by the exchange; force-closed"

	o.mu.Lock()
	o.position = nil
	snap := o.buildSnapshotLocked(StateLiquidated)
	o.mu.Unlock()

	if err := o.store.UpdateTradeWithSnapshot(trade, snap); err != nil {
		return err
	}

	o.logger.Error("Position liquidated",
		zap.Uint("trade_id", trade.ID),
		zap.String("symbol", trade.Symbol),
	)
	o.sendNotification(ctx, notify.Liquidation(trade.ID, trade.Symbol, trade.EntryPrice, trade.Leverage))
	return nil
}

// closePosition market-closes the position and finalizes the trade. The
// close is idempotent: the exchange is re-checked before any resubmit,
// and the cycle never advances to Converting on an unconfirmed close.
func (o *Orchestrator) closePosition(ctx context.Context) error {
	o.mu.Lock()
	tradeID := o.tradeID
	o.mu.Unlock()

	trade, err := o.store.TradeByID(tradeID)
	if err != nil {
		return err
	}
	if trade == nil {
		return o.haltCycle(ctx, StateClosing, fmt.Errorf("no trade record for in-flight close"), nil)
	}

	var fill *exchange.FillResult
	closed := false
	err = o.retryTransient(ctx, "close_position", func() error {
		f, cerr := o.exchange.ClosePosition(ctx, trade.Symbol)
		if cerr != nil {
			if exchange.IsAmbiguous(cerr) {
				p, qerr := o.exchange.GetPosition(ctx, trade.Symbol)
				if qerr == nil && p == nil {
					// Close landed, fill detail lost.
					closed = true
					return nil
				}
				// Still open: a reduce-only close is safe to resubmit.
				return &exchange.Error{Kind: exchange.KindTransient, Op: "close_position", Message: "close outcome unknown, position still open", Err: cerr}
			}
			return cerr
		}
		fill = f
		closed = true
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if exchange.IsRejected(err) {
			return o.haltCycle(ctx, StateClosing, err, nil)
		}
		// Transient exhaustion: stay in Closing and try again rather
		// than advancing past an unconfirmed close.
		o.logErrorEntry(StateClosing, err)
		select {
		case <-time.After(o.retryDelay):
		case <-ctx.Done():
		}
		return nil
	}
	if !closed {
		return nil
	}

	now := time.Now()
	exitPrice := trade.EntryPrice
	if fill != nil && fill.Price.Sign() > 0 {
		exitPrice = fill.Price
	} else {
		trade.Notes = "close fill not observed; exit reconciled from position absence"
	}
	profit := monitor.UnrealizedPnL(trade.EntryPrice, exitPrice, trade.Quantity, trade.Side)

	trade.ExitPrice = decimal.NewNullDecimal(exitPrice)
	trade.Profit = decimal.NewNullDecimal(profit)
	trade.Status = models.TradeStatusClosed
	trade.ClosedAt = &now

	next := StateConverting
	if !o.cfg.Conversion.Enabled {
		next = StateWithdrawing
	}

	o.mu.Lock()
	o.position = nil
	snap := o.buildSnapshotLocked(next)
	o.mu.Unlock()

	if err := o.store.UpdateTradeWithSnapshot(trade, snap); err != nil {
		return err
	}

	o.logger.Info("Position closed",
		zap.Uint("trade_id", trade.ID),
		zap.String("exit_price", exitPrice.String()),
		zap.String("profit", profit.String()),
		zap.String("roi_pct", monitor.ROIPercent(trade.EntryPrice, exitPrice, trade.Side, trade.Leverage).StringFixed(2)),
	)
	o.sendNotification(ctx, notify.PositionClosed(trade.ID, trade.Symbol, exitPrice, profit))
	return nil
}

// convertProceeds converts the closed trade's settlement balance to the
// target asset. The pending conversion row, carrying the external quote
// id, is committed before the execute call so a crash mid-call can be
// reconciled instead of re-executed.
func (o *Orchestrator) convertProceeds(ctx context.Context) error {
	o.mu.Lock()
	tradeID := o.tradeID
	o.mu.Unlock()

	trade, err := o.store.TradeByID(tradeID)
	if err != nil {
		return err
	}
	if trade == nil {
		return o.haltCycle(ctx, StateConverting, fmt.Errorf("no trade record for conversion"), nil)
	}

	fromAsset := quoteAsset(trade.Symbol)
	targetAsset := o.cfg.Conversion.TargetAsset
	if fromAsset == targetAsset {
		o.logger.Info("Proceeds already in target asset, skipping conversion",
			zap.String("asset", targetAsset))
		return o.persistState(StateWithdrawing)
	}

	conv, err := o.store.PendingConversion(tradeID)
	if err != nil {
		return err
	}

	if conv == nil {
		var amount decimal.Decimal
		err = o.retryTransient(ctx, "get_balance", func() error {
			balance, berr := o.exchange.GetBalance(ctx, fromAsset)
			if berr != nil {
				return berr
			}
			amount = balance
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return o.haltCycle(ctx, StateConverting, err, nil)
		}
		if amount.Sign() <= 0 {
			o.logger.Warn("No balance to convert, resetting cycle",
				zap.String("asset", fromAsset))
			return o.persistState(StateResetting)
		}

		var quote *exchange.ConvertQuote
		err = o.retryTransient(ctx, "request_convert_quote", func() error {
			q, qerr := o.exchange.RequestConvertQuote(ctx, fromAsset, targetAsset, amount)
			if qerr != nil {
				return qerr
			}
			quote = q
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return o.haltCycle(ctx, StateConverting, err, nil)
		}

		conv = &models.Conversion{
			TradeID:    &trade.ID,
			FromAsset:  fromAsset,
			ToAsset:    targetAsset,
			FromAmount: amount,
			QuoteID:    quote.QuoteID,
			Status:     models.StatusPending,
		}
		o.mu.Lock()
		snap := o.buildSnapshotLocked(StateConverting)
		o.mu.Unlock()
		// Pending row goes durable before the execute call.
		if err := o.store.CreateConversionWithSnapshot(conv, snap); err != nil {
			return err
		}

		o.logger.Info("Executing conversion",
			zap.String("from", fromAsset),
			zap.String("to", targetAsset),
			zap.String("amount", amount.String()),
			zap.String("quote_id", quote.QuoteID),
		)
		if cerr := o.exchange.ConfirmConvert(ctx, quote.QuoteID); cerr != nil && exchange.IsRejected(cerr) {
			return o.failConversion(ctx, conv, cerr)
		}
		// Transient and ambiguous outcomes fall through to the result
		// query: the exchange knows whether the quote executed.
	}

	status, err := o.resolveConversion(ctx, conv.QuoteID)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return o.failConversion(ctx, conv, err)
	}

	switch status.State {
	case exchange.ConvertStateSuccess:
		now := time.Now()
		conv.Status = models.StatusCompleted
		conv.ToAmount = decimal.NewNullDecimal(status.ToAmount)
		conv.ExchangeRate = decimal.NewNullDecimal(status.Rate)
		conv.ExecutedAt = &now

		o.mu.Lock()
		snap := o.buildSnapshotLocked(StateWithdrawing)
		o.mu.Unlock()
		if err := o.store.UpdateConversionWithSnapshot(conv, snap); err != nil {
			return err
		}
		o.logger.Info("Conversion completed",
			zap.String("to_amount", status.ToAmount.String()),
			zap.String("rate", status.Rate.String()),
		)
		o.sendNotification(ctx, notify.ConversionCompleted(trade.ID, conv.FromAsset, conv.ToAsset, conv.FromAmount, status.ToAmount))
		return nil
	default:
		// Definitive failure, or still unresolved after the settle
		// window: funds may be in a held state, surface for the
		// operator instead of retrying blindly.
		return o.failConversion(ctx, conv, fmt.Errorf("conversion %s not completed: state %s", conv.QuoteID, status.State))
	}
}

// failConversion marks the conversion failed atomically with the Failed
// snapshot and halts the cycle.
func (o *Orchestrator) failConversion(ctx context.Context, conv *models.Conversion, cause error) error {
	return o.haltCycle(ctx, StateConverting, cause, func(snap *models.BotState) error {
		conv.Status = models.StatusFailed
		return o.store.UpdateConversionWithSnapshot(conv, snap)
	})
}

// resolveConversion polls the conversion outcome by quote id until the
// exchange reports a final state or the settle window elapses.
func (o *Orchestrator) resolveConversion(ctx context.Context, quoteID string) (*exchange.ConvertStatus, error) {
	deadline := time.Now().Add(o.settleTimeout)
	last := &exchange.ConvertStatus{QuoteID: quoteID, State: exchange.ConvertStateUnknown}
	for {
		status, err := o.exchange.GetConvertStatus(ctx, quoteID)
		if err == nil {
			last = status
			if status.State == exchange.ConvertStateSuccess || status.State == exchange.ConvertStateFailure {
				return status, nil
			}
		} else if !exchange.IsTransient(err) {
			return nil, err
		}

		if time.Now().After(deadline) {
			return last, nil
		}
		select {
		case <-time.After(o.settleInterval):
		case <-ctx.Done():
			return last, ctx.Err()
		}
	}
}

// withdrawProceeds waits for the converted funds to settle, then sends
// them to the configured external address. The pending withdrawal row is
// committed before the withdraw call; a rejected or unresolved withdrawal
// halts the cycle without an automatic retry, since moving funds to a
// wrong address or network is not recoverable in software.
func (o *Orchestrator) withdrawProceeds(ctx context.Context) error {
	wcfg := o.cfg.Withdrawal
	if !wcfg.Enabled || wcfg.Address == "" {
		o.logger.Info("Withdrawal disabled, resetting cycle")
		return o.persistState(StateResetting)
	}

	o.mu.Lock()
	tradeID := o.tradeID
	o.mu.Unlock()

	trade, err := o.store.TradeByID(tradeID)
	if err != nil {
		return err
	}
	if trade == nil {
		return o.haltCycle(ctx, StateWithdrawing, fmt.Errorf("no trade record for withdrawal"), nil)
	}

	asset := o.cfg.Conversion.TargetAsset
	if !o.cfg.Conversion.Enabled {
		asset = quoteAsset(trade.Symbol)
	}

	var conversionID *uint
	expected := decimal.Zero
	if conv, cerr := o.store.CompletedConversion(tradeID); cerr != nil {
		return cerr
	} else if conv != nil {
		conversionID = &conv.ID
		if conv.ToAmount.Valid {
			expected = conv.ToAmount.Decimal
		}
	}

	available, err := o.waitForFunds(ctx, asset, expected)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return o.haltCycle(ctx, StateWithdrawing, err, nil)
	}

	minAmount := decimal.NewFromFloat(wcfg.MinAmount)
	if available.LessThan(minAmount) {
		o.logger.Warn("Balance below minimum withdrawal, skipping",
			zap.String("available", available.String()),
			zap.String("minimum", minAmount.String()),
		)
		return o.persistState(StateResetting)
	}

	wd, err := o.store.PendingWithdrawal(tradeID)
	if err != nil {
		return err
	}
	if wd == nil {
		wd = &models.Withdrawal{
			TradeID:      &trade.ID,
			ConversionID: conversionID,
			Asset:        asset,
			Amount:       available,
			Address:      wcfg.Address,
			Network:      wcfg.Network,
			Status:       models.StatusPending,
		}
		o.mu.Lock()
		snap := o.buildSnapshotLocked(StateWithdrawing)
		o.mu.Unlock()
		// Pending row goes durable before the withdraw call.
		if err := o.store.CreateWithdrawalWithSnapshot(wd, snap); err != nil {
			return err
		}
	} else {
		// Left by the recovery loader after it verified the exchange
		// has no record of this withdrawal.
		o.logger.Info("Executing previously recorded pending withdrawal",
			zap.Uint("withdrawal_id", wd.ID))
	}

	o.logger.Info("Withdrawing funds",
		zap.String("asset", wd.Asset),
		zap.String("amount", wd.Amount.String()),
		zap.String("address", wd.Address),
		zap.String("network", wd.Network),
	)

	result, err := o.exchange.Withdraw(ctx, wd.Asset, wd.Amount, wd.Address, wd.Network)
	if err != nil {
		if exchange.IsAmbiguous(err) {
			if record := o.reconcileWithdrawal(ctx, wd); record != nil && record.Status != exchange.WithdrawStateFailed {
				return o.completeWithdrawal(ctx, trade, wd, record.TxID, record.Fee)
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		return o.haltCycle(ctx, StateWithdrawing, err, func(snap *models.BotState) error {
			wd.Status = models.StatusFailed
			return o.store.UpdateWithdrawalWithSnapshot(wd, snap)
		})
	}

	txID := result.ID
	fee := decimal.Zero
	if record := o.reconcileWithdrawal(ctx, wd); record != nil {
		if record.TxID != "" {
			txID = record.TxID
		}
		fee = record.Fee
	}
	return o.completeWithdrawal(ctx, trade, wd, txID, fee)
}

// completeWithdrawal finalizes a confirmed withdrawal and hands the
// cycle to Resetting.
func (o *Orchestrator) completeWithdrawal(ctx context.Context, trade *models.Trade, wd *models.Withdrawal, txID string, fee decimal.Decimal) error {
	now := time.Now()
	wd.Status = models.StatusCompleted
	wd.TxID = txID
	if fee.Sign() > 0 {
		wd.Fee = decimal.NewNullDecimal(fee)
	}
	wd.ExecutedAt = &now

	o.mu.Lock()
	snap := o.buildSnapshotLocked(StateResetting)
	o.mu.Unlock()
	if err := o.store.UpdateWithdrawalWithSnapshot(wd, snap); err != nil {
		return err
	}

	o.logger.Info("Withdrawal completed",
		zap.Uint("trade_id", trade.ID),
		zap.String("tx_id", txID),
	)
	o.sendNotification(ctx, notify.WithdrawalCompleted(trade.ID, wd.Asset, wd.Amount, wd.Address, txID))
	return nil
}

// waitForFunds polls the balance until it covers the expected amount (or
// is simply non-zero when no expectation exists) or the settle window
// elapses. Fund detection per the conversion settlement delay.
func (o *Orchestrator) waitForFunds(ctx context.Context, asset string, expected decimal.Decimal) (decimal.Decimal, error) {
	deadline := time.Now().Add(o.settleTimeout)
	for {
		balance, err := o.exchange.GetBalance(ctx, asset)
		if err == nil {
			settled := balance.Sign() > 0
			if expected.Sign() > 0 {
				settled = balance.GreaterThanOrEqual(expected)
			}
			if settled {
				return balance, nil
			}
		} else if !exchange.IsTransient(err) {
			return decimal.Zero, err
		}

		if time.Now().After(deadline) {
			return decimal.Zero, fmt.Errorf("funds for %s did not settle within %s (expected %s)", asset, o.settleTimeout, expected.String())
		}
		select {
		case <-time.After(o.settleInterval):
		case <-ctx.Done():
			return decimal.Zero, ctx.Err()
		}
	}
}

// reconcileWithdrawal looks for this withdrawal in the exchange's
// records, matching by destination and amount since the row was created.
// Nil means the exchange never saw the request.
func (o *Orchestrator) reconcileWithdrawal(ctx context.Context, wd *models.Withdrawal) *exchange.WithdrawalRecord {
	since := wd.CreatedAt.Add(-time.Minute)
	var records []exchange.WithdrawalRecord
	err := o.retryTransient(ctx, "list_withdrawals", func() error {
		list, lerr := o.exchange.ListWithdrawals(ctx, wd.Asset, since)
		if lerr != nil {
			return lerr
		}
		records = list
		return nil
	})
	if err != nil {
		o.logger.Warn("Could not reconcile withdrawal against exchange records", zap.Error(err))
		return nil
	}
	for i := range records {
		r := &records[i]
		if r.Address == wd.Address && r.Amount.Equal(wd.Amount) {
			return r
		}
	}
	return nil
}

// resetCycle clears the in-flight position, re-applies the initial
// trading configuration and starts a fresh snapshot row for the next
// cycle. Returns true when running single-cycle and the run should end.
func (o *Orchestrator) resetCycle() (bool, error) {
	o.mu.Lock()
	o.position = nil
	o.tradeID = 0
	o.tradingCfg = o.initialCfg
	// New row per cycle: history stays replayable.
	o.snapshot = &models.BotState{CycleID: uuid.NewString()}
	snap := o.buildSnapshotLocked(StateConfigured)
	cycleID := snap.CycleID
	o.mu.Unlock()

	if err := o.store.SaveSnapshot(snap); err != nil {
		return false, err
	}

	o.logger.Info("Cycle reset complete, ready for next trade",
		zap.String("cycle_id", cycleID))
	return !o.cfg.Trading.Continuous, nil
}

// knownQuoteAssets are the settlement currencies of supported linear
// contracts, longest suffix first.
var knownQuoteAssets = []string{"USDT", "USDC", "USD"}

// quoteAsset extracts the settlement asset from a contract symbol like
// BTCUSDT. Linear contract PnL settles in the quote currency.
func quoteAsset(symbol string) string {
	for _, q := range knownQuoteAssets {
		if strings.HasSuffix(symbol, q) {
			return q
		}
	}
	return "USDT"
}
