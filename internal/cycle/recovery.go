package cycle

import (
	"context"
	"fmt"
	"time"

	"github.com/damozycodes/Bybit/internal/exchange"
	"github.com/damozycodes/Bybit/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// recover reconstructs the orchestrator's state from the last persisted
// snapshot. The rule for every in-flight stage: re-query the exchange by
// external identifier before trusting any local status, so an action
// that already executed is never executed twice.
func (o *Orchestrator) recover(ctx context.Context) error {
	snap, err := o.store.LatestSnapshot()
	if err != nil {
		return err
	}
	if snap == nil {
		o.logger.Info("No saved state found, starting fresh")
		return o.startFreshCycle()
	}

	state, err := ParseState(snap.CurrentState)
	if err != nil {
		return err
	}

	tc := o.initialCfg
	if snap.TradingConfig != "" {
		decoded, derr := DecodeTradingConfig(snap.TradingConfig)
		if derr != nil {
			return fmt.Errorf("snapshot %d: %w", snap.ID, derr)
		}
		tc = decoded
	}

	o.mu.Lock()
	o.snapshot = snap
	o.state = state
	o.tradingCfg = tc
	o.position = nil
	o.tradeID = 0
	o.mu.Unlock()

	if snap.ActivePosition != "" {
		pos, perr := DecodeActivePosition(snap.ActivePosition)
		if perr != nil {
			return fmt.Errorf("snapshot %d: %w", snap.ID, perr)
		}
		o.mu.Lock()
		o.position = &pos
		o.tradeID = pos.TradeID
		o.mu.Unlock()
	}

	o.logger.Info("Recovered persisted state",
		zap.String("state", string(state)),
		zap.String("cycle_id", snap.CycleID),
		zap.Time("last_updated", snap.LastUpdated),
	)

	switch state {
	case StateConfigured:
		return nil
	case StateResetting:
		// Finish the interrupted reset.
		return o.startFreshCycle()
	case StateOpening:
		return o.recoverOpening(ctx)
	case StateMonitoring, StateClosing:
		return o.recoverOpenTrade(ctx, state)
	case StateConverting:
		return o.recoverConverting(ctx)
	case StateWithdrawing:
		return o.recoverWithdrawing(ctx)
	default: // Failed, Liquidated
		o.logger.Warn("Cycle is halted, awaiting operator",
			zap.String("state", string(state)))
		return nil
	}
}

// startFreshCycle arms a brand-new cycle row at Configured.
func (o *Orchestrator) startFreshCycle() error {
	o.mu.Lock()
	o.position = nil
	o.tradeID = 0
	o.tradingCfg = o.initialCfg
	o.snapshot = &models.BotState{CycleID: uuid.NewString()}
	snap := o.buildSnapshotLocked(StateConfigured)
	o.mu.Unlock()
	return o.store.SaveSnapshot(snap)
}

// recoverOpening resolves a crash between placing the entry order and
// recording the trade. The exchange decides: a live position means the
// order landed and gets adopted; no position means it never did, and the
// cycle safely re-enters Configured.
func (o *Orchestrator) recoverOpening(ctx context.Context) error {
	o.mu.Lock()
	tc := o.tradingCfg
	o.mu.Unlock()

	var pos *exchange.Position
	err := o.retryTransient(ctx, "recover_opening", func() error {
		p, qerr := o.exchange.GetPosition(ctx, tc.Symbol)
		if qerr != nil {
			return qerr
		}
		pos = p
		return nil
	})
	if err != nil {
		return fmt.Errorf("could not verify position while recovering an interrupted open: %w", err)
	}

	if pos == nil {
		o.logger.Info("Interrupted open left no position, restarting cycle",
			zap.String("symbol", tc.Symbol))
		return o.persistState(StateConfigured)
	}

	o.logger.Info("Adopting position left by interrupted open",
		zap.String("symbol", pos.Symbol),
		zap.String("entry_price", pos.EntryPrice.String()),
	)
	return o.recordOpenedPosition(ctx, pos)
}

// recoverOpenTrade resumes Monitoring or Closing. The open trade row
// must exist (it commits atomically with those snapshots); the live
// position is re-queried so cached entry data never overrides the
// exchange. A position already gone is handled by the resumed stage
// itself: the first monitor poll classifies it as liquidation, and the
// close stage reconciles an already-filled close.
func (o *Orchestrator) recoverOpenTrade(ctx context.Context, state State) error {
	trade, err := o.store.OpenTrade()
	if err != nil {
		return err
	}
	if trade == nil {
		o.logErrorEntry(state, fmt.Errorf("snapshot claims %s but no open trade exists", state))
		return o.startFreshCycle()
	}

	o.mu.Lock()
	o.tradeID = trade.ID
	o.position = &ActivePosition{
		TradeID:    trade.ID,
		Symbol:     trade.Symbol,
		Side:       trade.Side,
		EntryPrice: trade.EntryPrice,
		Quantity:   trade.Quantity,
		OpenedAt:   trade.OpenedAt,
	}
	o.mu.Unlock()

	var pos *exchange.Position
	qerr := o.retryTransient(ctx, "recover_position", func() error {
		p, gerr := o.exchange.GetPosition(ctx, o.position.Symbol)
		if gerr != nil {
			return gerr
		}
		pos = p
		return nil
	})
	if qerr != nil {
		// Ground truth unavailable right now; the resumed stage keeps
		// retrying with its own ceiling.
		o.logger.Warn("Could not refresh position during recovery", zap.Error(qerr))
		return nil
	}
	if pos != nil {
		o.mu.Lock()
		o.position.EntryPrice = pos.EntryPrice
		o.position.Quantity = pos.Quantity
		o.mu.Unlock()
	}
	return nil
}

// recoverConverting re-links the stage to its trade and resolves any
// pending conversion through the external quote id before the stage is
// allowed to run again. A quote the exchange has no record of never
// executed, so its row is failed and a fresh attempt is safe; a quote
// that succeeded is completed from the exchange's answer, never re-run.
func (o *Orchestrator) recoverConverting(ctx context.Context) error {
	trade, err := o.store.LatestClosedTrade()
	if err != nil {
		return err
	}
	if trade == nil {
		o.logErrorEntry(StateConverting, fmt.Errorf("snapshot claims converting but no closed trade exists"))
		return o.startFreshCycle()
	}
	o.mu.Lock()
	o.tradeID = trade.ID
	o.mu.Unlock()

	conv, err := o.store.PendingConversion(trade.ID)
	if err != nil {
		return err
	}
	if conv == nil {
		return nil // stage runs from scratch
	}

	if conv.QuoteID == "" {
		// No external identifier to reconcile with; the quote was never
		// requested, so the row is dead weight.
		conv.Status = models.StatusFailed
		o.mu.Lock()
		snap := o.buildSnapshotLocked(StateConverting)
		o.mu.Unlock()
		return o.store.UpdateConversionWithSnapshot(conv, snap)
	}

	var status *exchange.ConvertStatus
	err = o.retryTransient(ctx, "recover_convert_status", func() error {
		s, serr := o.exchange.GetConvertStatus(ctx, conv.QuoteID)
		if serr != nil {
			return serr
		}
		status = s
		return nil
	})
	if err != nil {
		return fmt.Errorf("could not reconcile pending conversion %s: %w", conv.QuoteID, err)
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
		if uerr := o.store.UpdateConversionWithSnapshot(conv, snap); uerr != nil {
			return uerr
		}
		o.logger.Info("Pending conversion had already completed",
			zap.String("quote_id", conv.QuoteID))
		return nil
	case exchange.ConvertStateFailure:
		return o.failConversion(ctx, conv, fmt.Errorf("conversion %s failed at the exchange", conv.QuoteID))
	case exchange.ConvertStateUnknown:
		// Never executed: fail the row, let the stage re-quote.
		conv.Status = models.StatusFailed
		o.mu.Lock()
		snap := o.buildSnapshotLocked(StateConverting)
		o.mu.Unlock()
		o.logger.Info("Pending conversion was never executed, will retry with a fresh quote",
			zap.String("quote_id", conv.QuoteID))
		return o.store.UpdateConversionWithSnapshot(conv, snap)
	default:
		// Still processing; the stage's result polling picks it up.
		return nil
	}
}

// recoverWithdrawing re-links the stage to its trade and reconciles any
// pending withdrawal against the exchange's records. Found and not
// failed: adopt its outcome. Found failed: halt. Not found at all: the
// request never reached the exchange, so the pending row is left for the
// stage to execute, which is the only sanctioned withdrawal retry.
func (o *Orchestrator) recoverWithdrawing(ctx context.Context) error {
	trade, err := o.store.LatestClosedTrade()
	if err != nil {
		return err
	}
	if trade == nil {
		o.logErrorEntry(StateWithdrawing, fmt.Errorf("snapshot claims withdrawing but no closed trade exists"))
		return o.startFreshCycle()
	}
	o.mu.Lock()
	o.tradeID = trade.ID
	o.mu.Unlock()

	wd, err := o.store.PendingWithdrawal(trade.ID)
	if err != nil {
		return err
	}
	if wd == nil {
		return nil // stage runs from scratch
	}

	record := o.reconcileWithdrawal(ctx, wd)
	if record == nil {
		o.logger.Info("Pending withdrawal not found at the exchange, stage will execute it",
			zap.Uint("withdrawal_id", wd.ID))
		return nil
	}

	if record.Status == exchange.WithdrawStateFailed {
		return o.haltCycle(ctx, StateWithdrawing, fmt.Errorf("withdrawal %s failed at the exchange", record.ID), func(snap *models.BotState) error {
			wd.Status = models.StatusFailed
			return o.store.UpdateWithdrawalWithSnapshot(wd, snap)
		})
	}

	o.logger.Info("Pending withdrawal had already been accepted by the exchange",
		zap.String("withdraw_id", record.ID),
		zap.String("status", record.Status),
	)
	txID := record.TxID
	if txID == "" {
		txID = record.ID
	}
	return o.completeWithdrawal(ctx, trade, wd, txID, record.Fee)
}
