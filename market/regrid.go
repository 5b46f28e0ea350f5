package market

import (
	"context"

	"astergrid/logger"
	"astergrid/trader/types"
)

// RegridVerdict is the decision taken after an exit fills
type RegridVerdict int

const (
	// VerdictReplace re-places the entry at the same rung
	VerdictReplace RegridVerdict = iota
	// VerdictRegrid rebuilds the ladder on the recommended side
	VerdictRegrid
	// VerdictWait leaves the rung empty until the reversal is confirmed
	VerdictWait
)

func (v RegridVerdict) String() string {
	switch v {
	case VerdictReplace:
		return "REPLACE"
	case VerdictRegrid:
		return "REGRID"
	case VerdictWait:
		return "WAIT"
	}
	return "UNKNOWN"
}

// RegridDecision verdict plus the side a re-grid should trade
type RegridDecision struct {
	Verdict RegridVerdict
	Mode    types.TradingMode
	Score   int
}

// ShouldRegrid decides what follows an exit fill while trading mode.
// A reversal must be seen on consecutive calls before a re-grid is
// recommended, and re-grids are spaced by the minimum interval.
func (a *Analyzer) ShouldRegrid(ctx context.Context, symbol string, mode types.TradingMode) RegridDecision {
	replace := RegridDecision{Verdict: VerdictReplace, Mode: mode}

	if !a.cfg.RegridOnTakeProfit {
		return replace
	}

	a.mu.Lock()
	last := a.lastRegrid
	a.mu.Unlock()
	if !last.IsZero() && a.now().Sub(last) < a.cfg.RegridMinInterval {
		logger.Debugf("[Market] re-grid rate limited, last %s ago", a.now().Sub(last))
		return replace
	}

	an, err := a.Latest(ctx, symbol)
	if err != nil {
		logger.Warnf("[Market] re-grid check failed, keeping grid: %v", err)
		return replace
	}
	replace.Score = an.Score

	target, directional := an.Recommended.Mode()
	reversal := directional && mode != types.ModeBoth && target != mode

	a.mu.Lock()
	defer a.mu.Unlock()

	if !reversal {
		a.pendingRegrid = 0
		return replace
	}

	a.pendingRegrid++
	need := a.cfg.RegridConfirmations
	if need < 1 {
		need = 1
	}
	logger.Infof("[Market] trend reversal %s -> %s (score %+d), confirmation %d/%d",
		mode, target, an.Score, a.pendingRegrid, need)

	if a.pendingRegrid >= need {
		a.pendingRegrid = 0
		return RegridDecision{Verdict: VerdictRegrid, Mode: target, Score: an.Score}
	}
	return RegridDecision{Verdict: VerdictWait, Mode: mode, Score: an.Score}
}

// RecordPlacement marks a fresh ladder placement for re-grid spacing
func (a *Analyzer) RecordPlacement() {
	a.mu.Lock()
	a.lastRegrid = a.now()
	a.pendingRegrid = 0
	a.mu.Unlock()
}

// CheckSwitch tracks consecutive side recommendations that differ from
// mode. It returns the new mode once the confirmation count is reached.
// A Stay recommendation cancels any pending switch.
func (a *Analyzer) CheckSwitch(an *Analysis, mode types.TradingMode) (types.TradingMode, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	target, directional := an.Recommended.Mode()
	if !directional || target == mode || mode == types.ModeBoth {
		if a.pendingSwitch != "" {
			logger.Infof("[Market] pending switch to %s cancelled (score %+d)", a.pendingSwitch, an.Score)
		}
		a.pendingSwitch = ""
		a.switchCount = 0
		return mode, false
	}

	if a.pendingSwitch == target {
		a.switchCount++
	} else {
		a.pendingSwitch = target
		a.switchCount = 1
	}

	need := a.cfg.RegridConfirmations
	if need < 1 {
		need = 1
	}
	logger.Infof("[Market] switch %s -> %s confirmation %d/%d", mode, target, a.switchCount, need)

	if a.switchCount >= need {
		a.pendingSwitch = ""
		a.switchCount = 0
		return target, true
	}
	return mode, false
}
