package risk

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"bracket-core/pkg/db"
	"bracket-core/pkg/exchanges/common"
)

// OCOEngine closes a bracket once one exit leg fills: the other leg is
// cancelled and the entry is marked COMPLETED. It reads fills from the local
// ledger only; the sync engine brings broker fills into the ledger.
type OCOEngine struct {
	Deps
	Interval time.Duration
}

// NewOCOEngine creates an OCO engine ticking every interval.
func NewOCOEngine(deps Deps, interval time.Duration) *OCOEngine {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &OCOEngine{Deps: deps, Interval: interval}
}

// Start runs the engine until ctx is done.
func (e *OCOEngine) Start(ctx context.Context) {
	runEvery(ctx, "oco", e.Interval, func(ctx context.Context) { e.RunOnce(ctx) })
}

// RunOnce scans every open bracket once and returns how many it closed.
func (e *OCOEngine) RunOnce(ctx context.Context) int {
	start := time.Now()
	defer e.Metrics.ObserveTick("oco", start)

	entries, err := e.Ledger.Store.FindActiveBrackets(ctx)
	if err != nil {
		e.Metrics.EngineError("oco")
		log.Printf("oco: scan failed: %v", err)
		return 0
	}

	closed := 0
	for i := range entries {
		ok, err := e.process(ctx, entries[i].ID)
		if err != nil {
			e.Metrics.EngineError("oco")
			log.Printf("oco: bracket %d: %v", entries[i].ID, err)
			continue
		}
		if ok {
			closed++
		}
	}
	return closed
}

func (e *OCOEngine) process(ctx context.Context, entryID int64) (bool, error) {
	unlock := e.Locks.Lock(entryID)
	defer unlock()

	entry, err := e.Ledger.Store.Get(ctx, entryID)
	if err != nil {
		return false, err
	}
	if !inStatus(entry.Status, common.StatusFilled, common.StatusTraded, common.StatusCompleted) {
		return false, nil
	}

	filledRole, siblingRole, err := e.filledLeg(ctx, entryID)
	if err != nil || filledRole == "" {
		return false, err
	}

	sibling, err := e.Ledger.Store.FindActiveLeg(ctx, entryID, siblingRole)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return false, err
	}

	var remark string
	if filledRole == db.RoleStopLoss {
		remark = "SL hit, target canceled"
	} else {
		remark = "Target hit, SL canceled"
	}

	if sibling != nil {
		creds, err := e.Credentials.Get(ctx, entry.UserID)
		if err != nil {
			return false, fmt.Errorf("credentials for user %d: %w", entry.UserID, err)
		}
		if !e.cancelLeg(ctx, creds, sibling, fmt.Sprintf("OCO: %s filled", filledRole)) {
			remark = fmt.Sprintf("%s hit, %s cancel failed", filledRole, siblingRole)
		}
	}

	entry.Status = string(common.StatusCompleted)
	entry.Remark = remark
	if err := e.Ledger.Save(ctx, entry); err != nil {
		return false, err
	}
	e.Metrics.OCOClose(string(filledRole))
	log.Printf("oco: bracket %d closed: %s", entryID, remark)
	return true, nil
}

// filledLeg reports which exit filled, stop-loss first.
func (e *OCOEngine) filledLeg(ctx context.Context, entryID int64) (filled, sibling db.Role, err error) {
	for _, pair := range [][2]db.Role{{db.RoleStopLoss, db.RoleTarget}, {db.RoleTarget, db.RoleStopLoss}} {
		_, err := e.Ledger.Store.FindFilledLeg(ctx, entryID, pair[0])
		if err == nil {
			return pair[0], pair[1], nil
		}
		if !errors.Is(err, db.ErrNotFound) {
			return "", "", err
		}
	}
	return "", "", nil
}
