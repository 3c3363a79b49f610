package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/boxmeout/settlement/internal/domain"
)

// ReconcileReport summarises one reconciliation pass.
type ReconcileReport struct {
	Confirmed    int `json:"confirmed"`
	Rejected     int `json:"rejected"`
	StillPending int `json:"still_pending"`
	Reversed     int `json:"reversed"`
}

// Reconcile re-drives transfers that have been pending longer than the
// grace period and hands back holds that were never attached. Confirmed
// and rejected outflows go through their purpose's confirmer, so owners
// leave their pending sub-state only here or on the original request path.
func (g *Gateway) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport
	cutoff := g.now().Add(-g.cfg.Grace)

	pending, err := g.journal.ListPending(ctx, cutoff)
	if err != nil {
		return rep, fmt.Errorf("ledger: reconcile: %w", err)
	}
	var errs []error
	for _, t := range pending {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		if t.Kind == domain.TransferEscrow {
			if err := g.recoverEscrow(ctx, t, &rep); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		settled, err := g.Settle(ctx, t.ID)
		switch {
		case settled.State == domain.TransferConfirmed:
			rep.Confirmed++
		case settled.State == domain.TransferRejected:
			rep.Rejected++
		default:
			rep.StillPending++
		}
		if err != nil && !errors.Is(err, domain.ErrLedgerRejected) {
			errs = append(errs, err)
		}
	}

	unattached, err := g.journal.ListUnattached(ctx, cutoff)
	if err != nil {
		return rep, fmt.Errorf("ledger: reconcile: %w", err)
	}
	for _, t := range unattached {
		if err := g.reverse(ctx, t.ID, true); err != nil {
			errs = append(errs, err)
			continue
		}
		rep.Reversed++
	}

	g.metrics.SetPendingTransfers(rep.StillPending)
	if rep != (ReconcileReport{}) {
		g.logger.InfoContext(ctx, "ledger: reconcile pass",
			slog.Int("confirmed", rep.Confirmed),
			slog.Int("rejected", rep.Rejected),
			slog.Int("still_pending", rep.StillPending),
			slog.Int("reversed", rep.Reversed),
		)
	}
	return rep, errors.Join(errs...)
}

// recoverEscrow finishes an escrow whose confirmation never arrived. The
// request that asked for it has already failed, so a successful hold is
// reversed straight away.
func (g *Gateway) recoverEscrow(ctx context.Context, t domain.Transfer, rep *ReconcileReport) error {
	var receipt string
	err := g.retry(ctx, "escrow", &t, func(ctx context.Context) error {
		r, err := g.client.Escrow(ctx, t.ID, t.UserID, t.Amount)
		if err == nil {
			receipt = r
		}
		return err
	})
	if err != nil {
		failed := g.fail(ctx, &t, "escrow", err)
		if t.State == domain.TransferRejected {
			rep.Rejected++
			return nil
		}
		rep.StillPending++
		return failed
	}
	t.ReceiptID = receipt
	t.Remaining = t.Amount
	t.State = domain.TransferConfirmed
	t.LastError = ""
	t.UpdatedAt = g.now()
	if err := g.journal.Save(ctx, t); err != nil {
		return fmt.Errorf("ledger: reconcile escrow %s: %w", t.ID, err)
	}
	if err := g.reverse(ctx, t.ID, true); err != nil {
		return err
	}
	rep.Reversed++
	return nil
}
