package accounting

import (
	"context"
	"fmt"
	"strings"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// ReverseEntry marks a POSTED entry as REVERSED. The voucher and its sibling
// entries are not touched and no offsetting entry is written.
func (s *Service) ReverseEntry(ctx context.Context, entryID int64, reason string, actorID int64) (LedgerEntry, error) {
	reason = strings.TrimSpace(reason)
	if entryID <= 0 {
		return LedgerEntry{}, invalid("EntryID", "entry id required")
	}
	if reason == "" {
		return LedgerEntry{}, invalid("Reason", "reversal reason required")
	}
	if actorID <= 0 {
		return LedgerEntry{}, invalid("ActorID", "reversal actor required")
	}
	var entry LedgerEntry
	err := s.withTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetEntryForUpdate(ctx, entryID)
		if err != nil {
			return err
		}
		if current.Status != EntryStatusPosted {
			return badState("entry %s is %s, only POSTED entries can be reversed", current.Number, current.Status)
		}
		at := s.now().UTC()
		if err := tx.MarkEntryReversed(ctx, current.ID, actorID, reason, at); err != nil {
			return err
		}
		current.Status = EntryStatusReversed
		current.ReversedBy = &actorID
		current.ReversedAt = &at
		current.ReversalReason = reason
		current.UpdatedAt = at
		entry = current
		return nil
	})
	if err != nil {
		return LedgerEntry{}, err
	}
	if s.metrics != nil {
		s.metrics.EntryReversed()
	}
	s.bumpCache(ctx)
	s.record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "REVERSE_ENTRY",
		Entity:   "ledger_entry",
		EntityID: fmt.Sprintf("%d", entry.ID),
		Detail:   fmt.Sprintf("entry %s reversed", entry.Number),
		Reason:   reason,
	})
	return entry, nil
}
