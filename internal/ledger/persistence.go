package ledger

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// JournalEntry is one durable record of a capital mutation. The journal is
// append-only; replaying it reconstructs the capital history.
type JournalEntry struct {
	ID        uint64          `gorm:"primaryKey"`
	Op        string          `gorm:"index"`
	Reference string          `gorm:"index"`
	Amount    decimal.Decimal `gorm:"type:numeric"`
	CreatedAt time.Time
}

// TrancheSnapshot is the durable per-tranche state written after each
// mutation, keyed by tranche so the latest row per tranche is current.
type TrancheSnapshot struct {
	TrancheID        string          `gorm:"primaryKey"`
	Seniority        int
	Capital          decimal.Decimal `gorm:"type:numeric"`
	AccumulatedYield decimal.Decimal `gorm:"type:numeric"`
	AccumulatedLoss  decimal.Decimal `gorm:"type:numeric"`
	OutstandingUnits decimal.Decimal `gorm:"type:numeric"`
	UpdatedAt        time.Time
}

// journalLocked persists the mutation and refreshed tranche snapshots.
// Persistence failures are logged, never allowed to roll back an applied
// in-memory mutation: the journal trails the ledger, not the reverse.
func (l *Ledger) journalLocked(op, reference string, amount decimal.Decimal) {
	if l.db == nil {
		return
	}
	entry := JournalEntry{Op: op, Reference: reference, Amount: amount, CreatedAt: l.now()}
	if err := l.db.Create(&entry).Error; err != nil {
		l.logger.Error("journal write failed",
			zap.String("op", op),
			zap.Error(err))
		return
	}
	for _, t := range l.pool.Tranches {
		snap := TrancheSnapshot{
			TrancheID:        t.ID,
			Seniority:        t.Seniority,
			Capital:          t.Capital,
			AccumulatedYield: t.AccumulatedYield,
			AccumulatedLoss:  t.AccumulatedLosses,
			OutstandingUnits: t.OutstandingUnits,
			UpdatedAt:        l.now(),
		}
		if err := l.db.Save(&snap).Error; err != nil {
			l.logger.Error("tranche snapshot write failed",
				zap.String("tranche", t.ID),
				zap.Error(err))
		}
	}
}
