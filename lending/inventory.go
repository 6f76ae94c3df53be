/*
inventory.go - Inventory Ledger

PURPOSE:
  The only component that writes a title's available copies. Reserve is a
  single compare-and-decrement in storage, so N concurrent reservations
  against one copy produce exactly one success.

INVARIANT:
  0 <= AvailableCopies <= TotalCopies, after every committed write.

  A Release that would push AvailableCopies above TotalCopies means a loan
  was closed twice or a copy was released without a loan. That is a bug:
  the write is refused, the operation aborts and an [ALERT] is logged. The
  value is never clamped.
*/
package lending

import (
	"context"
	"errors"
	"fmt"
	"log"
)

// Reservation proves a copy was taken out of AvailableCopies.
type Reservation struct {
	TitleID   TitleID
	Remaining int
}

type Inventory struct {
	logger *log.Logger
}

// Reserve takes one copy of titleID.
func (inv *Inventory) Reserve(ctx context.Context, store CatalogStore, titleID TitleID) (Reservation, error) {
	t, err := store.AdjustAvailableCopies(ctx, titleID, -1)
	if err != nil {
		if errors.Is(err, ErrOutOfStock) {
			return Reservation{}, &OutOfStockError{TitleID: titleID}
		}
		return Reservation{}, inv.check(err)
	}
	return Reservation{TitleID: titleID, Remaining: t.AvailableCopies}, nil
}

// Release puts one copy of titleID back.
func (inv *Inventory) Release(ctx context.Context, store CatalogStore, titleID TitleID) error {
	_, err := store.AdjustAvailableCopies(ctx, titleID, +1)
	return inv.check(err)
}

// WriteOff drops a copy that is out on loan and will not come back.
func (inv *Inventory) WriteOff(ctx context.Context, store CatalogStore, titleID TitleID) error {
	_, err := store.WriteOffCopy(ctx, titleID)
	return inv.check(err)
}

func (inv *Inventory) check(err error) error {
	if err == nil {
		return nil
	}
	if IsFatal(err) {
		inv.logger.Printf("[ALERT] inventory invariant violated: %v", err)
		return err
	}
	if errors.Is(err, ErrTitleNotFound) || IsRetryable(err) {
		return err
	}
	return fmt.Errorf("inventory: %w", err)
}
