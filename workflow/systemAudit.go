package workflow

import (
	"context"

	"github.com/veridiahq/aegis_backend/ledger"
	"github.com/veridiahq/aegis_backend/models"
	"github.com/veridiahq/aegis_backend/tenant"
)

// RecordSystemAction appends an administrative action to the platform-global
// chain. This is one of the few sanctioned uses of system access.
func RecordSystemAction(ctx context.Context, gateway *tenant.Gateway, l *ledger.Ledger, action, actorId string, details any) (*models.SystemLedgerEntry, error) {
	var entry *models.SystemLedgerEntry
	err := gateway.WithSystemAccess(ctx, func(tx *tenant.SystemTx) error {
		var err error
		entry, err = l.AppendSystemEntry(ctx, tx, action, actorId, details)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}
