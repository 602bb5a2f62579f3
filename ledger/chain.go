package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/veridiahq/aegis_backend/models"
	"github.com/veridiahq/aegis_backend/tenant"
	"github.com/veridiahq/aegis_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// sealRetryLimit bounds the conditional-append retry loop. Conflicts are only
// possible when another instance commits a link between our tail read and
// insert; the unique tail index turns that into a duplicate-key error.
const sealRetryLimit = 3

// Ledger seals and verifies hash chains. The locker is injected so isolated
// instances can run side by side in tests.
type Ledger struct {
	locker ChainLocker
}

func NewLedger(locker ChainLocker) *Ledger {
	if locker == nil {
		locker = NewLocalChainLocker()
	}
	return &Ledger{locker: locker}
}

// VerificationResult reports a chain walk. BrokenAt is the id of the first entry
// whose linkage or recomputed hash no longer matches; zero when valid.
type VerificationResult struct {
	Valid    bool   `json:"valid"`
	BrokenAt int    `json:"broken_at,omitempty"`
	Entries  int    `json:"entries"`
	Reason   string `json:"reason,omitempty"`
}

// SealBlock appends the next link to the organization's chain within an existing
// tenant transaction. Appends for one organization are linearized: the chain lock
// spans the tail read and the insert, and the unique tail index rejects any fork
// that slips past a lock, in which case the tail is re-read and the seal retried.
func (l *Ledger) SealBlock(ctx context.Context, tx *tenant.Tx, chainType models.ChainType, content any) (*models.LedgerEntry, error) {
	canonical, err := utils.CanonicalJSON(content)
	if err != nil {
		return nil, err
	}

	release, err := l.locker.Acquire(ctx, tx.DB, "chain:"+tx.OrganizationId()+":"+string(chainType))
	if err != nil {
		return nil, err
	}
	defer release()

	var lastErr error
	for attempt := 0; attempt < sealRetryLimit; attempt++ {
		previousHash, err := l.readTail(tx.DB, chainType)
		if err != nil {
			return nil, err
		}

		currentHash, err := ComputeHash(json.RawMessage(canonical), previousHash)
		if err != nil {
			return nil, err
		}

		entry := models.LedgerEntry{
			OrganizationId: tx.OrganizationId(),
			ChainType:      chainType,
			Content:        canonical,
			CurrentHash:    currentHash,
			PreviousHash:   previousHash,
			Timestamp:      time.Now().UTC(),
		}
		if err := tx.DB.Create(&entry).Error; err != nil {
			if utils.IsDuplicateKeyError(err) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return &entry, nil
	}
	return nil, errors.New("chain tail conflict not resolved: " + lastErr.Error())
}

// readTail returns the newest link's hash for this organization and chain type,
// or the genesis sentinel when the chain is empty. The read locks the tail row on
// MySQL so a concurrent sealer in another transaction observes the committed tail,
// not a repeatable-read snapshot.
func (l *Ledger) readTail(db *gorm.DB, chainType models.ChainType) (string, error) {
	q := db.Model(&models.LedgerEntry{}).
		Where("chain_type = ?", chainType).
		Order("id DESC").
		Limit(1)
	if db.Dialector.Name() == "mysql" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var tail models.LedgerEntry
	err := q.Take(&tail).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return GenesisHash, nil
		}
		return "", err
	}
	return tail.CurrentHash, nil
}

// VerifyChain walks the organization's chain in creation order, maintaining a
// running hash from the genesis sentinel. Each entry must both link to the
// running hash and hash back to its own stored content; recomputing from content
// is what catches an attacker who rewrites a hash pair consistently. Read-only
// diagnostic: a broken chain is reported, never repaired.
func (l *Ledger) VerifyChain(ctx context.Context, tx *tenant.Tx, chainType models.ChainType) (*VerificationResult, error) {
	// NOTE: never re-bind the handle's context here; the organization scope
	// lives in the transaction context the gateway established.
	var entries []models.LedgerEntry
	if err := tx.DB.
		Where("chain_type = ?", chainType).
		Order("id ASC").
		Find(&entries).Error; err != nil {
		return nil, err
	}

	runningHash := GenesisHash
	for _, e := range entries {
		if e.PreviousHash != runningHash {
			return &VerificationResult{
				Valid:    false,
				BrokenAt: e.ID,
				Entries:  len(entries),
				Reason:   "previous hash does not match running hash",
			}, nil
		}
		recomputed, err := ComputeHash(json.RawMessage(e.Content), e.PreviousHash)
		if err != nil {
			return nil, err
		}
		if recomputed != e.CurrentHash {
			return &VerificationResult{
				Valid:    false,
				BrokenAt: e.ID,
				Entries:  len(entries),
				Reason:   "stored hash does not match recomputed content hash",
			}, nil
		}
		runningHash = e.CurrentHash
	}
	return &VerificationResult{Valid: true, Entries: len(entries)}, nil
}

// IntegrityError converts an invalid result into the reportable error type.
func (r *VerificationResult) IntegrityError(organizationId string, chainType models.ChainType) error {
	if r == nil || r.Valid {
		return nil
	}
	return &utils.ChainIntegrityError{
		OrganizationId: organizationId,
		ChainType:      string(chainType),
		BrokenAt:       strconv.Itoa(r.BrokenAt),
	}
}

// systemEntryContent is the hashed portion of a global chain link. All fields are
// structs/scalars, never maps, so marshal order is deterministic.
type systemEntryContent struct {
	Action         string          `json:"action"`
	ActorId        string          `json:"actor_id"`
	Details        json.RawMessage `json:"details"`
	SequenceNumber int64           `json:"sequence_number"`
}

// AppendSystemEntry seals the next link of the platform-global chain. Requires
// system access: the global chain is owned by the platform, not any tenant.
// Sequence numbers are allocated under the global chain lock, strictly
// increasing and gapless.
func (l *Ledger) AppendSystemEntry(ctx context.Context, tx *tenant.SystemTx, action, actorId string, details any) (*models.SystemLedgerEntry, error) {
	detailsJSON, err := utils.CanonicalJSON(details)
	if err != nil {
		return nil, err
	}

	release, err := l.locker.Acquire(ctx, tx.DB, "chain:system")
	if err != nil {
		return nil, err
	}
	defer release()

	var lastErr error
	for attempt := 0; attempt < sealRetryLimit; attempt++ {
		previousHash := GenesisHash
		var sequenceNumber int64 = 1

		q := tx.DB.Model(&models.SystemLedgerEntry{}).
			Order("sequence_number DESC").
			Limit(1)
		if tx.DB.Dialector.Name() == "mysql" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var tail models.SystemLedgerEntry
		if err := q.Take(&tail).Error; err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, err
			}
		} else {
			previousHash = tail.CurrentHash
			sequenceNumber = tail.SequenceNumber + 1
		}

		content := systemEntryContent{
			Action:         action,
			ActorId:        actorId,
			Details:        detailsJSON,
			SequenceNumber: sequenceNumber,
		}
		currentHash, err := ComputeHash(content, previousHash)
		if err != nil {
			return nil, err
		}

		entry := models.SystemLedgerEntry{
			Action:         action,
			ActorId:        actorId,
			Details:        detailsJSON,
			PreviousHash:   previousHash,
			CurrentHash:    currentHash,
			SequenceNumber: sequenceNumber,
			Timestamp:      time.Now().UTC(),
		}
		if err := tx.DB.Create(&entry).Error; err != nil {
			if utils.IsDuplicateKeyError(err) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return &entry, nil
	}
	return nil, errors.New("system chain tail conflict not resolved: " + lastErr.Error())
}

// VerifySystemChain checks linkage, recomputed hashes and the gapless sequence.
func (l *Ledger) VerifySystemChain(ctx context.Context, tx *tenant.SystemTx) (*VerificationResult, error) {
	var entries []models.SystemLedgerEntry
	if err := tx.DB.
		Order("sequence_number ASC").
		Find(&entries).Error; err != nil {
		return nil, err
	}

	runningHash := GenesisHash
	var expectedSeq int64 = 1
	for _, e := range entries {
		if e.SequenceNumber != expectedSeq {
			return &VerificationResult{
				Valid:    false,
				BrokenAt: e.ID,
				Entries:  len(entries),
				Reason:   "sequence number gap",
			}, nil
		}
		if e.PreviousHash != runningHash {
			return &VerificationResult{
				Valid:    false,
				BrokenAt: e.ID,
				Entries:  len(entries),
				Reason:   "previous hash does not match running hash",
			}, nil
		}
		content := systemEntryContent{
			Action:         e.Action,
			ActorId:        e.ActorId,
			Details:        json.RawMessage(e.Details),
			SequenceNumber: e.SequenceNumber,
		}
		recomputed, err := ComputeHash(content, e.PreviousHash)
		if err != nil {
			return nil, err
		}
		if recomputed != e.CurrentHash {
			return &VerificationResult{
				Valid:    false,
				BrokenAt: e.ID,
				Entries:  len(entries),
				Reason:   "stored hash does not match recomputed content hash",
			}, nil
		}
		runningHash = e.CurrentHash
		expectedSeq++
	}
	return &VerificationResult{Valid: true, Entries: len(entries)}, nil
}
