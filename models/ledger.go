package models

import "time"

// LedgerEntry is one link in an organization's hash chain. Entries are append-only
// and never mutated or deleted. Content retains the canonical JSON the hash was
// computed over, so verification can recompute hashes instead of trusting linkage
// alone.
//
// The unique index on (organization_id, chain_type, previous_hash) is the
// storage-enforced conditional append: two links can never share a parent, so a
// fork cannot be persisted even if a lock implementation misbehaves.
type LedgerEntry struct {
	ID             int       `gorm:"primary_key" json:"id"`
	OrganizationId string    `gorm:"size:64;not null;index;index:uniq_chain_tail,unique,priority:1" json:"organization_id"`
	ChainType      ChainType `gorm:"size:20;not null;index:uniq_chain_tail,unique,priority:2" json:"chain_type"`
	Content        []byte    `gorm:"type:blob;not null" json:"content"`
	CurrentHash    string    `gorm:"size:64;not null;index" json:"current_hash"`
	PreviousHash   string    `gorm:"size:64;not null;index:uniq_chain_tail,unique,priority:3" json:"previous_hash"`
	Signature      *string   `gorm:"size:512" json:"signature"`
	Timestamp      time.Time `gorm:"index;not null" json:"timestamp"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// SystemLedgerEntry is the platform-owned global chain recording administrative
// and cross-tenant actions. Same linkage invariant as LedgerEntry, with an
// explicit strictly-increasing sequence number instead of relying on timestamps.
type SystemLedgerEntry struct {
	ID             int       `gorm:"primary_key" json:"id"`
	Action         string    `gorm:"size:100;not null;index" json:"action"`
	ActorId        string    `gorm:"size:64;not null;index" json:"actor_id"`
	Details        []byte    `gorm:"type:blob" json:"details"`
	PreviousHash   string    `gorm:"size:64;not null;uniqueIndex" json:"previous_hash"`
	CurrentHash    string    `gorm:"size:64;not null;index" json:"current_hash"`
	SequenceNumber int64     `gorm:"not null;uniqueIndex" json:"sequence_number"`
	Timestamp      time.Time `gorm:"index;not null" json:"timestamp"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}
