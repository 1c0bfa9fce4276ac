// Package domain contains persistence models for provider wallets and their
// append-only transaction log.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// TransactionCategory tags what moved the money.
type TransactionCategory string

const (
	CategoryAutoDeduction      TransactionCategory = "auto_deduction"
	CategorySettlement         TransactionCategory = "settlement"
	CategoryAppointmentEarning TransactionCategory = "appointment_earning"
)

// ReferenceType names the record a transaction settles against.
type ReferenceType string

const (
	RefTypeTextSession ReferenceType = "text_session"
	RefTypeCallSession ReferenceType = "call_session"
	RefTypeAppointment ReferenceType = "appointment"
)

// Wallet holds a provider's running balance in minor currency units.
// Invariant: balance equals the sum of all transaction amounts.
type Wallet struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	ProviderID snowflake.ID `gorm:"not null;uniqueIndex"`
	Balance    int64        `gorm:"not null;default:0"`
	Currency   string       `gorm:"type:text;not null"`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Wallet) TableName() string { return "wallets" }

// WalletTransaction is one append-only ledger line. The
// (ref_type, ref_id, category, sequence) unique key is the idempotency
// guard: a replayed posting inserts nothing. Sequence is 0 for one-shot
// postings (settlement, appointment earning); auto-deduction postings carry
// the unit watermark they advanced to, so successive ticks for one session
// each get their own line while a replayed tick is a no-op.
type WalletTransaction struct {
	ID        snowflake.ID        `gorm:"primaryKey"`
	WalletID  snowflake.ID        `gorm:"not null;index"`
	Amount    int64               `gorm:"not null"`
	Currency  string              `gorm:"type:text;not null"`
	Category  TransactionCategory `gorm:"type:text;not null;uniqueIndex:ux_wallet_tx_ref,priority:3"`
	RefType   ReferenceType       `gorm:"type:text;not null;uniqueIndex:ux_wallet_tx_ref,priority:1"`
	RefID     snowflake.ID        `gorm:"not null;uniqueIndex:ux_wallet_tx_ref,priority:2"`
	Sequence  int                 `gorm:"not null;default:0;uniqueIndex:ux_wallet_tx_ref,priority:4"`
	Metadata  datatypes.JSONMap   `gorm:"type:jsonb"`
	CreatedAt time.Time           `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (WalletTransaction) TableName() string { return "wallet_transactions" }
