package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindByProvider(ctx context.Context, db *gorm.DB, providerID snowflake.ID) (*Wallet, error)
	FindByProviderForUpdate(ctx context.Context, db *gorm.DB, providerID snowflake.ID) (*Wallet, error)
	Insert(ctx context.Context, db *gorm.DB, wallet *Wallet) error
	InsertTransaction(ctx context.Context, db *gorm.DB, tx *WalletTransaction) (bool, error)
	AddBalance(ctx context.Context, db *gorm.DB, walletID snowflake.ID, amount int64) error
	ListTransactions(ctx context.Context, db *gorm.DB, walletID snowflake.ID, limit int) ([]WalletTransaction, error)
}
