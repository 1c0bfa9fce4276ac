package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	walletdomain "github.com/smallbiznis/careline/internal/wallet/domain"
	dbpkg "github.com/smallbiznis/careline/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() walletdomain.Repository {
	return &repo{}
}

const walletColumns = `id, provider_id, balance, currency, created_at, updated_at`

func (r *repo) FindByProvider(ctx context.Context, db *gorm.DB, providerID snowflake.ID) (*walletdomain.Wallet, error) {
	var wallet walletdomain.Wallet
	err := db.WithContext(ctx).Raw(
		`SELECT `+walletColumns+` FROM wallets WHERE provider_id = ?`,
		providerID,
	).Scan(&wallet).Error
	if err != nil {
		return nil, err
	}
	if wallet.ID == 0 {
		return nil, nil
	}
	return &wallet, nil
}

func (r *repo) FindByProviderForUpdate(ctx context.Context, db *gorm.DB, providerID snowflake.ID) (*walletdomain.Wallet, error) {
	var wallet walletdomain.Wallet
	err := db.WithContext(ctx).Raw(
		`SELECT `+walletColumns+` FROM wallets WHERE provider_id = ?`+dbpkg.ForUpdate(db),
		providerID,
	).Scan(&wallet).Error
	if err != nil {
		return nil, err
	}
	if wallet.ID == 0 {
		return nil, nil
	}
	return &wallet, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, wallet *walletdomain.Wallet) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO wallets (id, provider_id, balance, currency, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		wallet.ID,
		wallet.ProviderID,
		wallet.Balance,
		wallet.Currency,
		wallet.CreatedAt,
		wallet.UpdatedAt,
	).Error
}

// InsertTransaction appends one ledger line; the unique (ref_type, ref_id,
// category, sequence) key plus ON CONFLICT DO NOTHING makes a replayed
// posting a visible no-op.
func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, tx *walletdomain.WalletTransaction) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO wallet_transactions (
			id, wallet_id, amount, currency, category, ref_type, ref_id, sequence, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (ref_type, ref_id, category, sequence) DO NOTHING`,
		tx.ID,
		tx.WalletID,
		tx.Amount,
		tx.Currency,
		tx.Category,
		tx.RefType,
		tx.RefID,
		tx.Sequence,
		tx.Metadata,
		tx.CreatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) AddBalance(ctx context.Context, db *gorm.DB, walletID snowflake.ID, amount int64) error {
	return db.WithContext(ctx).Exec(
		`UPDATE wallets SET balance = balance + ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		amount,
		walletID,
	).Error
}

func (r *repo) ListTransactions(ctx context.Context, db *gorm.DB, walletID snowflake.ID, limit int) ([]walletdomain.WalletTransaction, error) {
	var transactions []walletdomain.WalletTransaction
	err := db.WithContext(ctx).Raw(
		`SELECT id, wallet_id, amount, currency, category, ref_type, ref_id, sequence, metadata, created_at
		 FROM wallet_transactions
		 WHERE wallet_id = ?
		 ORDER BY created_at DESC
		 LIMIT ?`,
		walletID,
		limit,
	).Scan(&transactions).Error
	if err != nil {
		return nil, err
	}
	return transactions, nil
}
