package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/careline/internal/clock"
	"github.com/smallbiznis/careline/internal/config"
	obsmetrics "github.com/smallbiznis/careline/internal/observability/metrics"
	walletdomain "github.com/smallbiznis/careline/internal/wallet/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       walletdomain.Repository
	BillingCfg *config.BillingConfigHolder
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       walletdomain.Repository
	billingCfg *config.BillingConfigHolder
}

func NewService(p Params) walletdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("wallet.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		billingCfg: p.BillingCfg,
	}
}

// CreditTx implements domain.Service. Both the transaction append and the
// balance bump happen inside the caller's transaction so a failure between
// them is never observable.
func (s *Service) CreditTx(ctx context.Context, tx *gorm.DB, req walletdomain.CreditRequest) (walletdomain.WalletTransaction, error) {
	if req.ProviderID == 0 {
		return walletdomain.WalletTransaction{}, walletdomain.ErrInvalidProvider
	}
	if req.Amount < 0 {
		return walletdomain.WalletTransaction{}, walletdomain.ErrInvalidAmount
	}
	if req.Category == "" {
		return walletdomain.WalletTransaction{}, walletdomain.ErrInvalidCategory
	}
	if req.RefType == "" || req.RefID == 0 {
		return walletdomain.WalletTransaction{}, walletdomain.ErrInvalidRef
	}

	now := s.clock.Now()
	currency := req.Currency
	if currency == "" {
		currency = s.billingCfg.Get().Currency
	}

	wallet, err := s.repo.FindByProviderForUpdate(ctx, tx, req.ProviderID)
	if err != nil {
		return walletdomain.WalletTransaction{}, err
	}
	if wallet == nil {
		wallet = &walletdomain.Wallet{
			ID:         s.genID.Generate(),
			ProviderID: req.ProviderID,
			Balance:    0,
			Currency:   currency,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.repo.Insert(ctx, tx, wallet); err != nil {
			return walletdomain.WalletTransaction{}, err
		}
	}

	metadata := map[string]any{}
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	transaction := walletdomain.WalletTransaction{
		ID:        s.genID.Generate(),
		WalletID:  wallet.ID,
		Amount:    req.Amount,
		Currency:  currency,
		Category:  req.Category,
		RefType:   req.RefType,
		RefID:     req.RefID,
		Sequence:  req.Sequence,
		Metadata:  metadata,
		CreatedAt: now,
	}
	inserted, err := s.repo.InsertTransaction(ctx, tx, &transaction)
	if err != nil {
		return walletdomain.WalletTransaction{}, err
	}
	if !inserted {
		s.log.Warn("wallet credit replay detected",
			zap.String("provider_id", req.ProviderID.String()),
			zap.String("ref_type", string(req.RefType)),
			zap.String("ref_id", req.RefID.String()),
			zap.String("category", string(req.Category)),
		)
		return walletdomain.WalletTransaction{}, walletdomain.ErrDuplicateTransaction
	}

	if err := s.repo.AddBalance(ctx, tx, wallet.ID, req.Amount); err != nil {
		return walletdomain.WalletTransaction{}, err
	}

	obsmetrics.Engine().IncWalletCredit(string(req.Category))
	return transaction, nil
}

func (s *Service) GetByProvider(ctx context.Context, providerID snowflake.ID) (walletdomain.Wallet, error) {
	if providerID == 0 {
		return walletdomain.Wallet{}, walletdomain.ErrInvalidProvider
	}
	wallet, err := s.repo.FindByProvider(ctx, s.db, providerID)
	if err != nil {
		return walletdomain.Wallet{}, err
	}
	if wallet == nil {
		return walletdomain.Wallet{}, walletdomain.ErrWalletNotFound
	}
	return *wallet, nil
}

func (s *Service) ListTransactions(ctx context.Context, providerID snowflake.ID, limit int) ([]walletdomain.WalletTransaction, error) {
	wallet, err := s.GetByProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	return s.repo.ListTransactions(ctx, s.db, wallet.ID, limit)
}
