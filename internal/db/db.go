// Package db implements the persisted-state layer: GORM models for
// users, mirrored-trader subscriptions, trading wallets, positions, and
// withdrawals, adapted from the teacher's MySQLRecorder in
// transaction_recorder.go.
package db

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/gagliardetto/solana-go"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/solrelay/copytrader/internal/errs"
	"github.com/solrelay/copytrader/pkg/types"
)

// maxWithdrawalsPerUser bounds the Withdrawal table per user (spec.md §6).
const maxWithdrawalsPerUser = 100

// UserRecord is a local user who operates one or more trading wallets.
type UserRecord struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	UserID    string    `gorm:"uniqueIndex;not null"`
	Active    bool      `gorm:"not null;default:true"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (UserRecord) TableName() string { return "users" }

// TraderSubscriptionRecord is a master wallet a user has chosen to mirror.
type TraderSubscriptionRecord struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	UserID      string    `gorm:"index:idx_trader_sub,unique;not null"`
	Wallet      string    `gorm:"index:idx_trader_sub,unique;not null"`
	DisplayName string    `gorm:"type:varchar(128)"`
	Active      bool      `gorm:"not null;default:false"`
	ScaleFactor float64   `gorm:"not null;default:1"`
	SlippageBps uint32    `gorm:"not null;default:100"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

func (TraderSubscriptionRecord) TableName() string { return "trader_subscriptions" }

// TradingWalletRecord holds an encrypted key blob and optional nonce
// account pubkey for a user's trading wallet.
type TradingWalletRecord struct {
	ID              uint      `gorm:"primaryKey;autoIncrement"`
	UserID          string    `gorm:"uniqueIndex;not null"`
	PublicKey       string    `gorm:"uniqueIndex;not null"`
	EncryptedKey    []byte    `gorm:"type:blob;not null"`
	NoncePubkey     string    `gorm:"type:varchar(64)"`
	NonceAuthority  string    `gorm:"type:varchar(64)"`
	CreatedAt       time.Time `gorm:"autoCreateTime"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime"`
}

func (TradingWalletRecord) TableName() string { return "trading_wallets" }

// PositionRecord mirrors types.Position, big.Int amounts stored as
// decimal strings (teacher precedent: AssetSnapshotRecord stores
// *big.Int fields as `varchar(78)` strings, never as numeric columns).
type PositionRecord struct {
	ID            uint      `gorm:"primaryKey;autoIncrement"`
	UserID        string    `gorm:"index:idx_position,unique;not null"`
	Mint          string    `gorm:"index:idx_position,unique;not null"`
	AmountRaw     string    `gorm:"type:varchar(78);not null"`
	SoldAmountRaw string    `gorm:"type:varchar(78);not null"`
	NativeSpent   string    `gorm:"type:varchar(78);not null"`
	FirstBuyTS    time.Time `gorm:"not null"`
	LastUpdateTS  time.Time `gorm:"not null"`
}

func (PositionRecord) TableName() string { return "positions" }

// WithdrawalRecord is bounded to the most recent maxWithdrawalsPerUser
// rows per user by a post-insert trim query, not an unbounded table.
type WithdrawalRecord struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	UserID      string    `gorm:"index;not null"`
	Mint        string    `gorm:"not null"`
	AmountRaw   string    `gorm:"type:varchar(78);not null"`
	Destination string    `gorm:"type:varchar(64);not null"`
	Signature   string    `gorm:"type:varchar(128)"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
}

func (WithdrawalRecord) TableName() string { return "withdrawals" }

// DB wraps a GORM connection with the repository methods C1/C4/C12/
// pkg/operator need.
type DB struct {
	gorm *gorm.DB
}

// Open mirrors the teacher's NewMySQLRecorder: connects and auto-migrates.
func Open(dsn string) (*DB, error) {
	conn, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect: %w", err)
	}
	if err := conn.AutoMigrate(
		&UserRecord{},
		&TraderSubscriptionRecord{},
		&TradingWalletRecord{},
		&PositionRecord{},
		&WithdrawalRecord{},
	); err != nil {
		return nil, fmt.Errorf("db: migrate: %w", err)
	}
	return &DB{gorm: conn}, nil
}

func (d *DB) Close() error {
	sqlDB, err := d.gorm.DB()
	if err != nil {
		return fmt.Errorf("db: get underlying conn: %w", err)
	}
	return sqlDB.Close()
}

// --- vault.WalletRepo ---

func (d *DB) EncryptedKey(ctx context.Context, userID string) ([]byte, error) {
	var w TradingWalletRecord
	if err := d.gorm.WithContext(ctx).Where("user_id = ?", userID).First(&w).Error; err != nil {
		return nil, fmt.Errorf("db: load trading wallet: %w", err)
	}
	return w.EncryptedKey, nil
}

func (d *DB) NonceAccountFor(ctx context.Context, userID string) (*types.NonceAccount, error) {
	var w TradingWalletRecord
	if err := d.gorm.WithContext(ctx).Where("user_id = ?", userID).First(&w).Error; err != nil {
		return nil, fmt.Errorf("db: load trading wallet: %w", err)
	}
	if w.NoncePubkey == "" {
		return nil, nil
	}
	pub, err := solana.PublicKeyFromBase58(w.NoncePubkey)
	if err != nil {
		return nil, fmt.Errorf("db: bad nonce pubkey: %w", err)
	}
	authority, err := solana.PublicKeyFromBase58(w.NonceAuthority)
	if err != nil {
		return nil, fmt.Errorf("db: bad nonce authority: %w", err)
	}
	return &types.NonceAccount{Pubkey: pub, Authority: authority}, nil
}

func (d *DB) SaveNonceAccount(ctx context.Context, userID string, account types.NonceAccount) error {
	result := d.gorm.WithContext(ctx).Model(&TradingWalletRecord{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"nonce_pubkey":    account.Pubkey.String(),
			"nonce_authority": account.Authority.String(),
		})
	if result.Error != nil {
		return fmt.Errorf("db: save nonce account: %w", result.Error)
	}
	return nil
}

// --- orchestrator.PositionStore ---

func (d *DB) Get(ctx context.Context, userID string, mint solana.PublicKey) (*types.Position, error) {
	var rec PositionRecord
	err := d.gorm.WithContext(ctx).Where("user_id = ? AND mint = ?", userID, mint.String()).First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("db: get position: %w", err)
	}
	return recordToPosition(rec, mint)
}

func (d *DB) Upsert(ctx context.Context, pos *types.Position) error {
	rec := PositionRecord{
		UserID:        pos.UserID,
		Mint:          pos.Mint.String(),
		AmountRaw:     bigIntToString(pos.AmountRaw),
		SoldAmountRaw: bigIntToString(pos.SoldAmountRaw),
		NativeSpent:   bigIntToString(pos.NativeSpent),
		FirstBuyTS:    pos.FirstBuyTS,
		LastUpdateTS:  pos.LastUpdateTS,
	}
	result := d.gorm.WithContext(ctx).
		Where("user_id = ? AND mint = ?", pos.UserID, pos.Mint.String()).
		Assign(rec).
		FirstOrCreate(&rec)
	if result.Error != nil {
		return fmt.Errorf("db: upsert position: %w", result.Error)
	}
	return nil
}

func recordToPosition(rec PositionRecord, mint solana.PublicKey) (*types.Position, error) {
	amount, ok := new(big.Int).SetString(rec.AmountRaw, 10)
	if !ok {
		return nil, fmt.Errorf("db: bad amount_raw %q", rec.AmountRaw)
	}
	sold, ok := new(big.Int).SetString(rec.SoldAmountRaw, 10)
	if !ok {
		sold = big.NewInt(0)
	}
	spent, ok := new(big.Int).SetString(rec.NativeSpent, 10)
	if !ok {
		spent = big.NewInt(0)
	}
	return &types.Position{
		UserID:        rec.UserID,
		Mint:          mint,
		AmountRaw:     amount,
		SoldAmountRaw: sold,
		NativeSpent:   spent,
		FirstBuyTS:    rec.FirstBuyTS,
		LastUpdateTS:  rec.LastUpdateTS,
	}, nil
}

// --- withdrawals ---

// RecordWithdrawal inserts a withdrawal and trims the table to the most
// recent maxWithdrawalsPerUser rows for that user.
func (d *DB) RecordWithdrawal(ctx context.Context, w WithdrawalRecord) error {
	if err := d.gorm.WithContext(ctx).Create(&w).Error; err != nil {
		return fmt.Errorf("db: record withdrawal: %w", err)
	}
	return d.trimWithdrawals(ctx, w.UserID)
}

func (d *DB) trimWithdrawals(ctx context.Context, userID string) error {
	var count int64
	if err := d.gorm.WithContext(ctx).Model(&WithdrawalRecord{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
		return fmt.Errorf("db: count withdrawals: %w", err)
	}
	if count <= maxWithdrawalsPerUser {
		return nil
	}
	var stale []WithdrawalRecord
	if err := d.gorm.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Limit(int(count - maxWithdrawalsPerUser)).
		Find(&stale).Error; err != nil {
		return fmt.Errorf("db: find stale withdrawals: %w", err)
	}
	for _, s := range stale {
		if err := d.gorm.WithContext(ctx).Delete(&s).Error; err != nil {
			return fmt.Errorf("db: trim withdrawal: %w", err)
		}
	}
	return nil
}

// --- trader subscriptions (C5/C11's SubscriptionSource, pkg/operator) ---

func (d *DB) ActiveSubscriptions(ctx context.Context) ([]types.TraderSubscription, error) {
	var recs []TraderSubscriptionRecord
	if err := d.gorm.WithContext(ctx).Where("active = ?", true).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("db: list active subscriptions: %w", err)
	}
	out := make([]types.TraderSubscription, 0, len(recs))
	for _, r := range recs {
		wallet, err := solana.PublicKeyFromBase58(r.Wallet)
		if err != nil {
			continue
		}
		out = append(out, types.TraderSubscription{
			OwnerUserID: r.UserID,
			DisplayName: r.DisplayName,
			Wallet:      wallet,
			Active:      r.Active,
		})
	}
	return out, nil
}

// UserWalletInfo is one local user's mirror configuration for a single
// master wallet, joined from TraderSubscriptionRecord and
// TradingWalletRecord. cmd/copytrader's pipeline glue turns these into
// orchestrator.UserContext values by adding process-wide defaults
// (min buy, skip-confirm, Jito tip) the DB doesn't store per user.
type UserWalletInfo struct {
	UserID      string
	User        solana.PublicKey
	ScaleFactor float64
	SlippageBps uint32
}

// UsersForMaster lists every active subscriber mirroring a given master
// wallet, used by C5/C11's pipeline glue to fan one observed transaction
// out to every user who watches that master.
func (d *DB) UsersForMaster(ctx context.Context, master solana.PublicKey) ([]UserWalletInfo, error) {
	var subs []TraderSubscriptionRecord
	if err := d.gorm.WithContext(ctx).
		Where("wallet = ? AND active = ?", master.String(), true).
		Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("db: list subscribers for master: %w", err)
	}

	out := make([]UserWalletInfo, 0, len(subs))
	for _, s := range subs {
		var w TradingWalletRecord
		if err := d.gorm.WithContext(ctx).Where("user_id = ?", s.UserID).First(&w).Error; err != nil {
			continue
		}
		pub, err := solana.PublicKeyFromBase58(w.PublicKey)
		if err != nil {
			continue
		}
		out = append(out, UserWalletInfo{
			UserID:      s.UserID,
			User:        pub,
			ScaleFactor: s.ScaleFactor,
			SlippageBps: s.SlippageBps,
		})
	}
	return out, nil
}

// --- pkg/operator's eight verbs ---

func (d *DB) AddTrader(ctx context.Context, userID, displayName string, wallet solana.PublicKey) error {
	rec := TraderSubscriptionRecord{
		UserID:      userID,
		Wallet:      wallet.String(),
		DisplayName: displayName,
		Active:      false,
		ScaleFactor: 1,
		SlippageBps: 100,
	}
	if err := d.gorm.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("db: add trader: %w", err)
	}
	return nil
}

func (d *DB) RemoveTrader(ctx context.Context, userID, displayName string) error {
	result := d.gorm.WithContext(ctx).
		Where("user_id = ? AND display_name = ?", userID, displayName).
		Delete(&TraderSubscriptionRecord{})
	if result.Error != nil {
		return fmt.Errorf("db: remove trader: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return errs.ErrTraderNotFound
	}
	return nil
}

func (d *DB) SetTraderActive(ctx context.Context, userID, displayName string, active bool) error {
	return d.updateTrader(ctx, userID, displayName, map[string]any{"active": active})
}

func (d *DB) SetScaleFactor(ctx context.Context, userID, displayName string, factor float64) error {
	return d.updateTrader(ctx, userID, displayName, map[string]any{"scale_factor": factor})
}

func (d *DB) SetSlippageBps(ctx context.Context, userID, displayName string, bps uint32) error {
	return d.updateTrader(ctx, userID, displayName, map[string]any{"slippage_bps": bps})
}

func (d *DB) updateTrader(ctx context.Context, userID, displayName string, fields map[string]any) error {
	result := d.gorm.WithContext(ctx).Model(&TraderSubscriptionRecord{}).
		Where("user_id = ? AND display_name = ?", userID, displayName).
		Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("db: update trader: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return errs.ErrTraderNotFound
	}
	return nil
}

// ResetUserData wipes a user's trader subscriptions, positions, and
// withdrawal history, per spec.md §6's reset_data(user).
func (d *DB) ResetUserData(ctx context.Context, userID string) error {
	return d.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&TraderSubscriptionRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", userID).Delete(&PositionRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", userID).Delete(&WithdrawalRecord{}).Error; err != nil {
			return err
		}
		return nil
	})
}

// DecrementPosition reduces a held position by amount, used by a
// successful withdrawal. Returns errs.ErrInsufficientBalance if amount
// exceeds the held balance.
func (d *DB) DecrementPosition(ctx context.Context, userID string, mint solana.PublicKey, amount *big.Int) error {
	return d.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec PositionRecord
		err := tx.Where("user_id = ? AND mint = ?", userID, mint.String()).First(&rec).Error
		if err != nil {
			return fmt.Errorf("db: load position for withdrawal: %w", err)
		}
		held, ok := new(big.Int).SetString(rec.AmountRaw, 10)
		if !ok {
			held = big.NewInt(0)
		}
		if amount.Cmp(held) > 0 {
			return errs.ErrInsufficientBalance
		}
		rec.AmountRaw = bigIntToString(new(big.Int).Sub(held, amount))
		rec.LastUpdateTS = time.Now()
		return tx.Save(&rec).Error
	})
}

func bigIntToString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
