// Package vault implements the key/nonce vault (C1): on-demand
// decryption of trading-wallet signing keys and lookup/provisioning of
// durable nonce accounts, per spec.md §3/§9's "keypairs never cross the
// C1 boundary except as ephemeral signing references" policy.
package vault

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/solrelay/copytrader/internal/secretstore"
	"github.com/solrelay/copytrader/pkg/types"
)

// WalletRepo is the persistence boundary for trading wallets; internal/db
// provides the gorm-backed implementation. Kept as an interface so the
// vault never depends on the concrete ORM layer directly (teacher
// precedent: collaborators always depend on an interface, never a
// concrete repo struct).
type WalletRepo interface {
	EncryptedKey(ctx context.Context, userID string) ([]byte, error)
	NonceAccountFor(ctx context.Context, userID string) (*types.NonceAccount, error)
	SaveNonceAccount(ctx context.Context, userID string, account types.NonceAccount) error
}

// NonceProvisioner is the subset of C2 the vault needs to create and fund
// a fresh durable nonce account.
type NonceProvisioner interface {
	CreateNonceAccount(ctx context.Context, payer, authority solana.PrivateKey) (types.NonceAccount, error)
}

// Vault decrypts trading-wallet keys on demand and manages their durable
// nonce accounts.
type Vault struct {
	box   *secretstore.Box
	repo  WalletRepo
	net   NonceProvisioner
}

func New(box *secretstore.Box, repo WalletRepo, net NonceProvisioner) *Vault {
	return &Vault{box: box, repo: repo, net: net}
}

// SigningKey decrypts a user's trading key on demand and returns it along
// with a zero-on-release closure; callers must call release as soon as
// the key is no longer needed (spec.md §9).
func (v *Vault) SigningKey(ctx context.Context, userID string) (solana.PrivateKey, func(), error) {
	blob, err := v.repo.EncryptedKey(ctx, userID)
	if err != nil {
		return nil, func() {}, fmt.Errorf("vault: load encrypted key: %w", err)
	}
	raw, err := v.box.Open(blob)
	if err != nil {
		return nil, func() {}, fmt.Errorf("vault: decrypt key: %w", err)
	}
	key := solana.PrivateKey(raw)
	release := func() {
		for i := range raw {
			raw[i] = 0
		}
	}
	return key, release, nil
}

// NonceAccount reads the optionally-associated durable nonce account for
// a trading wallet. Returns (nil, nil) if the user has none.
func (v *Vault) NonceAccount(ctx context.Context, userID string) (*types.NonceAccount, error) {
	na, err := v.repo.NonceAccountFor(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("vault: read nonce account: %w", err)
	}
	return na, nil
}

// ProvisionNonceAccount creates and funds a new durable nonce account for
// a user who doesn't have one yet. Supplemented feature: the distilled
// spec only describes *using* an existing nonce; a real onboarding flow
// needs to create one the first time a trading wallet is set up.
func (v *Vault) ProvisionNonceAccount(ctx context.Context, userID string) (*types.NonceAccount, error) {
	if existing, _ := v.NonceAccount(ctx, userID); existing != nil {
		return existing, nil
	}

	key, release, err := v.SigningKey(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer release()

	na, err := v.net.CreateNonceAccount(ctx, key, key)
	if err != nil {
		return nil, fmt.Errorf("vault: provision nonce account: %w", err)
	}
	if err := v.repo.SaveNonceAccount(ctx, userID, na); err != nil {
		return nil, fmt.Errorf("vault: save nonce account: %w", err)
	}
	return &na, nil
}
