package vault

import (
	"context"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"

	"github.com/solrelay/copytrader/internal/secretstore"
	"github.com/solrelay/copytrader/pkg/types"
)

func testBox(t *testing.T) *secretstore.Box {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	box, err := secretstore.New(key)
	assert.NoError(t, err)
	return box
}

type fakeWalletRepo struct {
	encryptedKey    []byte
	encryptedKeyErr error
	nonce           *types.NonceAccount
	nonceErr        error
	saved           *types.NonceAccount
	saveErr         error
}

func (f *fakeWalletRepo) EncryptedKey(ctx context.Context, userID string) ([]byte, error) {
	return f.encryptedKey, f.encryptedKeyErr
}

func (f *fakeWalletRepo) NonceAccountFor(ctx context.Context, userID string) (*types.NonceAccount, error) {
	return f.nonce, f.nonceErr
}

func (f *fakeWalletRepo) SaveNonceAccount(ctx context.Context, userID string, account types.NonceAccount) error {
	f.saved = &account
	return f.saveErr
}

type fakeNonceProvisioner struct {
	account types.NonceAccount
	err     error
}

func (f *fakeNonceProvisioner) CreateNonceAccount(ctx context.Context, payer, authority solana.PrivateKey) (types.NonceAccount, error) {
	return f.account, f.err
}

func TestSigningKey_DecryptsAndZeroesOnRelease(t *testing.T) {
	box := testBox(t)
	wallet := solana.NewWallet()
	blob, err := box.Seal(wallet.PrivateKey)
	assert.NoError(t, err)

	repo := &fakeWalletRepo{encryptedKey: blob}
	v := New(box, repo, nil)

	key, release, err := v.SigningKey(context.Background(), "user-1")
	assert.NoError(t, err)
	assert.Equal(t, wallet.PrivateKey, key)

	release()
	assert.NotEqual(t, wallet.PrivateKey, key) // underlying bytes zeroed
}

func TestSigningKey_PropagatesDecryptFailure(t *testing.T) {
	box := testBox(t)
	repo := &fakeWalletRepo{encryptedKey: []byte("not a valid sealed blob!!")}
	v := New(box, repo, nil)

	_, _, err := v.SigningKey(context.Background(), "user-1")
	assert.Error(t, err)
}

func TestNonceAccount_ReturnsExistingAccount(t *testing.T) {
	box := testBox(t)
	na := &types.NonceAccount{Pubkey: solana.NewWallet().PublicKey()}
	repo := &fakeWalletRepo{nonce: na}
	v := New(box, repo, nil)

	got, err := v.NonceAccount(context.Background(), "user-1")
	assert.NoError(t, err)
	assert.Equal(t, na, got)
}

func TestProvisionNonceAccount_ReturnsExistingWithoutProvisioning(t *testing.T) {
	box := testBox(t)
	existing := &types.NonceAccount{Pubkey: solana.NewWallet().PublicKey()}
	repo := &fakeWalletRepo{nonce: existing}
	provisioner := &fakeNonceProvisioner{}
	v := New(box, repo, provisioner)

	got, err := v.ProvisionNonceAccount(context.Background(), "user-1")
	assert.NoError(t, err)
	assert.Equal(t, existing, got)
	assert.Nil(t, repo.saved) // no new account was created or saved
}

func TestProvisionNonceAccount_CreatesAndSavesWhenAbsent(t *testing.T) {
	box := testBox(t)
	wallet := solana.NewWallet()
	blob, err := box.Seal(wallet.PrivateKey)
	assert.NoError(t, err)

	noncePubkey := solana.NewWallet().PublicKey()
	repo := &fakeWalletRepo{encryptedKey: blob, nonce: nil}
	provisioner := &fakeNonceProvisioner{account: types.NonceAccount{Pubkey: noncePubkey}}
	v := New(box, repo, provisioner)

	got, err := v.ProvisionNonceAccount(context.Background(), "user-1")
	assert.NoError(t, err)
	assert.True(t, got.Pubkey.Equals(noncePubkey))
	assert.NotNil(t, repo.saved)
	assert.True(t, repo.saved.Pubkey.Equals(noncePubkey))
}
