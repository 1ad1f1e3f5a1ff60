package vault

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/centavo-app/centavo/internal/common"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := New()
	key, err := GenerateMasterKey()
	require.NoError(t, err)
	require.NoError(t, v.Unlock(key))

	ciphertext, err := v.Encrypt("instance-1", "hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", ciphertext)

	plaintext, err := v.Decrypt("instance-1", ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plaintext)
}

func TestScopesDoNotShareKeys(t *testing.T) {
	v := New()
	key, err := GenerateMasterKey()
	require.NoError(t, err)
	require.NoError(t, v.Unlock(key))

	ciphertext, err := v.Encrypt("instance-1", "secret")
	require.NoError(t, err)

	_, err = v.Decrypt("instance-2", ciphertext)
	assert.Error(t, err)
}

func TestLockedVaultFailsFast(t *testing.T) {
	v := New()

	_, err := v.Encrypt("scope", "secret")
	assert.True(t, errors.Is(err, common.ErrVaultLocked))

	_, err = v.Decrypt("scope", "abc")
	assert.True(t, errors.Is(err, common.ErrVaultLocked))
}

func TestUnlockValidation(t *testing.T) {
	v := New()
	assert.Error(t, v.Unlock("not-hex"))
	assert.Error(t, v.Unlock("abcd")) // too short

	key, err := GenerateMasterKey()
	require.NoError(t, err)
	require.NoError(t, v.Unlock(key))
	assert.Error(t, v.Unlock(key)) // no second unlock
}

func TestWaitUnlockBlocksUntilUnlocked(t *testing.T) {
	v := New()

	released := make(chan error, 1)
	go func() {
		released <- v.WaitUnlock(context.Background())
	}()

	select {
	case <-released:
		t.Fatal("WaitUnlock returned before unlock")
	case <-time.After(50 * time.Millisecond):
	}

	key, err := GenerateMasterKey()
	require.NoError(t, err)
	require.NoError(t, v.Unlock(key))

	select {
	case err := <-released:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitUnlock did not release after unlock")
	}
}

func TestWaitUnlockHonorsContext(t *testing.T) {
	v := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := v.WaitUnlock(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
