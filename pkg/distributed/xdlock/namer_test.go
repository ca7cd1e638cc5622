package xdlock_test

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omeyang/xlock/pkg/distributed/xdlock"
)

func TestDeriveKey(t *testing.T) {
	tests := []struct {
		name      string
		namespace string
		lockName  string
		want      string
		wantErr   error
	}{
		{"normal", "app", "lock1", "app_lock1", nil},
		{"separator in parts", "my_app", "job_a", "my_app_job_a", nil},
		{"unicode", "应用", "锁", "应用_锁", nil},
		{"empty namespace", "", "lock1", "", xdlock.ErrEmptyNamespace},
		{"blank namespace", "  ", "lock1", "", xdlock.ErrEmptyNamespace},
		{"empty name", "app", "", "", xdlock.ErrEmptyName},
		{"blank name", "app", "\t", "", xdlock.ErrEmptyName},
		{"too long", "app", strings.Repeat("x", 600), "", xdlock.ErrKeyTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := xdlock.DeriveKey(tt.namespace, tt.lockName)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.ErrorIs(t, err, xdlock.ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDeriveKey_MaxLength(t *testing.T) {
	name := strings.Repeat("n", 512-len("app_"))
	key, err := xdlock.DeriveKey("app", name)
	require.NoError(t, err)
	assert.Len(t, key, 512)

	_, err = xdlock.DeriveKey("app", name+"n")
	assert.ErrorIs(t, err, xdlock.ErrKeyTooLong)
}

func TestNamer(t *testing.T) {
	_, err := xdlock.NewNamer("")
	require.ErrorIs(t, err, xdlock.ErrEmptyNamespace)

	n, err := xdlock.NewNamer("app")
	require.NoError(t, err)
	assert.Equal(t, "app", n.Namespace())

	k1, err := n.Key("lock1")
	require.NoError(t, err)
	k2, err := n.Key("lock1")
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "派生是确定性的")

	k3, err := n.Key("lock2")
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)
}

func TestDefaultToken(t *testing.T) {
	seen := make(map[string]struct{})
	for range 100 {
		tok, err := xdlock.DefaultToken()
		require.NoError(t, err)
		assert.Len(t, strings.Split(tok, ":"), 3, "hostname:pid:uuid")
		_, dup := seen[tok]
		assert.False(t, dup, "token 不能重复")
		seen[tok] = struct{}{}
	}
}

func TestSonyflakeToken(t *testing.T) {
	gen := xdlock.SonyflakeToken()
	var prev int64
	for range 100 {
		tok, err := gen()
		require.NoError(t, err)
		parts := strings.Split(tok, ":")
		require.Len(t, parts, 3, "hostname:pid:id")

		id, err := strconv.ParseInt(parts[2], 10, 64)
		require.NoError(t, err)
		assert.Greater(t, id, prev, "id 单调递增")
		prev = id
	}
}
