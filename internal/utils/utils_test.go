package utils_test

import (
	"testing"
	"time"

	"github.com/jrsteele09/dpop-auth-server/internal/utils"
	"github.com/stretchr/testify/require"
)

func TestScopes(t *testing.T) {
	require.Equal(t, []string{"openid", "profile"}, utils.SplitScopes("  openid   profile "))
	require.True(t, utils.ContainsScope("openid offline_access", "openid"))
	require.False(t, utils.ContainsScope("openidx", "openid"))
	require.Equal(t, []string{"a", "b"}, utils.SplitCSV("a, ,b,"))
}

func TestPointers(t *testing.T) {
	require.Equal(t, "", utils.Value[string](nil))
	require.Equal(t, 3, utils.Value(utils.Ptr(3)))
	require.Nil(t, utils.UnixPtr(time.Time{}))
	require.Equal(t, int64(10), *utils.UnixPtr(time.Unix(10, 0)))
}
