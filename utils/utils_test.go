package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImportEnvFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("LOGDB_PATH=/var/lib/brewery/headers.log\nLOGDB_SYNC_WRITES=true\n"), 0o600))

	v := viper.New()
	require.NoError(t, ImportEnv(v, dir))
	assert.Equal(t, "/var/lib/brewery/headers.log", v.GetString("LOGDB_PATH"))
	assert.True(t, v.GetBool("LOGDB_SYNC_WRITES"))
}

func TestImportEnvEnvironmentWins(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("LOGDB_NETWORK=signet\n"), 0o600))
	t.Setenv("LOGDB_NETWORK", "regtest")

	v := viper.New()
	require.NoError(t, ImportEnv(v, dir))
	assert.Equal(t, "regtest", v.GetString("LOGDB_NETWORK"))
}

func TestImportEnvMissingFile(t *testing.T) {
	t.Setenv("LOGDB_LOG_LEVEL", "debug")

	v := viper.New()
	require.NoError(t, ImportEnv(v, t.TempDir()))
	assert.Equal(t, "debug", v.GetString("LOGDB_LOG_LEVEL"))
}
