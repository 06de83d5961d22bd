package config

import (
	"github.com/spf13/viper"
)

// injected configurations
var (
	APP_NAME    string = "brewery-logdb"
	APP_VERSION string = "0.0.1"
)

// value changed by paramaters from config
var (
	LOGDB_PATH          string  = "brewery.log"
	LOGDB_SYNC_WRITES   bool    = false
	LOGDB_READ_ONLY     bool    = false
	LOGDB_COMPACT_RATIO float64 = 2.0
	LOGDB_LOG_LEVEL     string  = "info"
	LOGDB_NETWORK       string  = "mainnet"
)

// Load overrides the package values with whatever v resolves for the same
// key names (flags, environment, .env). Keys v knows nothing about keep
// their current value.
func Load(v *viper.Viper) {
	v.SetDefault("LOGDB_PATH", LOGDB_PATH)
	v.SetDefault("LOGDB_SYNC_WRITES", LOGDB_SYNC_WRITES)
	v.SetDefault("LOGDB_READ_ONLY", LOGDB_READ_ONLY)
	v.SetDefault("LOGDB_COMPACT_RATIO", LOGDB_COMPACT_RATIO)
	v.SetDefault("LOGDB_LOG_LEVEL", LOGDB_LOG_LEVEL)
	v.SetDefault("LOGDB_NETWORK", LOGDB_NETWORK)

	LOGDB_PATH = v.GetString("LOGDB_PATH")
	LOGDB_SYNC_WRITES = v.GetBool("LOGDB_SYNC_WRITES")
	LOGDB_READ_ONLY = v.GetBool("LOGDB_READ_ONLY")
	LOGDB_COMPACT_RATIO = v.GetFloat64("LOGDB_COMPACT_RATIO")
	LOGDB_LOG_LEVEL = v.GetString("LOGDB_LOG_LEVEL")
	LOGDB_NETWORK = v.GetString("LOGDB_NETWORK")
}
