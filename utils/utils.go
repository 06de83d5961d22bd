package utils

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"
)

// ImportEnv points v at a .env file in dir and at the process environment.
// A missing .env file is not an error.
func ImportEnv(v *viper.Viper, dir string) error {
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(dir)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("fatal error config file: %w", err)
		}
	}
	return nil
}
