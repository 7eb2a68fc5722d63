// Package config locates the archiver's configuration file when none is
// named on the command line.
package config

import (
	"errors"

	"github.com/spf13/viper"
)

// SearchPaths are checked in order for a file named config.{yaml,json,toml,...}.
var SearchPaths = []string{
	".",                       // Current working directory
	"/etc/listing-archiver/",  // System-wide configuration
	"$HOME/.listing-archiver", // User-specific configuration
}

// Locate returns explicit when set. Otherwise it searches SearchPaths and
// returns the first config file found, or "" when there is none, in which
// case defaults and ARCHIVER_* environment variables apply.
func Locate(explicit string, paths ...string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if len(paths) == 0 {
		paths = SearchPaths
	}
	v := viper.New()
	v.SetConfigName("config")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return "", nil
		}
		return "", err
	}
	return v.ConfigFileUsed(), nil
}
