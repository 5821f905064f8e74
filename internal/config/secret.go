package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// NewViper returns a YAML viper whose dotted keys can be overridden by
// environment variables: with prefix JOBENGINE, api.addr is read from
// JOBENGINE_API_ADDR. Only keys with a default or a file value are
// decoded from the environment.
func NewViper(prefix string) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ResolveSecret returns value, or when it is empty the trimmed content of
// file (a Docker or Kubernetes secret mount). A file that is named but
// unreadable is an error.
func ResolveSecret(value, file string) (string, error) {
	if value != "" || file == "" {
		return value, nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return "", fmt.Errorf("reading secret file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
