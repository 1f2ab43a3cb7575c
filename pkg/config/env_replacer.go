// Package config holds the configuration helpers shared by the jvmsyms components.
package config

import (
	"bytes"
	"os"
	"regexp"
)

// matches ${VAR}, ${env:VAR}, ${VAR:-default} and their $(...) forms. A leading $$
// escapes the expression.
var envVarRegex = regexp.MustCompile(`\$?\$[\{\(](?:env:)?([a-zA-Z_][a-zA-Z0-9_]*)(?::-([^}\)]*))?[\}\)]`)

// ReplaceEnv expands the environment variable references of a YAML document before it
// is parsed. Unset or empty variables expand to their default value, if any.
func ReplaceEnv(content []byte) []byte {
	return envVarRegex.ReplaceAllFunc(content, func(match []byte) []byte {
		if bytes.HasPrefix(match, []byte("$$")) {
			return match[1:]
		}
		sm := envVarRegex.FindSubmatch(match)
		value := os.Getenv(string(sm[1]))
		if value == "" {
			value = string(sm[2])
		}
		return []byte(value)
	})
}
