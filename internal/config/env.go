package config

import (
	"os"
	"regexp"
)

var envRefRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${NAME} references with the value of the environment
// variable NAME. Only the braced form is expanded so YAML documents with
// literal '$' signs (prices, shell snippets) pass through untouched. Unset
// variables expand to the empty string: an absent credential is a send-time
// permanent failure, not a parse error.
func expandEnv(data []byte) []byte {
	if !envRefRe.Match(data) {
		return data
	}
	return envRefRe.ReplaceAllFunc(data, func(ref []byte) []byte {
		name := string(envRefRe.FindSubmatch(ref)[1])
		return []byte(os.Getenv(name))
	})
}
