// Package passphrase resolves keystore passphrases from the environment or by
// prompting the operator.
package passphrase

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source lazily resolves the bridge keystore passphrase. The value is cached
// after the first successful retrieval so repeated calls reuse the same
// secret.
type Source struct {
	envVar string

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a passphrase source that checks envVar before
// interactively prompting on the terminal.
func NewSource(envVar string) *Source {
	return &Source{envVar: strings.TrimSpace(envVar)}
}

// Get returns the cached passphrase or resolves it on the first call. A set
// environment variable wins; setting it to whitespace is rejected as an
// operator mistake. Without the variable an attached terminal is prompted,
// and a non-interactive process falls back to the empty passphrase that
// first-boot keystores are created with.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := os.LookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = value
				return
			}
		}

		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return
		}

		fmt.Fprint(os.Stderr, "Enter bridge keystore passphrase (empty for unprotected dev keystore): ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			s.err = fmt.Errorf("failed to read passphrase: %w", err)
			return
		}
		s.value = string(bytes)
	})

	return s.value, s.err
}
