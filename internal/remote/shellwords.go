package remote

import (
	"errors"
	"fmt"

	"github.com/kballard/go-shellquote"
)

// ErrUnterminatedQuote is returned by Split for a quote that is never closed.
var ErrUnterminatedQuote = errors.New("unterminated quote")

// Quote renders args as a single POSIX shell command line. Split(Quote(a))
// returns a unchanged.
func Quote(args []string) string {
	return shellquote.Join(args...)
}

// Split breaks a command line into words the way a POSIX shell would,
// without expanding anything.
func Split(line string) ([]string, error) {
	words, err := shellquote.Split(line)
	switch {
	case errors.Is(err, shellquote.UnterminatedSingleQuoteError),
		errors.Is(err, shellquote.UnterminatedDoubleQuoteError):
		return nil, fmt.Errorf("%w: %v", ErrUnterminatedQuote, err)
	case err != nil:
		return nil, err
	}
	if len(words) == 0 {
		return nil, nil
	}
	return words, nil
}
