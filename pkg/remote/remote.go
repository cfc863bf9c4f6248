// Package remote provides the collaborators the backup core depends on for
// reaching the docker host: running a shell command remotely and downloading
// a staged archive. The core only sees the Runner and Downloader interfaces;
// SSH is an implementation detail.
package remote

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Runner executes a single shell command on the remote host and returns its
// stdout and stderr. A non-zero exit status is reported as an *ExitError.
type Runner interface {
	Run(ctx context.Context, command string) (stdout string, stderr string, err error)
}

// Downloader copies a remote file into a local writer.
type Downloader interface {
	Download(ctx context.Context, remotePath string, dst io.Writer) (int64, error)
}

// ExitError reports a remote command that ran but exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("remote command exited with status %d", e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + firstLine(s)
	}
	return msg
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// QuoteArg wraps an argument in single quotes for safe inclusion in a remote
// shell command line. Embedded single quotes are escaped with the usual
// '\'' dance. Volume and container names come from a remote daemon we do not
// control, so they are never interpolated unquoted.
func QuoteArg(arg string) string {
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}

// JoinCommand quotes every argument and joins the words into one shell
// command line. The first word is assumed to be a plain binary name and is
// left unquoted.
func JoinCommand(words ...string) string {
	if len(words) == 0 {
		return ""
	}
	parts := make([]string, 0, len(words))
	parts = append(parts, words[0])
	for _, w := range words[1:] {
		if isShellSafe(w) {
			parts = append(parts, w)
		} else {
			parts = append(parts, QuoteArg(w))
		}
	}
	return strings.Join(parts, " ")
}

// isShellSafe reports whether a word can appear unquoted in a POSIX shell
// command. Keeping flags and format templates unquoted keeps debug logs of
// the composed command lines readable.
func isShellSafe(w string) bool {
	if w == "" {
		return false
	}
	for _, r := range w {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("-_./=:,{}@%+", r):
		default:
			return false
		}
	}
	return true
}
