// Package completion produces tab-completion candidates for a partially
// typed command line. It never touches a running terminal.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gluk-w/webshell/internal/channel"
	"github.com/gluk-w/webshell/internal/logging"
)

// DefaultTimeout bounds the PowerShell completion side process.
const DefaultTimeout = 5 * time.Second

// CommonCommands are offered on Windows in addition to directory entries.
var CommonCommands = []string{
	"Get-ChildItem", "Get-Location", "Set-Location", "Get-Process",
	"Get-Service", "Start-Process", "Stop-Process", "Clear-Host", "Get-Help",
}

// Completer lists candidates for the last token of a line.
type Completer struct {
	GOOS    string
	Dir     string // base directory; empty means the server's working directory
	Timeout time.Duration

	// native asks the platform's own completion engine. Nil disables it.
	native func(ctx context.Context, dir, line string) ([]string, error)
}

// New returns a Completer for goos. On Windows the PowerShell completion
// engine is consulted first.
func New(goos, dir string, timeout time.Duration) *Completer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Completer{GOOS: goos, Dir: dir, Timeout: timeout}
	if goos == "windows" {
		c.native = powershellComplete
	}
	return c
}

// LastToken returns the last whitespace-delimited token of line.
func LastToken(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

// Complete returns the sorted, de-duplicated candidates for line.
func (c *Completer) Complete(ctx context.Context, line string) ([]string, error) {
	dir := c.Dir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		dir = wd
	}

	token := LastToken(line)
	foldCase := c.GOOS == "windows"
	seen := make(map[string]struct{})

	if c.native != nil {
		nctx, cancel := context.WithTimeout(ctx, c.Timeout)
		matches, err := c.native(nctx, dir, line)
		cancel()
		if err != nil {
			logger := logging.Component("completion")
			logger.Debug().Err(err).Msg("native completion failed, falling back to directory listing")
		}
		for _, m := range matches {
			seen[m] = struct{}{}
		}
	}

	entries, err := listDir(dir, token, foldCase)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		seen[e] = struct{}{}
	}

	if c.GOOS == "windows" {
		for _, cmd := range CommonCommands {
			if hasPrefix(cmd, token, true) {
				seen[cmd] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// listDir matches token against the entries of dir. A token containing a
// path separator is resolved relative to dir and candidates keep its
// directory part.
func listDir(dir, token string, foldCase bool) ([]string, error) {
	prefixDir, base := splitToken(token)
	target := dir
	if prefixDir != "" {
		if filepath.IsAbs(prefixDir) {
			target = prefixDir
		} else {
			target = filepath.Join(dir, prefixDir)
		}
	}

	entries, err := os.ReadDir(target)
	if err != nil {
		if os.IsNotExist(err) || prefixDir != "" {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", target, err)
	}

	var out []string
	for _, e := range entries {
		if hasPrefix(e.Name(), base, foldCase) {
			out = append(out, prefixDir+e.Name())
		}
	}
	return out, nil
}

func splitToken(token string) (dir, base string) {
	i := strings.LastIndexAny(token, `/\`)
	if i < 0 {
		return "", token
	}
	return token[:i+1], token[i+1:]
}

func hasPrefix(s, prefix string, foldCase bool) bool {
	if foldCase {
		return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
	}
	return strings.HasPrefix(s, prefix)
}

const psScript = `$r = [System.Management.Automation.CommandCompletion]::CompleteInput(%s, %d, $null); ` +
	`@($r.CompletionMatches | ForEach-Object { $_.CompletionText }) | ConvertTo-Json -Compress`

func powershellComplete(ctx context.Context, dir, line string) ([]string, error) {
	script := fmt.Sprintf(psScript, psQuote(line), len([]rune(line)))
	cmd := exec.CommandContext(ctx, "powershell.exe", "-NoLogo", "-NoProfile", "-NonInteractive", "-Command", script)
	cmd.Dir = dir
	raw, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("powershell completion: %w", err)
	}
	text, derr := channel.NewTextDecoder(channel.DefaultEncoding("windows")).Decode(raw)
	if derr != nil {
		return nil, derr
	}
	return parseMatches([]byte(text))
}

// parseMatches accepts ConvertTo-Json output, which is an array, a bare
// string for a single match, or nothing.
func parseMatches(b []byte) ([]string, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil, nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err == nil {
		return many, nil
	}
	var one string
	if err := json.Unmarshal(b, &one); err != nil {
		return nil, fmt.Errorf("parse completion output: %w", err)
	}
	return []string{one}, nil
}

func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
