package channel

import (
	"os"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/unicode"
)

// ShellSpec is a program and its arguments.
type ShellSpec struct {
	Path string
	Args []string
}

// InteractiveShell returns the interactive shell spawned for local terminals
// and sessions on goos. The choice depends only on the host platform.
func InteractiveShell(goos string) ShellSpec {
	if goos == "windows" {
		return ShellSpec{Path: "powershell.exe", Args: []string{"-NoLogo", "-NoExit", "-Command", "-"}}
	}
	return ShellSpec{Path: unixShell(), Args: []string{"-i"}}
}

// CommandShell returns the invocation that runs a single command line and
// exits.
func CommandShell(goos, command string) ShellSpec {
	if goos == "windows" {
		return ShellSpec{Path: "powershell.exe", Args: []string{"-NoLogo", "-ExecutionPolicy", "Bypass", "-Command", command}}
	}
	return ShellSpec{Path: unixShell(), Args: []string{"-c", command}}
}

// LineTerminator is appended to commands written to an interactive shell.
func LineTerminator(goos string) string {
	if goos == "windows" {
		return "\r\n"
	}
	return "\n"
}

// DefaultEncoding is the text encoding shells on goos write by default.
// Windows PowerShell writes through the OEM code page, GBK on the hosts this
// server was first deployed to.
func DefaultEncoding(goos string) encoding.Encoding {
	if goos == "windows" {
		return simplifiedchinese.GBK
	}
	return unicode.UTF8
}

func unixShell() string {
	if _, err := os.Stat("/bin/bash"); err == nil {
		return "/bin/bash"
	}
	return "/bin/sh"
}
