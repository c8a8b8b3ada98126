package channel

import (
	"strings"
	"testing"

	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/unicode"
)

func TestTextDecoder_UTF8SplitAcrossChunks(t *testing.T) {
	d := NewTextDecoder(unicode.UTF8)
	src := []byte("héllo 世界")

	// Split inside the three-byte encoding of 世.
	cut := len("héllo ") + 1
	first, err := d.Decode(src[:cut])
	if err != nil {
		t.Fatalf("Decode first: %v", err)
	}
	second, err := d.Decode(src[cut:])
	if err != nil {
		t.Fatalf("Decode second: %v", err)
	}
	if first != "héllo " {
		t.Errorf("first = %q, want %q", first, "héllo ")
	}
	if got := first + second; got != "héllo 世界" {
		t.Errorf("decoded %q", got)
	}
}

func TestTextDecoder_GBK(t *testing.T) {
	gbk, err := simplifiedchinese.GBK.NewEncoder().Bytes([]byte("目录 C:\\Users"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	d := NewTextDecoder(simplifiedchinese.GBK)
	var out string
	for i := range gbk {
		s, err := d.Decode(gbk[i : i+1])
		if err != nil {
			t.Fatalf("Decode byte %d: %v", i, err)
		}
		out += s
	}
	if out != "目录 C:\\Users" {
		t.Errorf("decoded %q", out)
	}
}

func TestTextDecoder_InvalidUTF8IsReplaced(t *testing.T) {
	d := NewTextDecoder(nil)
	s, err := d.Decode([]byte{'a', 0xff, 'b'})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if s != "a\uFFFDb" {
		t.Errorf("decoded %q", s)
	}
}

func TestTextDecoder_FlushEmitsCarry(t *testing.T) {
	d := NewTextDecoder(unicode.UTF8)
	s, err := d.Decode([]byte{'x', 0xe4, 0xb8})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if s != "x" {
		t.Errorf("decoded %q, want x", s)
	}
	if rest := d.Flush(); !strings.Contains(rest, "\uFFFD") {
		t.Errorf("Flush() = %q, want replacement rune", rest)
	}
	if rest := d.Flush(); rest != "" {
		t.Errorf("second Flush() = %q, want empty", rest)
	}
}

func TestLookupEncoding(t *testing.T) {
	enc, err := LookupEncoding("auto", "windows")
	if err != nil || enc != simplifiedchinese.GBK {
		t.Errorf("auto/windows = %v, %v; want GBK", enc, err)
	}
	enc, err = LookupEncoding("", "linux")
	if err != nil || enc != unicode.UTF8 {
		t.Errorf("auto/linux = %v, %v; want UTF-8", enc, err)
	}
	enc, err = LookupEncoding("gbk", "linux")
	if err != nil || enc != simplifiedchinese.GBK {
		t.Errorf("gbk = %v, %v", enc, err)
	}
	if _, err := LookupEncoding("klingon", "linux"); err == nil {
		t.Error("expected error for unknown encoding")
	}
}

func TestPlatformShells(t *testing.T) {
	win := InteractiveShell("windows")
	if win.Path != "powershell.exe" {
		t.Errorf("windows shell = %q", win.Path)
	}
	unix := InteractiveShell("linux")
	if unix.Path != "/bin/bash" && unix.Path != "/bin/sh" {
		t.Errorf("unix shell = %q", unix.Path)
	}

	one := CommandShell("linux", "echo hi")
	if got := one.Args[len(one.Args)-1]; got != "echo hi" {
		t.Errorf("command arg = %q", got)
	}
	if LineTerminator("windows") != "\r\n" || LineTerminator("darwin") != "\n" {
		t.Error("unexpected line terminators")
	}
}
