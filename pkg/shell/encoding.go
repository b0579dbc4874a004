package shell

import (
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

// EncodeScript renders a script for PowerShell's -EncodedCommand, which
// expects base64 over UTF-16LE text.
func EncodeScript(script string) (string, error) {
	encoder := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	utf16, err := encoder.String(script)
	if err != nil {
		return "", fmt.Errorf("failed to encode script: %w", err)
	}
	return base64.StdEncoding.EncodeToString([]byte(utf16)), nil
}

// DecodeScript reverses EncodeScript
func DecodeScript(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", fmt.Errorf("failed to decode script: %w", err)
	}
	decoder := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	s, err := decoder.String(string(raw))
	if err != nil {
		return "", fmt.Errorf("failed to decode script: %w", err)
	}
	return s, nil
}

// DecodeOutput decodes base64-wrapped UTF-8 output produced by script mode
func DecodeOutput(out string) (string, error) {
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return "", fmt.Errorf("failed to decode output: %w", err)
	}
	return string(raw), nil
}

// wrapScript makes the script's output survive the console code page by
// base64-encoding it, and maps terminating errors to exit status 1.
func wrapScript(script string) string {
	var b strings.Builder
	b.WriteString("$ProgressPreference = 'SilentlyContinue'\n")
	b.WriteString("$ErrorActionPreference = 'Stop'\n")
	b.WriteString("$__code = 0\n")
	b.WriteString("$__out = ''\n")
	b.WriteString("try {\n")
	b.WriteString("$__out = & {\n")
	b.WriteString(script)
	b.WriteString("\n} | Out-String\n")
	b.WriteString("if ($LASTEXITCODE) { $__code = $LASTEXITCODE }\n")
	b.WriteString("} catch {\n")
	b.WriteString("[Console]::Error.Write($_.ToString())\n")
	b.WriteString("$__code = 1\n")
	b.WriteString("}\n")
	b.WriteString("[Console]::Out.Write([Convert]::ToBase64String([Text.Encoding]::UTF8.GetBytes([string]$__out)))\n")
	b.WriteString("exit $__code\n")
	return b.String()
}
