package executor

import (
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

// Shell turns step payloads into command lines for the host's shell.
type Shell interface {
	Name() string
	Command(line string) string
	Script(body string) string
	MakeDir(dir string) string
	Fetch(url, dir, name string) string
	Join(dir, name string) string
}

// ShellFor returns the builder for name. Empty selects PowerShell.
func ShellFor(name string) (Shell, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "powershell", "pwsh":
		return PowerShell{}, nil
	case "posix", "sh", "bash":
		return Posix{}, nil
	}
	return nil, fmt.Errorf("unknown shell %q", name)
}

// PowerShell targets Windows hosts. Everything is sent as -EncodedCommand so
// no quoting survives the trip through the SSH server's default shell.
type PowerShell struct{}

func (PowerShell) Name() string { return "powershell" }

const psPrelude = "$ProgressPreference = 'SilentlyContinue'\n"

func (p PowerShell) Command(line string) string {
	return p.encoded("$ErrorActionPreference = 'Stop'\n" + line + "\nif ($LASTEXITCODE) { exit $LASTEXITCODE }")
}

func (p PowerShell) Script(body string) string {
	return p.encoded(body)
}

func (p PowerShell) MakeDir(dir string) string {
	return p.encoded(fmt.Sprintf("New-Item -ItemType Directory -Force -Path %s | Out-Null", psQuote(dir)))
}

// Fetch exits 1619 when the server answers 404 so the status maps to
// NotFound like a missing installer package does.
func (p PowerShell) Fetch(url, dir, name string) string {
	var b strings.Builder
	b.WriteString("try {\n")
	fmt.Fprintf(&b, "  Invoke-WebRequest -UseBasicParsing -Uri %s -OutFile %s\n", psQuote(url), psQuote(p.Join(dir, name)))
	b.WriteString("} catch {\n")
	b.WriteString("  if ($_.Exception.Response -and [int]$_.Exception.Response.StatusCode -eq 404) { exit 1619 }\n")
	b.WriteString("  Write-Error $_\n  exit 2\n}")
	return p.encoded(b.String())
}

func (PowerShell) Join(dir, name string) string {
	return strings.TrimRight(dir, `\/`) + `\` + name
}

func (PowerShell) encoded(script string) string {
	return "powershell.exe -NoProfile -NonInteractive -ExecutionPolicy Bypass -EncodedCommand " + EncodePowerShell(psPrelude+script)
}

// EncodePowerShell renders script the way -EncodedCommand expects it:
// base64 over UTF-16LE.
func EncodePowerShell(script string) string {
	enc := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	raw, err := enc.String(script)
	if err != nil {
		// the encoder replaces invalid runes, it does not fail on strings
		raw = script
	}
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// DecodePowerShell reverses EncodePowerShell.
func DecodePowerShell(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	return unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder().String(string(raw))
}

func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Posix targets Linux hosts.
type Posix struct{}

func (Posix) Name() string { return "posix" }

func (Posix) Command(line string) string { return "sh -c " + shQuote(line) }

func (Posix) Script(body string) string { return "sh -c " + shQuote(body) }

func (Posix) MakeDir(dir string) string { return "mkdir -p " + shQuote(dir) }

// Fetch exits 127 on 404, the status the default table files as NotFound.
func (p Posix) Fetch(url, dir, name string) string {
	script := fmt.Sprintf(
		`code=$(curl -sSL -o %s -w '%%{http_code}' %s) || exit 2; [ "$code" = 404 ] && exit 127; [ "$code" -lt 400 ] || exit 2`,
		shQuote(p.Join(dir, name)), shQuote(url))
	return "sh -c " + shQuote(script)
}

func (Posix) Join(dir, name string) string {
	return strings.TrimRight(dir, "/") + "/" + name
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
