package acl

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp acl file: %v", err)
	}
	return path
}

func TestLoadEmptyPathIsAlwaysFalse(t *testing.T) {
	l, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") returned error: %v", err)
	}
	if l.ContainsIP("127.0.0.1") || l.ContainsDomain("example.com") {
		t.Fatalf("empty acl matched a destination")
	}
}

func TestPlainTextBlackList(t *testing.T) {
	path := writeTemp(t, "acl.txt", `
# comment
[black_list]
127.0.0.1
10.0.0.0/8
.example.com
`)
	l, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !l.ContainsIP("127.0.0.1") {
		t.Fatalf("expected 127.0.0.1 to match")
	}
	if !l.ContainsIP("10.1.2.3") {
		t.Fatalf("expected 10.1.2.3 to match CIDR entry")
	}
	if l.ContainsIP("8.8.8.8") {
		t.Fatalf("did not expect 8.8.8.8 to match")
	}
	if !l.ContainsDomain("mail.example.com") {
		t.Fatalf("expected subdomain to match wildcard entry")
	}
	if l.ContainsDomain("example.org") {
		t.Fatalf("did not expect unrelated domain to match")
	}
}

func TestWhiteAndBlackListsBothMatch(t *testing.T) {
	path := writeTemp(t, "acl.txt", `
[black_list]
10.0.0.0/8
[white_list]
10.0.0.5
`)
	l, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !l.ContainsIP("10.0.0.5") {
		t.Fatalf("expected whitelisted IP to match")
	}
	if !l.ContainsIP("10.0.0.6") {
		t.Fatalf("expected remaining black-listed range to still match")
	}
}

func TestYAMLFormat(t *testing.T) {
	path := writeTemp(t, "acl.yaml", `
black:
  ips: ["192.168.1.1"]
  domains: ["blocked.test"]
white:
  ips: []
  domains: []
`)
	l, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !l.ContainsIP("192.168.1.1") {
		t.Fatalf("expected yaml ip entry to match")
	}
	if !l.ContainsDomain("blocked.test") {
		t.Fatalf("expected yaml domain entry to match")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Fatalf("expected error for missing acl file")
	}
}
