// Package acl is the external access-list collaborator: ContainsIP and
// ContainsDomain decide whether a destination should bypass the relay and
// go out direct.
package acl

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// List is a loaded access list. The zero value is an empty list: every
// lookup returns false, so no session is ever redirected to direct mode
// when no access-list path is configured.
type List struct {
	blackNets    []*net.IPNet
	blackIPs     map[string]struct{}
	blackDomains []string // entries prefixed with "." match any subdomain

	whiteNets    []*net.IPNet
	whiteIPs     map[string]struct{}
	whiteDomains []string
}

// rules is the YAML document shape, grounded on Ealireza-SuperProxy's
// config.go use of gopkg.in/yaml.v3 for a small, hand-validated schema.
type rules struct {
	Black section `yaml:"black"`
	White section `yaml:"white"`
}

type section struct {
	IPs     []string `yaml:"ips"`
	Domains []string `yaml:"domains"`
}

// Load reads an access-list file. Format is picked by extension: ".yaml"
// or ".yml" parses as YAML, anything else as the plain-text
// "[black_list]"/"[white_list]" section format. An empty path is not an
// error — it produces the always-false empty List.
func Load(path string) (*List, error) {
	l := &List{
		blackIPs: make(map[string]struct{}),
		whiteIPs: make(map[string]struct{}),
	}
	if path == "" {
		return l, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "acl: read %s", path)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		var doc rules
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, errors.Wrapf(err, "acl: parse yaml %s", path)
		}
		if err := l.addSection(&l.blackNets, l.blackIPs, &l.blackDomains, doc.Black); err != nil {
			return nil, err
		}
		if err := l.addSection(&l.whiteNets, l.whiteIPs, &l.whiteDomains, doc.White); err != nil {
			return nil, err
		}
	default:
		if err := l.loadPlainText(data); err != nil {
			return nil, errors.Wrapf(err, "acl: parse %s", path)
		}
	}
	return l, nil
}

func (l *List) addSection(nets *[]*net.IPNet, ips map[string]struct{}, domains *[]string, s section) error {
	for _, entry := range s.IPs {
		if err := addIPEntry(nets, ips, entry); err != nil {
			return err
		}
	}
	*domains = append(*domains, normalizeDomains(s.Domains)...)
	return nil
}

func addIPEntry(nets *[]*net.IPNet, ips map[string]struct{}, entry string) error {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return nil
	}
	if strings.Contains(entry, "/") {
		_, ipnet, err := net.ParseCIDR(entry)
		if err != nil {
			return errors.Wrapf(err, "acl: invalid CIDR %q", entry)
		}
		*nets = append(*nets, ipnet)
		return nil
	}
	ip := net.ParseIP(entry)
	if ip == nil {
		return errors.Errorf("acl: invalid IP %q", entry)
	}
	ips[ip.String()] = struct{}{}
	return nil
}

func normalizeDomains(domains []string) []string {
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			out = append(out, d)
		}
	}
	return out
}

// loadPlainText parses the line-oriented "[black_list]"/"[white_list]"
// format: a section header line followed by one CIDR/IP/domain per line
// until the next header. Blank lines and "#"-prefixed comments are
// skipped, matching the small hand-rolled DSLs the teacher's own
// std.ParseMultiPort parses with a similarly forgiving scanner.
func (l *List) loadPlainText(data []byte) error {
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	section := ""
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(line)
			continue
		}

		var nets *[]*net.IPNet
		var ips map[string]struct{}
		var domains *[]string
		switch section {
		case "[black_list]", "[blacklist]":
			nets, ips, domains = &l.blackNets, l.blackIPs, &l.blackDomains
		case "[white_list]", "[whitelist]":
			nets, ips, domains = &l.whiteNets, l.whiteIPs, &l.whiteDomains
		default:
			return errors.Errorf("acl: entry %q outside any [black_list]/[white_list] section", line)
		}

		if looksLikeDomain(line) {
			*domains = append(*domains, strings.ToLower(line))
		} else if err := addIPEntry(nets, ips, line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func looksLikeDomain(s string) bool {
	if net.ParseIP(s) != nil {
		return false
	}
	if strings.Contains(s, "/") {
		if _, _, err := net.ParseCIDR(s); err == nil {
			return false
		}
	}
	return true
}

// ContainsIP reports whether text (an IP literal) is matched by the
// loaded black or white list. A match in either list returns true; the
// white list is checked first, but both lists have the same effect.
func (l *List) ContainsIP(text string) bool {
	if l == nil {
		return false
	}
	ip := net.ParseIP(text)
	if ip == nil {
		return false
	}
	if matchIP(ip, l.whiteNets, l.whiteIPs) {
		return true
	}
	return matchIP(ip, l.blackNets, l.blackIPs)
}

func matchIP(ip net.IP, nets []*net.IPNet, ips map[string]struct{}) bool {
	if _, ok := ips[ip.String()]; ok {
		return true
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ContainsDomain reports whether text (a hostname) is matched by the
// loaded black or white list, including "." suffix wildcard entries.
func (l *List) ContainsDomain(text string) bool {
	if l == nil {
		return false
	}
	text = strings.ToLower(strings.TrimSuffix(text, "."))
	if matchDomain(text, l.whiteDomains) {
		return true
	}
	return matchDomain(text, l.blackDomains)
}

func matchDomain(text string, domains []string) bool {
	for _, d := range domains {
		if d == text {
			return true
		}
		if strings.HasPrefix(d, ".") && strings.HasSuffix(text, d) {
			return true
		}
		if strings.HasPrefix(d, "*.") && strings.HasSuffix(text, d[1:]) {
			return true
		}
	}
	return false
}
