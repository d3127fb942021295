// Package config holds the configuration surface collected from CLI flags
// and an optional JSON override file, the same shape the teacher collects
// into its own Config struct from urfave/cli.
package config

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Relay is one upstream (host, port) entry.
type Relay struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Config is the full, immutable-after-startup listener configuration.
type Config struct {
	LocalAddr string  `json:"local_addr"`
	LocalPort int     `json:"local_port"`
	Relays    []Relay `json:"relays"`

	Password string `json:"password"`
	Method   string `json:"method"`

	Timeout int `json:"timeout"` // idle timeout in seconds

	FastOpen bool   `json:"fast_open"`
	UDPRelay bool   `json:"udp_relay"`
	ACLPath  string `json:"acl"`
	Iface    string `json:"iface"`
	PIDFile  string `json:"pid_file"`
	Log      string `json:"log"`
	Verbose  bool   `json:"verbose"`
}

// ParseJSONFile overrides config with the contents of a JSON file, the
// same os.Open + json.Decode shape server/config.go's parseJSONConfig uses.
func ParseJSONFile(cfg *Config, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "config: open %s", path)
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(cfg); err != nil {
		return errors.Wrapf(err, "config: decode %s", path)
	}
	return nil
}

// Validate reports the first configuration problem that would make the
// listener unable to start.
func (c *Config) Validate() error {
	if c.LocalPort <= 0 || c.LocalPort > 65535 {
		return errors.Errorf("config: invalid local_port %d", c.LocalPort)
	}
	if len(c.Relays) == 0 {
		return errors.New("config: at least one relay (host, port) is required")
	}
	for i, r := range c.Relays {
		if r.Host == "" {
			return errors.Errorf("config: relays[%d]: host is required", i)
		}
		if r.Port <= 0 || r.Port > 65535 {
			return errors.Errorf("config: relays[%d]: invalid port %d", i, r.Port)
		}
	}
	if c.Timeout <= 0 {
		return errors.Errorf("config: invalid timeout %d", c.Timeout)
	}
	return nil
}
