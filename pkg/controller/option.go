package controller

import (
	"fmt"
	"strconv"
	"strings"
)

// ChannelSpec is the set of per-channel tunables the controller's `-o`
// options and `create` command act on.
type ChannelSpec struct {
	Name      string
	Enable    bool
	Overwrite bool
	BufNum    uint32
	BufSize   uint32
}

// defaultChannelSpec returns the spec a channel gets before any `-o`
// overrides are applied.
func defaultChannelSpec(name string) ChannelSpec {
	return ChannelSpec{Name: name, Enable: true, Overwrite: false, BufNum: 4, BufSize: 4096}
}

// ParseBool parses the option boolean encoding: y/n/1/0.
func ParseBool(s string) (bool, error) {
	switch s {
	case "y", "1":
		return true, nil
	case "n", "0":
		return false, nil
	default:
		return false, fmt.Errorf("controller: ConfigError: invalid boolean option value %q, want one of y/n/1/0", s)
	}
}

// ApplyOption parses one `-o channel.<name>.{enable,overwrite,bufnum,bufsize}=value`
// string and merges it into specs, creating a default spec for <name>
// the first time it is mentioned.
func ApplyOption(specs map[string]*ChannelSpec, raw string) error {
	key, value, ok := strings.Cut(raw, "=")
	if !ok {
		return fmt.Errorf("controller: ConfigError: option %q missing '='", raw)
	}

	fields := strings.Split(key, ".")
	if len(fields) != 3 || fields[0] != "channel" {
		return fmt.Errorf("controller: ConfigError: option key %q must be channel.<name>.<field>", key)
	}
	name, field := fields[1], fields[2]
	if name == "" {
		return fmt.Errorf("controller: ConfigError: option %q has an empty channel name", raw)
	}

	spec, ok := specs[name]
	if !ok {
		s := defaultChannelSpec(name)
		spec = &s
		specs[name] = spec
	}

	switch field {
	case "enable":
		b, err := ParseBool(value)
		if err != nil {
			return err
		}
		spec.Enable = b
	case "overwrite":
		b, err := ParseBool(value)
		if err != nil {
			return err
		}
		spec.Overwrite = b
	case "bufnum":
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("controller: ConfigError: channel %s bufnum %q: %w", name, value, err)
		}
		spec.BufNum = uint32(n)
	case "bufsize":
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("controller: ConfigError: channel %s bufsize %q: %w", name, value, err)
		}
		spec.BufSize = uint32(n)
	default:
		return fmt.Errorf("controller: ConfigError: unknown channel option field %q", field)
	}
	return nil
}
