package sshx

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/kevinburke/ssh_config"
	"github.com/mitchellh/go-homedir"
)

// DefaultSSHConfigPath is the location of the user's OpenSSH client config.
const DefaultSSHConfigPath = "~/.ssh/config"

// HostConfig holds the connection overrides for a host alias.
type HostConfig struct {
	HostName     string
	Port         int
	User         string
	ProxyCommand string
	ForwardAgent bool
}

// HostConfigSource resolves a host alias into connection overrides.
type HostConfigSource interface {
	Lookup(alias string) (HostConfig, error)
}

// FileHostConfig reads overrides from an OpenSSH client config file.
// The file is read on every lookup. A missing file yields no overrides.
type FileHostConfig struct {
	Path string
}

// NewFileHostConfig returns a source backed by the file at path.
func NewFileHostConfig(path string) *FileHostConfig {
	return &FileHostConfig{Path: path}
}

// Lookup implements HostConfigSource.
func (f *FileHostConfig) Lookup(alias string) (HostConfig, error) {
	var hc HostConfig

	if f == nil || f.Path == "" {
		return hc, nil
	}

	path, err := homedir.Expand(f.Path)
	if err != nil {
		return hc, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return hc, nil
		}
		return hc, err
	}

	cfg, err := ssh_config.Decode(bytes.NewReader(stripMatchBlocks(data)))
	if err != nil {
		return hc, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	get := func(key string) string {
		value, _ := cfg.Get(alias, key)
		return strings.TrimSpace(value)
	}

	hc.HostName = get("HostName")
	hc.User = get("User")
	hc.ForwardAgent = strings.EqualFold(get("ForwardAgent"), "yes")

	if proxy := get("ProxyCommand"); !strings.EqualFold(proxy, "none") {
		hc.ProxyCommand = proxy
	}

	if port := get("Port"); port != "" {
		if hc.Port, err = strconv.Atoi(port); err != nil {
			return hc, fmt.Errorf("invalid port for %s: %q", alias, port)
		}
	}

	return hc, nil
}

// stripMatchBlocks removes Match stanzas, which the parser does not
// support. A stanza ends at the next Host or Match keyword.
func stripMatchBlocks(data []byte) []byte {
	var out bytes.Buffer
	skipping := false

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()

		if keyword := configKeyword(line); keyword != "" {
			switch strings.ToLower(keyword) {
			case "match":
				skipping = true
			case "host":
				skipping = false
			}
		}

		if !skipping {
			out.WriteString(line)
			out.WriteByte('\n')
		}
	}

	return out.Bytes()
}

// configKeyword returns the keyword of an ssh config line, which may be
// separated from its value by whitespace or an equals sign.
func configKeyword(line string) string {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return ""
	}

	end := strings.IndexAny(line, " \t=")
	if end < 0 {
		return line
	}
	return line[:end]
}

// StaticHostConfig is a fixed alias to override mapping.
type StaticHostConfig map[string]HostConfig

// Lookup implements HostConfigSource.
func (s StaticHostConfig) Lookup(alias string) (HostConfig, error) {
	return s[alias], nil
}
