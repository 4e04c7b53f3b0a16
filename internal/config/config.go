// Package config loads the TOML configuration files for both tunnel
// endpoints and turns them into the typed values the rest of the codebase
// consumes — hashing the configured username/password into digests at
// load time so no other package ever handles a cleartext credential.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/duskrelay/duskrelay/internal/crypto"
	"github.com/duskrelay/duskrelay/internal/digest"
)

// LocalConfig is the local (SOCKS5-facing) endpoint's resolved
// configuration.
type LocalConfig struct {
	UsernameDigest digest.Digest
	PasswordDigest digest.Digest
	Cipher         crypto.Cipher
	RemoteHost     string
	RemotePort     uint16
	Listen         string
}

// User is a remote endpoint's view of one configured account: the name is
// kept only for logging, everything authentication-relevant goes through
// PasswordDigest.
type User struct {
	Name           string
	PasswordDigest digest.Digest
}

// RemoteConfig is the remote (destination-facing) endpoint's resolved
// configuration.
type RemoteConfig struct {
	Listen string
	Users  map[digest.Digest]User
}

// rawLocalConfig mirrors the client TOML file's on-disk shape exactly, so
// BurntSushi/toml can decode into it directly before LoadLocal hashes and
// validates it into a LocalConfig.
type rawLocalConfig struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
	Cipher   string `toml:"cipher"`
	Server   string `toml:"server"`
	Listen   string `toml:"listen"`
}

// rawRemoteConfig mirrors the server TOML file's [server]/[users] shape.
type rawRemoteConfig struct {
	Server struct {
		Listen string `toml:"listen"`
	} `toml:"server"`
	Users map[string]string `toml:"users"`
}

// LoadLocal reads and validates a local endpoint's TOML configuration
// file. An absent cipher defaults to AES-128-GCM.
func LoadLocal(path string) (*LocalConfig, error) {
	var raw rawLocalConfig
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	if raw.Username == "" {
		return nil, fmt.Errorf("config: %s: username is required", path)
	}
	if raw.Password == "" {
		return nil, fmt.Errorf("config: %s: password is required", path)
	}

	cipher := crypto.DefaultCipher
	if raw.Cipher != "" {
		c, err := crypto.ParseCipherName(raw.Cipher)
		if err != nil {
			return nil, fmt.Errorf("config: %s: unknown cipher %q", path, raw.Cipher)
		}
		cipher = c
	}

	host, portStr, err := net.SplitHostPort(raw.Server)
	if err != nil {
		return nil, fmt.Errorf("config: %s: invalid server address %q: %w", path, raw.Server, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("config: %s: invalid server port %q: %w", path, portStr, err)
	}

	if raw.Listen == "" {
		return nil, fmt.Errorf("config: %s: listen is required", path)
	}

	return &LocalConfig{
		UsernameDigest: digest.New(raw.Username),
		PasswordDigest: digest.New(raw.Password),
		Cipher:         cipher,
		RemoteHost:     host,
		RemotePort:     uint16(port),
		Listen:         raw.Listen,
	}, nil
}

// LoadRemote reads and validates a remote endpoint's TOML configuration
// file, hashing every configured user's password into a digest keyed by
// their username's digest.
func LoadRemote(path string) (*RemoteConfig, error) {
	var raw rawRemoteConfig
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	if raw.Server.Listen == "" {
		return nil, fmt.Errorf("config: %s: [server].listen is required", path)
	}
	if len(raw.Users) == 0 {
		return nil, fmt.Errorf("config: %s: [users] must declare at least one account", path)
	}

	users := make(map[digest.Digest]User, len(raw.Users))
	for name, password := range raw.Users {
		users[digest.New(name)] = User{
			Name:           name,
			PasswordDigest: digest.New(password),
		}
	}

	return &RemoteConfig{
		Listen: raw.Server.Listen,
		Users:  users,
	}, nil
}

// ExpandHome expands a leading "~" in path to the current user's home
// directory, as both endpoints' CLIs do with their config-path argument.
func ExpandHome(path string) string {
	if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
