// Package config loads bridged's environment-variable configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// maxUnixSocketPathLen is the conservative cross-platform Unix-domain socket
// path limit. macOS enforces 104 bytes (sizeof(sun_path)-1 after the NUL);
// Linux allows 108. We take the smaller bound so the same socket path works
// on either host.
const maxUnixSocketPathLen = 104

// Config holds everything the daemon needs at startup.
type Config struct {
	BotToken string
	ChatID   int64

	UseThreads   bool
	Verbose      bool
	ApprovalsOn  bool
	DebugLog     bool
	StaleTimeout time.Duration

	WaitForThreadTimeout time.Duration
	DedupTTL             time.Duration
	ApprovalTTL          time.Duration

	RootDir    string
	SocketPath string
	PIDPath    string
	LockPath   string
	StorePath  string
	LogPath    string

	// SocketPathFellBack is true when the computed config-root socket path
	// overflowed the platform limit and a shorter ephemeral path was used
	// instead (§6). The caller should log a warning when this is set.
	SocketPathFellBack bool
}

// Load reads configuration from the environment, applying the defaults
// documented in SPEC_FULL.md §6.
func Load() (Config, error) {
	cfg := Config{
		BotToken:             os.Getenv("BRIDGE_BOT_TOKEN"),
		UseThreads:           boolEnv("BRIDGE_USE_THREADS", true),
		Verbose:              boolEnv("BRIDGE_VERBOSE", true),
		ApprovalsOn:          boolEnv("BRIDGE_APPROVALS", true),
		DebugLog:             boolEnv("BRIDGE_DEBUG_LOG", false),
		StaleTimeout:         time.Duration(intEnv("BRIDGE_STALE_TIMEOUT_HOURS", 72)) * time.Hour,
		WaitForThreadTimeout: time.Duration(intEnv("BRIDGE_WAIT_FOR_THREAD_SECONDS", 5)) * time.Second,
		DedupTTL:             time.Duration(intEnv("BRIDGE_DEDUP_TTL_SECONDS", 10)) * time.Second,
		ApprovalTTL:          time.Duration(intEnv("BRIDGE_APPROVAL_TTL_SECONDS", 300)) * time.Second,
	}

	if v := os.Getenv("BRIDGE_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("BRIDGE_CHAT_ID: %w", err)
		}
		cfg.ChatID = id
	}

	if err := cfg.resolvePaths(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the required fields are present, per §7's "fatal startup" class.
func (c Config) Validate() error {
	if c.BotToken == "" {
		return fmt.Errorf("BRIDGE_BOT_TOKEN is required")
	}
	if c.ChatID == 0 {
		return fmt.Errorf("BRIDGE_CHAT_ID is required")
	}
	return nil
}

// resolvePaths computes the config root and the four files that live under
// it, falling back to a shorter ephemeral socket path when the computed one
// would overflow the platform's sun_path limit (§6).
func (c *Config) resolvePaths() error {
	root := os.Getenv("XDG_CONFIG_HOME")
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving config root: %w", err)
		}
		root = filepath.Join(home, ".config")
	}
	c.RootDir = filepath.Join(root, "bridged")
	c.PIDPath = filepath.Join(c.RootDir, "bridge.pid")
	c.LockPath = filepath.Join(c.RootDir, "bridge.lock")
	c.StorePath = filepath.Join(c.RootDir, "sessions.db")
	c.LogPath = filepath.Join(c.RootDir, "daemon.log")

	sockPath := os.Getenv("BRIDGE_SOCKET_PATH")
	if sockPath == "" {
		sockPath = filepath.Join(c.RootDir, "bridge.sock")
	}
	if len(sockPath) > maxUnixSocketPathLen {
		fallback := filepath.Join(os.TempDir(), fmt.Sprintf("bridged-%d.sock", os.Getpid()))
		if len(fallback) > maxUnixSocketPathLen {
			return fmt.Errorf("computed socket path %q (and fallback %q) exceed %d bytes", sockPath, fallback, maxUnixSocketPathLen)
		}
		c.SocketPath = fallback
		c.SocketPathFellBack = true
	} else {
		c.SocketPath = sockPath
	}
	return nil
}

func boolEnv(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func intEnv(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
