package config

import (
	"flag"
	"fmt"
	"os"
	"os/user"
	"path/filepath"

	"github.com/joho/godotenv"

	"pulse/internal/interfaces"
)

// CLIConfig implements the Configuration interface with CLI flag support
type CLIConfig struct {
	userID       string
	username     string
	serverURL    string
	directoryURL string
	dataDir      string
	logLevel     string
	verbose      bool
	logFile      string
}

// NewCLIConfig creates a new configuration from CLI flags, a .env file and
// environment variables, in that order of precedence
func NewCLIConfig() interfaces.Configuration {
	// Missing .env is fine; flags and real env still apply
	_ = godotenv.Load()

	cfg := &CLIConfig{
		serverURL:    "ws://localhost:8080/bus",
		directoryURL: "http://localhost:8081",
		logLevel:     "INFO",
	}

	cfg.parseFlags()
	cfg.loadFromEnv()

	if cfg.username == "" {
		cfg.username = getSystemUsername()
	}
	if cfg.userID == "" {
		cfg.userID = cfg.username
	}
	if cfg.dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cfg.dataDir = filepath.Join(home, ".pulse")
	}

	// Log to a file by default so the TUI stays clean
	if !cfg.verbose && cfg.logFile == "" {
		cfg.logFile = filepath.Join(cfg.dataDir, fmt.Sprintf("pulse_%s.log", cfg.username))
	}

	return cfg
}

// parseFlags parses command line flags
func (c *CLIConfig) parseFlags() {
	flag.StringVar(&c.username, "username", "", "Your username")
	flag.StringVar(&c.username, "u", "", "Your username (shorthand)")
	flag.StringVar(&c.userID, "id", "", "Your user id (defaults to username)")
	flag.StringVar(&c.serverURL, "server", c.serverURL, "Signaling relay websocket URL")
	flag.StringVar(&c.directoryURL, "directory", c.directoryURL, "Directory service base URL")
	flag.StringVar(&c.dataDir, "data", "", "Data directory for local state")
	flag.StringVar(&c.logLevel, "log", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	flag.BoolVar(&c.verbose, "verbose", false, "Verbose mode - logs to terminal instead of file")
	flag.BoolVar(&c.verbose, "v", false, "Verbose mode (shorthand)")
	flag.StringVar(&c.logFile, "logfile", "", "Log file path (auto-generated if not specified)")
	flag.Parse()
}

// loadFromEnv loads configuration from environment variables (as fallback)
func (c *CLIConfig) loadFromEnv() {
	if c.username == "" {
		c.username = os.Getenv("PULSE_USERNAME")
	}
	if c.userID == "" {
		c.userID = os.Getenv("PULSE_USER_ID")
	}
	if v := os.Getenv("PULSE_SERVER_URL"); v != "" && !flagSet("server") {
		c.serverURL = v
	}
	if v := os.Getenv("PULSE_DIRECTORY_URL"); v != "" && !flagSet("directory") {
		c.directoryURL = v
	}
	if c.dataDir == "" {
		c.dataDir = os.Getenv("PULSE_DATA_DIR")
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" && !flagSet("log") {
		c.logLevel = v
	}
}

func flagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

// GetUserID returns the local user id
func (c *CLIConfig) GetUserID() string { return c.userID }

// GetUsername returns the username
func (c *CLIConfig) GetUsername() string { return c.username }

// GetServerURL returns the signaling relay URL
func (c *CLIConfig) GetServerURL() string { return c.serverURL }

// GetDirectoryURL returns the directory service base URL
func (c *CLIConfig) GetDirectoryURL() string { return c.directoryURL }

// GetDataDir returns the local data directory
func (c *CLIConfig) GetDataDir() string { return c.dataDir }

// GetLogLevel returns the log level
func (c *CLIConfig) GetLogLevel() string { return c.logLevel }

// GetQuiet returns whether quiet mode is enabled (inverse of verbose)
func (c *CLIConfig) GetQuiet() bool { return !c.verbose }

// GetLogFile returns the log file path
func (c *CLIConfig) GetLogFile() string { return c.logFile }

// getSystemUsername returns the system username or a default
func getSystemUsername() string {
	if currentUser, err := user.Current(); err == nil {
		return currentUser.Username
	}
	if username := os.Getenv("USER"); username != "" {
		return username
	}
	return "user"
}

// PrintUsage prints usage information
func PrintUsage() {
	fmt.Println("pulse - end-to-end encrypted chat and calls")
	fmt.Println("Usage: pulse [options]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -username, -u string    Your username")
	fmt.Println("  -id string              Your user id (defaults to username)")
	fmt.Println("  -server string          Signaling relay websocket URL")
	fmt.Println("  -directory string       Directory service base URL")
	fmt.Println("  -data string            Data directory (default: ~/.pulse)")
	fmt.Println("  -log string             Log level: DEBUG, INFO, WARN, ERROR")
	fmt.Println("  -verbose, -v            Verbose mode - logs to terminal instead of file")
	fmt.Println("  -logfile string         Log file path (auto-generated if not specified)")
	fmt.Println()
	fmt.Println("Environment variables: PULSE_USERNAME, PULSE_USER_ID, PULSE_SERVER_URL,")
	fmt.Println("PULSE_DIRECTORY_URL, PULSE_DATA_DIR, LOG_LEVEL (also read from .env)")
}
