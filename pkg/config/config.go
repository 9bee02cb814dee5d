package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Roles the controller can run as.
const (
	RoleDevice  = "device"
	RoleCharger = "charger"
)

// Config holds the controller configuration
type Config struct {
	// Role selects central (device) or peripheral (charger) operation
	Role string

	// Bluetooth configuration
	Adapter      string
	Name         string
	LockdownName string

	// Bond store location
	BondPath string

	// API configuration
	APIAddr string

	// Logging configuration
	LogLevel string
}

// New creates a new configuration
func New(role, adapter, name, bondPath, apiAddr, logLevel string) (*Config, error) {
	if role != RoleDevice && role != RoleCharger {
		return nil, fmt.Errorf("invalid role: %s (must be 'device' or 'charger')", role)
	}

	if adapter == "" {
		adapter = os.Getenv("CRADLE_ADAPTER")
	}
	if adapter == "" {
		adapter = "hci0"
	}

	if name == "" {
		return nil, fmt.Errorf("device name is required (use -name flag)")
	}

	// Check for environment variable if path not provided
	if bondPath == "" {
		bondPath = os.Getenv("CRADLE_BOND_PATH")
	}
	if bondPath == "" {
		return nil, fmt.Errorf("bond store path is required (use -bond-path flag or CRADLE_BOND_PATH environment variable)")
	}

	// Validate that the parent directory exists; the store file itself is
	// created on first bond.
	dir := filepath.Dir(bondPath)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, fmt.Errorf("bond store directory does not exist: %s", dir)
	}

	if apiAddr == "" {
		apiAddr = ":8080"
	}

	return &Config{
		Role:         role,
		Adapter:      adapter,
		Name:         name,
		LockdownName: name + "-locked",
		BondPath:     bondPath,
		APIAddr:      apiAddr,
		LogLevel:     logLevel,
	}, nil
}
