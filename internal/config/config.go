// Package config implements tyfleet's on-disk configuration: a
// Configuration struct loaded from a search path of .conf files,
// parsed with gopkg.in/ini.v1.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/tytools-go/tyfleet/bus"
	"github.com/tytools-go/tyfleet/task"
)

// FileName is the configuration file tyfleet looks for alongside
// PathConfDir and the executable's own directory.
const FileName = "tyfleet.conf"

// PathConfDir is the system-wide configuration directory searched
// before the executable's own directory.
const PathConfDir = "/etc/tyfleet"

// Configuration holds every tunable tyfleet reads from disk. Zero
// values are never used directly; Conf starts from the defaults below
// and Load overlays whatever the config files specify.
type Configuration struct {
	PoolMaxThreads    int           // task.Pool worker ceiling
	PoolUnusedTimeout time.Duration // task.Pool idle-worker shrink delay
	DropDelay         time.Duration // board.Manager missing-board grace period, read by board.NewManager
	LogLevel          bus.Level     // bus.Logger's minimum level
	VendorIDs         []uint16      // USB vendor IDs the device monitor scans for; empty means all
}

// Conf is the global, process-wide configuration instance.
var Conf = Configuration{
	PoolMaxThreads:    task.DefaultMaxThreads,
	PoolUnusedTimeout: task.DefaultUnusedTimeout,
	DropDelay:         5000 * time.Millisecond,
	LogLevel:          bus.LevelInfo,
	VendorIDs:         nil,
}

// Load reads configuration files from PathConfDir and the directory
// containing the running executable, in that order, overlaying
// Conf's defaults with whatever either file specifies. A missing file
// at either location is not an error.
func Load() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	files := []string{
		filepath.Join(PathConfDir, FileName),
		filepath.Join(filepath.Dir(exe), FileName),
	}

	for _, path := range files {
		if err := loadFile(path); err != nil {
			return fmt.Errorf("config: %s: %w", path, err)
		}
	}
	return nil
}

func loadFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	file, err := ini.Load(path)
	if err != nil {
		return err
	}

	pool := file.Section("pool")
	if pool.HasKey("max_threads") {
		Conf.PoolMaxThreads = pool.Key("max_threads").MustInt(Conf.PoolMaxThreads)
	}
	if pool.HasKey("unused_timeout") {
		ms := pool.Key("unused_timeout").MustInt(int(Conf.PoolUnusedTimeout / time.Millisecond))
		Conf.PoolUnusedTimeout = time.Duration(ms) * time.Millisecond
	}

	manager := file.Section("manager")
	if manager.HasKey("drop_delay") {
		ms := manager.Key("drop_delay").MustInt(int(Conf.DropDelay / time.Millisecond))
		Conf.DropDelay = time.Duration(ms) * time.Millisecond
	}

	logging := file.Section("logging")
	if logging.HasKey("level") {
		switch logging.Key("level").MustString("info") {
		case "error":
			Conf.LogLevel = bus.LevelError
		case "info":
			Conf.LogLevel = bus.LevelInfo
		case "debug":
			Conf.LogLevel = bus.LevelDebug
		default:
			return fmt.Errorf("logging.level: invalid value %q", logging.Key("level").String())
		}
	}

	devices := file.Section("devices")
	if devices.HasKey("vendor_ids") {
		ids, err := parseVendorIDs(devices.Key("vendor_ids").String())
		if err != nil {
			return err
		}
		Conf.VendorIDs = ids
	}

	return nil
}

// parseVendorIDs splits a comma-separated list of hex vendor IDs
// ("16c0, 0483") into a slice.
func parseVendorIDs(value string) ([]uint16, error) {
	var ids []uint16
	for _, field := range strings.Split(value, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		id, err := strconv.ParseUint(field, 16, 16)
		if err != nil {
			return nil, fmt.Errorf("devices.vendor_ids: invalid vendor id %q", field)
		}
		ids = append(ids, uint16(id))
	}
	return ids, nil
}
