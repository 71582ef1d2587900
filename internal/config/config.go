// Package config provides application configuration structures and helpers.
package config

import (
	"flag"
	"log"
	"os"
	"strconv"

	"go.uber.org/zap"
)

// Config holds the configuration settings for the bridge daemon.
// Intervals are in seconds; the defaults match the reporting cadence of
// a SeeLevel N2K sender.
type Config struct {
	StatusAddr    string // status/metrics HTTP address
	SettingsPath  string // path to the persistent settings file
	PollInterval  int    // upstream poll interval (in seconds)
	TickInterval  int    // repeater tick interval (in seconds)
	WatchdogTicks int    // ticks without data before a tank is marked disconnected
	FallbackPolls int    // polls before a signal-less field is adopted
	ScanEvery     int    // poll ticks between bus scans while unresolved
	Logger        *zap.SugaredLogger
}

// New creates a Config from flags, an optional JSON config file and
// environment variables. Flags win over the file; environment variables
// win over both.
func New() *Config {
	logCfg := zap.NewProductionConfig()
	logCfg.OutputPaths = []string{"stdout", "tankbridge.log"}
	logger := zap.Must(logCfg.Build())

	// 0) defaults
	cfg := &Config{
		StatusAddr:    "localhost:8080",
		SettingsPath:  "./tmp/tankbridge-settings.json",
		PollInterval:  1,
		TickInterval:  1,
		WatchdogTicks: 6,
		FallbackPolls: 10,
		ScanEvery:     10,
	}

	// 1) flags
	var fAddr, fSettings strFlag
	fAddr.v = cfg.StatusAddr
	fSettings.v = cfg.SettingsPath
	var fPoll, fTick, fWatchdog, fFallback, fScan intFlag
	fPoll.v = cfg.PollInterval
	fTick.v = cfg.TickInterval
	fWatchdog.v = cfg.WatchdogTicks
	fFallback.v = cfg.FallbackPolls
	fScan.v = cfg.ScanEvery
	var fConf strFlag

	flag.Var(&fAddr, "a", "status HTTP address")
	flag.Var(&fSettings, "s", "path to settings file")
	flag.Var(&fPoll, "p", "poll interval (seconds)")
	flag.Var(&fTick, "t", "tick interval (seconds)")
	flag.Var(&fWatchdog, "w", "watchdog threshold (ticks)")
	flag.Var(&fFallback, "b", "signal-less fallback threshold (polls)")
	flag.Var(&fScan, "n", "bus scan cadence while unresolved (polls)")
	flag.Var(&fConf, "c", "Path to JSON config file")
	flag.Var(&fConf, "config", "Path to JSON config file (alias)")
	flag.Parse()

	cfg.StatusAddr = fAddr.v
	cfg.SettingsPath = fSettings.v
	cfg.PollInterval = fPoll.v
	cfg.TickInterval = fTick.v
	cfg.WatchdogTicks = fWatchdog.v
	cfg.FallbackPolls = fFallback.v
	cfg.ScanEvery = fScan.v

	// 2) JSON (lowest priority, never overrides an explicit flag)
	if fConf.v == "" {
		if v := os.Getenv("CONFIG"); v != "" {
			fConf.v = v
		}
	}

	if fConf.v != "" {
		if js, err := loadJSON(fConf.v); err == nil {
			if js.StatusAddr != nil && !fAddr.set {
				cfg.StatusAddr = *js.StatusAddr
			}
			if js.SettingsPath != nil && !fSettings.set {
				cfg.SettingsPath = *js.SettingsPath
			}
			if js.PollInterval != nil && !fPoll.set {
				if sec, err := parseDurationSeconds(*js.PollInterval); err == nil {
					cfg.PollInterval = sec
				}
			}
			if js.TickInterval != nil && !fTick.set {
				if sec, err := parseDurationSeconds(*js.TickInterval); err == nil {
					cfg.TickInterval = sec
				}
			}
			if js.WatchdogTicks != nil && !fWatchdog.set {
				cfg.WatchdogTicks = *js.WatchdogTicks
			}
			if js.FallbackPolls != nil && !fFallback.set {
				cfg.FallbackPolls = *js.FallbackPolls
			}
			if js.ScanEvery != nil && !fScan.set {
				cfg.ScanEvery = *js.ScanEvery
			}
		} else {
			log.Printf("failed to load config file %s: %v", fConf.v, err)
		}
	}

	// 3) environment
	readEnvironment(cfg)

	cfg.Logger = logger.Sugar()
	return cfg
}

func readEnvironment(cfg *Config) {
	if addr := os.Getenv("ADDRESS"); addr != "" {
		cfg.StatusAddr = addr
	}
	if path := os.Getenv("SETTINGS_PATH"); path != "" {
		cfg.SettingsPath = path
	}
	readIntEnv("POLL_INTERVAL", &cfg.PollInterval)
	readIntEnv("TICK_INTERVAL", &cfg.TickInterval)
	readIntEnv("WATCHDOG_TICKS", &cfg.WatchdogTicks)
	readIntEnv("FALLBACK_POLLS", &cfg.FallbackPolls)
	readIntEnv("SCAN_EVERY", &cfg.ScanEvery)
}

func readIntEnv(name string, dst *int) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s env var: %v", name, err)
		return
	}
	*dst = v
}
