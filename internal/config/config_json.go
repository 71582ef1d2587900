package config

import (
	"encoding/json"
	"os"
	"time"
)

type configJSON struct {
	StatusAddr    *string `json:"status_addr"`
	SettingsPath  *string `json:"settings_path"`
	PollInterval  *string `json:"poll_interval"` // "1s"
	TickInterval  *string `json:"tick_interval"` // "1s"
	WatchdogTicks *int    `json:"watchdog_ticks"`
	FallbackPolls *int    `json:"fallback_polls"`
	ScanEvery     *int    `json:"scan_every"`
}

func loadJSON(path string) (*configJSON, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg configJSON
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parseDurationSeconds(s string) (int, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return int(d / time.Second), nil
}
