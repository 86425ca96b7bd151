package protocol

import (
	"time"

	"github.com/turtacn/Vigil/pkg/consts"
)

// Config represents the root configuration of the Vigil platform daemon
type Config struct {
	Version       string              `yaml:"version"`
	Platform      PlatformConfig      `yaml:"platform"`
	Devices       []DeviceConfig      `yaml:"devices"`
	Groups        []GroupConfig       `yaml:"groups"`
	Timeouts      TimeoutConfig       `yaml:"timeouts"`
	Dump          DumpConfig          `yaml:"dump"`
	Control       ControlConfig       `yaml:"control"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type PlatformConfig struct {
	DriverMode          string   `yaml:"driver_mode"`
	MaxDevices          int      `yaml:"max_devices"`
	MaxChipsPerGroup    int      `yaml:"max_chips_per_group"`
	QueueDepth          int      `yaml:"queue_depth"`
	MaxRecoveryAttempts int      `yaml:"max_recovery_attempts"`
	Transport           string   `yaml:"transport"`     // "sim" is the only built-in backend
	HelperDaemon        []string `yaml:"helper_daemon"` // Optional userspace companion
}

type DeviceConfig struct {
	Name            string `yaml:"name"`
	ChipID          uint32 `yaml:"chip_id"`
	BusAddress      string `yaml:"bus_address"`
	ServiceID       int    `yaml:"service_id"`
	RecoveryEnabled *bool  `yaml:"recovery_enabled"` // nil means enabled
	DependsOn       string `yaml:"depends_on"`       // Root device sharing the firmware domain
}

type GroupConfig struct {
	ID       int                 `yaml:"id"`
	MaxChips int                 `yaml:"max_chips"`
	Members  []GroupMemberConfig `yaml:"members"`
}

type GroupMemberConfig struct {
	Device  string `yaml:"device"`
	ChipID  int    `yaml:"chip_id"`
	LinkIDs []int  `yaml:"link_ids"`
}

type TimeoutConfig struct {
	FirmwareBoot     string `yaml:"firmware_boot"`
	Recovery         string `yaml:"recovery"`
	Rddm             string `yaml:"rddm"`
	ColdBootCal      string `yaml:"cold_boot_cal"`
	IdleShutdownWait string `yaml:"idle_shutdown_wait"`
}

type DumpConfig struct {
	Enabled            *bool    `yaml:"enabled"` // nil means enabled
	OnRecoveryDisabled bool     `yaml:"on_recovery_disabled"`
	Dir                string   `yaml:"dir"`
	Collector          []string `yaml:"collector"` // Hook run after a manifest is written
}

type ControlConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type ObservabilityConfig struct {
	MetricsPort string `yaml:"metrics_port"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, _ := time.ParseDuration(s)
	if d <= 0 {
		return def
	}
	return d
}

// FirmwareBootTimeout bounds Initializing -> MissionMode.
func (t TimeoutConfig) FirmwareBootTimeout() time.Duration {
	return parseDuration(t.FirmwareBoot, consts.DefaultFirmwareBootTimeout)
}

// RecoveryTimeout bounds a stuck crash pipeline and MLO deferrals.
func (t TimeoutConfig) RecoveryTimeout() time.Duration {
	return parseDuration(t.Recovery, consts.DefaultRecoveryTimeout)
}

// RddmTimeout bounds dump collection and force-collect waits.
func (t TimeoutConfig) RddmTimeout() time.Duration {
	return parseDuration(t.Rddm, consts.DefaultRddmTimeout)
}

func (t TimeoutConfig) ColdBootCalTimeout() time.Duration {
	return parseDuration(t.ColdBootCal, consts.DefaultColdBootCalTimeout)
}

// IdleShutdownWaitTimeout defaults to the recovery timeout.
func (t TimeoutConfig) IdleShutdownWaitTimeout() time.Duration {
	return parseDuration(t.IdleShutdownWait, t.RecoveryTimeout())
}

// DumpEnabled reports whether crash dumps are collected at all.
func (d DumpConfig) DumpEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// Recoverable reports the initial administrative recovery setting.
func (d DeviceConfig) Recoverable() bool {
	return d.RecoveryEnabled == nil || *d.RecoveryEnabled
}

// Personal.AI order the ending
