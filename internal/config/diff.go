package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Device profiles, wake words and the log level apply live. Every other
// changed section is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	DevicesChanged bool
	DeviceChanges  []DeviceDiff

	WakeWordsChanged bool

	// RestartRequired names top-level sections whose change needs a restart.
	RestartRequired []string
}

// DeviceDiff describes what changed for a single device profile.
// The default profile is reported with an empty DeviceID.
type DeviceDiff struct {
	DeviceID string
	Added    bool
	Removed  bool
	Modified bool
}

// Changed reports whether d contains anything at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.DevicesChanged || d.WakeWordsChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if !slices.Equal(old.WakeWords, new.WakeWords) {
		d.WakeWordsChanged = true
	}

	if !reflect.DeepEqual(old.Devices.Default, new.Devices.Default) {
		d.DeviceChanges = append(d.DeviceChanges, DeviceDiff{Modified: true})
	}
	if old.Devices.AllowUnknown != new.Devices.AllowUnknown {
		d.DevicesChanged = true
	}

	oldProfiles := make(map[string]DeviceProfile, len(old.Devices.Profiles))
	for _, p := range old.Devices.Profiles {
		oldProfiles[p.DeviceID] = p
	}
	newProfiles := make(map[string]DeviceProfile, len(new.Devices.Profiles))
	for _, p := range new.Devices.Profiles {
		newProfiles[p.DeviceID] = p
	}
	for _, p := range old.Devices.Profiles {
		np, ok := newProfiles[p.DeviceID]
		switch {
		case !ok:
			d.DeviceChanges = append(d.DeviceChanges, DeviceDiff{DeviceID: p.DeviceID, Removed: true})
		case !reflect.DeepEqual(p, np):
			d.DeviceChanges = append(d.DeviceChanges, DeviceDiff{DeviceID: p.DeviceID, Modified: true})
		}
	}
	for _, p := range new.Devices.Profiles {
		if _, ok := oldProfiles[p.DeviceID]; !ok {
			d.DeviceChanges = append(d.DeviceChanges, DeviceDiff{DeviceID: p.DeviceID, Added: true})
		}
	}
	if len(d.DeviceChanges) > 0 {
		d.DevicesChanged = true
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	sections := []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"audio", old.Audio, new.Audio},
		{"vad", old.VAD, new.VAD},
		{"dialogue", old.Dialogue, new.Dialogue},
		{"session", old.Session, new.Session},
		{"providers", old.Providers, new.Providers},
		{"tools", old.Tools, new.Tools},
		{"devices.postgres_dsn", old.Devices.PostgresDSN, new.Devices.PostgresDSN},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
