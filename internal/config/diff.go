package config

import (
	"maps"
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only the log level, the chat retry policy, the compression policy and the
// image policy are applied without restart; other changed sections are
// listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ChatChanged        bool
	CompressionChanged bool
	ImagesChanged      bool

	// RestartRequired names the top-level sections whose change only takes
	// effect after a restart.
	RestartRequired []string
}

// HotReloadable reports whether anything changed that can be applied in
// place.
func (d ConfigDiff) HotReloadable() bool {
	return d.LogLevelChanged || d.ChatChanged || d.CompressionChanged || d.ImagesChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.ChatChanged = old.Chat != new.Chat
	d.CompressionChanged = old.Compression != new.Compression
	d.ImagesChanged = old.Images != new.Images

	restart := map[string]bool{
		"server":     old.Server.ShutdownTimeout != new.Server.ShutdownTimeout,
		"paths":      old.Paths != new.Paths,
		"providers":  !reflect.DeepEqual(old.Providers, new.Providers),
		"presets":    !reflect.DeepEqual(old.Presets, new.Presets),
		"characters": !reflect.DeepEqual(old.Characters, new.Characters),
		"socket":     old.Socket != new.Socket,
		"voice":      !reflect.DeepEqual(old.Voice, new.Voice),
		"tools":      !reflect.DeepEqual(old.Tools, new.Tools),
		"ops":        !reflect.DeepEqual(old.Ops, new.Ops),
	}
	for _, section := range slices.Sorted(maps.Keys(restart)) {
		if restart[section] {
			d.RestartRequired = append(d.RestartRequired, section)
		}
	}
	return d
}
