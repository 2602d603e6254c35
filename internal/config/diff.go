package config

// ConfigDiff describes what changed between two configs.
//
// Live session settings take effect on the next connect. Everything listed in
// RestartRequired only applies after restarting the process.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// LiveChanged is true if any session setting used at connect time changed.
	LiveChanged bool
	LiveFields  []string

	// RestartRequired names the changed keys that cannot be hot-reloaded.
	RestartRequired []string
}

// Empty reports whether the diff carries no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.LiveChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	ol, nl := old.Live, new.Live
	live := []struct {
		key     string
		changed bool
	}{
		{"live.model", ol.Model != nl.Model},
		{"live.voice", ol.Voice != nl.Voice},
		{"live.instructions", ol.Instructions != nl.Instructions},
		{"live.google_search", ol.SearchEnabled() != nl.SearchEnabled()},
		{"live.transcription", ol.TranscriptionEnabled() != nl.TranscriptionEnabled()},
		{"live.lookahead_warning", ol.LookaheadWarning != nl.LookaheadWarning},
	}
	for _, f := range live {
		if f.changed {
			d.LiveFields = append(d.LiveFields, f.key)
		}
	}
	d.LiveChanged = len(d.LiveFields) > 0

	restart := []struct {
		key     string
		changed bool
	}{
		{"server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr},
		{"live.provider", ol.Provider != nl.Provider},
		{"live.api_key", ol.APIKey != nl.APIKey},
		{"live.base_url", ol.BaseURL != nl.BaseURL},
		{"live.send_queue", ol.SendQueue != nl.SendQueue},
		{"audio", old.Audio != new.Audio},
		{"generate", old.Generate != new.Generate},
		{"gallery", old.Gallery != new.Gallery},
		{"credentials", old.Credentials != new.Credentials},
	}
	for _, f := range restart {
		if f.changed {
			d.RestartRequired = append(d.RestartRequired, f.key)
		}
	}
	return d
}
