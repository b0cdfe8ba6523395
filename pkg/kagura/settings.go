package kagura

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	// SettingCommandPrefix is the setting holding the command prefix.
	SettingCommandPrefix = "router.prefix"
	// DefaultCommandPrefix is used while SettingCommandPrefix is unset.
	DefaultCommandPrefix = "!"
)

// CommandPrefix returns the current command prefix.
func CommandPrefix(reader SettingsReader) string {
	return LookupSettingAs(reader, SettingCommandPrefix, DefaultCommandPrefix)
}

// Setting is one versioned configuration value.
type Setting struct {
	// Key identifies the setting.
	Key string
	// Value is the JSON encoded value.
	Value []byte
	// Version increases strictly with every accepted change of Key.
	Version uint64
	// UpdatedAt records when the version was written.
	UpdatedAt time.Time
}

// Decode unmarshals the JSON value into target.
func (s Setting) Decode(target any) error {
	if len(s.Value) == 0 {
		return fmt.Errorf("decode setting %s: empty value", s.Key)
	}
	if err := json.Unmarshal(s.Value, target); err != nil {
		return fmt.Errorf("decode setting %s: %w", s.Key, err)
	}

	return nil
}

// DecodeSetting decodes one setting into a new T.
func DecodeSetting[T any](setting Setting) (T, error) {
	var decoded T
	if err := setting.Decode(&decoded); err != nil {
		return decoded, err
	}

	return decoded, nil
}

// SettingChange is one notification from a settings watch stream.
type SettingChange struct {
	// Setting is the new state. Value is empty when Deleted is true.
	Setting Setting
	// Deleted reports whether the key was removed.
	Deleted bool
}

// SettingsReader gives handlers read-only access to current settings.
type SettingsReader interface {
	LookupSetting(key string) (Setting, bool)
}

// LookupSettingAs decodes one current setting, returning fallback when absent
// or undecodable.
func LookupSettingAs[T any](reader SettingsReader, key string, fallback T) T {
	if reader == nil {
		return fallback
	}
	setting, ok := reader.LookupSetting(key)
	if !ok {
		return fallback
	}
	decoded, err := DecodeSetting[T](setting)
	if err != nil {
		return fallback
	}

	return decoded
}
