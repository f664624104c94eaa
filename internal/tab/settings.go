package tab

import (
	"encoding/json"
	"fmt"

	"github.com/hpungsan/weaver/internal/errors"
)

// HibernationSettings drives the policy engine.
type HibernationSettings struct {
	Enabled              bool     `json:"enabled"`
	TimeThresholdMinutes int      `json:"timeThreshold"`
	ExcludePinned        bool     `json:"excludePinned"`
	ExcludeAudible       bool     `json:"excludeAudible"`
	ExcludeWithForms     bool     `json:"excludeWithForms"`
	WhitelistedDomains   []string `json:"whitelistedDomains"`
	BlacklistedDomains   []string `json:"blacklistedDomains"`
}

// Settings is the persisted user settings document. Only Hibernation is
// interpreted here; the other sections belong to the UI and are round-tripped.
type Settings struct {
	Hibernation HibernationSettings `json:"hibernation"`
	UI          json.RawMessage     `json:"ui,omitempty"`
	Sync        json.RawMessage     `json:"sync,omitempty"`
	Analytics   json.RawMessage     `json:"analytics,omitempty"`
}

// DefaultSettings returns the settings used when nothing has been saved.
func DefaultSettings() Settings {
	return Settings{
		Hibernation: HibernationSettings{
			Enabled:              true,
			TimeThresholdMinutes: 15,
			ExcludePinned:        true,
			ExcludeAudible:       true,
			ExcludeWithForms:     true,
			WhitelistedDomains:   []string{},
			BlacklistedDomains:   []string{},
		},
	}
}

// Validate checks the fields the engine depends on.
func (s Settings) Validate() error {
	h := s.Hibernation
	if h.TimeThresholdMinutes < 1 {
		return errors.NewInvalidRequest("hibernation.timeThreshold must be at least 1 minute")
	}
	if _, err := NewDomainMatcher(h.WhitelistedDomains); err != nil {
		return errors.NewInvalidRequest(fmt.Sprintf("hibernation.whitelistedDomains: %v", err))
	}
	if _, err := NewDomainMatcher(h.BlacklistedDomains); err != nil {
		return errors.NewInvalidRequest(fmt.Sprintf("hibernation.blacklistedDomains: %v", err))
	}
	return nil
}

// ThresholdMillis returns the inactivity threshold in milliseconds.
func (h HibernationSettings) ThresholdMillis() int64 {
	return int64(h.TimeThresholdMinutes) * 60 * 1000
}

// DecodeSettings overlays a stored document onto the defaults so that fields
// missing from older documents keep their default values.
func DecodeSettings(data []byte) (Settings, error) {
	s := DefaultSettings()
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return DefaultSettings(), err
	}
	if s.Hibernation.WhitelistedDomains == nil {
		s.Hibernation.WhitelistedDomains = []string{}
	}
	if s.Hibernation.BlacklistedDomains == nil {
		s.Hibernation.BlacklistedDomains = []string{}
	}
	return s, nil
}
