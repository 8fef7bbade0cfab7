package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/skypro1111/therapy-audio-service/internal/events"
	"github.com/skypro1111/therapy-audio-service/internal/storage"
)

// Settings domains accepted by Update
const (
	DomainAudio         = "audio"
	DomainLanguage      = "language"
	DomainPrivacy       = "privacy"
	DomainNotifications = "notifications"
	DomainAppearance    = "appearance"
)

var (
	// ErrUnknownDomain is returned for a domain name Update does not know
	ErrUnknownDomain = errors.New("unknown settings domain")
	// ErrInvalid wraps validation failures
	ErrInvalid = errors.New("invalid settings")
)

var (
	SupportedSampleRates        = []int{16000, 44100, 48000}
	SupportedQualities          = []string{"low", "medium", "high"}
	SupportedTherapyLanguages   = []string{"ta", "hi", "te", "kn", "ml", "en"}
	SupportedInterfaceLanguages = []string{"en", "ta", "hi"}
	SupportedVisibilities       = []string{"private", "public"}
)

// AudioSettings controls capture devices and processing quality.
// SampleRate is the rate recordings are resampled to before upload.
type AudioSettings struct {
	Microphone        string `json:"microphone"`
	Speakers          string `json:"speakers"`
	InputVolume       int    `json:"input_volume"`
	OutputVolume      int    `json:"output_volume"`
	NoiseCancellation bool   `json:"noise_cancellation"`
	EchoCancellation  bool   `json:"echo_cancellation"`
	AutoGain          bool   `json:"auto_gain"`
	SampleRate        int    `json:"sample_rate"`
	AudioQuality      string `json:"audio_quality"`
	SoundEnabled      bool   `json:"sound_enabled"`
}

type LanguageSettings struct {
	TherapyLanguage   string `json:"therapy_language"`
	InterfaceLanguage string `json:"interface_language"`
}

type PrivacySettings struct {
	ProfileVisibility string `json:"profile_visibility"`
	ShareProgress     bool   `json:"share_progress"`
	DataCollection    bool   `json:"data_collection"`
	TwoFactorAuth     bool   `json:"two_factor_auth"`
	SessionHistory    bool   `json:"session_history"`
	BiometricLogin    bool   `json:"biometric_login"`
	CookiesEnabled    bool   `json:"cookies_enabled"`
}

// NotificationSettings selects notification channels and topics.
// ReminderLeadTime is in minutes.
type NotificationSettings struct {
	Push              bool `json:"push"`
	Email             bool `json:"email"`
	SMS               bool `json:"sms"`
	SessionReminders  bool `json:"session_reminders"`
	AchievementAlerts bool `json:"achievement_alerts"`
	WeeklyReports     bool `json:"weekly_reports"`
	MarketingEmails   bool `json:"marketing_emails"`
	ActivityAlerts    bool `json:"activity_alerts"`
	ReminderLeadTime  int  `json:"reminder_lead_time"`
}

type AppearanceSettings struct {
	DarkMode bool `json:"dark_mode"`
}

// Settings is the full per-user document
type Settings struct {
	Audio         AudioSettings        `json:"audio"`
	Language      LanguageSettings     `json:"language"`
	Privacy       PrivacySettings      `json:"privacy"`
	Notifications NotificationSettings `json:"notifications"`
	Appearance    AppearanceSettings   `json:"appearance"`
}

// Defaults returns the settings a new user starts with
func Defaults() Settings {
	return Settings{
		Audio: AudioSettings{
			Microphone:        "default",
			Speakers:          "default",
			InputVolume:       75,
			OutputVolume:      80,
			NoiseCancellation: true,
			EchoCancellation:  true,
			AutoGain:          true,
			SampleRate:        16000,
			AudioQuality:      "high",
			SoundEnabled:      true,
		},
		Language: LanguageSettings{
			TherapyLanguage:   "ta",
			InterfaceLanguage: "en",
		},
		Privacy: PrivacySettings{
			ProfileVisibility: "private",
			DataCollection:    true,
			SessionHistory:    true,
			CookiesEnabled:    true,
		},
		Notifications: NotificationSettings{
			Push:              true,
			Email:             true,
			SessionReminders:  true,
			AchievementAlerts: true,
			WeeklyReports:     true,
			ActivityAlerts:    true,
			ReminderLeadTime:  15,
		},
	}
}

// Validate validates audio settings
func (a *AudioSettings) Validate() error {
	if a.InputVolume < 0 || a.InputVolume > 100 {
		return fmt.Errorf("input_volume must be between 0 and 100, got %d", a.InputVolume)
	}
	if a.OutputVolume < 0 || a.OutputVolume > 100 {
		return fmt.Errorf("output_volume must be between 0 and 100, got %d", a.OutputVolume)
	}
	if !slices.Contains(SupportedSampleRates, a.SampleRate) {
		return fmt.Errorf("sample_rate must be one of %v, got %d", SupportedSampleRates, a.SampleRate)
	}
	if !slices.Contains(SupportedQualities, a.AudioQuality) {
		return fmt.Errorf("audio_quality must be one of %v, got '%s'", SupportedQualities, a.AudioQuality)
	}
	return nil
}

// Validate validates language settings
func (l *LanguageSettings) Validate() error {
	if !slices.Contains(SupportedTherapyLanguages, l.TherapyLanguage) {
		return fmt.Errorf("therapy_language must be one of %v, got '%s'", SupportedTherapyLanguages, l.TherapyLanguage)
	}
	if !slices.Contains(SupportedInterfaceLanguages, l.InterfaceLanguage) {
		return fmt.Errorf("interface_language must be one of %v, got '%s'", SupportedInterfaceLanguages, l.InterfaceLanguage)
	}
	return nil
}

// Validate validates privacy settings
func (p *PrivacySettings) Validate() error {
	if !slices.Contains(SupportedVisibilities, p.ProfileVisibility) {
		return fmt.Errorf("profile_visibility must be one of %v, got '%s'", SupportedVisibilities, p.ProfileVisibility)
	}
	return nil
}

// Validate validates notification settings
func (n *NotificationSettings) Validate() error {
	if n.ReminderLeadTime < 5 || n.ReminderLeadTime > 60 || n.ReminderLeadTime%5 != 0 {
		return fmt.Errorf("reminder_lead_time must be a multiple of 5 between 5 and 60 minutes, got %d", n.ReminderLeadTime)
	}
	return nil
}

// Validate checks every domain
func (s *Settings) Validate() error {
	if err := s.Audio.Validate(); err != nil {
		return fmt.Errorf("audio: %w", err)
	}
	if err := s.Language.Validate(); err != nil {
		return fmt.Errorf("language: %w", err)
	}
	if err := s.Privacy.Validate(); err != nil {
		return fmt.Errorf("privacy: %w", err)
	}
	if err := s.Notifications.Validate(); err != nil {
		return fmt.Errorf("notifications: %w", err)
	}
	return nil
}

// Domain returns a pointer to the named domain struct
func (s *Settings) Domain(name string) (any, error) {
	switch name {
	case DomainAudio:
		return &s.Audio, nil
	case DomainLanguage:
		return &s.Language, nil
	case DomainPrivacy:
		return &s.Privacy, nil
	case DomainNotifications:
		return &s.Notifications, nil
	case DomainAppearance:
		return &s.Appearance, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDomain, name)
	}
}

// Store is the persistence the service needs
type Store interface {
	GetSettings(ctx context.Context, userID string) ([]byte, error)
	PutSettings(ctx context.Context, userID string, doc []byte) error
}

// UpdatedEvent is the payload of a settings.updated event
type UpdatedEvent struct {
	Domain   string   `json:"domain"`
	Settings Settings `json:"settings"`
}

// Service reads and updates user settings
type Service struct {
	store Store
	hub   *events.Hub
}

// NewService creates a settings service. hub may be nil.
func NewService(store Store, hub *events.Hub) *Service {
	return &Service{store: store, hub: hub}
}

// Get returns the settings for userID, falling back to defaults for users
// that never saved any. Fields missing from a stored document keep their
// default value.
func (s *Service) Get(ctx context.Context, userID string) (*Settings, error) {
	settings := Defaults()

	doc, err := s.store.GetSettings(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &settings, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(doc, &settings); err != nil {
		return nil, fmt.Errorf("failed to decode settings for %s: %w", userID, err)
	}
	return &settings, nil
}

// Update merges raw JSON into one domain of the user's settings, validates
// the result, persists it and publishes a settings.updated event. Fields not
// present in raw are left unchanged.
func (s *Service) Update(ctx context.Context, userID, domain string, raw []byte) (*Settings, error) {
	settings, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	target, err := settings.Domain(domain)
	if err != nil {
		return nil, err
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, domain, err)
	}

	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	doc, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := s.store.PutSettings(ctx, userID, doc); err != nil {
		return nil, err
	}

	if s.hub != nil {
		s.hub.Publish(events.Event{
			Type:   events.TypeSettingsUpdated,
			UserID: userID,
			Data:   UpdatedEvent{Domain: domain, Settings: *settings},
		})
	}

	return settings, nil
}

// TargetRate returns the user's preferred upload sample rate
func (s *Service) TargetRate(ctx context.Context, userID string) (int, error) {
	settings, err := s.Get(ctx, userID)
	if err != nil {
		return 0, err
	}
	return settings.Audio.SampleRate, nil
}
