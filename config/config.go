// Package config resolves Faculty platform credentials and connection
// settings from explicit arguments, environment variables, and an INI
// credentials file, in that order of precedence. Resolution is pure local
// lookup — no network I/O.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/ini.v1"
)

// Defaults applied when no source provides a value.
const (
	DefaultProfile  = "default"
	DefaultDomain   = "services.cloud.my.faculty.ai"
	DefaultProtocol = "https"
)

// Environment variable names consulted during resolution.
const (
	EnvCredentialsPath = "FACULTY_CREDENTIALS_PATH"
	EnvProfile         = "FACULTY_PROFILE"
	EnvDomain          = "FACULTY_DOMAIN"
	EnvProtocol        = "FACULTY_PROTOCOL"
	EnvClientID        = "FACULTY_CLIENT_ID"
	EnvClientSecret    = "FACULTY_CLIENT_SECRET"
)

// ErrMissingCredentials is returned when no source yields a complete
// client id/secret pair. Check with errors.Is; the wrapping error names
// the missing field.
var ErrMissingCredentials = errors.New("config: no credentials found")

// Profile holds the resolved connection settings for a Faculty deployment.
// Immutable after resolution; the client secret is never logged.
type Profile struct {
	Domain       string
	Protocol     string
	ClientID     string
	ClientSecret string
}

// Options are explicit overrides passed by the caller. Any non-empty field
// wins over environment variables and the credentials file.
type Options struct {
	CredentialsPath string
	ProfileName     string
	Domain          string
	Protocol        string
	ClientID        string
	ClientSecret    string
}

// Resolve determines a complete Profile from all configuration sources.
// Precedence, highest first: explicit Options, environment variables, the
// named profile section in the credentials file. Domain and protocol fall
// back to platform defaults; a missing client id or secret is an error.
func Resolve(opts Options) (Profile, error) {
	path := firstNonEmpty(
		opts.CredentialsPath,
		os.Getenv(EnvCredentialsPath),
		defaultCredentialsPath(),
	)

	name := firstNonEmpty(
		opts.ProfileName,
		os.Getenv(EnvProfile),
		DefaultProfile,
	)

	fileProfile, err := loadProfile(path, name)
	if err != nil {
		return Profile{}, err
	}

	resolved := Profile{
		Domain: firstNonEmpty(
			opts.Domain, os.Getenv(EnvDomain), fileProfile.Domain, DefaultDomain,
		),
		Protocol: firstNonEmpty(
			opts.Protocol, os.Getenv(EnvProtocol), fileProfile.Protocol, DefaultProtocol,
		),
		ClientID: firstNonEmpty(
			opts.ClientID, os.Getenv(EnvClientID), fileProfile.ClientID,
		),
		ClientSecret: firstNonEmpty(
			opts.ClientSecret, os.Getenv(EnvClientSecret), fileProfile.ClientSecret,
		),
	}

	if resolved.ClientID == "" {
		return Profile{}, fmt.Errorf("%w: client_id", ErrMissingCredentials)
	}

	if resolved.ClientSecret == "" {
		return Profile{}, fmt.Errorf("%w: client_secret", ErrMissingCredentials)
	}

	return resolved, nil
}

// LoadProfiles reads every profile section from an INI credentials file,
// keyed by section name. A missing file yields an empty map, not an error,
// so resolution can continue with other sources.
func LoadProfiles(path string) (map[string]Profile, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return map[string]Profile{}, nil
	}

	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading credentials file %s: %w", path, err)
	}

	profiles := make(map[string]Profile)

	for _, section := range file.Sections() {
		if section.Name() == ini.DefaultSection {
			// ini.v1 synthesizes a nameless root section; profiles are
			// always named sections.
			continue
		}

		profiles[section.Name()] = Profile{
			Domain:       section.Key("domain").String(),
			Protocol:     section.Key("protocol").String(),
			ClientID:     section.Key("client_id").String(),
			ClientSecret: section.Key("client_secret").String(),
		}
	}

	return profiles, nil
}

// loadProfile reads a single named profile, returning an empty Profile if
// the file or section is absent.
func loadProfile(path, name string) (Profile, error) {
	profiles, err := LoadProfiles(path)
	if err != nil {
		return Profile{}, err
	}

	return profiles[name], nil
}

// defaultCredentialsPath returns the XDG-style default location of the
// credentials file.
func defaultCredentialsPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}

		configHome = filepath.Join(home, ".config")
	}

	return filepath.Join(configHome, "faculty", "credentials")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}
