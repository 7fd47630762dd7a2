package onboarding

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/Dermis/internal/skinapi"
)

// Timeouts bounds each kind of outbound call.
type Timeouts struct {
	Inference time.Duration `yaml:"inference"`
	Request   time.Duration `yaml:"request"`
	Usage     time.Duration `yaml:"usage"`
}

// Profile collects everything that differed between deployed variants of the
// onboarding screens: endpoints, transport, fallback conditions and timeouts.
type Profile struct {
	InferenceBaseURL   string            `yaml:"inference_base_url"`
	UsersBaseURL       string            `yaml:"users_base_url"`
	SynthesisBaseURL   string            `yaml:"synthesis_base_url"`
	RoutinesBaseURL    string            `yaml:"routines_base_url"`
	ConditionPath      string            `yaml:"condition_path"`
	Transport          skinapi.Transport `yaml:"transport"`
	FallbackConditions []string          `yaml:"fallback_conditions"`
	RoutineName        string            `yaml:"routine_name"`
	Timeouts           Timeouts          `yaml:"timeouts"`
}

// DefaultProfile returns the settings used when no profile file is given.
func DefaultProfile() Profile {
	return Profile{
		ConditionPath:      skinapi.ConditionPathEfficientNet,
		Transport:          skinapi.TransportMultipart,
		FallbackConditions: []string{"wrinkle"},
		RoutineName:        "Mi rutina",
		Timeouts: Timeouts{
			Inference: skinapi.DefaultInferenceTimeout,
			Request:   skinapi.DefaultRequestTimeout,
			Usage:     15 * time.Second,
		},
	}
}

// LoadProfile reads a YAML profile. Fields missing from the file keep their defaults.
func LoadProfile(path string) (Profile, error) {
	p := DefaultProfile()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("failed to read profile: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("failed to parse profile %s: %w", path, err)
	}
	return p.normalize(), nil
}

func (p Profile) normalize() Profile {
	d := DefaultProfile()
	if p.ConditionPath == "" {
		p.ConditionPath = d.ConditionPath
	}
	if p.Transport != skinapi.TransportJSON {
		p.Transport = skinapi.TransportMultipart
	}
	if len(p.FallbackConditions) == 0 {
		p.FallbackConditions = d.FallbackConditions
	}
	if p.RoutineName == "" {
		p.RoutineName = d.RoutineName
	}
	if p.Timeouts.Inference <= 0 {
		p.Timeouts.Inference = d.Timeouts.Inference
	}
	if p.Timeouts.Request <= 0 {
		p.Timeouts.Request = d.Timeouts.Request
	}
	if p.Timeouts.Usage <= 0 {
		p.Timeouts.Usage = d.Timeouts.Usage
	}
	return p
}

// ClientOptions converts the profile into skinapi client options.
func (p Profile) ClientOptions() []skinapi.Option {
	return []skinapi.Option{
		skinapi.WithInferenceBaseURL(p.InferenceBaseURL),
		skinapi.WithUsersBaseURL(p.UsersBaseURL),
		skinapi.WithSynthesisBaseURL(p.SynthesisBaseURL),
		skinapi.WithRoutinesBaseURL(p.RoutinesBaseURL),
		skinapi.WithConditionPath(p.ConditionPath),
		skinapi.WithTransport(p.Transport),
		skinapi.WithTimeouts(p.Timeouts.Inference, p.Timeouts.Request),
	}
}
