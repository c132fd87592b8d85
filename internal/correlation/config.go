package correlation

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Weights are the per-factor multipliers of the correlation score. They sum to 1.
type Weights struct {
	Asset      float64 `yaml:"asset" validate:"gte=0,lte=1"`
	Time       float64 `yaml:"time" validate:"gte=0,lte=1"`
	Type       float64 `yaml:"type" validate:"gte=0,lte=1"`
	Identifier float64 `yaml:"kb" validate:"gte=0,lte=1"`
}

// Sum returns the total of all weights
func (w Weights) Sum() float64 {
	return w.Asset + w.Time + w.Type + w.Identifier
}

// Config tunes the correlation engine
type Config struct {
	AutoValidateThreshold float64             `yaml:"auto_validate_threshold" validate:"gte=0.5,lte=1"`
	MinimumMatchThreshold float64             `yaml:"minimum_match_threshold" validate:"gte=0,lte=0.5"`
	TimeBufferHours       int                 `yaml:"time_buffer_hours" validate:"gte=1,lte=72"`
	Weights               Weights             `yaml:"weights"`
	TypeSynonyms          map[string][]string `yaml:"type_synonyms"`
}

// DefaultTypeSynonyms maps alert categories to the change types that satisfy them
var DefaultTypeSynonyms = map[string][]string{
	"software": {"patch", "software", "install", "update"},
	"service":  {"config", "software", "service"},
	"user":     {"user", "access", "account"},
	"config":   {"config", "setting", "parameter"},
	"file":     {"config", "software", "patch"},
	"registry": {"config", "software"},
	"firewall": {"config", "network", "firewall"},
	"patch":    {"patch", "update", "hotfix"},

	// exception export tabs
	"patches_installed":  {"patch", "update", "hotfix"},
	"software_installed": {"software", "install", "patch", "update"},
	"ports_and_services": {"config", "service", "network"},
	"firewall_rules":     {"firewall", "network", "config"},
	"user_accounts":      {"user", "access", "account"},
	"device_interfaces":  {"network", "config"},
	"asset_details":      {"config"},
}

// DefaultConfig returns the stock weights and thresholds
func DefaultConfig() Config {
	synonyms := make(map[string][]string, len(DefaultTypeSynonyms))
	for k, v := range DefaultTypeSynonyms {
		synonyms[k] = append([]string(nil), v...)
	}
	return Config{
		AutoValidateThreshold: 0.95,
		MinimumMatchThreshold: 0.50,
		TimeBufferHours:       24,
		Weights: Weights{
			Asset:      0.40,
			Time:       0.30,
			Type:       0.20,
			Identifier: 0.10,
		},
		TypeSynonyms: synonyms,
	}
}

var validate = validator.New()

// Validate checks ranges and that the weights sum to 1
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid correlation config: %w", err)
	}
	if sum := c.Weights.Sum(); sum < 1-scoreEpsilon || sum > 1+scoreEpsilon {
		return fmt.Errorf("invalid correlation config: weights sum to %.3f, want 1", sum)
	}
	return nil
}

// LoadFile overlays the YAML file at path onto c. Keys absent from the file
// keep their current values; synonym entries are merged per category.
func (c Config) LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("failed to read correlation config: %w", err)
	}

	var overlay Config
	overlay.Weights = c.Weights
	overlay.AutoValidateThreshold = c.AutoValidateThreshold
	overlay.MinimumMatchThreshold = c.MinimumMatchThreshold
	overlay.TimeBufferHours = c.TimeBufferHours
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return c, fmt.Errorf("failed to parse correlation config: %w", err)
	}

	merged := make(map[string][]string, len(c.TypeSynonyms)+len(overlay.TypeSynonyms))
	for k, v := range c.TypeSynonyms {
		merged[k] = v
	}
	for k, v := range overlay.TypeSynonyms {
		lowered := make([]string, len(v))
		for i, s := range v {
			lowered[i] = strings.ToLower(s)
		}
		merged[strings.ToLower(k)] = lowered
	}
	overlay.TypeSynonyms = merged
	return overlay, nil
}

// IsAutoValidated reports whether score clears the auto-validation threshold
func (c Config) IsAutoValidated(score float64) bool {
	return score+scoreEpsilon >= c.AutoValidateThreshold
}

// ClearsMinimum reports whether score is high enough to count as a match
func (c Config) ClearsMinimum(score float64) bool {
	return score+scoreEpsilon >= c.MinimumMatchThreshold
}
