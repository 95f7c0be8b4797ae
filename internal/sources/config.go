// Package sources loads harvest source definitions from YAML files and
// provides a file-backed config store for running without a database.
package sources

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/Togather-Foundation/harvester/internal/domain/harvest"
)

// SourceConfig defines a harvest source loaded from a YAML config file.
type SourceConfig struct {
	Name           string     `yaml:"name" validate:"required,max=100,excludesall=/\\"`
	BaseURL        string     `yaml:"base_url" validate:"required,http_url"`
	MetadataPrefix string     `yaml:"metadata_prefix,omitempty" validate:"omitempty,max=64"`
	Sets           []string   `yaml:"sets,omitempty" validate:"dive,required"`
	Granularity    string     `yaml:"granularity,omitempty" validate:"omitempty,oneof=YYYY-MM-DD YYYY-MM-DDThh:mm:ssZ"`
	Workflow       string     `yaml:"workflow,omitempty"`
	Enabled        bool       `yaml:"enabled"`
	LastRun        *time.Time `yaml:"last_run,omitempty"`
	Notes          string     `yaml:"notes,omitempty"`
}

// DefaultSourceConfig returns a SourceConfig with defaults applied.
func DefaultSourceConfig() SourceConfig {
	return SourceConfig{
		MetadataPrefix: harvest.DefaultMetadataPrefix,
		Enabled:        true,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateConfig returns an error describing every problem found in cfg,
// or nil if it is valid.
func ValidateConfig(cfg SourceConfig) error {
	cfg.Name = strings.TrimSpace(cfg.Name)
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	field := yamlFieldName(fe.StructField())
	switch fe.Tag() {
	case "required":
		return field + ": required"
	case "http_url":
		return fmt.Sprintf("%s: must be a valid http/https URL, got %q", field, fe.Value())
	case "max":
		return fmt.Sprintf("%s: must be at most %s characters", field, fe.Param())
	case "excludesall":
		return field + ": must not contain path separators"
	case "oneof":
		return fmt.Sprintf("%s: must be one of %s, got %q", field, strings.ReplaceAll(fe.Param(), " ", ", "), fe.Value())
	default:
		return fmt.Sprintf("%s: failed %s", field, fe.Tag())
	}
}

func yamlFieldName(structField string) string {
	switch structField {
	case "BaseURL":
		return "base_url"
	case "MetadataPrefix":
		return "metadata_prefix"
	case "LastRun":
		return "last_run"
	default:
		return strings.ToLower(structField)
	}
}

// LoadSourceConfigs reads all *.yaml files from dir (skipping files starting
// with "_"), applies defaults and validates each. Invalid configs are
// reported together in the returned error alongside the valid ones. A
// non-existent directory returns an empty slice with no error.
func LoadSourceConfigs(dir string) ([]SourceConfig, error) {
	paths, err := configFiles(dir)
	if err != nil {
		return nil, err
	}

	var configs []SourceConfig
	var validationErrors []string
	for _, path := range paths {
		cfg, err := loadFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
		if err := ValidateConfig(cfg); err != nil {
			validationErrors = append(validationErrors, fmt.Sprintf("%s: %s", path, err.Error()))
			continue
		}
		configs = append(configs, cfg)
	}

	if len(validationErrors) > 0 {
		return configs, fmt.Errorf("invalid source configs:\n  %s", strings.Join(validationErrors, "\n  "))
	}
	return configs, nil
}

// LoadSourceConfig reads, defaults and validates a single YAML file.
func LoadSourceConfig(path string) (SourceConfig, error) {
	cfg, err := loadFile(path)
	if err != nil {
		return SourceConfig{}, fmt.Errorf("loading %s: %w", path, err)
	}
	if err := ValidateConfig(cfg); err != nil {
		return SourceConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func configFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading source config dir %s: %w", dir, err)
	}
	var paths []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, "_") {
			continue
		}
		if ext := filepath.Ext(name); ext != ".yaml" && ext != ".yml" {
			continue
		}
		paths = append(paths, filepath.Join(dir, name))
	}
	return paths, nil
}

func loadFile(path string) (SourceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SourceConfig{}, err
	}
	// Start from defaults so an omitted enabled flag stays true.
	cfg := DefaultSourceConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return SourceConfig{}, fmt.Errorf("parsing YAML: %w", err)
	}
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.MetadataPrefix == "" {
		cfg.MetadataPrefix = harvest.DefaultMetadataPrefix
	}
	return cfg, nil
}

// WriteSourceConfig writes cfg as YAML to path.
func WriteSourceConfig(path string, cfg SourceConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", cfg.Name, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// ToUpsertParams converts a YAML config into repository upsert params.
func (c SourceConfig) ToUpsertParams() harvest.UpsertParams {
	return harvest.UpsertParams{
		Name:           c.Name,
		BaseURL:        c.BaseURL,
		MetadataPrefix: c.MetadataPrefix,
		SetSpecs:       c.Sets,
		Granularity:    c.Granularity,
		Workflow:       c.Workflow,
		Enabled:        c.Enabled,
		Notes:          c.Notes,
		LastRun:        c.LastRun,
	}
}

// FromSource converts a stored source back into its YAML form.
func FromSource(src harvest.Source) SourceConfig {
	return SourceConfig{
		Name:           src.Name,
		BaseURL:        src.BaseURL,
		MetadataPrefix: src.MetadataPrefix,
		Sets:           src.SetSpecs,
		Granularity:    src.Granularity,
		Workflow:       src.Workflow,
		Enabled:        src.Enabled,
		LastRun:        src.LastRun,
		Notes:          src.Notes,
	}
}

func (c SourceConfig) toSource() harvest.Source {
	return harvest.Source{
		Name:           c.Name,
		BaseURL:        c.BaseURL,
		MetadataPrefix: c.MetadataPrefix,
		SetSpecs:       c.Sets,
		Granularity:    c.Granularity,
		LastRun:        c.LastRun,
		Workflow:       c.Workflow,
		Enabled:        c.Enabled,
		Notes:          c.Notes,
	}
}
