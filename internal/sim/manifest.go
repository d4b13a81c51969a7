package sim

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/dorcha-inc/hotpatch/internal/core"
)

// ManifestFileName is the component manifest inside each component directory
const ManifestFileName = "component.yaml"

// Manifest describes an installed component
type Manifest struct {
	ID       string   `yaml:"id" validate:"required"`
	Version  string   `yaml:"version" validate:"required,semver"`
	Approved bool     `yaml:"approved"`
	Sources  []string `yaml:"sources" validate:"required,min=1,dive,required"`
}

// UnitKind selects what a unit does when initialized
type UnitKind string

// UnitKind constants
const (
	UnitKindPlain        UnitKind = "plain"
	UnitKindBootstrap    UnitKind = "bootstrap"
	UnitKindOrchestrator UnitKind = "orchestrator"
	UnitKindStandIn      UnitKind = "stand_in"
)

// UnitDescriptor is the content of one component source. Fail makes the
// initializer return an error; Panic makes it panic.
type UnitDescriptor struct {
	Name     string   `yaml:"name" validate:"required"`
	Kind     UnitKind `yaml:"kind,omitempty" validate:"omitempty,oneof=plain bootstrap orchestrator stand_in"`
	Fail     string   `yaml:"fail,omitempty"`
	Panic    string   `yaml:"panic,omitempty"`
	Injected bool     `yaml:"injected,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("semver", func(fl validator.FieldLevel) bool {
		return semver.IsValid(canonicalVersion(fl.Field().String()))
	}); err != nil {
		panic(fmt.Sprintf("failed to register semver validation: %v", err))
	}
	return v
}

// canonicalVersion adds the "v" prefix x/mod/semver expects.
func canonicalVersion(version string) string {
	if strings.HasPrefix(version, "v") {
		return version
	}
	return "v" + version
}

// newerVersion reports whether a is a newer version than b.
func newerVersion(a, b string) bool {
	return semver.Compare(canonicalVersion(a), canonicalVersion(b)) > 0
}

// LoadManifest loads and validates the component.yaml in componentDir
func LoadManifest(componentDir string) (*Manifest, error) {
	root, err := os.OpenRoot(componentDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open component directory: %w", err)
	}
	defer core.LogDeferredError(root.Close)

	data, err := root.ReadFile(ManifestFileName)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", ManifestFileName, err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", ManifestFileName, err)
	}

	if err := validate.Struct(&manifest); err != nil {
		return nil, fmt.Errorf("manifest validation failed: %w", err)
	}
	return &manifest, nil
}

// ReadSources reads every source the manifest lists, keyed by source path.
// Sources are read through os.Root so they cannot escape componentDir.
func ReadSources(componentDir string, manifest *Manifest) (map[string]string, error) {
	root, err := os.OpenRoot(componentDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open component directory: %w", err)
	}
	defer core.LogDeferredError(root.Close)

	contents := make(map[string]string, len(manifest.Sources))
	for _, source := range manifest.Sources {
		data, err := root.ReadFile(source)
		if err != nil {
			return nil, fmt.Errorf("failed to read source %s of %s: %w", source, manifest.ID, err)
		}
		contents[source] = string(data)
	}
	return contents, nil
}

// ParseUnit parses and validates a unit descriptor. An empty kind is plain.
func ParseUnit(source, content string) (*UnitDescriptor, error) {
	var desc UnitDescriptor
	if err := yaml.Unmarshal([]byte(content), &desc); err != nil {
		return nil, fmt.Errorf("failed to parse source %s: %w", source, err)
	}
	if err := validate.Struct(&desc); err != nil {
		return nil, fmt.Errorf("source %s is invalid: %w", source, err)
	}
	if desc.Kind == "" {
		desc.Kind = UnitKindPlain
	}
	if desc.Fail != "" && desc.Panic != "" {
		zap.L().Warn("Unit declares both fail and panic, panic wins", zap.String("unit", desc.Name))
	}
	return &desc, nil
}
