package agencies

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is one agency definition loaded from a YAML file.
type Config struct {
	ID        string `yaml:"id" validate:"required,max=64"`
	Name      string `yaml:"name" validate:"required"`
	Points    any    `yaml:"points" validate:"required"`
	Operation string `yaml:"operation" validate:"omitempty,oneof=vendita affitto"`
	MaxItems  int    `yaml:"max_items" validate:"gte=0,lte=1000"`
	Enabled   *bool  `yaml:"enabled"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateConfig returns an error describing every invalid field, or nil.
func ValidateConfig(cfg Config) error {
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
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return fmt.Errorf("invalid agency config %q: %s", cfg.ID, strings.Join(msgs, "; "))
}

// ToUpsertParams converts a validated config to repository params. YAML maps
// decode as map[string]any, which encoding/json handles directly.
func (c Config) ToUpsertParams() (UpsertParams, error) {
	points, err := json.Marshal(c.Points)
	if err != nil {
		return UpsertParams{}, fmt.Errorf("encode points for %q: %w", c.ID, err)
	}
	enabled := true
	if c.Enabled != nil {
		enabled = *c.Enabled
	}
	return UpsertParams{
		ID:        c.ID,
		Name:      c.Name,
		Points:    points,
		Operation: c.Operation,
		MaxItems:  c.MaxItems,
		Enabled:   enabled,
	}, nil
}

// LoadConfigs reads every *.yaml / *.yml file in dir. A file may hold a single
// agency or a list of agencies. Results are sorted by id.
func LoadConfigs(dir string) ([]Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read agency config dir %q: %w", dir, err)
	}

	var configs []Config
	seen := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		loaded, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		for _, cfg := range loaded {
			if err := ValidateConfig(cfg); err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			if prev, dup := seen[cfg.ID]; dup {
				return nil, fmt.Errorf("%s: agency %q already defined in %s", path, cfg.ID, prev)
			}
			seen[cfg.ID] = path
			configs = append(configs, cfg)
		}
	}

	sort.Slice(configs, func(i, j int) bool { return configs[i].ID < configs[j].ID })
	return configs, nil
}

func loadFile(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(node.Content) == 0 {
		return nil, nil
	}

	root := node.Content[0]
	if root.Kind == yaml.SequenceNode {
		var list []Config
		if err := root.Decode(&list); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		return list, nil
	}

	var single Config
	if err := root.Decode(&single); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return []Config{single}, nil
}
