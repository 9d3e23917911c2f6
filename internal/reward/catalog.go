package reward

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// RewardsFileEnv points at the catalog file explicitly.
const RewardsFileEnv = "BILILINK_REWARDS_FILE"

const builtinDefaultKey = "default"

var templateKeyRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

type fileConfig struct {
	Default   string            `yaml:"default"`
	Templates []Template        `yaml:"templates"`
	Targets   map[string]string `yaml:"targets"`
}

// Template describes what the host should deliver for a reward.
type Template struct {
	Key         string `yaml:"key" json:"key"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Items       []Item `yaml:"items,omitempty" json:"items,omitempty"`
}

type Item struct {
	ID     string `yaml:"id" json:"id"`
	Amount int    `yaml:"amount" json:"amount"`
}

// Resolution is the outcome of Catalog.Resolve. Template is nil when
// UsedKey names no known template.
type Resolution struct {
	UsedKey  string
	Template *Template
}

// Catalog maps targets to reward templates. It is read-only after loading.
type Catalog struct {
	defaultKey string
	templates  map[string]Template
	targets    map[string]string
}

// DefaultCatalog is used when no catalog file exists.
func DefaultCatalog() *Catalog {
	return &Catalog{
		defaultKey: builtinDefaultKey,
		templates: map[string]Template{
			builtinDefaultKey: {Key: builtinDefaultKey, Name: "Triple action reward"},
		},
		targets: map[string]string{},
	}
}

// Resolve picks the template for a reward: an explicit rewardKey wins,
// then the target's own mapping, then the catalog default.
func (c *Catalog) Resolve(target, rewardKey string) Resolution {
	key := strings.TrimSpace(rewardKey)
	if key == "" {
		key = c.targets[target]
	}
	if key == "" {
		key = c.defaultKey
	}
	if tpl, ok := c.templates[key]; ok {
		return Resolution{UsedKey: key, Template: &tpl}
	}
	return Resolution{UsedKey: key}
}

// Templates lists every template sorted by key.
func (c *Catalog) Templates() []Template {
	out := make([]Template, 0, len(c.templates))
	for _, tpl := range c.templates {
		out = append(out, tpl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// LoadCatalog reads the catalog at path. An empty path searches
// RewardsFileEnv and the default locations; finding nothing yields
// DefaultCatalog.
func LoadCatalog(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		resolved, err := resolveCatalogPath()
		if err != nil {
			return nil, err
		}
		if resolved == "" {
			return DefaultCatalog(), nil
		}
		path = resolved
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rewards file %q: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse rewards file: %w", err)
	}

	c := &Catalog{
		defaultKey: strings.TrimSpace(cfg.Default),
		templates:  make(map[string]Template, len(cfg.Templates)),
		targets:    make(map[string]string, len(cfg.Targets)),
	}
	for _, tpl := range cfg.Templates {
		tpl.Key = strings.TrimSpace(tpl.Key)
		if !templateKeyRegexp.MatchString(tpl.Key) {
			return nil, fmt.Errorf("invalid reward template key %q", tpl.Key)
		}
		if _, dup := c.templates[tpl.Key]; dup {
			return nil, fmt.Errorf("duplicate reward template key %q", tpl.Key)
		}
		for _, item := range tpl.Items {
			if item.ID == "" || item.Amount <= 0 {
				return nil, fmt.Errorf("template %q: items need an id and a positive amount", tpl.Key)
			}
		}
		c.templates[tpl.Key] = tpl
	}
	if len(c.templates) == 0 {
		return nil, fmt.Errorf("rewards file declares no templates")
	}
	if c.defaultKey == "" && len(c.templates) == 1 {
		for key := range c.templates {
			c.defaultKey = key
		}
	}
	if _, ok := c.templates[c.defaultKey]; !ok {
		return nil, fmt.Errorf("default reward template %q is not declared", c.defaultKey)
	}
	for target, key := range cfg.Targets {
		key = strings.TrimSpace(key)
		if _, ok := c.templates[key]; !ok {
			return nil, fmt.Errorf("target %q maps to unknown template %q", target, key)
		}
		c.targets[strings.TrimSpace(target)] = key
	}
	return c, nil
}

func resolveCatalogPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv(RewardsFileEnv)); explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", err
		}
		return explicit, nil
	}

	candidates := []string{
		"config/rewards.yaml",
		"/etc/bililink/rewards.yaml",
	}
	if homeDir, err := os.UserHomeDir(); err == nil && homeDir != "" {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "bililink", "rewards.yaml"))
	}
	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", nil
}
