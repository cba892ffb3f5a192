package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Benrotm/real-estate-mls-sub003/selectors"
)

// SourceConfig describes one external site. Operators own these files; the
// engine reads them at job start and persists only the page checkpoint,
// which lives in the operational store rather than the YAML.
type SourceConfig struct {
	ID           string           `yaml:"id"`
	Name         string           `yaml:"name"`
	IndexURL     string           `yaml:"index_url"` // must contain {page}
	LinkSelector string           `yaml:"link_selector"`
	Auth         *AuthConfig      `yaml:"auth,omitempty"`
	Pagination   PaginationConfig `yaml:"pagination"`
	PhoneImage   PhoneImageConfig `yaml:"phone_image"`
	Selectors    selectors.Map    `yaml:"selectors"`
	CountryHint  string           `yaml:"country_hint,omitempty"`
	RateLimitMS  int              `yaml:"rate_limit_ms,omitempty"`
}

// AuthConfig drives the browser-backed login flow. Username and Password
// support ${ENV} expansion so credentials stay out of the YAML files.
type AuthConfig struct {
	LoginURL         string `yaml:"login_url"`
	UsernameSelector string `yaml:"username_selector"`
	PasswordSelector string `yaml:"password_selector"`
	SubmitSelector   string `yaml:"submit_selector"`
	Username         string `yaml:"username"`
	Password         string `yaml:"password"`
}

type PaginationConfig struct {
	StartPage int `yaml:"start_page"`
	PageSize  int `yaml:"page_size"`
}

type PhoneImageConfig struct {
	Invert bool `yaml:"invert"`
	Scale  int  `yaml:"scale,omitempty"`
}

// PageURL expands the {page} placeholder in the index URL template.
func (s *SourceConfig) PageURL(page int) string {
	return strings.ReplaceAll(s.IndexURL, "{page}", fmt.Sprintf("%d", page))
}

func (c *Config) loadSourceConfigs(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		src, err := LoadSource(path)
		if err != nil {
			return fmt.Errorf("load source config %s: %w", path, err)
		}
		c.Sources[src.ID] = src
	}

	return nil
}

// LoadSource reads one source YAML, expands credential env references and
// applies defaults. Selector validation is deferred to job start so a bad
// map fails its own job without taking the daemon down.
func LoadSource(path string) (*SourceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var src SourceConfig
	if err := yaml.Unmarshal(data, &src); err != nil {
		return nil, err
	}
	if src.ID == "" {
		return nil, fmt.Errorf("source config missing id")
	}
	if !strings.Contains(src.IndexURL, "{page}") {
		return nil, fmt.Errorf("source %s: index_url must contain {page}", src.ID)
	}
	if src.LinkSelector == "" {
		return nil, fmt.Errorf("source %s: link_selector is required", src.ID)
	}

	if src.Auth != nil {
		src.Auth.Username = os.ExpandEnv(src.Auth.Username)
		src.Auth.Password = os.ExpandEnv(src.Auth.Password)
	}
	if src.Pagination.StartPage <= 0 {
		src.Pagination.StartPage = 1
	}
	// OCR accuracy drops off sharply below a 3x upscale.
	if src.PhoneImage.Scale < 3 {
		src.PhoneImage.Scale = 3
	}

	return &src, nil
}
