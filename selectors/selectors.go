// Package selectors defines the declarative field-extraction rules an
// operator configures per source, and validates them against the canonical
// listing schema before a job is allowed to run.
package selectors

import (
	"fmt"
	"regexp"

	"github.com/Benrotm/real-estate-mls-sub003/models"
)

type Kind string

const (
	KindText      Kind = "text"
	KindAttribute Kind = "attribute"
	KindRegex     Kind = "regex"
)

type PostProcess string

const (
	PostNone       PostProcess = "none"
	PostCurrency   PostProcess = "currency"
	PostPhoneImage PostProcess = "phone-image"
	PostGeocode    PostProcess = "geocode"
)

// Rule maps one canonical field to a location in fetched content.
type Rule struct {
	Field    string      `yaml:"field"`
	Selector string      `yaml:"selector"`
	Kind     Kind        `yaml:"kind"`
	Attr     string      `yaml:"attr,omitempty"`
	Pattern  string      `yaml:"pattern,omitempty"`
	Post     PostProcess `yaml:"post,omitempty"`
}

// Map is the ordered set of rules for one source.
type Map struct {
	Rules []Rule `yaml:"rules"`
}

// Rule returns the first rule for the given canonical field.
func (m *Map) Rule(field string) (Rule, bool) {
	for _, r := range m.Rules {
		if r.Field == field {
			return r, true
		}
	}
	return Rule{}, false
}

// ConfigError is fatal: an invalid map fails the job before any fetch.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("selector map: field %q: %s", e.Field, e.Reason)
}

type fieldSpec struct {
	mandatory bool
	posts     map[PostProcess]bool
}

// schema fixes which post-processes make sense for each field's semantic
// type. Unknown fields and mismatched tags are rejected, not ignored.
var schema = map[string]fieldSpec{
	models.FieldTitle:        {mandatory: true, posts: map[PostProcess]bool{PostNone: true}},
	models.FieldPrice:        {mandatory: true, posts: map[PostProcess]bool{PostNone: true, PostCurrency: true}},
	models.FieldCurrency:     {posts: map[PostProcess]bool{PostNone: true, PostCurrency: true}},
	models.FieldDescription:  {posts: map[PostProcess]bool{PostNone: true}},
	models.FieldLocationCity: {mandatory: true, posts: map[PostProcess]bool{PostNone: true, PostGeocode: true}},
	models.FieldLocationArea: {posts: map[PostProcess]bool{PostNone: true, PostGeocode: true}},
	models.FieldRooms:        {posts: map[PostProcess]bool{PostNone: true}},
	models.FieldPhone:        {posts: map[PostProcess]bool{PostNone: true, PostPhoneImage: true}},
}

var validKinds = map[Kind]bool{
	KindText:      true,
	KindAttribute: true,
	KindRegex:     true,
}

// Validate checks the map against the canonical schema. It runs once per
// job start; any error aborts the job with no partial run.
func (m *Map) Validate() error {
	if m == nil || len(m.Rules) == 0 {
		return &ConfigError{Reason: "no rules configured"}
	}

	seen := make(map[string]bool, len(m.Rules))
	for _, r := range m.Rules {
		spec, ok := schema[r.Field]
		if !ok {
			return &ConfigError{Field: r.Field, Reason: "not a canonical field"}
		}
		if r.Selector == "" {
			return &ConfigError{Field: r.Field, Reason: "empty selector"}
		}

		kind := r.Kind
		if kind == "" {
			kind = KindText
		}
		if !validKinds[kind] {
			return &ConfigError{Field: r.Field, Reason: fmt.Sprintf("unknown kind %q", r.Kind)}
		}
		if kind == KindAttribute && r.Attr == "" {
			return &ConfigError{Field: r.Field, Reason: "attribute kind requires attr"}
		}
		if kind == KindRegex {
			if r.Pattern == "" {
				return &ConfigError{Field: r.Field, Reason: "regex kind requires pattern"}
			}
			if _, err := regexp.Compile(r.Pattern); err != nil {
				return &ConfigError{Field: r.Field, Reason: fmt.Sprintf("invalid pattern: %v", err)}
			}
		}

		post := r.Post
		if post == "" {
			post = PostNone
		}
		if !spec.posts[post] {
			return &ConfigError{Field: r.Field, Reason: fmt.Sprintf("post-process %q does not apply", r.Post)}
		}

		seen[r.Field] = true
	}

	for field, spec := range schema {
		if spec.mandatory && !seen[field] {
			return &ConfigError{Field: field, Reason: "mandatory field has no selector"}
		}
	}
	return nil
}
