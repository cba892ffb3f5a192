package selectors

import (
	"errors"
	"strings"
	"testing"
)

func validMap() *Map {
	return &Map{Rules: []Rule{
		{Field: "title", Selector: "h1.title", Kind: KindText},
		{Field: "price", Selector: "span.price", Kind: KindText, Post: PostCurrency},
		{Field: "location_city", Selector: "span.city", Kind: KindText, Post: PostGeocode},
		{Field: "location_area", Selector: "span.area", Kind: KindText},
		{Field: "rooms", Selector: "li.rooms", Kind: KindRegex, Pattern: `(\d+)`},
		{Field: "phone", Selector: "img.phone", Kind: KindAttribute, Attr: "src", Post: PostPhoneImage},
	}}
}

func TestValidateOK(t *testing.T) {
	if err := validMap().Validate(); err != nil {
		t.Fatalf("expected valid map, got %v", err)
	}
}

func TestValidateMissingMandatory(t *testing.T) {
	m := validMap()
	var rules []Rule
	for _, r := range m.Rules {
		if r.Field != "price" {
			rules = append(rules, r)
		}
	}
	m.Rules = rules

	err := m.Validate()
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if cfgErr.Field != "price" {
		t.Fatalf("expected price flagged, got %q", cfgErr.Field)
	}
	if !strings.Contains(cfgErr.Reason, "mandatory") {
		t.Fatalf("unexpected reason %q", cfgErr.Reason)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		rule Rule
	}{
		{"unknown field", Rule{Field: "garage", Selector: "div", Kind: KindText}},
		{"unknown kind", Rule{Field: "description", Selector: "div", Kind: "xpath"}},
		{"unknown post", Rule{Field: "description", Selector: "div", Kind: KindText, Post: "uppercase"}},
		{"post mismatch", Rule{Field: "title", Selector: "h1", Kind: KindText, Post: PostPhoneImage}},
		{"attribute without attr", Rule{Field: "description", Selector: "meta", Kind: KindAttribute}},
		{"regex without pattern", Rule{Field: "description", Selector: "div", Kind: KindRegex}},
		{"bad pattern", Rule{Field: "description", Selector: "div", Kind: KindRegex, Pattern: "("}},
		{"empty selector", Rule{Field: "description", Kind: KindText}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := validMap()
			m.Rules = append(m.Rules, tc.rule)

			err := m.Validate()
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
		})
	}
}

func TestValidateEmptyMap(t *testing.T) {
	m := &Map{}
	if err := m.Validate(); err == nil {
		t.Fatal("expected error for empty map")
	}
}

func TestRuleLookupFirstMatch(t *testing.T) {
	m := &Map{Rules: []Rule{
		{Field: "title", Selector: "h1"},
		{Field: "title", Selector: "h2"},
	}}

	r, ok := m.Rule("title")
	if !ok || r.Selector != "h1" {
		t.Fatalf("expected first rule, got %+v ok=%v", r, ok)
	}
	if _, ok := m.Rule("price"); ok {
		t.Fatal("expected no rule for price")
	}
}
