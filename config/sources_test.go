package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleSource = `
id: imob_demo
name: Imob Demo
index_url: "https://demo.example/listings?page={page}"
link_selector: "div.card a.details"
country_hint: ro
auth:
  login_url: "https://demo.example/login"
  username_selector: "input[name=user]"
  password_selector: "input[name=pass]"
  submit_selector: "button[type=submit]"
  username: "${IMOB_DEMO_USER}"
  password: "${IMOB_DEMO_PASS}"
pagination:
  page_size: 24
phone_image:
  invert: true
selectors:
  rules:
    - field: title
      selector: h1.title
      kind: text
    - field: price
      selector: span.price
      kind: text
      post: currency
    - field: location_city
      selector: span.city
      kind: text
      post: geocode
`

func writeSource(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write source config: %v", err)
	}
	return path
}

func TestLoadSource(t *testing.T) {
	t.Setenv("IMOB_DEMO_USER", "ops")
	t.Setenv("IMOB_DEMO_PASS", "secret")

	path := writeSource(t, t.TempDir(), "imob_demo.yaml", sampleSource)
	src, err := LoadSource(path)
	if err != nil {
		t.Fatalf("load source: %v", err)
	}

	if src.ID != "imob_demo" {
		t.Fatalf("unexpected id %q", src.ID)
	}
	if got := src.PageURL(3); got != "https://demo.example/listings?page=3" {
		t.Fatalf("unexpected page URL %q", got)
	}
	if src.Pagination.StartPage != 1 {
		t.Fatalf("expected default start page 1, got %d", src.Pagination.StartPage)
	}
	if src.PhoneImage.Scale != 3 {
		t.Fatalf("expected default phone image scale 3, got %d", src.PhoneImage.Scale)
	}
	if src.Auth == nil || src.Auth.Username != "ops" || src.Auth.Password != "secret" {
		t.Fatalf("expected env-expanded credentials, got %+v", src.Auth)
	}
	if len(src.Selectors.Rules) != 3 {
		t.Fatalf("expected 3 selector rules, got %d", len(src.Selectors.Rules))
	}
}

func TestLoadSourceClampsPhoneImageScale(t *testing.T) {
	lowScale := writeSource(t, t.TempDir(), "lowscale.yaml", `
id: lowscale
index_url: "https://demo.example/listings?page={page}"
link_selector: "a"
phone_image:
  scale: 1
`)
	src, err := LoadSource(lowScale)
	if err != nil {
		t.Fatalf("load source: %v", err)
	}
	if src.PhoneImage.Scale != 3 {
		t.Fatalf("sub-3x scale not clamped, got %d", src.PhoneImage.Scale)
	}
}

func TestLoadSourceRejectsBadTemplates(t *testing.T) {
	dir := t.TempDir()

	noPage := writeSource(t, dir, "nopage.yaml", `
id: nopage
index_url: "https://demo.example/listings"
link_selector: "a"
`)
	if _, err := LoadSource(noPage); err == nil {
		t.Fatal("expected error for index_url without {page}")
	}

	noLink := writeSource(t, dir, "nolink.yaml", `
id: nolink
index_url: "https://demo.example/listings?page={page}"
`)
	if _, err := LoadSource(noLink); err == nil {
		t.Fatal("expected error for missing link_selector")
	}
}

func TestLoadSourceConfigsMissingDir(t *testing.T) {
	cfg := &Config{Sources: make(map[string]*SourceConfig)}
	if err := cfg.loadSourceConfigs(filepath.Join(t.TempDir(), "absent")); err != nil {
		t.Fatalf("missing dir should not error: %v", err)
	}
}
