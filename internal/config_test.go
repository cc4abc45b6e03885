package internal

import (
	"strings"
	"testing"

	"github.com/starford/concord/internal/models"
)

func TestAuthConfig_DisabledMode(t *testing.T) {
	cfg := AuthConfig{Mode: "disabled", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled mode should pass: %v", err)
	}
	if cfg.AuthEnabled() {
		t.Error("disabled mode should not be enabled")
	}
}

func TestAuthConfig_EmptyModeDefaultsDisabled(t *testing.T) {
	cfg := AuthConfig{Mode: "", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty mode should default to disabled: %v", err)
	}
	if cfg.Mode != AuthModeDisabled {
		t.Errorf("mode = %q, want %q", cfg.Mode, AuthModeDisabled)
	}
}

func TestAuthConfig_TokenModeValid(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: "mysecret"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("token mode with token should pass: %v", err)
	}
	if !cfg.AuthEnabled() {
		t.Error("token mode should be enabled")
	}
}

func TestAuthConfig_TokenModeEmptyToken(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: ""}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("token mode with empty token should fail")
	}
	if !strings.Contains(err.Error(), "token is empty") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAuthConfig_InvalidMode(t *testing.T) {
	cfg := AuthConfig{Mode: "magic", Token: "x"}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("invalid mode should fail validation")
	}
}

func TestFullConfig_AuthValidationCalled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Auth.Mode = "token"
	cfg.Auth.Token = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("full config validate should catch auth error")
	}
}

func TestDefaultConfig_Valid(t *testing.T) {
	if err := NewDefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestCorpusConfig_Extension(t *testing.T) {
	for ext, ok := range map[string]bool{".lml": true, ".txt": true, "lml": false, ".L M": false, "": false} {
		cfg := CorpusConfig{Path: "./corpus", Extension: ext}
		if err := cfg.Validate(); (err == nil) != ok {
			t.Errorf("extension %q: err = %v, want ok = %v", ext, err, ok)
		}
	}
}

func TestConvertConfig_RenderKinds(t *testing.T) {
	cfg := ConvertConfig{Workers: 2, Renders: []string{"html", "source"}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid renders rejected: %v", err)
	}
	kinds := cfg.RenderKinds()
	if len(kinds) != 2 || kinds[0] != models.RenderHTML || kinds[1] != models.RenderSource {
		t.Errorf("kinds = %v", kinds)
	}

	cfg.Renders = append(cfg.Renders, "pdf")
	if err := cfg.Validate(); err == nil {
		t.Error("unknown render kind should fail validation")
	}
	cfg = ConvertConfig{Workers: -1}
	if err := cfg.Validate(); err == nil {
		t.Error("negative workers should fail validation")
	}
}

func TestTopicsConfig_TopN(t *testing.T) {
	cfg := TopicsConfig{}
	if err := cfg.Validate(); err == nil {
		t.Error("zero top_n should fail validation")
	}
}
