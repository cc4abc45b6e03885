package internal

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testOptions(t *testing.T, files map[string]string) ([]Option, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	cfg := NewDefaultConfig()
	cfg.Corpus.Path = filepath.Join(dir, "corpus")
	cfg.SQLite.Path = filepath.Join(dir, "concord.db")

	for name, content := range files {
		p := filepath.Join(cfg.Corpus.Path, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	out := &bytes.Buffer{}
	return []Option{
		WithConfig(cfg),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithOutput(out),
	}, out
}

func TestConvert_CleanCorpus(t *testing.T) {
	opts, out := testOptions(t, map[string]string{
		"a.lml": "= A\n\nSee <B>.\n",
		"b.lml": "= B\n",
	})
	if err := Convert(context.Background(), opts...); err != nil {
		t.Fatalf("convert: %v\n%s", err, out)
	}
	if !strings.HasPrefix(out.String(), "converted 2, unchanged 0, failed 0") {
		t.Errorf("report = %q", out.String())
	}

	out.Reset()
	if err := Convert(context.Background(), opts...); err != nil {
		t.Fatalf("second convert: %v", err)
	}
	if !strings.HasPrefix(out.String(), "converted 0, unchanged 0") {
		t.Errorf("unchanged files should be skipped: %q", out.String())
	}

	out.Reset()
	if err := Check(context.Background(), opts...); err != nil {
		t.Fatalf("check: %v\n%s", err, out)
	}
	if out.String() != "ok\n" {
		t.Errorf("check output = %q", out.String())
	}
}

func TestConvert_ReportsProblems(t *testing.T) {
	opts, out := testOptions(t, map[string]string{
		"bad.lml": "= Bad\n\nsee <dog\n",
		"x.lml":   "= X\n\n== Shared\n",
		"y.lml":   "= Y\n\n== Shared\n\nSee <Nowhere>.\n",
	})
	err := Convert(context.Background(), opts...)
	if !errors.Is(err, ErrInconsistent) {
		t.Fatalf("err = %v, want ErrInconsistent", err)
	}
	text := out.String()
	for _, want := range []string{"bad.lml:3:", `duplicate identifier "shared"`, `unresolved cross-link "nowhere"`} {
		if !strings.Contains(text, want) {
			t.Errorf("output lacks %q:\n%s", want, text)
		}
	}

	out.Reset()
	if err := Check(context.Background(), opts...); !errors.Is(err, ErrInconsistent) {
		t.Errorf("check err = %v", err)
	}
}

func TestRerenderAndTopics(t *testing.T) {
	opts, out := testOptions(t, map[string]string{"a.lml": "= A\n"})
	if err := Convert(context.Background(), opts...); err != nil {
		t.Fatal(err)
	}

	out.Reset()
	if err := Rerender(context.Background(), opts...); err != nil {
		t.Fatal(err)
	}
	if out.String() != "rendered 0\n" {
		t.Errorf("nothing should be outdated after convert: %q", out.String())
	}

	out.Reset()
	if err := RecomputeTopics(context.Background(), opts...); err != nil {
		t.Fatal(err)
	}
	if out.String() != "topics recomputed\n" {
		t.Errorf("topics output = %q", out.String())
	}
}

func TestCommands_RequireConfig(t *testing.T) {
	if err := Check(context.Background()); err == nil {
		t.Error("expected error without config")
	}
}
