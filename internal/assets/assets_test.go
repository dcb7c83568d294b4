package assets

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAllAbsent(t *testing.T) {
	s, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	b := s.Current()
	if b.PreConnect != nil || b.FakeLogin != nil || b.Goodbye != nil {
		t.Errorf("absent files should yield nil banners, got %+v", b)
	}
}

func TestLoadPresentFiles(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, BannerFile), []byte("welcome"), 0644)
	os.WriteFile(filepath.Join(dir, GoodbyeFile), []byte(""), 0644)

	s, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	b := s.Current()
	if b.PreConnect == nil || *b.PreConnect != "welcome" {
		t.Errorf("PreConnect: got %v", b.PreConnect)
	}
	if b.FakeLogin != nil {
		t.Errorf("FakeLogin should be absent, got %q", *b.FakeLogin)
	}
	// An empty file is present, not absent.
	if b.Goodbye == nil || *b.Goodbye != "" {
		t.Errorf("Goodbye: got %v", b.Goodbye)
	}
}

func TestStatic(t *testing.T) {
	bye := "bye"
	s := Static(Banners{Goodbye: &bye})
	if got := s.Current().Goodbye; got == nil || *got != "bye" {
		t.Errorf("Static store returned %v", got)
	}
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Watch(ctx); err != nil {
		t.Fatalf("Watch() error: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, FakeLoginFile), []byte("login: "), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if fl := s.Current().FakeLogin; fl != nil && *fl == "login: " {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("fake login banner was not reloaded")
}

func TestIsBannerFile(t *testing.T) {
	for _, name := range []string{"/x/banner.txt", "fakelogin.txt", "cfg/goodbye.txt"} {
		if !isBannerFile(name) {
			t.Errorf("%s should be a banner file", name)
		}
	}
	for _, name := range []string{"frames.json", "id_ed25519", "banner.txt.swp"} {
		if isBannerFile(name) {
			t.Errorf("%s should not be a banner file", name)
		}
	}
}
