package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/lumina/internal/config"
	"github.com/MrWong99/lumina/internal/credentials"
	"github.com/MrWong99/lumina/internal/generate"
	"github.com/MrWong99/lumina/internal/session"
	"github.com/MrWong99/lumina/pkg/audio"
	audiomock "github.com/MrWong99/lumina/pkg/audio/mock"
	livemock "github.com/MrWong99/lumina/pkg/provider/live/mock"
)

func TestRenderStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   session.Status
		want string
	}{
		{session.Status{State: session.Disconnected}, "[disconnected]"},
		{session.Status{State: session.Connected, Muted: true, AISpeaking: true}, "[connected] muted speaking"},
		{session.Status{State: session.Error, Err: "Quota exceeded; try again later"}, "[error] error: Quota exceeded; try again later"},
	}
	for _, tt := range tests {
		if got := renderStatus(tt.in); got != tt.want {
			t.Errorf("renderStatus(%+v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConsole_StatusSkipsVolumeOnlyChanges(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	c := newConsole(&out)
	c.status(session.Status{State: session.Connected, Volume: 0.1})
	c.status(session.Status{State: session.Connected, Volume: 0.7})
	c.status(session.Status{State: session.Connected, Volume: 0.7, Muted: true})

	if got := strings.Count(out.String(), "\n"); got != 2 {
		t.Errorf("printed %d lines, want 2:\n%s", got, out.String())
	}
}

func TestConsole_Loop(t *testing.T) {
	t.Parallel()
	prov := &livemock.Provider{}
	devs := &audiomock.Devices{
		MicrophoneResult: audiomock.NewMicrophone(audio.InputSampleRate),
		OutputResult:     &audiomock.Output{},
	}
	ctrl := session.New(prov, devs)
	t.Cleanup(func() { _ = ctrl.Close() })
	if err := ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	prov.Last().Open()

	creds := credentials.New(credentials.WithPath(filepath.Join(t.TempDir(), "k.json")))
	var out bytes.Buffer
	c := newConsole(&out)
	in := strings.NewReader("/mute\nhello there\n/quit\nnever sent\n")

	if err := c.loop(context.Background(), in, ctrl, creds); err != nil {
		t.Fatalf("loop: %v", err)
	}
	if !ctrl.Status().Muted {
		t.Error("not muted after /mute")
	}
	texts := prov.Last().SentTexts()
	if len(texts) != 1 || texts[0] != "hello there" {
		t.Errorf("sent texts = %q, want [hello there]", texts)
	}
}

func TestEmitMedia_WritesFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "out.png")
	if err := emitMedia(generate.DataURL("image/png", []byte("png-bytes")), path); err != nil {
		t.Fatalf("emitMedia: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "png-bytes" {
		t.Errorf("file = %q, %v", data, err)
	}
}

func TestMimeOf(t *testing.T) {
	t.Parallel()
	if got := mimeOf("photo.png", nil); got != "image/png" {
		t.Errorf("mimeOf(.png) = %q", got)
	}
	if got := mimeOf("noext", []byte("\x89PNG\r\n\x1a\n")); got != "image/png" {
		t.Errorf("mimeOf(sniffed) = %q", got)
	}
}

func TestReadinessChecks(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	creds := credentials.New(credentials.WithPath(filepath.Join(t.TempDir(), "k.json")))

	if got := len(readinessChecks(cfg, creds)); got != 3 {
		t.Errorf("ffmpeg backend: %d checks, want 3", got)
	}
	cfg.Audio.Backend = "silent"
	if got := len(readinessChecks(cfg, creds)); got != 1 {
		t.Errorf("silent backend: %d checks, want 1", got)
	}
}
