package setup

import (
	"strings"
	"testing"

	"github.com/livecaption/captionrelay-go/internal/config"
)

func TestApplyCopiesAnswers(t *testing.T) {
	cfg := config.DefaultConfig()
	a := answers{
		rtmpURL:    "  rtmp://cdn.example.com/live ",
		asrURL:     "wss://asr.example.com/asr",
		host:       "127.0.0.1",
		port:       "9443",
		sampleRate: 48000,
		bitrate:    "64k",
	}

	if err := apply(cfg, a); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if cfg.Ingest.RTMPURL != "rtmp://cdn.example.com/live" {
		t.Errorf("RTMPURL = %q (whitespace not trimmed?)", cfg.Ingest.RTMPURL)
	}
	if cfg.ASR.URL != "wss://asr.example.com/asr" {
		t.Errorf("ASR.URL = %q", cfg.ASR.URL)
	}
	if cfg.Server.Port != 9443 {
		t.Errorf("Port = %d, want 9443", cfg.Server.Port)
	}
	if cfg.Ingest.SampleRate != 48000 {
		t.Errorf("SampleRate = %d, want 48000", cfg.Ingest.SampleRate)
	}
	// Untouched settings keep their defaults.
	if cfg.Ingest.ChunkMS != 500 {
		t.Errorf("ChunkMS = %d, want default 500", cfg.Ingest.ChunkMS)
	}
}

func TestApplyRejectsInvalidResults(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*answers)
		wantErr string
	}{
		{
			name:    "non-numeric port",
			mutate:  func(a *answers) { a.port = "abc" },
			wantErr: "invalid port",
		},
		{
			name:    "empty rtmp url",
			mutate:  func(a *answers) { a.rtmpURL = "" },
			wantErr: "rtmp_url",
		},
		{
			name:    "empty asr url",
			mutate:  func(a *answers) { a.asrURL = " " },
			wantErr: "url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := answers{
				rtmpURL:    "rtmp://localhost/live",
				asrURL:     "ws://localhost/asr",
				host:       "0.0.0.0",
				port:       "9000",
				sampleRate: 16000,
				bitrate:    "32k",
			}
			tt.mutate(&a)
			err := apply(config.DefaultConfig(), a)
			if err == nil {
				t.Fatal("apply: want error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("apply error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePort(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"9000", false},
		{" 443 ", false},
		{"0", true},
		{"65536", true},
		{"http", true},
		{"", true},
	}
	for _, tt := range tests {
		err := validatePort(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("validatePort(%q) = %v, wantErr=%v", tt.in, err, tt.wantErr)
		}
	}
}
