package stt_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voicemode/voicemode/pkg/audio"
	"github.com/voicemode/voicemode/pkg/provider"
	"github.com/voicemode/voicemode/pkg/provider/stt"
)

func endpointFor(t *testing.T, srv *httptest.Server) *provider.Endpoint {
	t.Helper()
	ep, err := provider.NewEndpoint(provider.RoleSTT, srv.URL+"/v1", 0)
	if err != nil {
		t.Fatalf("NewEndpoint: unexpected error: %v", err)
	}
	return ep
}

func wavRequest(t *testing.T) stt.Request {
	t.Helper()
	pcm := make([]byte, 3200)
	return stt.Request{
		Audio: audio.AudioBytes{
			Format:     audio.FormatWAV,
			SampleRate: 16000,
			Channels:   1,
			Data:       audio.EncodeWAV(pcm, 16000, 1),
		},
	}
}

func TestTranscribe(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			t.Errorf("path: got %q", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
		}
		if got := r.FormValue("model"); got != "whisper-1" {
			t.Errorf("model field: got %q, want default whisper-1", got)
		}
		if got := r.FormValue("response_format"); got != "json" {
			t.Errorf("response_format: got %q", got)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
		} else {
			defer f.Close()
			if hdr.Filename != "audio.wav" {
				t.Errorf("filename: got %q", hdr.Filename)
			}
			if _, err := io.ReadAll(f); err != nil {
				t.Errorf("reading file part: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text": "  hello world  "}`))
	}))
	defer srv.Close()

	c := stt.NewClient(0)
	text, err := c.Transcribe(context.Background(), endpointFor(t, srv), wavRequest(t))
	if err != nil {
		t.Fatalf("Transcribe: unexpected error: %v", err)
	}
	if text != "hello world" {
		t.Fatalf("Transcribe: got %q, want trimmed %q", text, "hello world")
	}
}

func TestTranscribeSendsLanguageAndModel(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseMultipartForm(1 << 20)
		if got := r.FormValue("model"); got != "large-v3" {
			t.Errorf("model: got %q", got)
		}
		if got := r.FormValue("language"); got != "de" {
			t.Errorf("language: got %q", got)
		}
		w.Write([]byte(`{"text": "hallo"}`))
	}))
	defer srv.Close()

	req := wavRequest(t)
	req.Model = "large-v3"
	req.Language = "de"

	c := stt.NewClient(0)
	if _, err := c.Transcribe(context.Background(), endpointFor(t, srv), req); err != nil {
		t.Fatalf("Transcribe: unexpected error: %v", err)
	}
}

func TestTranscribeHTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := stt.NewClient(0)
	_, err := c.Transcribe(context.Background(), endpointFor(t, srv), wavRequest(t))

	var pe *provider.Error
	if !errors.As(err, &pe) {
		t.Fatalf("Transcribe: expected *provider.Error, got %v", err)
	}
	if pe.Kind != provider.KindHTTPStatus {
		t.Fatalf("Kind: got %q, want http_status", pe.Kind)
	}
}

func TestTranscribeBadJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := stt.NewClient(0)
	_, err := c.Transcribe(context.Background(), endpointFor(t, srv), wavRequest(t))

	var pe *provider.Error
	if !errors.As(err, &pe) || pe.Kind != provider.KindDecode {
		t.Fatalf("Transcribe: expected decode error, got %v", err)
	}
}

func TestTranscribeConnectionRefused(t *testing.T) {
	t.Parallel()

	ep, err := provider.NewEndpoint(provider.RoleSTT, "http://127.0.0.1:1/v1", 0)
	if err != nil {
		t.Fatalf("NewEndpoint: unexpected error: %v", err)
	}

	c := stt.NewClient(0)
	_, err = c.Transcribe(context.Background(), ep, wavRequest(t))

	var pe *provider.Error
	if !errors.As(err, &pe) {
		t.Fatalf("Transcribe: expected *provider.Error, got %v", err)
	}
	if pe.Kind != provider.KindConnect && pe.Kind != provider.KindOther {
		t.Fatalf("Kind: got %q, want connect", pe.Kind)
	}
}
