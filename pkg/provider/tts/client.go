// Package tts requests synthesized speech from OpenAI-compatible
// text-to-speech endpoints and drives playback through the player.
//
// The HTTP surface is POST <base>/audio/speech with a JSON body
// {model, input, voice, response_format, speed}; the response is raw audio
// bytes with an audio/* content type. Local servers (kokoro and friends)
// and hosted OpenAI endpoints both speak it, with the voice remap in
// voices.go papering over the differing voice catalogues.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/voicemode/voicemode/pkg/audio"
	"github.com/voicemode/voicemode/pkg/provider"
)

const (
	defaultTimeout = 30 * time.Second

	// pcmSampleRate is the sample rate of response_format=pcm audio from
	// OpenAI-compatible servers.
	pcmSampleRate = 24000

	// streamChunkSize is the read size for streamed response bodies.
	streamChunkSize = 4096
)

// Request is one synthesis call.
type Request struct {
	// Text is the message to speak. Must be non-empty after trimming.
	Text string

	// Voice is the requested voice name. May be remapped per endpoint.
	Voice string

	// Model is the requested model. May be remapped per endpoint.
	Model string

	// ResponseFormat is pcm, wav, mp3, or opus.
	ResponseFormat audio.Format

	// Speed scales playback rate; valid range [0.25, 4.0]. Zero means 1.0.
	Speed float64

	// Instructions are optional style hints for instruction-following models.
	Instructions string
}

// Validate checks the request constraints.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return fmt.Errorf("tts: text is empty")
	}
	if r.Speed != 0 && (r.Speed < 0.25 || r.Speed > 4.0) {
		return fmt.Errorf("tts: speed %.2f out of range [0.25, 4.0]", r.Speed)
	}
	if r.ResponseFormat != "" && !r.ResponseFormat.IsValid() {
		return fmt.Errorf("tts: unknown response format %q", r.ResponseFormat)
	}
	return nil
}

// wireRequest is the JSON body sent to the endpoint.
type wireRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format"`
	Speed          float64 `json:"speed,omitempty"`
	Instructions   string  `json:"instructions,omitempty"`
}

// Client calls the speech endpoint of a single provider URL. Safe for
// concurrent use.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a Client with the given per-request timeout. A zero
// timeout selects the 30 s default.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

// post issues the synthesis request and returns the open response body. The
// caller owns the body.
func (c *Client) post(ctx context.Context, ep *provider.Endpoint, req Request) (*http.Response, error) {
	voice, model := MapVoice(ep, req.Voice, req.Model)
	format := req.ResponseFormat
	if format == "" {
		format = audio.FormatPCM
	}

	body, err := json.Marshal(wireRequest{
		Model:          model,
		Input:          req.Text,
		Voice:          voice,
		ResponseFormat: string(format),
		Speed:          req.Speed,
		Instructions:   req.Instructions,
	})
	if err != nil {
		return nil, provider.NewError(provider.KindOther, "marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, provider.NewError(provider.KindOther, "create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &provider.Error{Kind: provider.KindOf(err), Endpoint: ep.ID, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &provider.Error{
			Kind:     provider.KindHTTPStatus,
			Endpoint: ep.ID,
			Message:  fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))),
		}
	}
	return resp, nil
}

// Synthesize downloads the full response body and tags it with the format the
// server declared (falling back to the requested format).
func (c *Client) Synthesize(ctx context.Context, ep *provider.Endpoint, req Request) (audio.AudioBytes, error) {
	resp, err := c.post(ctx, ep, req)
	if err != nil {
		return audio.AudioBytes{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return audio.AudioBytes{}, &provider.Error{Kind: provider.KindConnect, Endpoint: ep.ID, Message: "read response body", Err: err}
	}

	format := audio.FormatFromContentType(resp.Header.Get("Content-Type"))
	if format == audio.FormatPCM && req.ResponseFormat != "" {
		format = req.ResponseFormat
	}
	return audio.AudioBytes{
		Format:     format,
		SampleRate: pcmSampleRate,
		Channels:   1,
		Data:       data,
	}, nil
}

// Stream is an open streaming synthesis response. Chunks() yields raw PCM as
// it arrives; Err() is valid after the channel closes.
type Stream struct {
	chunks chan []byte
	err    error
	cancel context.CancelFunc
}

// Chunks returns the chunk channel. It closes when the body ends, errors, or
// the stream is closed.
func (s *Stream) Chunks() <-chan []byte { return s.chunks }

// Err returns the terminal read error, if any. Valid once Chunks is closed.
func (s *Stream) Err() error { return s.err }

// Close abandons the stream. Safe to call at any time.
func (s *Stream) Close() { s.cancel() }

// SynthesizeStream opens a streaming synthesis call. The request format is
// forced to pcm so chunks can be queued for playback without a container
// decode. A non-nil return means the response headers arrived successfully;
// body errors surface via [Stream.Err].
func (c *Client) SynthesizeStream(ctx context.Context, ep *provider.Endpoint, req Request) (*Stream, error) {
	req.ResponseFormat = audio.FormatPCM

	streamCtx, cancel := context.WithCancel(ctx)
	resp, err := c.post(streamCtx, ep, req)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &Stream{chunks: make(chan []byte, 16), cancel: cancel}
	go func() {
		defer close(s.chunks)
		defer resp.Body.Close()
		for {
			buf := make([]byte, streamChunkSize)
			n, err := resp.Body.Read(buf)
			if n > 0 {
				select {
				case s.chunks <- buf[:n]:
				case <-streamCtx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF && streamCtx.Err() == nil {
					s.err = err
				}
				return
			}
		}
	}()
	return s, nil
}
