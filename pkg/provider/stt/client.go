// Package stt submits recorded audio to OpenAI-compatible speech-to-text
// endpoints and prepares capture audio for the wire.
//
// The HTTP surface is the whisper-style multipart form: POST
// <base>/audio/transcriptions with the audio file plus model/language hints,
// answering {"text": ...}. Both local whisper servers and hosted OpenAI
// deployments speak it, which is what lets the failover layer treat them
// interchangeably.
package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/voicemode/voicemode/pkg/audio"
	"github.com/voicemode/voicemode/pkg/provider"
)

const (
	defaultModel   = "whisper-1"
	defaultTimeout = 30 * time.Second
)

// Request is one transcription call: encoded audio plus recognition hints.
type Request struct {
	// Audio carries the encoded payload; Format must be wav or mp3.
	Audio audio.AudioBytes

	// Model is the provider model identifier. Empty selects whisper-1.
	Model string

	// Language is an optional BCP-47 hint.
	Language string
}

// Client calls the transcription endpoint of a single provider URL. It is
// safe for concurrent use.
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

// Transcribe POSTs the request to ep and returns the recognised text.
// Failures come back as classified [*provider.Error] values so the failover
// layer can decide whether to move on.
func (c *Client) Transcribe(ctx context.Context, ep *provider.Endpoint, req Request) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	filename := "audio." + string(req.Audio.Format)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", provider.NewError(provider.KindOther, "create form file", err)
	}
	if _, err := fw.Write(req.Audio.Data); err != nil {
		return "", provider.NewError(provider.KindOther, "write audio form part", err)
	}

	model := req.Model
	if model == "" {
		model = defaultModel
	}
	if err := mw.WriteField("model", model); err != nil {
		return "", provider.NewError(provider.KindOther, "write model field", err)
	}
	if req.Language != "" {
		if err := mw.WriteField("language", req.Language); err != nil {
			return "", provider.NewError(provider.KindOther, "write language field", err)
		}
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", provider.NewError(provider.KindOther, "write response_format field", err)
	}
	if err := mw.Close(); err != nil {
		return "", provider.NewError(provider.KindOther, "close multipart writer", err)
	}

	endpoint := ep.URL + "/audio/transcriptions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", provider.NewError(provider.KindOther, "create request", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &provider.Error{Kind: provider.KindOf(err), Endpoint: ep.ID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &provider.Error{
			Kind:     provider.KindHTTPStatus,
			Endpoint: ep.ID,
			Message:  fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &provider.Error{Kind: provider.KindConnect, Endpoint: ep.ID, Message: "read response body", Err: err}
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", &provider.Error{Kind: provider.KindDecode, Endpoint: ep.ID, Message: "parse JSON response", Err: err}
	}
	return strings.TrimSpace(result.Text), nil
}
