// Package elevenlabs implements synth.Adapter against the ElevenLabs HTTP
// text-to-speech API.
//
// Synthesis is one POST per block; the response body is raw PCM in the
// configured output format, which lets the adapter compute playback duration
// without decoding a container. Voice parameters "stability" and
// "similarity_boost" map onto the ElevenLabs voice_settings object.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/readwell/chorus/pkg/synth"
)

// Compile-time interface assertion.
var _ synth.Adapter = (*Adapter)(nil)

const (
	defaultBaseURL = "https://api.elevenlabs.io"
	defaultModel   = "eleven_flash_v2_5"
	defaultTimeout = 60 * time.Second

	// defaultOutputFmt is raw 16-bit mono PCM at 16 kHz. Keeping PCM here is
	// what makes duration computable from the byte count.
	defaultOutputFmt  = "pcm_16000"
	defaultSampleRate = 16000
)

// Option is a functional option for configuring the ElevenLabs Adapter.
type Option func(*Adapter)

// WithModel sets the ElevenLabs model ID (e.g. "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(a *Adapter) { a.model = model }
}

// WithBaseURL overrides the API base URL. Primarily used in tests to point
// at a local mock server.
func WithBaseURL(baseURL string) Option {
	return func(a *Adapter) { a.baseURL = strings.TrimRight(baseURL, "/") }
}

// WithOutputFormat sets the audio output format and its sample rate (e.g.
// "pcm_24000", 24000). The sample rate is used for duration computation and
// must match the format.
func WithOutputFormat(format string, sampleRate int) Option {
	return func(a *Adapter) {
		a.outputFormat = format
		a.sampleRate = sampleRate
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 60s.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.httpClient.Timeout = d }
}

// Adapter implements synth.Adapter backed by the ElevenLabs API. It is safe
// for concurrent use.
type Adapter struct {
	apiKey       string
	baseURL      string
	model        string
	outputFormat string
	sampleRate   int
	httpClient   *http.Client
}

// New creates an ElevenLabs Adapter. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Adapter, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	a := &Adapter{
		apiKey:       apiKey,
		baseURL:      defaultBaseURL,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		sampleRate:   defaultSampleRate,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// ttsRequest is the JSON body sent to POST /v1/text-to-speech/{voice_id}.
type ttsRequest struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// Synthesize renders req.Text with the given voice and returns the PCM
// artifact. A 401 or 422 response is fatal; rate limits and server errors
// are transient.
func (a *Adapter) Synthesize(ctx context.Context, req synth.Request) (*synth.Audio, error) {
	if req.Text == "" {
		return nil, synth.Fatal(errors.New("elevenlabs: empty text"))
	}
	if req.VoiceID == "" {
		return nil, synth.Fatal(errors.New("elevenlabs: voice ID must not be empty"))
	}

	body := ttsRequest{
		Text:          req.Text,
		ModelID:       a.model,
		VoiceSettings: settingsFromParams(req.VoiceParams),
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: marshal tts request: %w", err)
	}

	reqURL := a.baseURL + "/v1/text-to-speech/" + req.VoiceID + "?output_format=" + a.outputFormat
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: create tts request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("xi-api-key", a.apiKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: POST text-to-speech: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode)
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: read audio response: %w", err)
	}
	if len(pcm) == 0 {
		return nil, errors.New("elevenlabs: empty audio response")
	}

	return &synth.Audio{
		Data:       pcm,
		DurationMS: int64(len(pcm)) * 1000 / int64(a.sampleRate*2),
	}, nil
}

// Health lists voices as a cheap authenticated probe.
func (a *Adapter) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/voices", nil)
	if err != nil {
		return fmt.Errorf("elevenlabs: create health request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", a.apiKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("elevenlabs: GET voices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("elevenlabs: GET voices returned status %d", resp.StatusCode)
	}
	return nil
}

// settingsFromParams maps generic voice parameters onto voice_settings.
// Returns nil when neither supported key is present so the API applies the
// voice's stored defaults.
func settingsFromParams(params map[string]float64) *voiceSettings {
	stability, hasStability := params["stability"]
	boost, hasBoost := params["similarity_boost"]
	if !hasStability && !hasBoost {
		return nil
	}
	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	if hasStability {
		vs.Stability = stability
	}
	if hasBoost {
		vs.SimilarityBoost = boost
	}
	return vs
}

// classifyStatus converts a non-200 response into an error. Bad credentials
// and unprocessable input are fatal; everything else is worth a retry.
func classifyStatus(status int) error {
	err := errors.New("elevenlabs: text-to-speech returned status " + strconv.Itoa(status))
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusUnprocessableEntity, http.StatusBadRequest:
		return synth.Fatal(err)
	default:
		return err
	}
}
