// Package coqui implements synth.Adapter against a locally running Coqui TTS
// server via its REST API.
//
// Two API modes are supported:
//
//   - APIModeStandard (default): targets the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu). Synthesis is performed via GET /api/tts
//     with URL query parameters; health is probed via GET /details.
//
//   - APIModeXTTS: targets the Coqui XTTS v2 API server. Synthesis is
//     performed via POST /tts_to_audio/ with a JSON body; health is probed
//     via GET /studio_speakers.
//
// The server returns a RIFF/WAVE artifact which is passed through untouched;
// playback duration is computed from the WAV format header.
package coqui

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/readwell/chorus/pkg/synth"
)

// Compile-time interface assertion.
var _ synth.Adapter = (*Adapter)(nil)

const (
	defaultLanguage = "en"
	defaultTimeout  = 60 * time.Second

	ttsEndpoint            = "/tts_to_audio/"
	studioSpeakersEndpoint = "/studio_speakers"
	apiTTSEndpoint         = "/api/tts"
	detailsEndpoint        = "/details"
)

// APIMode selects which Coqui server API the adapter targets.
type APIMode string

const (
	// APIModeXTTS targets the Coqui XTTS v2 API server (/tts_to_audio/).
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the standard Coqui TTS server (/api/tts).
	// This is the default mode.
	APIModeStandard APIMode = "standard"
)

// Option is a functional option for configuring a Coqui Adapter.
type Option func(*Adapter)

// WithLanguage sets the BCP-47 language code sent to the TTS server (e.g.
// "en", "de", "fr"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(a *Adapter) { a.language = lang }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 60s; synthesis
// of long blocks on CPU servers can be slow.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.httpClient.Timeout = d }
}

// WithAPIMode sets the server API mode. Use APIModeStandard (default) for
// the standard Coqui TTS Docker image or APIModeXTTS for the XTTS v2 API
// server.
func WithAPIMode(mode APIMode) Option {
	return func(a *Adapter) { a.apiMode = mode }
}

// Adapter implements synth.Adapter backed by a Coqui TTS server. It is safe
// for concurrent use.
type Adapter struct {
	serverURL  string
	language   string
	apiMode    APIMode
	httpClient *http.Client
}

// New creates a Coqui Adapter targeting the server at serverURL (e.g.
// "http://localhost:5002"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Adapter, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	a := &Adapter{
		serverURL: strings.TrimRight(serverURL, "/"),
		language:  defaultLanguage,
		apiMode:   APIModeStandard,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// ttsRequest is the JSON body sent to POST /tts_to_audio/ (XTTS mode).
type ttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// Synthesize renders req.Text through the Coqui server and returns the WAV
// artifact. 4xx responses are reported as fatal: the input or voice is
// wrong and retrying cannot fix it.
func (a *Adapter) Synthesize(ctx context.Context, req synth.Request) (*synth.Audio, error) {
	if req.Text == "" {
		return nil, synth.Fatal(errors.New("coqui: empty text"))
	}
	if a.apiMode == APIModeXTTS && req.VoiceID == "" {
		return nil, synth.Fatal(errors.New("coqui: voice ID required in XTTS mode"))
	}

	var (
		wav []byte
		err error
	)
	if a.apiMode == APIModeStandard {
		wav, err = a.synthesizeStandard(ctx, req)
	} else {
		wav, err = a.synthesizeXTTS(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	info, err := parseWAV(wav)
	if err != nil {
		return nil, err
	}
	return &synth.Audio{
		Data:       wav,
		DurationMS: info.durationMS(len(wav)),
	}, nil
}

// Health probes the server's catalogue endpoint for the configured API mode.
func (a *Adapter) Health(ctx context.Context) error {
	endpoint := detailsEndpoint
	if a.apiMode == APIModeXTTS {
		endpoint = studioSpeakersEndpoint
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.serverURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("coqui: create health request: %w", err)
	}
	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("coqui: GET %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coqui: GET %s returned status %d", endpoint, resp.StatusCode)
	}
	return nil
}

// synthesizeXTTS performs a single POST /tts_to_audio/ call (XTTS v2 mode).
func (a *Adapter) synthesizeXTTS(ctx context.Context, req synth.Request) ([]byte, error) {
	body := ttsRequest{
		Text:       req.Text,
		SpeakerWav: req.VoiceID,
		Language:   a.language,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("coqui: marshal tts request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.serverURL+ttsEndpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/wav")

	return a.do(httpReq, ttsEndpoint)
}

// synthesizeStandard performs a single GET /api/tts request (standard server
// mode) using URL query parameters.
func (a *Adapter) synthesizeStandard(ctx context.Context, req synth.Request) ([]byte, error) {
	params := url.Values{}
	params.Set("text", req.Text)
	if req.VoiceID != "" {
		params.Set("speaker_id", req.VoiceID)
	}
	if a.language != "" {
		params.Set("language_id", a.language)
	}

	reqURL := a.serverURL + apiTTSEndpoint + "?" + params.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	httpReq.Header.Set("Accept", "audio/wav")

	return a.do(httpReq, apiTTSEndpoint)
}

// do executes one synthesis request and classifies the response. Client
// errors are fatal, server errors transient.
func (a *Adapter) do(httpReq *http.Request, endpoint string) ([]byte, error) {
	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: %w", httpReq.Method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("coqui: %s %s returned status %d", httpReq.Method, endpoint, resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, synth.Fatal(err)
		}
		return nil, err
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read WAV response: %w", err)
	}
	return wav, nil
}

// wavInfo holds the format metadata extracted from a RIFF/WAVE header.
type wavInfo struct {
	dataOffset int // byte offset of the first PCM sample
	dataSize   int // size of the data chunk in bytes
	sampleRate int
	channels   int
}

// durationMS computes playback duration from the PCM payload size, assuming
// 16-bit samples. totalLen bounds the data chunk when its declared size
// overruns the artifact.
func (w wavInfo) durationMS(totalLen int) int64 {
	size := w.dataSize
	if size <= 0 || w.dataOffset+size > totalLen {
		size = totalLen - w.dataOffset
	}
	bytesPerSec := w.sampleRate * w.channels * 2
	if bytesPerSec == 0 {
		return 0
	}
	return int64(size) * 1000 / int64(bytesPerSec)
}

// parseWAV scans the RIFF/WAVE container and returns the data offset and
// audio format from the "fmt " sub-chunk. Walking the chunks is more robust
// than hardcoding a 44-byte offset because the fmt chunk size may vary.
func parseWAV(wav []byte) (wavInfo, error) {
	if len(wav) < 12 {
		return wavInfo{}, errors.New("coqui: WAV response too short to be a valid RIFF file")
	}
	if string(wav[0:4]) != "RIFF" {
		return wavInfo{}, errors.New("coqui: WAV response missing RIFF header")
	}
	if string(wav[8:12]) != "WAVE" {
		return wavInfo{}, errors.New("coqui: WAV response missing WAVE identifier")
	}

	var info wavInfo
	foundFmt := false

	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(wav) {
				fmtData := wav[offset+8:]
				info.channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
				info.sampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
				foundFmt = true
			}
		case "data":
			info.dataOffset = offset + 8
			info.dataSize = chunkSize
			if !foundFmt {
				// fmt should appear before data, but be tolerant.
				info.sampleRate = 22050
				info.channels = 1
			}
			return info, nil
		}

		// Chunks are word-aligned: pad by 1 if the size is odd.
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return wavInfo{}, errors.New("coqui: WAV response missing data chunk")
}
