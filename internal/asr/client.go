// Package asr is the HTTP client for the speech recognition collaborator.
// The service accepts a mono 16 kHz WAV body and returns the transcription
// together with the detected language.
package asr

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"
)

// Recognizer is the interface the pipeline consumes. The HTTP client is the
// production implementation; tests substitute fakes.
type Recognizer interface {
	// Transcribe returns the recognized text and the detected short language
	// tag. The tag may be empty when the service could not determine one.
	Transcribe(ctx context.Context, pcm []float32) (text, lang string, err error)
}

type Client struct {
	BaseURL string
	HTTP    *http.Client

	// Device and ComputeType are forwarded to the service untouched; the
	// collaborator decides what they mean.
	Device      string
	ComputeType string
}

func New(baseURL, device, computeType string) *Client {
	return &Client{
		BaseURL:     baseURL,
		HTTP:        &http.Client{Timeout: 120 * time.Second},
		Device:      device,
		ComputeType: computeType,
	}
}

type detectResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

// Minimal WAV (PCM16 mono) wrapper around float32 samples.
func pcmToWav(pcm []float32, sampleRate int) []byte {
	dataBytes := len(pcm) * 2
	var b bytes.Buffer

	// RIFF header
	b.WriteString("RIFF")
	_ = binary.Write(&b, binary.LittleEndian, uint32(36+dataBytes))
	b.WriteString("WAVE")

	// fmt chunk
	b.WriteString("fmt ")
	_ = binary.Write(&b, binary.LittleEndian, uint32(16))           // PCM
	_ = binary.Write(&b, binary.LittleEndian, uint16(1))            // audio format = PCM
	_ = binary.Write(&b, binary.LittleEndian, uint16(1))            // channels
	_ = binary.Write(&b, binary.LittleEndian, uint32(sampleRate))   // sample rate
	_ = binary.Write(&b, binary.LittleEndian, uint32(sampleRate*2)) // byte rate
	_ = binary.Write(&b, binary.LittleEndian, uint16(2))            // block align
	_ = binary.Write(&b, binary.LittleEndian, uint16(16))           // bits per sample

	// data chunk
	b.WriteString("data")
	_ = binary.Write(&b, binary.LittleEndian, uint32(dataBytes))

	for _, s := range pcm {
		f := math.Round(float64(s) * 32767)
		if f > math.MaxInt16 {
			f = math.MaxInt16
		} else if f < math.MinInt16 {
			f = math.MinInt16
		}
		_ = binary.Write(&b, binary.LittleEndian, int16(f))
	}
	return b.Bytes()
}

// Transcribe posts the utterance to the /detect-language endpoint.
func (c *Client) Transcribe(ctx context.Context, pcm []float32) (string, string, error) {
	wav := pcmToWav(pcm, 16000)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/detect-language", bytes.NewReader(wav))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "audio/wav")
	if c.Device != "" {
		req.Header.Set("x-device", c.Device)
	}
	if c.ComputeType != "" {
		req.Header.Set("x-compute-type", c.ComputeType)
	}

	res, err := c.HTTP.Do(req)
	if err != nil {
		return "", "", err
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		body, _ := io.ReadAll(res.Body)
		return "", "", fmt.Errorf("asr status %s: %s", res.Status, string(body))
	}

	var r detectResponse
	if err := json.NewDecoder(res.Body).Decode(&r); err != nil {
		return "", "", err
	}
	return r.Text, r.Language, nil
}
