package stt

import (
	"encoding/binary"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const FormatPCM = "pcm_s16le"

// AudioSegment is one speaker's captured audio. It is exclusively owned by
// whoever holds it and must be released once consumed.
type AudioSegment struct {
	SpeakerID  string
	Format     string
	SampleRate int
	Channels   int

	mu       sync.Mutex
	data     []byte
	released bool
}

func NewAudioSegment(speakerID string, data []byte, format string, sampleRate, channels int) *AudioSegment {
	return &AudioSegment{
		SpeakerID:  speakerID,
		Format:     format,
		SampleRate: sampleRate,
		Channels:   channels,
		data:       data,
	}
}

func (s *AudioSegment) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

func (s *AudioSegment) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

func (s *AudioSegment) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = nil
	s.released = true
}

func (s *AudioSegment) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Clip is a segment materialised on disk in a form recognizers accept.
type Clip struct {
	Path       string
	Format     string
	SampleRate int
	Channels   int
}

func (c *Clip) ReadAll() ([]byte, error) {
	return os.ReadFile(c.Path)
}

// writeClip writes the segment to a temporary file. Raw PCM is framed as WAV;
// container formats are written as is.
func writeClip(seg *AudioSegment) (*Clip, func(), error) {
	data := seg.Bytes()
	if len(data) == 0 {
		return nil, func() {}, errEmptySegment
	}
	format := strings.ToLower(seg.Format)
	if format == "" {
		format = FormatPCM
	}
	ext := format
	if format == FormatPCM {
		ext = "wav"
	}

	file, err := os.CreateTemp("", "voicebridge_stt_*."+ext)
	if err != nil {
		return nil, func() {}, fmt.Errorf("temp file: %w", err)
	}
	cleanup := func() { _ = os.Remove(file.Name()) }
	defer file.Close()

	if format == FormatPCM {
		err = writePCMToWav(file, data, seg.SampleRate, seg.Channels)
	} else {
		_, err = file.Write(data)
	}
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	clip := &Clip{Path: file.Name(), Format: format, SampleRate: seg.SampleRate, Channels: seg.Channels}
	if format == FormatPCM {
		clip.Format = "wav"
	}
	return clip, cleanup, nil
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	if sampleRate <= 0 || channels <= 0 {
		return fmt.Errorf("invalid pcm format: rate=%d channels=%d", sampleRate, channels)
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}, SourceBitDepth: 16}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
