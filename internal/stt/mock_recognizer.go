package stt

import (
	"context"
	"fmt"
	"sync/atomic"
)

// MockRecognizer answers from Respond, or with a length marker when Respond
// is nil.
type MockRecognizer struct {
	Respond func(ctx context.Context, clip *Clip) (TranscriptResult, error)
	calls   atomic.Int32
}

func NewMockRecognizer() *MockRecognizer {
	return &MockRecognizer{}
}

func StaticRecognizer(text string) *MockRecognizer {
	return &MockRecognizer{Respond: func(context.Context, *Clip) (TranscriptResult, error) {
		return TranscriptResult{Text: text, Confidence: 1}, nil
	}}
}

func FailingRecognizer(err error) *MockRecognizer {
	return &MockRecognizer{Respond: func(context.Context, *Clip) (TranscriptResult, error) {
		return TranscriptResult{}, err
	}}
}

func (m *MockRecognizer) Calls() int { return int(m.calls.Load()) }

func (m *MockRecognizer) Transcribe(ctx context.Context, clip *Clip) (TranscriptResult, error) {
	m.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}
	if m.Respond != nil {
		return m.Respond(ctx, clip)
	}
	data, err := clip.ReadAll()
	if err != nil {
		return TranscriptResult{}, err
	}
	return TranscriptResult{Text: fmt.Sprintf("[transcript length=%d]", len(data))}, nil
}
