// Package conversion re-voices synthesized speech with a trained model.
package conversion

import (
	"context"
	"errors"

	"github.com/loqalabs/voicebridge/internal/config"
)

var (
	// ErrNotImplemented is returned by backends that exist only as a slot in
	// the fallback order.
	ErrNotImplemented = errors.New("conversion: backend not implemented")
	ErrFailed         = errors.New("conversion: backend failed")
)

// Params are the tunables forwarded to a conversion backend.
type Params struct {
	Pitch        int     `json:"pitch"`
	IndexRate    float64 `json:"index_rate"`
	FilterRadius int     `json:"filter_radius"`
	ResampleSR   int     `json:"resample_sr"`
	RMSMixRate   float64 `json:"rms_mix_rate"`
}

func DefaultParams() Params {
	return Params{Pitch: 0, IndexRate: 0.5, FilterRadius: 3, ResampleSR: 0, RMSMixRate: 0.25}
}

func ParamsFromConfig(cfg config.ConversionConfig) Params {
	return Params{
		Pitch:        cfg.Pitch,
		IndexRate:    cfg.IndexRate,
		FilterRadius: cfg.FilterRadius,
		ResampleSR:   cfg.ResampleSR,
		RMSMixRate:   cfg.RMSMixRate,
	}
}

type Request struct {
	Audio  []byte
	Model  string
	Params Params
}

// Converter turns base audio into audio spoken with Request.Model.
type Converter interface {
	Convert(ctx context.Context, req Request) ([]byte, error)
}

// Backend is a named converter in the fallback order.
type Backend struct {
	Name      string
	Converter Converter
}
