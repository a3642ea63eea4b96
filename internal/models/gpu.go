package models

import (
	"fmt"
	"strings"
)

// GPUType identifies the compute backend a node offers or a job requires.
type GPUType string

const (
	GPUTypeCUDA    GPUType = "cuda"
	GPUTypeMPS     GPUType = "mps"  // Apple Silicon Metal Performance Shaders
	GPUTypeROCm    GPUType = "rocm" // AMD ROCm
	GPUTypeCPU     GPUType = "cpu"  // CPU-only fallback
	GPUTypeUnknown GPUType = "unknown"
)

// ParseGPUType normalizes a raw GPU type string into the closed enum.
// The source of these strings is node registration and job submission
// payloads, which historically arrived in mixed case, so normalization
// happens here at ingress and nowhere else.
func ParseGPUType(raw string) (GPUType, error) {
	switch GPUType(strings.ToLower(strings.TrimSpace(raw))) {
	case GPUTypeCUDA:
		return GPUTypeCUDA, nil
	case GPUTypeMPS:
		return GPUTypeMPS, nil
	case GPUTypeROCm:
		return GPUTypeROCm, nil
	case GPUTypeCPU:
		return GPUTypeCPU, nil
	case GPUTypeUnknown:
		return GPUTypeUnknown, nil
	default:
		return GPUTypeUnknown, fmt.Errorf("%w: unrecognized gpu type %q", ErrInvalidInput, raw)
	}
}

// Valid reports whether the GPUType is one of the known enum values.
func (g GPUType) Valid() bool {
	switch g {
	case GPUTypeCUDA, GPUTypeMPS, GPUTypeROCm, GPUTypeCPU, GPUTypeUnknown:
		return true
	}
	return false
}

func (g GPUType) String() string {
	return string(g)
}
