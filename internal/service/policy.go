package service

import (
	"context"
	"strings"

	"github.com/prn-tf/alexander-uploads/internal/config"
)

// UploadPolicy holds the limits applied to one InitUpload call.
type UploadPolicy struct {
	MinChunkSize int64
	MaxChunkSize int64
	MaxChunks    int
	MaxFileSize  int64

	// AllowedExtensions lists lowercase extensions with a leading dot.
	// Empty allows every extension.
	AllowedExtensions []string

	// MaxConcurrentUploads caps open tasks per owner. Zero means unlimited.
	MaxConcurrentUploads int
}

// AllowsExtension reports whether ext (as returned by domain.FileExtension)
// is permitted.
func (p UploadPolicy) AllowsExtension(ext string) bool {
	if len(p.AllowedExtensions) == 0 {
		return true
	}
	for _, allowed := range p.AllowedExtensions {
		if allowed == ext {
			return true
		}
	}
	return false
}

// PolicySource supplies validation limits per owner and business type.
type PolicySource interface {
	PolicyFor(ctx context.Context, ownerID, bizType string) (UploadPolicy, error)
}

// StaticPolicySource serves limits from configuration.
type StaticPolicySource struct {
	base      UploadPolicy
	overrides map[string]config.UploadOverride
}

// NewStaticPolicySource builds a policy source from the upload config section.
func NewStaticPolicySource(cfg config.UploadConfig) *StaticPolicySource {
	return &StaticPolicySource{
		base: UploadPolicy{
			MinChunkSize:         cfg.MinChunkSize,
			MaxChunkSize:         cfg.MaxChunkSize,
			MaxChunks:            cfg.MaxChunks,
			MaxFileSize:          cfg.MaxFileSize,
			AllowedExtensions:    normalizeExtensions(cfg.AllowedExtensions),
			MaxConcurrentUploads: cfg.MaxConcurrentUploads,
		},
		overrides: cfg.Overrides,
	}
}

// PolicyFor returns the base policy with any override for bizType applied.
func (s *StaticPolicySource) PolicyFor(_ context.Context, _ string, bizType string) (UploadPolicy, error) {
	p := s.base
	o, ok := s.overrides[bizType]
	if !ok {
		return p, nil
	}

	if o.MaxFileSize > 0 {
		p.MaxFileSize = o.MaxFileSize
	}
	if len(o.AllowedExtensions) > 0 {
		p.AllowedExtensions = normalizeExtensions(o.AllowedExtensions)
	}
	if o.MaxConcurrentUploads > 0 {
		p.MaxConcurrentUploads = o.MaxConcurrentUploads
	}
	return p, nil
}

func normalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out = append(out, e)
	}
	return out
}
