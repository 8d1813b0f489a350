package genai

import (
	"context"
	"log/slog"
)

// Fallback serves from Primary and retries once on Secondary when Primary fails.
type Fallback struct {
	Primary   Backend
	Secondary Backend
	Name      string
}

// NewFallback wraps primary with secondary. A nil primary returns secondary unchanged.
func NewFallback(name string, primary, secondary Backend) Backend {
	if primary == nil {
		return secondary
	}
	if secondary == nil {
		return primary
	}
	return &Fallback{Primary: primary, Secondary: secondary, Name: name}
}

// Generate implements Backend.
func (f *Fallback) Generate(ctx context.Context, req Request) (Reply, error) {
	reply, err := f.Primary.Generate(ctx, req)
	if err == nil {
		return reply, nil
	}
	if ctx.Err() != nil {
		return Reply{}, err
	}
	slog.Warn("genai.Fallback.Generate: primary backend failed, using secondary", "name", f.Name, "error", err)
	return f.Secondary.Generate(ctx, req)
}
