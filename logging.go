package ensemble

import (
	"context"
	"log/slog"
)

// nopLogger discards all output. It is the default for every component that
// accepts a *slog.Logger option, so the nil checks stay out of hot paths.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
