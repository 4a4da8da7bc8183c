// Package window abstracts the application's window controller.
package window

import (
	"go.uber.org/zap"
)

// Label of the window hosting the upgrade flow.
const Upgrade = "upgrade"

// Window is a best-effort handle on an application window.
type Window interface {
	Hide() error
	Show() error
	SetFocus() error
	Minimize() error
	Close() error
}

// Manager looks windows up by label.
type Manager interface {
	ByLabel(label string) (Window, bool)
}

// Headless is a Manager for terminal runs: every window exists and every
// action is only logged.
type Headless struct {
	Log *zap.Logger
}

// ByLabel returns a logging window for label.
func (h Headless) ByLabel(label string) (Window, bool) {
	log := h.Log
	if log == nil {
		log = zap.NewNop()
	}
	return headlessWindow{log: log.With(zap.String("window", label))}, true
}

type headlessWindow struct{ log *zap.Logger }

func (w headlessWindow) Hide() error     { w.log.Debug("hide"); return nil }
func (w headlessWindow) Show() error     { w.log.Debug("show"); return nil }
func (w headlessWindow) SetFocus() error { w.log.Debug("focus"); return nil }
func (w headlessWindow) Minimize() error { w.log.Debug("minimize"); return nil }
func (w headlessWindow) Close() error    { w.log.Debug("close"); return nil }
