// Package ui holds the process-wide theme service consulted by
// sessions when the theming feature is enabled. It is read-mostly:
// state only changes through SetTheme/SetCustomColors or an explicit
// Refresh, never on the read path.
package ui

import (
	"os"
	"sync"
)

// Theme names a palette selection.
type Theme int

const (
	Light Theme = iota
	Dark
	System
	Custom
)

// Colors is a 32-bit RGB palette for the client viewer chrome.
type Colors struct {
	Background uint32 `json:"background"`
	Foreground uint32 `json:"foreground"`
	Accent     uint32 `json:"accent"`
	Highlight  uint32 `json:"highlight"`
}

var (
	lightColors = Colors{Background: 0xFFFFFF, Foreground: 0x000000, Accent: 0x007ACC, Highlight: 0xE6F3FF}
	darkColors  = Colors{Background: 0x1E1E1E, Foreground: 0xFFFFFF, Accent: 0x007ACC, Highlight: 0x3F3F3F}
)

// Service resolves the active palette. One instance serves every
// session; construct it at the composition root and inject it.
type Service struct {
	mu      sync.RWMutex
	theme   Theme
	custom  Colors
	current Colors
}

// NewService starts on the System theme, resolved once at
// construction.
func NewService() *Service {
	s := &Service{theme: System}
	s.Refresh()
	return s
}

// SetTheme switches the active theme and re-resolves the palette.
func (s *Service) SetTheme(theme Theme) {
	s.mu.Lock()
	s.theme = theme
	s.resolveLocked()
	s.mu.Unlock()
}

// SetCustomColors installs a custom palette; it becomes active when
// the Custom theme is selected.
func (s *Service) SetCustomColors(c Colors) {
	s.mu.Lock()
	s.custom = c
	s.resolveLocked()
	s.mu.Unlock()
}

// Colors returns the currently resolved palette.
func (s *Service) Colors() Colors {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Refresh re-queries the platform preference for the System theme.
// Call it when the desktop environment signals an appearance change;
// reads never trigger a platform query.
func (s *Service) Refresh() {
	s.mu.Lock()
	s.resolveLocked()
	s.mu.Unlock()
}

func (s *Service) resolveLocked() {
	switch s.theme {
	case Light:
		s.current = lightColors
	case Dark:
		s.current = darkColors
	case Custom:
		s.current = s.custom
	default:
		if systemPrefersDark() {
			s.current = darkColors
		} else {
			s.current = lightColors
		}
	}
}

// systemPrefersDark consults the conventional environment hint. Real
// desktop detection is a platform backend concern; the env probe keeps
// headless behavior deterministic.
func systemPrefersDark() bool {
	return os.Getenv("SYSGUARD_DARK_MODE") == "1"
}
