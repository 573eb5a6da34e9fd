package common

import "errors"

// ErrModulePaused is returned by Guard when the named module's mutating
// operations are disabled by governance.
var ErrModulePaused = errors.New("module paused")

// PauseView exposes the per-module pause switches persisted in state.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects the call when the module is paused. A nil view or empty module
// name disables the check so engines stay usable in tests.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
