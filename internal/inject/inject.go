// Package inject types measurements into the active application using
// robotgo for keystroke simulation or clipboard paste.
package inject

import (
	"fmt"
	"runtime"

	"github.com/go-vgo/robotgo"
)

// TextInjector delivers text to the focused application.
type TextInjector interface {
	Inject(text string) error
}

// Injector handles typing or pasting text into the active application.
type Injector struct {
	method     string // "type" or "paste"
	pressEnter bool
}

// Compile-time interface satisfaction check.
var _ TextInjector = (*Injector)(nil)

// NewInjector creates an Injector with the given method.
// method must be "type" (keystroke simulation) or "paste" (clipboard).
// When pressEnter is set, Enter is tapped after the text so spreadsheet
// cursors move to the next cell.
func NewInjector(method string, pressEnter bool) *Injector {
	return &Injector{method: method, pressEnter: pressEnter}
}

// Inject sends text to the active application using the configured method.
func (inj *Injector) Inject(text string) error {
	if text == "" {
		return nil
	}

	var err error
	switch inj.method {
	case "paste":
		err = inj.paste(text)
	default: // "type"
		err = inj.typeText(text)
	}
	if err != nil || !inj.pressEnter {
		return err
	}

	if err := robotgo.KeyTap("enter"); err != nil {
		return fmt.Errorf("inject: key tap enter: %w", err)
	}
	return nil
}

// typeText simulates individual keystrokes. Preserves clipboard contents.
func (inj *Injector) typeText(text string) error {
	robotgo.Type(text)
	return nil
}

// paste copies text to clipboard and pastes it with the platform shortcut.
// Overwrites the clipboard for the duration of the paste.
func (inj *Injector) paste(text string) error {
	prev, _ := robotgo.ReadAll()

	if err := robotgo.WriteAll(text); err != nil {
		return fmt.Errorf("inject: write to clipboard: %w", err)
	}

	modifier := "ctrl"
	if runtime.GOOS == "darwin" {
		modifier = "cmd"
	}
	if err := robotgo.KeyTap("v", modifier); err != nil {
		return fmt.Errorf("inject: key tap %s+v: %w", modifier, err)
	}

	// Restore previous clipboard (best effort)
	_ = robotgo.WriteAll(prev)

	return nil
}
