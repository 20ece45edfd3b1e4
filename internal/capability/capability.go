// Package capability gates sensitive operations behind the permission set
// declared by the manifest and the optional grants decided at runtime.
package capability

import (
	"errors"
	"fmt"
	"strings"
)

// Decision is the result of a gate check.
type Decision int

const (
	Denied Decision = iota
	Granted
)

func (d Decision) String() string {
	if d == Granted {
		return "granted"
	}
	return "denied"
}

// GrantState tracks an optional capability's user decision.
type GrantState string

const (
	GrantUnasked GrantState = "unasked"
	GrantGranted GrantState = "granted"
	GrantDenied  GrantState = "denied"
)

// Well-known capability names.
const (
	Messaging     = "messaging"
	Storage       = "storage"
	StorageSync   = "storage.sync"
	Tabs          = "tabs"
	Scripting     = "scripting"
	Notifications = "notifications"
	Clipboard     = "clipboard"
	Downloads     = "downloads"
)

// ErrCapabilityDenied is returned by gated operations when the check fails.
var ErrCapabilityDenied = errors.New("capability denied")

// Checker is the interface consumers use to gate an operation.
type Checker interface {
	Check(name string) Decision
}

var knownCapabilities = map[string]struct{}{
	Messaging:     {},
	Storage:       {},
	StorageSync:   {},
	Tabs:          {},
	Scripting:     {},
	Notifications: {},
	Clipboard:     {},
	Downloads:     {},
}

// ValidateName rejects capability names the platform does not define.
func ValidateName(name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return fmt.Errorf("empty capability name")
	}
	if _, ok := knownCapabilities[name]; !ok {
		return fmt.Errorf("unknown capability %q", name)
	}
	return nil
}
