// Package svc manages the companion speech services (whisper for STT, kokoro
// for TTS) through the OS service manager. The service manager itself is an
// external collaborator, so all process execution goes through an injected
// [CommandRunner]; tests substitute fakes.
package svc

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

// Service names managed by this package.
const (
	ServiceWhisper = "whisper"
	ServiceKokoro  = "kokoro"
)

// Action is one service-management operation.
type Action string

const (
	ActionStatus  Action = "status"
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
	ActionEnable  Action = "enable"
	ActionDisable Action = "disable"
	ActionLogs    Action = "logs"
)

// IsValid reports whether a is a recognised action.
func (a Action) IsValid() bool {
	switch a {
	case ActionStatus, ActionStart, ActionStop, ActionRestart, ActionEnable, ActionDisable, ActionLogs:
		return true
	}
	return false
}

// CommandRunner executes one external command and returns its combined
// output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes the command and returns combined stdout and stderr.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}

// Manager drives the per-user service units for whisper and kokoro.
type Manager struct {
	runner CommandRunner
	goos   string
	uid    int
}

// NewManager creates a Manager for the current OS using runner. A nil runner
// selects [ExecRunner].
func NewManager(runner CommandRunner) *Manager {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Manager{runner: runner, goos: runtime.GOOS, uid: os.Getuid()}
}

// unitName maps a service to its OS unit/label.
func unitName(service string, goos string) (string, error) {
	switch service {
	case ServiceWhisper, ServiceKokoro:
	default:
		return "", fmt.Errorf("svc: unknown service %q (want whisper or kokoro)", service)
	}
	if goos == "darwin" {
		return "com.voicemode." + service, nil
	}
	return "voicemode-" + service + ".service", nil
}

// Manage performs action on the named service and returns a human-readable
// status string. lines only applies to the logs action.
func (m *Manager) Manage(ctx context.Context, service string, action Action, lines int) (string, error) {
	if !action.IsValid() {
		return "", fmt.Errorf("svc: unknown action %q", action)
	}
	unit, err := unitName(service, m.goos)
	if err != nil {
		return "", err
	}
	if lines <= 0 {
		lines = 50
	}

	var name string
	var args []string
	switch m.goos {
	case "darwin":
		name, args = launchctlCommand(unit, action, lines, m.uid)
	default:
		name, args = systemctlCommand(unit, action, lines)
	}

	out, err := m.runner.Run(ctx, name, args...)
	out = strings.TrimSpace(out)
	if err != nil {
		// Service managers put the useful diagnosis in their output; keep it.
		if out != "" {
			return "", fmt.Errorf("svc: %s %s: %w: %s", action, service, err, out)
		}
		return "", fmt.Errorf("svc: %s %s: %w", action, service, err)
	}
	if out == "" {
		out = fmt.Sprintf("%s: %s ok", service, action)
	}
	return out, nil
}

// systemctlCommand builds the per-user systemd invocation for an action.
func systemctlCommand(unit string, action Action, lines int) (string, []string) {
	switch action {
	case ActionLogs:
		return "journalctl", []string{"--user", "-u", unit, "-n", strconv.Itoa(lines), "--no-pager"}
	case ActionStatus:
		return "systemctl", []string{"--user", "status", unit, "--no-pager"}
	default:
		return "systemctl", []string{"--user", string(action), unit}
	}
}

// launchctlCommand builds the launchd invocation for an action.
func launchctlCommand(label string, action Action, lines, uid int) (string, []string) {
	domain := fmt.Sprintf("gui/%d/%s", uid, label)
	switch action {
	case ActionStart:
		return "launchctl", []string{"start", label}
	case ActionStop:
		return "launchctl", []string{"stop", label}
	case ActionRestart:
		return "launchctl", []string{"kickstart", "-k", domain}
	case ActionEnable:
		return "launchctl", []string{"enable", domain}
	case ActionDisable:
		return "launchctl", []string{"disable", domain}
	case ActionLogs:
		return "log", []string{"show", "--last", strconv.Itoa(lines), "--predicate", "process == \"" + label + "\""}
	default: // status
		return "launchctl", []string{"print", domain}
	}
}
