// Package command names the monitoring operations every trigger surface
// (CLI, HTTP trigger, Feishu card button) resolves to, and the runner
// contract that executes them.
package command

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type Command string

const (
	CheckAccounts  Command = "check_accounts"
	CheckAPIUsage  Command = "check_api_usage"
	NotifyAccounts Command = "notify_accounts"
	NotifyAPIUsage Command = "notify_api_usage"
	FullMonitor    Command = "full_monitor"
)

// All lists the valid commands in documentation order.
func All() []Command {
	return []Command{CheckAccounts, CheckAPIUsage, NotifyAccounts, NotifyAPIUsage, FullMonitor}
}

var ErrUnknownCommand = fmt.Errorf("unknown command")

// aliases maps legacy card-button values onto the canonical set. Cards from
// older deployments still carry monitor_* values.
var aliases = map[string]Command{
	"monitor_accounts":  CheckAccounts,
	"monitor_api_usage": CheckAPIUsage,
}

// Parse resolves a raw command string (canonical or alias, case-insensitive).
func Parse(raw string) (Command, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	for _, c := range All() {
		if s == string(c) {
			return c, nil
		}
	}
	if c, ok := aliases[s]; ok {
		return c, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCommand, raw)
}

// Result is what a runner reports back. It is consumed by logs and the
// synchronous HTTP/CLI surfaces only; the detached dispatch path never
// propagates it to the original caller.
type Result struct {
	Command  Command       `json:"command"`
	Success  bool          `json:"success"`
	Detail   string        `json:"detail"`
	Notified bool          `json:"notified"`
	Took     time.Duration `json:"took"`
}

// Runner executes one monitoring command. Implementations may be slow and may
// fail, but must never panic across this boundary; failures are reported in
// Result, not raised.
type Runner interface {
	Run(ctx context.Context, cmd Command, force bool) Result
}
