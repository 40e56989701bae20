// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"log/slog"

	"github.com/agentmux/agentmux/pkg/actions/blankstate"
	"github.com/agentmux/agentmux/pkg/actions/listinstances"
	"github.com/agentmux/agentmux/pkg/actions/logaction"
	"github.com/agentmux/agentmux/pkg/actions/readoutput"
	"github.com/agentmux/agentmux/pkg/actions/send"
	"github.com/agentmux/agentmux/pkg/actions/setcontext"
	"github.com/agentmux/agentmux/pkg/actions/spawn"
	"github.com/agentmux/agentmux/pkg/actions/terminate"
	"github.com/agentmux/agentmux/pkg/actions/wait"
	"github.com/agentmux/agentmux/pkg/bridge"
	"github.com/agentmux/agentmux/pkg/registry"
)

// NewRegistry builds the action registry with every native handler wired to
// the given bridge.
func NewRegistry(logger *slog.Logger, b bridge.Bridge) *registry.Registry {
	reg := registry.NewRegistry(logger)

	reg.RegisterAction(spawn.NewHandler(b))
	reg.RegisterAction(send.NewHandler(b))
	reg.RegisterAction(readoutput.NewHandler(b))
	reg.RegisterAction(listinstances.NewHandler(b))
	reg.RegisterAction(terminate.NewHandler(b))
	reg.RegisterAction(wait.NewHandler())
	reg.RegisterAction(setcontext.NewHandler())
	reg.RegisterAction(logaction.NewHandler())
	reg.RegisterAction(blankstate.NewHandler(b))

	return reg
}
