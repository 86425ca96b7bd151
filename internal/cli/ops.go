package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/turtacn/Vigil/internal/control"
	"github.com/turtacn/Vigil/pkg/consts"
	"github.com/turtacn/Vigil/pkg/errors"
	"github.com/turtacn/Vigil/pkg/protocol"
)

var requestTimeout time.Duration

func addRequestFlags(fs *pflag.FlagSet) {
	fs.DurationVar(&requestTimeout, "timeout", time.Minute, "how long to wait for the daemon")
}

// call sends one request to the daemon and prints the payload, if any, as YAML.
func call(cmd *cobra.Command, req control.Request) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	c, err := control.Dial(ctx, socketPath)
	if err != nil {
		return err
	}
	defer c.Close()

	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	var out any
	switch {
	case resp.Devices != nil:
		out = resp.Devices
	case resp.Group != nil:
		out = resp.Group
	case resp.Groups != nil:
		out = resp.Groups
	case resp.Mode != "":
		out = map[string]consts.DriverMode{"mode": resp.Mode}
	default:
		return nil
	}
	data, err := yaml.Marshal(out)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

// deviceCommand builds a command that applies op to one named device.
func deviceCommand(use, short string, op control.Op) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <device>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, control.Request{Op: op, Device: args[0]})
		},
	}
}

func groupID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id < 0 {
		return 0, errors.Newf(errors.ErrCodeConfigInvalid, "group", "bad group id %q", s)
	}
	return id, nil
}

// parseMember reads name:chip[:link,link...].
func parseMember(s string) (protocol.GroupMemberConfig, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
		return protocol.GroupMemberConfig{}, errors.Newf(errors.ErrCodeConfigInvalid, "group", "member %q is not name:chip[:links]", s)
	}
	chip, err := strconv.Atoi(parts[1])
	if err != nil {
		return protocol.GroupMemberConfig{}, errors.Newf(errors.ErrCodeConfigInvalid, "group", "member %q: bad chip id", s)
	}
	m := protocol.GroupMemberConfig{Device: parts[0], ChipID: chip}
	if len(parts) == 3 && parts[2] != "" {
		for _, l := range strings.Split(parts[2], ",") {
			id, err := strconv.Atoi(l)
			if err != nil {
				return protocol.GroupMemberConfig{}, errors.Newf(errors.ErrCodeConfigInvalid, "group", "member %q: bad link id %q", s, l)
			}
			m.LinkIDs = append(m.LinkIDs, id)
		}
	}
	return m, nil
}

func onOff(s string) (bool, error) {
	switch s {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

func addOperatorCommands(root *cobra.Command) {
	statusCmd := &cobra.Command{
		Use:   "status [device]",
		Short: "Show device state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := control.Request{Op: control.OpStatus}
			if len(args) == 1 {
				req.Device = args[0]
			}
			return call(cmd, req)
		},
	}

	var reason string
	recoverCmd := &cobra.Command{
		Use:   "recover <device>",
		Short: "Trigger a recovery as if the device had crashed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, control.Request{Op: control.OpRecover, Device: args[0], Reason: consts.ResetReason(strings.ToUpper(reason))})
		},
	}
	recoverCmd.Flags().StringVar(&reason, "reason", string(consts.ReasonDefault), "reset reason (DEFAULT, LINK_DOWN, RDDM, TIMEOUT, FATAL_SHUTDOWN_PREPARE)")

	recoveryCmd := &cobra.Command{
		Use:       "recovery <device> on|off",
		Short:     "Enable or disable automatic recovery",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			on, err := onOff(args[1])
			if err != nil {
				return err
			}
			return call(cmd, control.Request{Op: control.OpRecoveryEnable, Device: args[0], Enabled: &on})
		},
	}

	modeCmd := &cobra.Command{
		Use:   "mode [mode]",
		Short: "Show or set the driver mode sent to firmware",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return call(cmd, control.Request{Op: control.OpMode})
			}
			return call(cmd, control.Request{Op: control.OpSetMode, Mode: consts.DriverMode(args[0])})
		},
	}

	root.AddCommand(
		statusCmd,
		deviceCommand("power-up", "Power the device up to mission mode", control.OpPowerUp),
		deviceCommand("power-down", "Power the device off", control.OpPowerDown),
		deviceCommand("idle-restart", "Bring an idle device back", control.OpIdleRestart),
		deviceCommand("idle-shutdown", "Power an idle device down", control.OpIdleShutdown),
		deviceCommand("assert", "Force a firmware assert", control.OpAssert),
		deviceCommand("rddm", "Force an assert and wait for the crash dump", control.OpCollectRddm),
		deviceCommand("suspend", "Suspend the device", control.OpSuspend),
		deviceCommand("resume", "Resume the device", control.OpResume),
		recoverCmd,
		recoveryCmd,
		modeCmd,
		groupCommand(),
	)
	for _, c := range root.Commands() {
		if c != startCmd {
			addRequestFlags(c.Flags())
		}
	}
}

func groupCommand() *cobra.Command {
	groupCmd := &cobra.Command{
		Use:   "group",
		Short: "Inspect and manage MLO groups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, control.Request{Op: control.OpGroups})
		},
	}
	infoCmd := &cobra.Command{
		Use:   "info <id>",
		Short: "Show one group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := groupID(args[0])
			if err != nil {
				return err
			}
			return call(cmd, control.Request{Op: control.OpGroupInfo, Group: id})
		},
	}
	resetCmd := &cobra.Command{
		Use:   "reset <id>",
		Short: "Dissolve a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := groupID(args[0])
			if err != nil {
				return err
			}
			return call(cmd, control.Request{Op: control.OpGroupReset, Group: id})
		},
	}

	var (
		maxChips int
		members  []string
	)
	configureCmd := &cobra.Command{
		Use:   "configure <id>",
		Short: "Create or replace a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := groupID(args[0])
			if err != nil {
				return err
			}
			req := control.Request{Op: control.OpGroupConfigure, Group: id, MaxChips: maxChips}
			for _, s := range members {
				m, err := parseMember(s)
				if err != nil {
					return err
				}
				req.Members = append(req.Members, m)
			}
			return call(cmd, req)
		},
	}
	configureCmd.Flags().IntVar(&maxChips, "max-chips", 0, "group capacity (0 keeps the platform default)")
	configureCmd.Flags().StringArrayVar(&members, "member", nil, "member as name:chip[:link,link]")

	remapCmd := &cobra.Command{
		Use:       "remap <device> on|off",
		Short:     "Record whether a member's links have been remapped",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			on, err := onOff(args[1])
			if err != nil {
				return err
			}
			return call(cmd, control.Request{Op: control.OpGroupRemap, Device: args[0], Enabled: &on})
		},
	}

	for _, c := range []*cobra.Command{infoCmd, resetCmd, configureCmd, remapCmd} {
		addRequestFlags(c.Flags())
		groupCmd.AddCommand(c)
	}
	return groupCmd
}

// Personal.AI order the ending
