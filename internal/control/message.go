package control

import (
	"github.com/turtacn/Vigil/internal/device"
	"github.com/turtacn/Vigil/internal/mlo"
	"github.com/turtacn/Vigil/pkg/consts"
	"github.com/turtacn/Vigil/pkg/protocol"
)

// Op names a management request.
type Op string

const (
	OpStatus         Op = "status"
	OpPowerUp        Op = "power-up"
	OpPowerDown      Op = "power-down"
	OpIdleRestart    Op = "idle-restart"
	OpIdleShutdown   Op = "idle-shutdown"
	OpAssert         Op = "assert"
	OpCollectRddm    Op = "rddm"
	OpRecover        Op = "recover"
	OpRecoveryEnable Op = "recovery-enable"
	OpSuspend        Op = "suspend"
	OpResume         Op = "resume"
	OpMode           Op = "mode"
	OpSetMode        Op = "set-mode"
	OpGroups         Op = "groups"
	OpGroupInfo      Op = "group-info"
	OpGroupConfigure Op = "group-configure"
	OpGroupReset     Op = "group-reset"
	OpGroupRemap     Op = "group-remap"
)

// Request is one line of newline-delimited JSON sent by a client.
// Devices are addressed by name; handles never leave the daemon.
type Request struct {
	Op       Op                           `json:"op"`
	Device   string                       `json:"device,omitempty"`
	Reason   consts.ResetReason           `json:"reason,omitempty"`
	Mode     consts.DriverMode            `json:"mode,omitempty"`
	Enabled  *bool                        `json:"enabled,omitempty"`
	Group    int                          `json:"group,omitempty"`
	MaxChips int                          `json:"max_chips,omitempty"`
	Members  []protocol.GroupMemberConfig `json:"members,omitempty"`
}

// Response answers one Request. Code is the error code, 0 on success.
type Response struct {
	Code    int               `json:"code"`
	Error   string            `json:"error,omitempty"`
	Devices []device.Snapshot `json:"devices,omitempty"`
	Mode    consts.DriverMode `json:"mode,omitempty"`
	Groups  []int             `json:"groups,omitempty"`
	Group   *mlo.Info         `json:"group,omitempty"`
}

// Personal.AI order the ending
