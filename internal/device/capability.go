package device

import (
	"fmt"

	"github.com/turtacn/Vigil/pkg/consts"
)

// Capability is what the core needs to know about a chip family. It is
// resolved once at attach time; nothing else branches on raw chip ids.
type Capability struct {
	Family       string
	Bus          consts.BusKind
	Recovery     consts.RecoveryKind
	SelfRecovery bool // legacy parts: power cycle only, no dump
	SupportsDump bool
	SupportsMLO  bool
	ColdBootCal  bool
}

var capabilities = map[uint32]Capability{
	0x003e: {Family: "qca6174", Bus: consts.BusPCI, Recovery: consts.RecoverySynchronous, SelfRecovery: true},
	0x1101: {Family: "qca6390", Bus: consts.BusPCI, Recovery: consts.RecoverySynchronous, SupportsDump: true, ColdBootCal: true},
	0x1103: {Family: "qca6490", Bus: consts.BusPCI, Recovery: consts.RecoverySynchronous, SupportsDump: true, ColdBootCal: true},
	0x1107: {Family: "wcn7850", Bus: consts.BusPCI, Recovery: consts.RecoverySynchronous, SupportsDump: true, ColdBootCal: true},
	0x1104: {Family: "qcn9000", Bus: consts.BusPCI, Recovery: consts.RecoveryAsynchronous, SupportsDump: true},
	0x1109: {Family: "qcn9274", Bus: consts.BusPCI, Recovery: consts.RecoveryAsynchronous, SupportsDump: true, SupportsMLO: true},
	0x5332: {Family: "ipq5332", Bus: consts.BusOnChip, Recovery: consts.RecoveryAsynchronous, SupportsDump: true, SupportsMLO: true},
	0x9574: {Family: "ipq9574", Bus: consts.BusOnChip, Recovery: consts.RecoveryAsynchronous, SupportsDump: true},
}

// LookupCapability returns the capability of chipID. Unknown chips get a
// conservative synchronous PCI profile and ok=false.
func LookupCapability(chipID uint32) (Capability, bool) {
	if c, ok := capabilities[chipID]; ok {
		return c, true
	}
	return Capability{
		Family:       fmt.Sprintf("unknown-%#x", chipID),
		Bus:          consts.BusPCI,
		Recovery:     consts.RecoverySynchronous,
		SupportsDump: true,
	}, false
}

// Personal.AI order the ending
