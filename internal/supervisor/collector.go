package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/turtacn/Vigil/internal/transport"
	"github.com/turtacn/Vigil/pkg/consts"
	"github.com/turtacn/Vigil/pkg/errors"
	"github.com/turtacn/Vigil/pkg/logger"
)

// Manifest describes one batch of memory segments handed to the hook.
type Manifest struct {
	Device     string              `yaml:"device"`
	Handle     consts.Handle       `yaml:"handle"`
	ChipID     uint32              `yaml:"chip_id"`
	BusAddress string              `yaml:"bus_address,omitempty"`
	Kind       string              `yaml:"kind"`
	Collected  time.Time           `yaml:"collected"`
	Segments   []transport.Segment `yaml:"segments"`
}

// HookCollector writes a YAML manifest per collection into Dir and runs
// Command with the manifest path in its environment. The hook owns the
// actual file emission.
type HookCollector struct {
	Dir     string
	Command []string
	Timeout time.Duration
}

var _ transport.Collector = (*HookCollector)(nil)

func (c *HookCollector) Collect(ctx context.Context, t transport.Target, kind string, segs []transport.Segment) error {
	m := Manifest{
		Device:     t.Name,
		Handle:     t.Handle,
		ChipID:     t.ChipID,
		BusAddress: t.BusAddress,
		Kind:       kind,
		Collected:  time.Now().UTC(),
		Segments:   segs,
	}
	data, err := yaml.Marshal(&m)
	if err != nil {
		return errors.New(errors.ErrCodeUnknown, "Collect", "encode manifest", err)
	}
	if err := os.MkdirAll(c.Dir, 0o750); err != nil {
		return errors.New(errors.ErrCodeUnknown, "Collect", "create dump dir", err)
	}
	name := fmt.Sprintf("%s-%s-%s.yaml", t.Name, kind, m.Collected.Format("20060102T150405.000000000"))
	path := filepath.Join(c.Dir, name)
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return errors.New(errors.ErrCodeUnknown, "Collect", "write manifest", err)
	}
	logger.Log.Info("Supervisor: dump manifest written", "device", t.Name, "kind", kind, "path", path, "segments", len(segs))

	if len(c.Command) == 0 {
		return nil
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = consts.DefaultRddmTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(hctx, c.Command[0], c.Command[1:]...)
	cmd.Env = append(os.Environ(),
		consts.EnvDumpManifest+"="+path,
		consts.EnvDumpDevice+"="+t.Name,
		consts.EnvDumpKind+"="+kind,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.New(errors.ErrCodeTransportFailure, "Collect",
			"dump hook failed: "+strings.TrimSpace(string(out)), err)
	}
	return nil
}

// Personal.AI order the ending
