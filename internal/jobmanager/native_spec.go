package jobmanager

import (
	"fmt"
	"strings"

	"github.com/kosmos-run/kosmos/internal/store"
)

// NativeSpec formats the backend-specific submission flags for a task.
func NativeSpec(drm string, t *store.Task) (string, error) {
	switch {
	case drm == "lsf":
		return lsfSpec(t), nil
	case strings.Contains(drm, "ge"):
		return sgeSpec(t), nil
	case drm == "local":
		return "", nil
	default:
		return "", &store.ConfigurationError{Err: fmt.Errorf("unknown DRM %q", drm)}
	}
}

func lsfSpec(t *store.Task) string {
	cpu := t.CPUReq
	if cpu <= 0 {
		cpu = 1
	}
	memPerCPU := t.MemReq / cpu
	spec := fmt.Sprintf(`-R "rusage[mem=%d] span[hosts=1]" -n %d`, memPerCPU, cpu)
	if t.TimeReq > 0 {
		spec += fmt.Sprintf(" -W 0:%d", t.TimeReq)
	}
	return spec
}

func sgeSpec(t *store.Task) string {
	return fmt.Sprintf("-l h_vmem=%dM,num_proc=%d", t.MemReq, t.CPUReq)
}
