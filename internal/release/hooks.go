package release

import (
	"context"
	"fmt"
	"strings"

	"deploytool/internal/layout"
	"deploytool/internal/remote"
	"deploytool/internal/shell"
)

// Checkpoint names a point in the deploy pipeline where a run can pause for
// an operator or invoke a hook.
type Checkpoint string

const (
	BeforeDeploySource     Checkpoint = "before_deploy_source"
	BeforeCompassCompile   Checkpoint = "before_compass_compile"
	BeforeCreateVirtualenv Checkpoint = "before_create_virtualenv"
	BeforePipInstall       Checkpoint = "before_pip_install"
	AfterPipInstall        Checkpoint = "after_pip_install"
	BeforeSyncDB           Checkpoint = "before_syncdb"
	BeforeMigrate          Checkpoint = "before_migrate"
	BeforeRestart          Checkpoint = "before_restart"
	AfterRestart           Checkpoint = "after_restart"
)

// checkpoints lists every checkpoint in pipeline order.
var checkpoints = []Checkpoint{
	BeforeDeploySource,
	BeforeCompassCompile,
	BeforeCreateVirtualenv,
	BeforePipInstall,
	AfterPipInstall,
	BeforeSyncDB,
	BeforeMigrate,
	BeforeRestart,
	AfterRestart,
}

// Checkpoints returns every checkpoint in pipeline order.
func Checkpoints() []Checkpoint {
	return append([]Checkpoint(nil), checkpoints...)
}

// Valid reports whether c is a known checkpoint.
func (c Checkpoint) Valid() bool {
	for _, known := range checkpoints {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCheckpoints parses a comma separated list of checkpoint names.
// Blank entries are ignored; unknown names are rejected.
func ParseCheckpoints(s string) ([]Checkpoint, error) {
	var result []Checkpoint
	for _, raw := range strings.Split(s, ",") {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		cp := Checkpoint(name)
		if !cp.Valid() {
			return nil, &UnknownCheckpointError{Name: name}
		}
		result = append(result, cp)
	}
	return result, nil
}

// Env is handed to hooks. It carries the target, the release being
// deployed and the arguments the task was invoked with.
type Env struct {
	Host       *remote.Host
	Layout     *layout.Layout
	Release    layout.Release
	Stamp      string
	Checkpoint Checkpoint

	Args   []string
	Kwargs map[string]string
}

// HookFunc runs at a checkpoint. A returned error fails the step the
// checkpoint precedes.
type HookFunc func(ctx context.Context, env *Env) error

type hook struct {
	checkpoint Checkpoint
	name       string
	fn         HookFunc
}

// Hooks is an ordered list of checkpoint callbacks. The zero value is empty
// and ready to use.
type Hooks struct {
	hooks []hook
}

// Register adds fn at checkpoint cp. Hooks at the same checkpoint run in
// registration order.
func (h *Hooks) Register(cp Checkpoint, name string, fn HookFunc) error {
	if !cp.Valid() {
		return &UnknownCheckpointError{Name: string(cp)}
	}
	h.hooks = append(h.hooks, hook{checkpoint: cp, name: name, fn: fn})
	return nil
}

// Len returns the number of registered hooks.
func (h *Hooks) Len() int {
	if h == nil {
		return 0
	}
	return len(h.hooks)
}

// Run invokes every hook registered at cp and stops at the first failure.
func (h *Hooks) Run(ctx context.Context, cp Checkpoint, env *Env) error {
	if h == nil {
		return nil
	}
	for _, hk := range h.hooks {
		if hk.checkpoint != cp {
			continue
		}
		env.Checkpoint = cp
		if err := hk.fn(ctx, env); err != nil {
			return fmt.Errorf("hook %s at %s failed: %w", hk.name, cp, err)
		}
	}
	return nil
}

// CommandHook runs line on the target from the release's source directory,
// or from the virtual host when no release is involved. Deployment details
// are exported as DEPLOY_* variables; keyword arguments become
// DEPLOY_ARG_<NAME>.
func CommandHook(line string, elevated bool) HookFunc {
	return func(ctx context.Context, env *Env) error {
		dir := env.Release.Source
		if dir == "" {
			dir = env.Layout.VHostPath
		}

		vars := map[string]string{
			"DEPLOY_CHECKPOINT": string(env.Checkpoint),
			"DEPLOY_VHOST":      env.Layout.VHostPath,
			"DEPLOY_STAMP":      env.Stamp,
			"DEPLOY_RELEASE":    env.Release.Root,
			"DEPLOY_SOURCE":     env.Release.Source,
			"DEPLOY_ENV_PATH":   env.Release.Env,
			"DEPLOY_ARGS":       strings.Join(env.Args, " "),
		}
		for k, v := range env.Kwargs {
			vars["DEPLOY_ARG_"+envName(k)] = v
		}

		_, err := env.Host.RunCommand(ctx, shell.Command{
			Line:     line,
			Dir:      dir,
			Env:      vars,
			Elevated: elevated,
		})
		return err
	}
}

func envName(key string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(key) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
