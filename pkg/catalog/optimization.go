package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/zph/sysopt/pkg/optimization"
)

// Optimization adapts a Definition to optimization.Optimization
type Optimization struct {
	def  *Definition
	exec *Executor
}

var _ optimization.Optimization = (*Optimization)(nil)

// NewOptimization binds a validated definition to an executor
func NewOptimization(def *Definition, exec *Executor) *Optimization {
	return &Optimization{def: def, exec: exec}
}

func (o *Optimization) Identity() optimization.Identity {
	return optimization.NewIdentity(o.def.id, o.def.Key)
}

func (o *Optimization) Name() string {
	return o.def.Name
}

// Definition returns the underlying definition
func (o *Optimization) Definition() *Definition {
	return o.def
}

// Apply runs the actions in order and stops at the first failure. Actions
// that already ran stay recorded so they can be reverted.
func (o *Optimization) Apply(ctx context.Context, progress optimization.Progress, env *optimization.Env) (optimization.Result, error) {
	if ok, reason := o.def.Supports(env.Snapshot.OS, env.Snapshot.Version); !ok {
		return optimization.Failure(reason), nil
	}

	total := len(o.def.Actions)
	for i, action := range o.def.Actions {
		progress.Report(float64(i)*100/float64(total), action.Describe())
		if err := o.exec.Execute(ctx, action, env); err != nil {
			return optimization.Failuref("%s: %v", action.Describe(), err), nil
		}
	}
	progress.Report(100, "done")
	return optimization.Success(), nil
}

// Bind returns every definition bound to exec
func (c *Catalog) Bind(exec *Executor) []optimization.Optimization {
	opts := make([]optimization.Optimization, 0, len(c.Optimizations))
	for _, def := range c.Optimizations {
		opts = append(opts, NewOptimization(def, exec))
	}
	return opts
}

// Select returns the definitions named by refs (keys or ids) in the order
// given. Unknown refs are reported together.
func (c *Catalog) Select(exec *Executor, refs []string) ([]optimization.Optimization, error) {
	opts := make([]optimization.Optimization, 0, len(refs))
	seen := make(map[*Definition]bool)
	var unknown []string
	for _, ref := range refs {
		def, ok := c.Find(ref)
		if !ok {
			unknown = append(unknown, ref)
			continue
		}
		if seen[def] {
			continue
		}
		seen[def] = true
		opts = append(opts, NewOptimization(def, exec))
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("unknown optimization(s): %s", strings.Join(unknown, ", "))
	}
	return opts, nil
}
