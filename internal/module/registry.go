package module

import (
	"context"
	"fmt"

	"github.com/alphadose/haxmap"
	"golang.org/x/sync/errgroup"
)

// Registry is the process-wide name→module mapping populated during boot.
// Names are unique; every module resolves its out_default (and any other
// named link) through Resolve during its own Initialize call.
type Registry struct {
	modules *haxmap.Map[string, Module]
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{modules: haxmap.New[string, Module]()}
}

// Register adds m under its own Name(). Registering the same name twice is
// an error: names are the whole of a Registry's contract.
func (r *Registry) Register(m Module) error {
	name := m.Name()
	if _, exists := r.modules.Get(name); exists {
		return fmt.Errorf("module %q already registered", name)
	}
	r.modules.Set(name, m)
	return nil
}

// Get looks up a module by name.
func (r *Registry) Get(name string) (Module, bool) {
	return r.modules.Get(name)
}

// Resolve is the Config.Resolve function every module's Initialize uses to
// look up its downstream links.
func (r *Registry) Resolve(name string) (Module, bool) {
	return r.Get(name)
}

// ForEach calls fn for every registered module, in no particular order. Used
// by a driving loop to collect periodic GetStatus reports across the whole
// pipeline rather than just the entry module.
func (r *Registry) ForEach(fn func(name string, m Module)) {
	r.modules.ForEach(func(name string, m Module) bool {
		fn(name, m)
		return true
	})
}

// Boot runs Initialize concurrently across every registered module, each
// bound to the settings supplied in settingsByName. Modules never depend on
// each other's Initialize having already run — only on the Registry itself
// being fully populated first, which Boot's caller guarantees by registering
// every module before calling Boot. The first Initialize error cancels the
// rest and is returned.
func (r *Registry) Boot(ctx context.Context, settingsByName map[string]any) error {
	g, gctx := errgroup.WithContext(ctx)
	r.modules.ForEach(func(name string, m Module) bool {
		g.Go(func() error {
			cfg := Config{
				Settings: settingsByName[name],
				Resolve:  r.Resolve,
			}
			if err := m.Initialize(gctx, cfg); err != nil {
				return fmt.Errorf("module %q: initialize: %w", name, err)
			}
			return nil
		})
		return true
	})
	return g.Wait()
}
