package orchestrator

import (
	"context"

	"github.com/projecteru2/agentvm/gc"
	"github.com/projecteru2/agentvm/naming"
	"github.com/projecteru2/agentvm/utils"
)

// GC drops version tokens and registry rows whose VM no longer exists.
// The live-VM snapshot is taken under the template lock so no clone can
// appear mid-cycle.
func (o *Orchestrator) GC(ctx context.Context) error {
	g := gc.New()
	gc.Register(g, gc.Module[gc.LiveSet]{
		Name:   gc.VMsModule,
		Locker: o.lockFor(o.conf.Template.Name),
		ReadDB: func(ctx context.Context) (gc.LiveSet, error) {
			vms, err := o.eng.List(ctx)
			if err != nil {
				return nil, err
			}
			var names []string
			for _, vm := range vms {
				if naming.IsManaged(vm.Name) {
					names = append(names, vm.Name)
				}
			}
			return gc.LiveSet(utils.SetOf(names...)), nil
		},
	})
	o.tracker.RegisterGC(g, o.lockFor("versions"))
	o.registry.RegisterGC(g)
	return g.Run(ctx)
}
