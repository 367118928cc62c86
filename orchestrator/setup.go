package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/projecteru2/agentvm/engine"
	"github.com/projecteru2/agentvm/progress"
	"github.com/projecteru2/agentvm/provision"
	"github.com/projecteru2/agentvm/types"
	"github.com/projecteru2/agentvm/utils"
)

// Setup rebuilds the base template from scratch: create, start, run the
// base and user provisioning stages, stop, then record a new base token.
// res overrides the configured template resources field by field.
//
// On a provisioning failure the template is left as it is and no token is
// recorded; rerunning Setup starts over.
func (o *Orchestrator) Setup(ctx context.Context, res types.Resources, tracker progress.Tracker) error {
	ctx = utils.WithSession(ctx, uuid.NewString())
	logger := utils.Logger(ctx, "orchestrator.Setup")
	name := o.conf.Template.Name

	defaults, err := o.conf.TemplateResources()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUsage, err)
	}
	res = res.Merge(defaults)

	release, err := o.acquire(ctx, name)
	if err != nil {
		return err
	}
	defer release()

	exists, err := o.eng.Exists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		logger.Infof(ctx, "replacing existing template %s", name)
		if err := o.eng.Stop(ctx, name); err != nil && !errors.Is(err, engine.ErrNotFound) {
			logger.Warnf(ctx, "stop %s: %v", name, err)
		}
		if err := o.eng.Delete(ctx, name, true); err != nil {
			return err
		}
	}
	if err := o.tracker.ClearBase(ctx); err != nil {
		return err
	}

	cfg := &types.VMConfig{Name: name, Resources: res, Images: o.conf.Template.Images}
	if err := o.eng.Create(ctx, cfg); err != nil {
		return err
	}
	if err := o.eng.Start(ctx, name); err != nil {
		return err
	}

	stages := []provision.Stage{
		{Label: provision.StageBase, Source: provision.BaseScript()},
		{Label: provision.StageUserGlobal, Source: provision.File(o.conf.UserProvisionScript())},
	}
	if _, err := o.pipeline.Run(ctx, name, "/", tracker, stages...); err != nil {
		return fmt.Errorf("template %s left unfinished, rerun setup: %w", name, err)
	}

	if err := o.eng.Stop(ctx, name); err != nil {
		return err
	}
	token, err := o.tracker.RecordBase(ctx)
	if err != nil {
		return err
	}
	logger.Infof(ctx, "template %s ready, version %s", name, token)
	return nil
}
