package todoist

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/xid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nightscape/knowledge/internal/storage"
	"github.com/nightscape/knowledge/internal/types"
	"github.com/nightscape/knowledge/provider"
)

// Provider is the stream hub for one todoist account: it owns the client and
// the sync token, drains queued operations on each sync, reconciles the
// shadow-id mapping and fans out one typed change stream per entity type.
type Provider struct {
	client *Client
	log    *zap.SugaredLogger
	idmap  *provider.IDMapper

	mu        sync.Mutex
	syncToken string
	tasks     map[string]Task
	projects  map[string]Project
	sections  map[string]Section

	tasksB    *provider.Broadcaster[Task]
	projectsB *provider.Broadcaster[Project]
	sectionsB *provider.Broadcaster[Section]

	taskCache    *provider.QueryableCache[Task]
	projectCache *provider.QueryableCache[Project]
	sectionCache *provider.QueryableCache[Section]
}

// Builder assembles a provider: construct it, wrap the exposed datasources
// in caches, attach each cache, then Build.
type Builder struct {
	p *Provider
}

// New starts a builder over the client. db hosts the shadow-id mapping.
func New(ctx context.Context, client *Client, db *storage.Backend, log *zap.SugaredLogger) (*Builder, error) {
	idmap, err := provider.NewIDMapper(ctx, db)
	if err != nil {
		return nil, err
	}
	return &Builder{p: &Provider{
		client:    client,
		log:       log,
		idmap:     idmap,
		tasks:     map[string]Task{},
		projects:  map[string]Project{},
		sections:  map[string]Section{},
		tasksB:    provider.NewBroadcaster[Task](),
		projectsB: provider.NewBroadcaster[Project](),
		sectionsB: provider.NewBroadcaster[Section](),
	}}, nil
}

// TaskSource is the datasource a task cache wraps.
func (b *Builder) TaskSource() provider.ReadWriteDataSource[Task] { return taskSource{p: b.p} }

// ProjectSource is the datasource a project cache wraps.
func (b *Builder) ProjectSource() provider.ReadWriteDataSource[Project] {
	return projectSource{p: b.p}
}

// SectionSource is the datasource a section cache wraps.
func (b *Builder) SectionSource() provider.ReadWriteDataSource[Section] {
	return sectionSource{p: b.p}
}

// WithTasks subscribes the cache's ingest stream to the task broadcast.
func (b *Builder) WithTasks(ctx context.Context, cache *provider.QueryableCache[Task]) *Builder {
	b.p.taskCache = cache
	cache.IngestStream(ctx, b.p.tasksB.Subscribe(0))
	return b
}

// WithProjects subscribes the cache's ingest stream to the project
// broadcast.
func (b *Builder) WithProjects(ctx context.Context, cache *provider.QueryableCache[Project]) *Builder {
	b.p.projectCache = cache
	cache.IngestStream(ctx, b.p.projectsB.Subscribe(0))
	return b
}

// WithSections subscribes the cache's ingest stream to the section
// broadcast.
func (b *Builder) WithSections(ctx context.Context, cache *provider.QueryableCache[Section]) *Builder {
	b.p.sectionCache = cache
	cache.IngestStream(ctx, b.p.sectionsB.Subscribe(0))
	return b
}

// Build finishes assembly.
func (b *Builder) Build() *Provider { return b.p }

// Source implements provider.Syncer.
func (p *Provider) Source() string { return Source }

// Close tears down the broadcasters, ending every ingest task.
func (p *Provider) Close() {
	p.tasksB.Close()
	p.projectsB.Close()
	p.sectionsB.Close()
}

// -- write boundary ----------------------------------------------------------

// executeWrite sends one command immediately and applies the temp-id map
// from the response.
func (p *Provider) executeWrite(ctx context.Context, cmd Command) error {
	resp, err := p.client.ExecuteCommands(ctx, []Command{cmd})
	if resp != nil && len(resp.TempIDMapping) > 0 {
		if merr := p.idmap.ApplyTempIDMapping(ctx, resp.TempIDMapping); merr != nil {
			p.log.Warnw("applying temp id mapping", "err", merr)
		}
	}
	return err
}

// updateArgs builds the args of an entity update, resolving the target id at
// this boundary. Local field names map onto their wire names.
func (p *Provider) updateArgs(ctx context.Context, kind, id, field string, value types.Value) (map[string]interface{}, error) {
	ext, err := p.idmap.ResolveExternal(ctx, id)
	if err != nil {
		return nil, err
	}
	args := map[string]interface{}{"id": ext}
	switch field {
	case "completed":
		b, _ := value.Bool()
		args["checked"] = b
	case "due_date":
		if value.IsNull() {
			args["due"] = nil
		} else if t, ok := value.Time(); ok {
			args["due"] = Due{Date: t.Format("2006-01-02")}
		}
	case "project_id", "parent_id", "section_id":
		ref, _ := value.Str()
		resolved, err := p.idmap.ResolveExternal(ctx, ref)
		if err != nil {
			return nil, err
		}
		args[field] = resolved
	default:
		args[field] = value.Any()
	}
	_ = kind
	return args, nil
}

// createArgs builds the args of an entity add, resolving the named
// foreign-key fields from internal to external ids at the last possible
// step.
func (p *Provider) createArgs(ctx context.Context, fields types.Entity, fkFields ...string) (map[string]interface{}, error) {
	fk := map[string]bool{}
	for _, f := range fkFields {
		fk[f] = true
	}
	args := map[string]interface{}{}
	for name, v := range fields {
		if name == "id" || v.IsNull() {
			continue
		}
		if fk[name] {
			ref, _ := v.Str()
			if ref == "" {
				continue
			}
			resolved, err := p.idmap.ResolveExternal(ctx, ref)
			if err != nil {
				return nil, err
			}
			args[name] = resolved
			continue
		}
		if name == "completed" {
			b, _ := v.Bool()
			args["checked"] = b
			continue
		}
		args[name] = v.Any()
	}
	return args, nil
}

// -- sync --------------------------------------------------------------------

var resourceTypes = []string{"items", "projects", "sections"}

// Sync implements provider.Syncer:
//
//  1. queued operation intents drain into one command batch, with foreign
//     keys resolved internal -> external and internal UUIDs as temp ids;
//  2. the batch posts with the stored sync token;
//  3. the temp-id mapping from the response lands in id_mappings in one
//     pass; confirmed intents leave the queue, the first non-transient
//     command failure stops processing and leaves the rest queued;
//  4. the response state, translated back to internal ids, updates the
//     snapshot and fans out per-type change batches, best effort.
func (p *Provider) Sync(ctx context.Context) error {
	cmds, err := p.drainCommands(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	token := p.syncToken
	p.mu.Unlock()

	req := SyncRequest{
		SyncToken:     token,
		ResourceTypes: resourceTypes,
	}
	for _, pc := range cmds {
		req.Commands = append(req.Commands, pc.cmd)
	}

	resp, err := p.client.Sync(ctx, req)
	if err != nil {
		return err
	}

	if len(resp.TempIDMapping) > 0 {
		if err := p.idmap.ApplyTempIDMapping(ctx, resp.TempIDMapping); err != nil {
			return err
		}
	}

	if err := p.settleCommands(ctx, cmds, resp); err != nil {
		return err
	}

	p.mu.Lock()
	p.syncToken = resp.SyncToken
	p.mu.Unlock()

	return p.fanOut(ctx, resp)
}

// pendingCommand ties a drained intent to its queue entry and the cache
// that owns the optimistic row.
type pendingCommand struct {
	cmd     Command
	queueID int64
	tempID  string
	queue   *provider.Queue
	discard func(context.Context, string) error
}

func (p *Provider) drainCommands(ctx context.Context) ([]pendingCommand, error) {
	var out []pendingCommand
	type drainSpec struct {
		cache  queueHolder
		table  string
		prefix string
		fks    []string
	}
	// parents drain before children so a foreign key naming a temp id
	// resolves within the same batch
	specs := []drainSpec{}
	if p.projectCache != nil {
		specs = append(specs, drainSpec{p.projectCache, ProjectSchema.Table, "project",
			[]string{"parent_id"}})
	}
	if p.sectionCache != nil {
		specs = append(specs, drainSpec{p.sectionCache, SectionSchema.Table, "section",
			[]string{"project_id"}})
	}
	if p.taskCache != nil {
		specs = append(specs, drainSpec{p.taskCache, TaskSchema.Table, "item",
			[]string{"project_id", "section_id", "parent_id"}})
	}

	for _, spec := range specs {
		intents, err := spec.cache.Queue().PendingFor(ctx, spec.table)
		if err != nil {
			return nil, err
		}
		for _, intent := range intents {
			cmd, err := p.intentCommand(ctx, spec.prefix, intent, spec.fks)
			if err != nil {
				return nil, err
			}
			out = append(out, pendingCommand{
				cmd:     cmd,
				queueID: intent.ID,
				tempID:  cmd.TempID,
				queue:   spec.cache.Queue(),
				discard: spec.cache.Discard,
			})
		}
	}
	return out, nil
}

type queueHolder interface {
	Queue() *provider.Queue
	Discard(ctx context.Context, id string) error
}

func (p *Provider) intentCommand(ctx context.Context, prefix string, intent types.OperationIntent, fks []string) (Command, error) {
	switch intent.OpName {
	case "create":
		args, err := p.createArgs(ctx, intent.Params, fks...)
		if err != nil {
			return Command{}, err
		}
		return Command{
			Type:   prefix + "_add",
			TempID: intent.Params.GetString("id"),
			UUID:   xid.New().String(),
			Args:   args,
		}, nil

	case "set_field":
		args, err := p.updateArgs(ctx, prefix,
			intent.Params.GetString("id"),
			intent.Params.GetString("field"),
			intent.Params["value"])
		if err != nil {
			return Command{}, err
		}
		return Command{Type: prefix + "_update", UUID: xid.New().String(), Args: args}, nil

	case "delete":
		ext, err := p.idmap.ResolveExternal(ctx, intent.Params.GetString("id"))
		if err != nil {
			return Command{}, err
		}
		return Command{
			Type: prefix + "_delete",
			UUID: xid.New().String(),
			Args: map[string]interface{}{"id": ext},
		}, nil
	}
	return Command{}, errors.Wrapf(types.ErrUnknownOperation,
		"queued intent %q", intent.OpName)
}

// settleCommands applies per-command outcomes: confirmed intents dequeue,
// the first non-transient failure stops the batch and leaves commands k+1..N
// queued for the next sync.
func (p *Provider) settleCommands(ctx context.Context, cmds []pendingCommand, resp *SyncResponse) error {
	for _, pc := range cmds {
		ce, found := resp.CommandStatus(pc.cmd.UUID)
		if found && ce != nil {
			if ce.Transient() {
				p.log.Infow("command deferred", "type", pc.cmd.Type, "status", ce.String())
				return nil
			}
			p.log.Warnw("command rejected", "type", pc.cmd.Type, "status", ce.String())
			if pc.tempID != "" {
				if err := pc.discard(ctx, pc.tempID); err != nil {
					return err
				}
			}
			if err := pc.queue.Remove(ctx, pc.queueID); err != nil {
				return err
			}
			return nil
		}
		if err := pc.queue.Remove(ctx, pc.queueID); err != nil {
			return err
		}
	}
	return nil
}

// fanOut translates response state back to internal ids, refreshes the
// snapshot and broadcasts per-type change batches. The three entity types
// are independent and translate concurrently.
func (p *Provider) fanOut(ctx context.Context, resp *SyncResponse) error {
	var taskChanges []types.Change[Task]
	var projectChanges []types.Change[Project]
	var sectionChanges []types.Change[Section]

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for _, item := range resp.Items {
			t := item
			if err := p.internalizeTask(gctx, &t); err != nil {
				return err
			}
			p.mu.Lock()
			if t.IsDeleted {
				delete(p.tasks, t.ID)
			} else {
				p.tasks[t.ID] = t
			}
			p.mu.Unlock()
			if t.IsDeleted {
				taskChanges = append(taskChanges, types.ChangeDelete[Task](t.ID))
			} else {
				taskChanges = append(taskChanges, types.ChangeUpsert(t))
			}
		}
		return nil
	})

	g.Go(func() error {
		for _, pr := range resp.Projects {
			project := pr
			if err := p.internalizeProject(gctx, &project); err != nil {
				return err
			}
			p.mu.Lock()
			if project.IsDeleted {
				delete(p.projects, project.ID)
			} else {
				p.projects[project.ID] = project
			}
			p.mu.Unlock()
			if project.IsDeleted {
				projectChanges = append(projectChanges, types.ChangeDelete[Project](project.ID))
			} else {
				projectChanges = append(projectChanges, types.ChangeUpsert(project))
			}
		}
		return nil
	})

	g.Go(func() error {
		for _, sec := range resp.Sections {
			section := sec
			if err := p.internalizeSection(gctx, &section); err != nil {
				return err
			}
			p.mu.Lock()
			if section.IsDeleted {
				delete(p.sections, section.ID)
			} else {
				p.sections[section.ID] = section
			}
			p.mu.Unlock()
			if section.IsDeleted {
				sectionChanges = append(sectionChanges, types.ChangeDelete[Section](section.ID))
			} else {
				sectionChanges = append(sectionChanges, types.ChangeUpsert(section))
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	p.tasksB.Send(taskChanges)
	p.projectsB.Send(projectChanges)
	p.sectionsB.Send(sectionChanges)
	return nil
}

// internalize* rewrite external ids to internal ids wherever a mapping
// exists. Entities that originated externally keep their external id as
// their internal identity.
func (p *Provider) internalizeTask(ctx context.Context, t *Task) error {
	var err error
	if t.ID, err = p.toInternal(ctx, t.ID); err != nil {
		return err
	}
	if t.ProjectID, err = p.toInternal(ctx, t.ProjectID); err != nil {
		return err
	}
	if t.SectionID, err = p.toInternal(ctx, t.SectionID); err != nil {
		return err
	}
	t.ParentID, err = p.toInternal(ctx, t.ParentID)
	return err
}

func (p *Provider) internalizeProject(ctx context.Context, pr *Project) error {
	var err error
	if pr.ID, err = p.toInternal(ctx, pr.ID); err != nil {
		return err
	}
	pr.ParentID, err = p.toInternal(ctx, pr.ParentID)
	return err
}

func (p *Provider) internalizeSection(ctx context.Context, sec *Section) error {
	var err error
	if sec.ID, err = p.toInternal(ctx, sec.ID); err != nil {
		return err
	}
	sec.ProjectID, err = p.toInternal(ctx, sec.ProjectID)
	return err
}

func (p *Provider) toInternal(ctx context.Context, externalID string) (string, error) {
	if externalID == "" {
		return "", nil
	}
	internal, found, err := p.idmap.ResolveInternal(ctx, Source, externalID)
	if err != nil {
		return "", err
	}
	if found {
		return internal, nil
	}
	return externalID, nil
}

var _ provider.Syncer = (*Provider)(nil)
