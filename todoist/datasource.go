package todoist

import (
	"context"

	"github.com/rs/xid"

	"github.com/nightscape/knowledge/internal/types"
	"github.com/nightscape/knowledge/provider"
)

// The remote datasources are the write-through targets the caches wrap.
// Writes become single sync commands executed immediately; when the client
// is unreachable the transient failure leaves the cache's queued intent in
// place and the next provider sync replays it. Reads consult the provider's
// last-synced snapshot — fire-and-forget, with confirmation arriving on the
// change stream.

type taskSource struct{ p *Provider }

func (s taskSource) GetAll(ctx context.Context) ([]Task, error) {
	return snapshotAll(s.p, s.p.tasks), nil
}

func (s taskSource) GetByID(ctx context.Context, id string) (*Task, error) {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if t, ok := s.p.tasks[id]; ok {
		return &t, nil
	}
	return nil, nil
}

func (s taskSource) GetChildren(ctx context.Context, parentID string) ([]Task, error) {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	var out []Task
	for _, t := range s.p.tasks {
		if t.ParentID == parentID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s taskSource) SetField(ctx context.Context, id, field string, value types.Value) error {
	args, err := s.p.updateArgs(ctx, "item", id, field, value)
	if err != nil {
		return err
	}
	return s.p.executeWrite(ctx, Command{
		Type: "item_update", UUID: xid.New().String(), Args: args,
	})
}

func (s taskSource) Create(ctx context.Context, fields types.Entity) (string, error) {
	tempID := fields.GetString(TaskSchema.PrimaryKey)
	args, err := s.p.createArgs(ctx, fields, "project_id", "section_id", "parent_id")
	if err != nil {
		return "", err
	}
	err = s.p.executeWrite(ctx, Command{
		Type: "item_add", TempID: tempID, UUID: xid.New().String(), Args: args,
	})
	return tempID, err
}

func (s taskSource) Delete(ctx context.Context, id string) error {
	ext, err := s.p.idmap.ResolveExternal(ctx, id)
	if err != nil {
		return err
	}
	return s.p.executeWrite(ctx, Command{
		Type: "item_delete", UUID: xid.New().String(),
		Args: map[string]interface{}{"id": ext},
	})
}

type projectSource struct{ p *Provider }

func (s projectSource) GetAll(ctx context.Context) ([]Project, error) {
	return snapshotAll(s.p, s.p.projects), nil
}

func (s projectSource) GetByID(ctx context.Context, id string) (*Project, error) {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if pr, ok := s.p.projects[id]; ok {
		return &pr, nil
	}
	return nil, nil
}

func (s projectSource) GetChildren(ctx context.Context, parentID string) ([]Project, error) {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	var out []Project
	for _, pr := range s.p.projects {
		if pr.ParentID == parentID {
			out = append(out, pr)
		}
	}
	return out, nil
}

func (s projectSource) SetField(ctx context.Context, id, field string, value types.Value) error {
	args, err := s.p.updateArgs(ctx, "project", id, field, value)
	if err != nil {
		return err
	}
	return s.p.executeWrite(ctx, Command{
		Type: "project_update", UUID: xid.New().String(), Args: args,
	})
}

func (s projectSource) Create(ctx context.Context, fields types.Entity) (string, error) {
	tempID := fields.GetString(ProjectSchema.PrimaryKey)
	args, err := s.p.createArgs(ctx, fields, "parent_id")
	if err != nil {
		return "", err
	}
	err = s.p.executeWrite(ctx, Command{
		Type: "project_add", TempID: tempID, UUID: xid.New().String(), Args: args,
	})
	return tempID, err
}

func (s projectSource) Delete(ctx context.Context, id string) error {
	ext, err := s.p.idmap.ResolveExternal(ctx, id)
	if err != nil {
		return err
	}
	return s.p.executeWrite(ctx, Command{
		Type: "project_delete", UUID: xid.New().String(),
		Args: map[string]interface{}{"id": ext},
	})
}

type sectionSource struct{ p *Provider }

func (s sectionSource) GetAll(ctx context.Context) ([]Section, error) {
	return snapshotAll(s.p, s.p.sections), nil
}

func (s sectionSource) GetByID(ctx context.Context, id string) (*Section, error) {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if sec, ok := s.p.sections[id]; ok {
		return &sec, nil
	}
	return nil, nil
}

func (s sectionSource) GetChildren(ctx context.Context, parentID string) ([]Section, error) {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	var out []Section
	for _, sec := range s.p.sections {
		if sec.ProjectID == parentID {
			out = append(out, sec)
		}
	}
	return out, nil
}

func (s sectionSource) SetField(ctx context.Context, id, field string, value types.Value) error {
	args, err := s.p.updateArgs(ctx, "section", id, field, value)
	if err != nil {
		return err
	}
	return s.p.executeWrite(ctx, Command{
		Type: "section_update", UUID: xid.New().String(), Args: args,
	})
}

func (s sectionSource) Create(ctx context.Context, fields types.Entity) (string, error) {
	tempID := fields.GetString(SectionSchema.PrimaryKey)
	args, err := s.p.createArgs(ctx, fields, "project_id")
	if err != nil {
		return "", err
	}
	err = s.p.executeWrite(ctx, Command{
		Type: "section_add", TempID: tempID, UUID: xid.New().String(), Args: args,
	})
	return tempID, err
}

func (s sectionSource) Delete(ctx context.Context, id string) error {
	ext, err := s.p.idmap.ResolveExternal(ctx, id)
	if err != nil {
		return err
	}
	return s.p.executeWrite(ctx, Command{
		Type: "section_delete", UUID: xid.New().String(),
		Args: map[string]interface{}{"id": ext},
	})
}

func snapshotAll[T any](p *Provider, m map[string]T) []T {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]T, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

var (
	_ provider.ReadWriteDataSource[Task]    = taskSource{}
	_ provider.ReadWriteDataSource[Project] = projectSource{}
	_ provider.ReadWriteDataSource[Section] = sectionSource{}
)
