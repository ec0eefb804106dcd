package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nightscape/knowledge/internal/types"
)

// Executor is one per-entity operation dispatcher. Execute returns an error
// wrapping types.ErrUnknownOperation when it does not claim the operation
// name, which tells the façade to try the next dispatcher; any other error
// stops the chain.
type Executor interface {
	EntityName() string
	Operations() []types.OperationDescriptor
	Execute(ctx context.Context, opName string, params types.Entity) error
}

// UnknownOperationError reports that no registered dispatcher claimed an
// operation, naming the dispatchers that were tried so a real per-dispatcher
// failure is never masked by a generic not-found.
type UnknownOperationError struct {
	EntityName string
	OpName     string
	Tried      []string
}

func (e *UnknownOperationError) Error() string {
	return fmt.Sprintf("unknown operation %s.%s (tried: %s)",
		e.EntityName, e.OpName, strings.Join(e.Tried, ", "))
}

func (e *UnknownOperationError) Unwrap() error { return types.ErrUnknownOperation }

// Facade is the composite operation provider: it enumerates operations,
// filters them by available arguments, checks preconditions and dispatches to
// the registered per-entity executors. Registration is runtime-dynamic so
// external integrations can be enabled and disabled while running.
type Facade struct {
	mu        sync.RWMutex
	executors []Executor
	log       *zap.SugaredLogger
}

// NewFacade builds an empty façade.
func NewFacade(log *zap.SugaredLogger) *Facade {
	return &Facade{log: log}
}

// Register appends a dispatcher. Later registrations are tried after earlier
// ones.
func (f *Facade) Register(e Executor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executors = append(f.executors, e)
}

// Unregister removes every dispatcher for the named entity.
func (f *Facade) Unregister(entityName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.executors[:0]
	for _, e := range f.executors {
		if e.EntityName() != entityName {
			kept = append(kept, e)
		}
	}
	f.executors = kept
}

// Operations enumerates every registered operation descriptor.
func (f *Facade) Operations() []types.OperationDescriptor {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []types.OperationDescriptor
	for _, e := range f.executors {
		out = append(out, e.Operations()...)
	}
	return out
}

// FindOperations returns the operations of an entity whose required
// parameters are a subset of availableArgs.
func (f *Facade) FindOperations(entityName string, availableArgs []string) []types.OperationDescriptor {
	avail := map[string]bool{}
	for _, a := range availableArgs {
		avail[a] = true
	}

	var out []types.OperationDescriptor
	for _, d := range f.Operations() {
		if d.EntityName != entityName {
			continue
		}
		ok := true
		for _, p := range d.RequiredParams {
			if !avail[p.Name] {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, d)
		}
	}
	return out
}

// ExecuteOperation validates parameters and the precondition, then dispatches
// through the executor chain. Preconditions are checked before any state
// change; a violation returns ErrPreconditionFailed and mutates nothing.
func (f *Facade) ExecuteOperation(ctx context.Context, entityName, opName string, params types.Entity) error {
	f.mu.RLock()
	executors := append([]Executor(nil), f.executors...)
	f.mu.RUnlock()

	var desc *types.OperationDescriptor
	var tried []string
	for _, e := range executors {
		if e.EntityName() != entityName {
			continue
		}
		tried = append(tried, e.EntityName())
		for _, d := range e.Operations() {
			if d.Name == opName {
				d := d
				desc = &d
				break
			}
		}
	}

	if desc != nil {
		for _, p := range desc.RequiredParams {
			if _, ok := params[p.Name]; !ok {
				return errors.Wrapf(types.ErrParameterMissing,
					"%s.%s requires %q", entityName, opName, p.Name)
			}
		}
		if pre := desc.Precondition; pre != nil && !pre.Check(params) {
			return errors.Wrapf(types.ErrPreconditionFailed,
				"%s.%s: %s", entityName, opName, pre.Name)
		}
	}

	for _, e := range executors {
		if e.EntityName() != entityName {
			continue
		}
		err := e.Execute(ctx, opName, params)
		if err == nil {
			return nil
		}
		if errors.Is(err, types.ErrUnknownOperation) {
			continue
		}
		return err
	}

	return &UnknownOperationError{EntityName: entityName, OpName: opName, Tried: tried}
}

// FindFieldOperation resolves the operation responsible for mutating one
// field of one table. It implements the lineage registry: by convention a
// field's mutator is the set_<field> operation on the entity whose
// descriptors name that table.
func (f *Facade) FindFieldOperation(table, field string) (types.OperationDescriptor, bool) {
	for _, d := range f.Operations() {
		if d.Table != table {
			continue
		}
		if d.Name == "set_"+field {
			return d, true
		}
		if strings.HasPrefix(d.Name, "set_") {
			for _, p := range d.RequiredParams {
				if p.Name == field {
					return d, true
				}
			}
		}
	}
	return types.OperationDescriptor{}, false
}
