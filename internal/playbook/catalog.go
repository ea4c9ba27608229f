package playbook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultStepTimeout bounds a step whose definition carries no timeout of
// its own.
const DefaultStepTimeout = 5 * time.Minute

var ErrNotFound = errors.New("playbook not found")

// Step is one unit of a remediation procedure. Automated steps carry a Run
// function; manual steps are tracked as action items by the caller. Rollback
// and Verify are optional.
type Step struct {
	ID          string
	Name        string
	Description string
	Automated   bool
	Timeout     time.Duration
	Run         func(ctx context.Context) (map[string]any, error)
	Rollback    func(ctx context.Context) error
	Verify      func(ctx context.Context) (bool, error)
}

// Playbook is a read-only catalog entry keyed by (incident type, severity).
type Playbook struct {
	ID            string
	Name          string
	IncidentType  string
	Severity      string
	Description   string
	RequiredRoles []string
	Steps         []Step
}

// Catalog holds the registered playbooks. Seeded once at startup; Add may
// overwrite an existing entry by id.
type Catalog struct {
	mu          sync.RWMutex
	byID        map[string]Playbook
	StepTimeout time.Duration
}

func NewCatalog(stepTimeout time.Duration) *Catalog {
	if stepTimeout <= 0 {
		stepTimeout = DefaultStepTimeout
	}
	return &Catalog{byID: map[string]Playbook{}, StepTimeout: stepTimeout}
}

func (c *Catalog) Add(p Playbook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID[p.ID] = p
}

func (c *Catalog) Get(id string) (Playbook, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.byID[id]
	if !ok {
		return Playbook{}, ErrNotFound
	}
	return p, nil
}

// ForIncident returns playbooks whose (type, severity) exactly match the
// arguments. No severity hierarchy: critical does not also match high.
func (c *Catalog) ForIncident(incidentType, severity string) []Playbook {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Playbook
	for _, p := range c.byID {
		if p.IncidentType == incidentType && p.Severity == severity {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Catalog) List() []Playbook {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Playbook, 0, len(c.byID))
	for _, p := range c.byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ExecuteStep runs a step's action racing against its timeout. On action
// failure, timeout, or verification failure the step's rollback runs before
// the error is returned. A nil Run succeeds immediately with no result.
func (c *Catalog) ExecuteStep(ctx context.Context, step Step) (map[string]any, error) {
	if step.Run == nil {
		return nil, nil
	}
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = c.StepTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := step.Run(runCtx)
		done <- outcome{res, err}
	}()

	var result map[string]any
	select {
	case out := <-done:
		if out.err != nil {
			c.rollback(ctx, step)
			return nil, fmt.Errorf("step %s: %w", step.Name, out.err)
		}
		result = out.result
	case <-runCtx.Done():
		c.rollback(ctx, step)
		return nil, fmt.Errorf("step %s timed out after %s", step.Name, timeout)
	}

	if step.Verify != nil {
		ok, err := step.Verify(ctx)
		if err != nil {
			c.rollback(ctx, step)
			return nil, fmt.Errorf("step %s verification: %w", step.Name, err)
		}
		if !ok {
			c.rollback(ctx, step)
			return nil, fmt.Errorf("step %s verification failed", step.Name)
		}
	}
	return result, nil
}

func (c *Catalog) rollback(ctx context.Context, step Step) {
	if step.Rollback == nil {
		return
	}
	// Rollback gets a fresh deadline so a timed-out action can still be undone.
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.StepTimeout)
	defer cancel()
	_ = step.Rollback(rbCtx)
}
