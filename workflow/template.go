package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Template is a plan definition from which instances are created.
type Template struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Schema declares the kind of every context key the plan reads.
	Schema map[string]ValueKind `yaml:"schema" json:"schema"`

	Tasks []TaskTemplate `yaml:"tasks" json:"tasks"`

	// Source is the file the template was loaded from, empty for built-ins.
	Source string `yaml:"-" json:"source,omitempty"`
}

// TaskTemplate is the authoring form of a task.
type TaskTemplate struct {
	ID           string   `yaml:"id" json:"id"`
	Title        string   `yaml:"title" json:"title"`
	Description  string   `yaml:"description,omitempty" json:"description,omitempty"`
	Type         TaskType `yaml:"type" json:"type"`
	DependsOn    []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	RequiredData []string `yaml:"required_data,omitempty" json:"required_data,omitempty"`
	Rule         string   `yaml:"rule,omitempty" json:"rule,omitempty"`
	Action       *Action  `yaml:"action,omitempty" json:"action,omitempty"`
}

func (tt TaskTemplate) task() Task {
	t := Task{
		ID:           tt.ID,
		Title:        tt.Title,
		Description:  tt.Description,
		Type:         tt.Type,
		Status:       TaskStatusPending,
		DependsOn:    append([]string(nil), tt.DependsOn...),
		RequiredData: append([]string(nil), tt.RequiredData...),
		Rule:         tt.Rule,
	}
	if tt.Action != nil {
		a := *tt.Action
		a.To = append([]string(nil), tt.Action.To...)
		t.Action = &a
	}
	return t
}

// Validate checks the template header, its task graph, and that every
// required data key is declared in the schema.
func (t *Template) Validate() error {
	if t.ID == "" {
		return &ValidationError{Field: "id", Message: "is required"}
	}
	if t.Name == "" {
		return &ValidationError{Field: "name", Message: "is required"}
	}
	for key, kind := range t.Schema {
		if !kind.IsValid() {
			return &ValidationError{Field: "schema." + key, Message: fmt.Sprintf("unknown kind %q", kind)}
		}
	}

	tasks := make([]Task, len(t.Tasks))
	for i, tt := range t.Tasks {
		tasks[i] = tt.task()
		for _, key := range tt.RequiredData {
			if _, ok := t.Schema[key]; !ok {
				return &ValidationError{
					Field:   fmt.Sprintf("tasks[%s].required_data", tt.ID),
					Message: fmt.Sprintf("key %q is not declared in schema", key),
				}
			}
		}
	}
	if err := ValidatePlan(tasks); err != nil {
		return fmt.Errorf("template %s: %w", t.ID, err)
	}
	return nil
}

// CheckContext verifies that every schema-declared key in c holds a value
// of the declared kind. A list key also accepts a comma-separated string.
func (t *Template) CheckContext(c Context) error {
	for _, key := range c.Keys() {
		want, ok := t.Schema[key]
		if !ok {
			continue
		}
		v := c[key]
		if !v.IsPresent() || v.Kind() == want {
			continue
		}
		if want == KindList && v.Kind() == KindString {
			continue
		}
		if v.Kind() == KindString {
			if want == KindNumber {
				if _, ok := v.Number(); ok {
					continue
				}
			}
			if want == KindBool {
				if _, ok := v.Bool(); ok {
					continue
				}
			}
		}
		return &ValidationError{Field: key, Message: fmt.Sprintf("expected %s, got %s", want, v.Kind())}
	}
	return nil
}

// Instantiate creates a planning instance with every task pending.
func (t *Template) Instantiate(conversationID string, initial Context, now time.Time) (*Instance, error) {
	if err := t.CheckContext(initial); err != nil {
		return nil, err
	}

	tasks := make([]Task, len(t.Tasks))
	for i, tt := range t.Tasks {
		tasks[i] = tt.task()
	}
	if err := ValidatePlan(tasks); err != nil {
		return nil, err
	}

	return &Instance{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		TemplateID:     t.ID,
		TemplateName:   t.Name,
		Status:         StatusPlanning,
		Context:        Context{}.Merge(initial),
		Tasks:          tasks,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// ParseTemplate decodes and validates a YAML template.
func ParseTemplate(data []byte) (*Template, error) {
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// LoadTemplates reads every *.yaml and *.yml file below dir.
func LoadTemplates(dir string) ([]*Template, error) {
	matches, err := doublestar.FilepathGlob(filepath.Join(dir, "**", "*.{yaml,yml}"))
	if err != nil {
		return nil, fmt.Errorf("glob templates: %w", err)
	}
	sort.Strings(matches)

	var out []*Template
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", path, err)
		}
		t, err := ParseTemplate(data)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		t.Source = path
		out = append(out, t)
	}
	return out, nil
}

// ScheduleMeetingTemplateID is the id of the built-in scheduling plan.
const ScheduleMeetingTemplateID = "schedule-meeting"

const scheduleMeetingYAML = `
id: schedule-meeting
name: Schedule a meeting
description: Find a free slot, book the meeting and notify attendees.
schema:
  title: string
  startTime: string
  endTime: string
  duration: number
  attendees: list
  location: string
  description: string
  organizer: string
  includeMeetLink: bool
tasks:
  - id: gather-details
    title: Gather meeting details
    type: gather
    required_data: [startTime, endTime, attendees]
  - id: validate-window
    title: Validate meeting window
    type: validate
    rule: meeting_window
    depends_on: [gather-details]
  - id: check-availability
    title: Check calendar availability
    type: execute
    depends_on: [validate-window]
    action:
      kind: check_availability
  - id: book-meeting
    title: Book the meeting
    type: execute
    depends_on: [check-availability]
    action:
      kind: schedule_meeting
  - id: announce
    title: Announce the booking
    type: notify
    depends_on: [book-meeting]
`

// BuiltinTemplates returns the templates compiled into the binary.
func BuiltinTemplates() []*Template {
	t, err := ParseTemplate([]byte(scheduleMeetingYAML))
	if err != nil {
		panic(fmt.Sprintf("built-in template: %v", err))
	}
	return []*Template{t}
}

// Catalog is a concurrency-safe set of templates keyed by id.
type Catalog struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewCatalog returns a catalog seeded with the built-in templates.
func NewCatalog() *Catalog {
	c := &Catalog{templates: make(map[string]*Template)}
	for _, t := range BuiltinTemplates() {
		c.templates[t.ID] = t
	}
	return c
}

// Get returns the template with the given id.
func (c *Catalog) Get(id string) (*Template, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.templates[id]
	return t, ok
}

// List returns all templates sorted by id.
func (c *Catalog) List() []*Template {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Template, 0, len(c.templates))
	for _, t := range c.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Put adds or replaces a template.
func (c *Catalog) Put(t *Template) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.templates[t.ID] = t
}

// Reload replaces all file-backed templates with the contents of dir.
// Built-ins are kept unless a file overrides them. On error the catalog is
// left unchanged.
func (c *Catalog) Reload(dir string) (int, error) {
	loaded, err := LoadTemplates(dir)
	if err != nil {
		return 0, err
	}

	next := make(map[string]*Template, len(loaded)+1)
	for _, t := range BuiltinTemplates() {
		next[t.ID] = t
	}
	for _, t := range loaded {
		next[t.ID] = t
	}

	c.mu.Lock()
	c.templates = next
	c.mu.Unlock()
	return len(loaded), nil
}
