package middleware

import (
	"context"
	"fmt"
	"regexp"

	"github.com/weftworks/loom/pkg/agent"
)

// Mode selects how the resolved template combines with the existing system
// prompt.
type Mode string

const (
	// ModePrefix puts the resolved template ahead of the existing prompt.
	ModePrefix Mode = "prefix"
	// ModeSuffix appends the resolved template after the existing prompt.
	ModeSuffix Mode = "suffix"
	// ModeReplace resolves variables inside the existing prompt itself; the
	// template is unused.
	ModeReplace Mode = "replace"
	// ModeOverride discards the existing prompt in favor of the resolved
	// template.
	ModeOverride Mode = "override"
)

// DefaultInjectionPriority runs injection after summarization, so the
// injected prompt survives transcript compaction.
const DefaultInjectionPriority = 20

// variablePattern matches ${state:key}, ${request:key} and ${context:key}.
var variablePattern = regexp.MustCompile(`\$\{(state|request|context):([^}]+)\}`)

// InjectionConfig configures the variable injection middleware.
type InjectionConfig struct {
	// Mode defaults to suffix.
	Mode Mode

	// Template is the text injected around the system prompt. Required for
	// every mode except replace.
	Template string

	Priority int
}

// Injection rewrites the system prompt on the first iteration of a request.
// Variables of the form ${state:key}, ${request:key} and ${context:key}
// resolve against the state data map, the request parameters and the context
// scratch map; unresolved variables pass through verbatim.
type Injection struct {
	mode     Mode
	template string
	priority int
}

// NewInjection builds the injection middleware.
func NewInjection(cfg InjectionConfig) (*Injection, error) {
	switch cfg.Mode {
	case ModePrefix, ModeSuffix, ModeReplace, ModeOverride:
	case "":
		cfg.Mode = ModeSuffix
	default:
		return nil, fmt.Errorf("unknown injection mode %q", cfg.Mode)
	}
	if cfg.Mode != ModeReplace && cfg.Template == "" {
		return nil, fmt.Errorf("injection mode %s requires a template", cfg.Mode)
	}
	priority := cfg.Priority
	if priority == 0 {
		priority = DefaultInjectionPriority
	}

	return &Injection{mode: cfg.Mode, template: cfg.Template, priority: priority}, nil
}

func (m *Injection) Name() string  { return "injection" }
func (m *Injection) Priority() int { return m.priority }

func (m *Injection) BeforeInvoke(ctx context.Context, ic *agent.InvocationContext) error {
	if ic.Iteration() != 0 {
		return nil
	}

	st := ic.State()
	prompt, _ := st.SystemPrompt()

	var combined string
	switch m.mode {
	case ModeReplace:
		combined = m.resolve(ic, prompt)
	case ModePrefix:
		combined = joinPrompt(m.resolve(ic, m.template), prompt)
	case ModeSuffix:
		combined = joinPrompt(prompt, m.resolve(ic, m.template))
	case ModeOverride:
		combined = m.resolve(ic, m.template)
	}

	if combined == prompt || combined == "" {
		return nil
	}

	updated, err := st.WithSystemPrompt(combined)
	if err != nil {
		return fmt.Errorf("injecting system prompt: %w", err)
	}
	ic.ReplaceState(updated)
	return nil
}

// resolve substitutes every variable that has a value; the rest stay as
// written.
func (m *Injection) resolve(ic *agent.InvocationContext, text string) string {
	return variablePattern.ReplaceAllStringFunc(text, func(match string) string {
		groups := variablePattern.FindStringSubmatch(match)
		source, key := groups[1], groups[2]

		var (
			value any
			ok    bool
		)
		switch source {
		case "state":
			value, ok = ic.State().Data[key]
		case "request":
			value, ok = ic.Request().Parameters[key]
		case "context":
			value, ok = ic.Get(key)
		}
		if !ok {
			return match
		}
		return stringify(value)
	})
}

func stringify(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprint(value)
}

func joinPrompt(first, second string) string {
	switch {
	case first == "":
		return second
	case second == "":
		return first
	default:
		return first + "\n\n" + second
	}
}
