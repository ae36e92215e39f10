package question

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/dukex/chatflow/pkg/flowerr"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/nodes"
	"github.com/dukex/chatflow/pkg/protocol"
	"github.com/dukex/chatflow/pkg/template"
)

var (
	ErrInvalidAnswer   = errors.New("answer does not satisfy the question constraints")
	ErrMissingVariable = errors.New("question needs a variable")
	ErrNoOptions       = errors.New("choice question needs options")
)

var (
	truthy = map[string]bool{"yes": true, "y": true, "true": true, "1": true, "sure": true, "ok": true}
	falsy  = map[string]bool{"no": true, "n": true, "false": true, "0": true, "nope": true}
)

func (p *Processor) Validate(node *models.Node, deps protocol.Deps) error {
	content, err := protocol.Content[*models.QuestionContent](node)
	if err != nil {
		return err
	}

	if strings.TrimSpace(content.Variable) == "" {
		return ErrMissingVariable
	}

	path := template.QualifyPath(content.Variable)
	if scope := template.SplitPath(path)[0]; scope == template.ScopeContext || scope == template.ScopeInput {
		return fmt.Errorf("variable %q: %w", content.Variable, flowerr.ErrScopeNotWritable)
	}

	if content.InputType == models.InputTypeChoice && len(content.Options) == 0 {
		return ErrNoOptions
	}

	if content.Pattern != "" {
		if _, err := regexp.Compile(content.Pattern); err != nil {
			return fmt.Errorf("invalid pattern: %w", err)
		}
	}

	if content.MinLength != nil && content.MaxLength != nil && *content.MinLength > *content.MaxLength {
		return errors.New("min_length is greater than max_length")
	}

	if content.Min != nil && content.Max != nil && *content.Min > *content.Max {
		return errors.New("min is greater than max")
	}

	return nodes.CheckTemplates(content.Prompt)
}

// Process prompts on entry. On input it validates the answer: a rejected
// answer re-prompts with an error and leaves state untouched.
func (p *Processor) Process(ctx context.Context, node *models.Node, state *template.State, input *models.Input, deps protocol.Deps) (*protocol.Result, error) {
	content, err := protocol.Content[*models.QuestionContent](node)
	if err != nil {
		return nil, flowerr.Configuration("question.Process", "", err)
	}

	if input == nil {
		return p.prompt(ctx, node, content, state, deps, "")
	}

	answer, next, reason := parseAnswer(content, input, deps)
	if reason != "" {
		if content.ErrorMessage != "" {
			reason = content.ErrorMessage
		}

		result, err := p.prompt(ctx, node, content, state, deps, reason)
		if err != nil {
			return nil, err
		}

		result.Rejection = flowerr.Validation("question.Process", reason, ErrInvalidAnswer)

		return result, nil
	}

	result := &protocol.Result{Next: next}

	if answer != nil {
		path := template.QualifyPath(content.Variable)
		if err := state.Writable(path); err != nil {
			return nil, flowerr.Configuration("question.Process", "variable "+content.Variable, err)
		}

		result.Delta.Set(path, answer)
	}

	return result, nil
}

func (p *Processor) prompt(ctx context.Context, node *models.Node, content *models.QuestionContent, state *template.State, deps protocol.Deps, reason string) (*protocol.Result, error) {
	text, err := nodes.ResolveText(ctx, deps, content.Prompt, content.ContentID, state)
	if err != nil {
		return nil, err
	}

	kind := models.InputKindText
	if content.InputType == models.InputTypeChoice || len(content.Options) > 0 {
		kind = models.InputKindChoice
	}

	return &protocol.Result{
		Await: protocol.AwaitInput,
		InputRequest: &models.InputRequest{
			NodeID:  node.ID,
			Kind:    kind,
			Prompt:  text,
			Options: content.Options,
			Error:   reason,
		},
	}, nil
}

// parseAnswer coerces the input to the declared type. A non-empty reason
// means the answer was rejected. A nil answer with no reason means an
// optional question was skipped.
func parseAnswer(content *models.QuestionContent, input *models.Input, deps protocol.Deps) (any, models.ConnectionKind, string) {
	raw := strings.TrimSpace(input.Text)
	if raw == "" {
		raw = strings.TrimSpace(input.Payload)
	}

	if raw == "" {
		if content.Required {
			return nil, "", "An answer is required."
		}

		return nil, models.ConnectionDefault, ""
	}

	if len(content.Options) > 0 {
		return matchOption(content.Options, input)
	}

	switch content.InputType {
	case models.InputTypeNumber:
		number, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", ""), 64)
		if err != nil || math.IsNaN(number) || math.IsInf(number, 0) {
			return nil, "", "Please enter a number."
		}

		if content.Min != nil && number < *content.Min {
			return nil, "", fmt.Sprintf("Please enter a number of at least %s.", template.Stringify(*content.Min))
		}

		if content.Max != nil && number > *content.Max {
			return nil, "", fmt.Sprintf("Please enter a number no greater than %s.", template.Stringify(*content.Max))
		}

		return number, models.ConnectionDefault, ""
	case models.InputTypeBoolean:
		lowered := strings.ToLower(raw)

		switch {
		case truthy[lowered]:
			return true, models.ConnectionDefault, ""
		case falsy[lowered]:
			return false, models.ConnectionDefault, ""
		default:
			return nil, "", "Please answer yes or no."
		}
	case models.InputTypeEmail:
		if err := deps.Validate().Var(raw, "email"); err != nil {
			return nil, "", "Please enter a valid email address."
		}
	}

	if reason := checkText(content, raw); reason != "" {
		return nil, "", reason
	}

	return raw, models.ConnectionDefault, ""
}

func checkText(content *models.QuestionContent, raw string) string {
	length := utf8.RuneCountInString(raw)

	if content.MinLength != nil && length < *content.MinLength {
		return fmt.Sprintf("Please enter at least %d characters.", *content.MinLength)
	}

	if content.MaxLength != nil && length > *content.MaxLength {
		return fmt.Sprintf("Please enter at most %d characters.", *content.MaxLength)
	}

	if content.Pattern != "" {
		pattern, err := regexp.Compile(content.Pattern)
		if err != nil || !pattern.MatchString(raw) {
			return "That answer is not in the expected format."
		}
	}

	return ""
}

// matchOption accepts an option by button payload ($0, option-0 or the
// option's own payload), by value, by label or by 1-based position. The first
// two options select option-0 and option-1.
func matchOption(options []models.Option, input *models.Input) (any, models.ConnectionKind, string) {
	index := -1

	for _, candidate := range []string{strings.TrimSpace(input.Payload), strings.TrimSpace(input.Text)} {
		if candidate == "" {
			continue
		}

		if index = optionIndex(options, candidate); index >= 0 {
			break
		}
	}

	if index < 0 {
		return nil, "", "Please choose one of the options."
	}

	next := models.ConnectionDefault

	switch index {
	case 0:
		next = models.ConnectionOption0
	case 1:
		next = models.ConnectionOption1
	}

	return options[index].Value, next, ""
}

func optionIndex(options []models.Option, answer string) int {
	switch answer {
	case "$0", string(models.ConnectionOption0):
		return 0
	case "$1", string(models.ConnectionOption1):
		if len(options) > 1 {
			return 1
		}

		return -1
	}

	for i, option := range options {
		if option.Payload != "" && option.Payload == answer {
			return i
		}
	}

	for i, option := range options {
		if strings.EqualFold(option.Value, answer) || (option.Label != "" && strings.EqualFold(option.Label, answer)) {
			return i
		}
	}

	if position, err := strconv.Atoi(answer); err == nil && position >= 1 && position <= len(options) {
		return position - 1
	}

	return -1
}
