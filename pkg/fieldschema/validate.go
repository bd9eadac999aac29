// Package fieldschema checks a template's field components before any
// contract is instantiated from it.
package fieldschema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/accordsai/esign/pkg/domain"
)

// ValidatedTemplate is a template that passed Validate. Only this type is
// accepted by the party resolver.
type ValidatedTemplate struct {
	Template domain.Template
	byID     map[string]int
}

func (v *ValidatedTemplate) Field(id string) (domain.FieldComponent, bool) {
	i, ok := v.byID[id]
	if !ok {
		return domain.FieldComponent{}, false
	}
	return v.Template.Fields[i], true
}

// PartiesWithRequiredFields returns ids of parties that must be bound.
func (v *ValidatedTemplate) PartiesWithRequiredFields() []string {
	seen := map[string]bool{}
	var out []string
	for _, f := range v.Template.Fields {
		if f.Required && f.Assignee != "" && !seen[f.Assignee] {
			seen[f.Assignee] = true
			out = append(out, f.Assignee)
		}
	}
	sort.Strings(out)
	return out
}

// Validate runs structural checks first; any structural error stops there.
// Otherwise every semantic check runs and all defects are returned together
// as domain.ValidationErrors.
func Validate(t domain.Template) (*ValidatedTemplate, error) {
	if errs := structural(t); len(errs) > 0 {
		return nil, errs
	}
	if errs := semantic(t); len(errs) > 0 {
		return nil, errs
	}
	tpl := t.Clone()
	byID := make(map[string]int, len(tpl.Fields))
	for i, f := range tpl.Fields {
		byID[f.ID] = i
	}
	return &ValidatedTemplate{Template: tpl, byID: byID}, nil
}

func structural(t domain.Template) domain.ValidationErrors {
	var errs domain.ValidationErrors
	pages := map[int]bool{}
	for _, p := range t.Pages {
		if pages[p.Number] {
			errs = append(errs, domain.ValidationError{Reason: fmt.Sprintf("page %d declared twice", p.Number)})
		}
		pages[p.Number] = true
		if p.Width <= 0 || p.Height <= 0 {
			errs = append(errs, domain.ValidationError{Reason: fmt.Sprintf("page %d has non-positive size", p.Number)})
		}
	}
	ids := map[string]bool{}
	for _, f := range t.Fields {
		if strings.TrimSpace(f.ID) == "" {
			errs = append(errs, domain.ValidationError{Reason: "field without id"})
		} else if ids[f.ID] {
			errs = append(errs, domain.ValidationError{FieldID: f.ID, Reason: "duplicate field id"})
		}
		ids[f.ID] = true
		if !f.Type.Known() {
			errs = append(errs, domain.ValidationError{FieldID: f.ID, Reason: fmt.Sprintf("unknown field type %q", f.Type)})
		}
		if f.Rect.Malformed() {
			errs = append(errs, domain.ValidationError{FieldID: f.ID, Reason: "malformed rect: width and height must be > 0 and origin non-negative"})
		}
		if !pages[f.Page] {
			errs = append(errs, domain.ValidationError{FieldID: f.ID, Reason: fmt.Sprintf("page %d not declared", f.Page)})
		}
	}
	return errs
}

func semantic(t domain.Template) domain.ValidationErrors {
	var errs domain.ValidationErrors
	add := func(fieldID, format string, args ...any) {
		errs = append(errs, domain.ValidationError{FieldID: fieldID, Reason: fmt.Sprintf(format, args...)})
	}

	parties := map[string]bool{}
	for _, p := range t.Parties {
		parties[p.ID] = true
	}

	// bounds
	for _, f := range t.Fields {
		page, _ := t.Page(f.Page)
		if !f.Rect.Within(page) {
			add(f.ID, "rect exceeds bounds of page %d", f.Page)
		}
	}

	// assignees
	for _, f := range t.Fields {
		if f.Assignee != "" && !parties[f.Assignee] {
			add(f.ID, "assignee %q is not a declared party", f.Assignee)
		}
		if f.Assignee == "" && f.Type.IsSignature() {
			add(f.ID, "signature field must be assigned to a party")
		}
	}

	// every party must sign something
	signs := map[string]bool{}
	for _, f := range t.Fields {
		if f.Type.IsSignature() && f.Required {
			signs[f.Assignee] = true
		}
	}
	for _, p := range t.Parties {
		if !signs[p.ID] {
			add("", "party %q has no required signature field", p.ID)
		}
	}

	// constraints
	for _, f := range t.Fields {
		for _, reason := range checkConstraints(f) {
			add(f.ID, "%s", reason)
		}
	}

	// cross-page seals must not overlap on a page
	var seals []domain.FieldComponent
	for _, f := range t.Fields {
		if f.Type == domain.FieldSignatureCrossPageSeal {
			seals = append(seals, f)
		}
	}
	for i := 0; i < len(seals); i++ {
		for j := i + 1; j < len(seals); j++ {
			if seals[i].Page == seals[j].Page && seals[i].Rect.Overlaps(seals[j].Rect) {
				add(seals[j].ID, "cross-page seal overlaps %q on page %d", seals[i].ID, seals[i].Page)
			}
		}
	}

	errs = append(errs, checkOrder(t)...)
	return errs
}

func checkConstraints(f domain.FieldComponent) []string {
	c := f.EffectiveConstraints()
	if inv, ok := c.(domain.InvalidConstraints); ok {
		return []string{"invalid constraints: " + inv.Reason}
	}
	if want := domain.ConstraintKindFor(f.Type); c.Kind() != want {
		return []string{fmt.Sprintf("%s constraints are not valid for %s", c.Kind(), f.Type)}
	}
	var out []string
	switch v := c.(type) {
	case domain.NumberConstraints:
		if v.MinValue != nil && v.MaxValue != nil && *v.MinValue > *v.MaxValue {
			out = append(out, fmt.Sprintf("minValue %v exceeds maxValue %v", *v.MinValue, *v.MaxValue))
		}
		if v.ValidationRule != "" {
			if _, err := CompileRule(v.ValidationRule); err != nil {
				out = append(out, err.Error())
			}
		}
	case domain.TextConstraints:
		if v.MaxLength < 0 {
			out = append(out, "maxLength must be non-negative")
		}
		if v.ValidationRule != "" {
			if _, err := CompileRule(v.ValidationRule); err != nil {
				out = append(out, err.Error())
			}
		}
	case domain.OpinionConstraints:
		if v.MaxLength < 0 {
			out = append(out, "maxLength must be non-negative")
		}
	case domain.ChoiceConstraints:
		if len(v.Options) == 0 {
			out = append(out, "optionsList must not be empty")
		}
	case domain.DateConstraints:
		if _, ok := dateLayout(v.DateFormat); !ok {
			out = append(out, fmt.Sprintf("unsupported dateFormat %q", v.DateFormat))
		}
	}
	if f.Type == domain.FieldWatermark && f.Required {
		out = append(out, "watermark fields cannot be required")
	}
	return out
}

func checkOrder(t domain.Template) domain.ValidationErrors {
	switch t.SigningOrder {
	case domain.OrderParallel:
		return nil
	case domain.OrderSequential:
	default:
		return domain.ValidationErrors{{Reason: fmt.Sprintf("unknown signing order %q", t.SigningOrder)}}
	}
	if len(t.OrderedPartyIDs) != len(t.Parties) {
		return domain.ValidationErrors{{Reason: "sequential order must list every party exactly once"}}
	}
	seen := map[string]bool{}
	for _, id := range t.OrderedPartyIDs {
		if _, ok := t.Party(id); !ok || seen[id] {
			return domain.ValidationErrors{{Reason: "sequential order must list every party exactly once"}}
		}
		seen[id] = true
	}
	return nil
}
