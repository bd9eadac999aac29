package fieldschema

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/accordsai/esign/pkg/domain"
)

var (
	rePhone    = regexp.MustCompile(`^\+?[0-9][0-9\- ]{4,19}$`)
	reEmail    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	reIDNumber = regexp.MustCompile(`^[0-9A-Za-z]{6,32}$`)
)

const defaultDateFormat = "YYYY-MM-DD"

var dateLayouts = map[string]string{
	"YYYY-MM-DD":  "2006-01-02",
	"YYYY/MM/DD":  "2006/01/02",
	"YYYY.MM.DD":  "2006.01.02",
	"DD.MM.YYYY":  "02.01.2006",
	"MM/DD/YYYY":  "01/02/2006",
	"YYYY年MM月DD日": "2006年01月02日",
}

func dateLayout(format string) (string, bool) {
	if format == "" {
		format = defaultDateFormat
	}
	l, ok := dateLayouts[format]
	return l, ok
}

// CanonicalValue checks a data write against the field's constraints and
// returns the value that will be stored.
func CanonicalValue(f domain.FieldComponent, raw string) (string, error) {
	invalid := func(format string, args ...any) (string, error) {
		return "", domain.ValidationErrors{{FieldID: f.ID, Reason: fmt.Sprintf(format, args...)}}
	}
	if !f.Type.IsData() {
		return invalid("%s fields do not take values", f.Type)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return invalid("empty value")
	}

	switch c := f.EffectiveConstraints().(type) {
	case domain.TextConstraints:
		n := utf8.RuneCountInString(raw)
		if c.MaxLength > 0 && n > c.MaxLength {
			return invalid("value longer than %d characters", c.MaxLength)
		}
		switch f.Type {
		case domain.FieldInfoPhone:
			if !rePhone.MatchString(raw) {
				return invalid("invalid phone number")
			}
		case domain.FieldInfoEmail:
			if !reEmail.MatchString(raw) {
				return invalid("invalid email address")
			}
			raw = strings.ToLower(raw)
		case domain.FieldInfoIDNumber:
			if !reIDNumber.MatchString(raw) {
				return invalid("invalid id number")
			}
			raw = strings.ToUpper(raw)
		}
		if c.ValidationRule != "" {
			if err := checkRule(c.ValidationRule, raw, n); err != nil {
				return invalid("%v", err)
			}
		}
		return raw, nil

	case domain.NumberConstraints:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return invalid("invalid number")
		}
		if c.MinValue != nil && v < *c.MinValue {
			return invalid("must be >= %v", *c.MinValue)
		}
		if c.MaxValue != nil && v > *c.MaxValue {
			return invalid("must be <= %v", *c.MaxValue)
		}
		canonical := strconv.FormatFloat(v, 'f', -1, 64)
		if c.ValidationRule != "" {
			if err := checkRule(c.ValidationRule, v, len(canonical)); err != nil {
				return invalid("%v", err)
			}
		}
		return canonical, nil

	case domain.DateConstraints:
		layout, ok := dateLayout(c.DateFormat)
		if !ok {
			return invalid("unsupported dateFormat %q", c.DateFormat)
		}
		d, err := time.Parse(layout, raw)
		if err != nil {
			format := c.DateFormat
			if format == "" {
				format = defaultDateFormat
			}
			return invalid("date must be %s", format)
		}
		return d.Format(layout), nil

	case domain.ChoiceConstraints:
		for _, o := range c.Options {
			if o == raw {
				return raw, nil
			}
		}
		return invalid("value not in optionsList")

	case domain.NoConstraints:
		if f.Type == domain.FieldFillCheckbox {
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return invalid("checkbox value must be true or false")
			}
			return strconv.FormatBool(b), nil
		}
		return raw, nil

	default:
		return invalid("%s constraints are not valid for %s", c.Kind(), f.Type)
	}
}

func checkRule(src string, value any, length int) error {
	r, err := CompileRule(src)
	if err != nil {
		return err
	}
	ok, err := r.Check(value, length)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("value violates validationRule %q", src)
	}
	return nil
}
