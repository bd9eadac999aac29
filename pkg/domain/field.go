package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

type FieldType string

const (
	FieldSignaturePersonal      FieldType = "SIGNATURE_PERSONAL"
	FieldSignatureCompanySeal   FieldType = "SIGNATURE_COMPANY_SEAL"
	FieldSignatureCrossPageSeal FieldType = "SIGNATURE_CROSS_PAGE_SEAL"
	FieldSignatureLegalRep      FieldType = "SIGNATURE_LEGAL_REP"
	FieldSignatureApproval      FieldType = "SIGNATURE_APPROVAL"
	FieldSignatureOpinion       FieldType = "SIGNATURE_OPINION"

	FieldInfoName     FieldType = "INFO_NAME"
	FieldInfoIDNumber FieldType = "INFO_ID_NUMBER"
	FieldInfoPhone    FieldType = "INFO_PHONE"
	FieldInfoEmail    FieldType = "INFO_EMAIL"
	FieldInfoSignDate FieldType = "INFO_SIGN_DATE"

	FieldFillText     FieldType = "FILL_TEXT"
	FieldFillNumber   FieldType = "FILL_NUMBER"
	FieldFillDate     FieldType = "FILL_DATE"
	FieldFillSelect   FieldType = "FILL_SELECT"
	FieldFillRadio    FieldType = "FILL_RADIO"
	FieldFillCheckbox FieldType = "FILL_CHECKBOX"

	FieldWatermark FieldType = "WATERMARK"
)

type FieldCategory int

const (
	CategoryUnknown FieldCategory = iota
	CategorySignature
	CategoryInfo
	CategoryFill
	CategoryDecoration
)

var fieldCategories = map[FieldType]FieldCategory{
	FieldSignaturePersonal:      CategorySignature,
	FieldSignatureCompanySeal:   CategorySignature,
	FieldSignatureCrossPageSeal: CategorySignature,
	FieldSignatureLegalRep:      CategorySignature,
	FieldSignatureApproval:      CategorySignature,
	FieldSignatureOpinion:       CategorySignature,
	FieldInfoName:               CategoryInfo,
	FieldInfoIDNumber:           CategoryInfo,
	FieldInfoPhone:              CategoryInfo,
	FieldInfoEmail:              CategoryInfo,
	FieldInfoSignDate:           CategoryInfo,
	FieldFillText:               CategoryFill,
	FieldFillNumber:             CategoryFill,
	FieldFillDate:               CategoryFill,
	FieldFillSelect:             CategoryFill,
	FieldFillRadio:              CategoryFill,
	FieldFillCheckbox:           CategoryFill,
	FieldWatermark:              CategoryDecoration,
}

func (t FieldType) Known() bool { _, ok := fieldCategories[t]; return ok }

func (t FieldType) Category() FieldCategory { return fieldCategories[t] }

func (t FieldType) IsSignature() bool { return t.Category() == CategorySignature }

// IsData reports whether the field is satisfied by a data write (info-* and fill-*).
func (t FieldType) IsData() bool {
	c := t.Category()
	return c == CategoryInfo || c == CategoryFill
}

// IsSeal reports whether signing the field applies an enterprise seal.
func (t FieldType) IsSeal() bool {
	return t == FieldSignatureCompanySeal || t == FieldSignatureCrossPageSeal
}

type Rect struct {
	X      float64 `json:"x" yaml:"x"`
	Y      float64 `json:"y" yaml:"y"`
	Width  float64 `json:"width" yaml:"width"`
	Height float64 `json:"height" yaml:"height"`
}

// Malformed reports rectangles that cannot describe any placement at all.
func (r Rect) Malformed() bool {
	for _, v := range []float64{r.X, r.Y, r.Width, r.Height} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return r.X < 0 || r.Y < 0 || r.Width <= 0 || r.Height <= 0
}

func (r Rect) Within(p Page) bool {
	return r.X+r.Width <= p.Width && r.Y+r.Height <= p.Height
}

// Overlaps treats touching edges as non-overlapping.
func (r Rect) Overlaps(o Rect) bool {
	return r.X < o.X+o.Width && o.X < r.X+r.Width &&
		r.Y < o.Y+o.Height && o.Y < r.Y+r.Height
}

type FieldComponent struct {
	ID          string      `json:"id"`
	Type        FieldType   `json:"type"`
	Page        int         `json:"page"`
	Rect        Rect        `json:"rect"`
	Assignee    string      `json:"assignee,omitempty"`
	Required    bool        `json:"required"`
	Constraints Constraints `json:"constraints,omitempty"`
}

type fieldWire struct {
	ID          string          `json:"id"`
	Type        FieldType       `json:"type"`
	Page        int             `json:"page"`
	Rect        Rect            `json:"rect"`
	Assignee    string          `json:"assignee,omitempty"`
	Required    bool            `json:"required"`
	Constraints json.RawMessage `json:"constraints,omitempty"`
}

// UnmarshalJSON decodes the constraint bag into the variant for the field's
// type. Attributes the variant does not know yield InvalidConstraints, which
// the validator reports; decoding itself only fails on malformed JSON.
func (f *FieldComponent) UnmarshalJSON(b []byte) error {
	var w fieldWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*f = FieldComponent{ID: w.ID, Type: w.Type, Page: w.Page, Rect: w.Rect, Assignee: w.Assignee, Required: w.Required}
	f.Constraints = DecodeConstraints(w.Type, w.Constraints)
	return nil
}

func (f FieldComponent) MarshalJSON() ([]byte, error) {
	w := fieldWire{ID: f.ID, Type: f.Type, Page: f.Page, Rect: f.Rect, Assignee: f.Assignee, Required: f.Required}
	if f.Constraints != nil && f.Constraints.Kind() != ConstraintNone {
		b, err := json.Marshal(f.Constraints)
		if err != nil {
			return nil, err
		}
		w.Constraints = b
	}
	return json.Marshal(w)
}

type ConstraintKind string

const (
	ConstraintNone      ConstraintKind = "NONE"
	ConstraintSeal      ConstraintKind = "SEAL"
	ConstraintOpinion   ConstraintKind = "OPINION"
	ConstraintText      ConstraintKind = "TEXT"
	ConstraintNumber    ConstraintKind = "NUMBER"
	ConstraintDate      ConstraintKind = "DATE"
	ConstraintChoice    ConstraintKind = "CHOICE"
	ConstraintWatermark ConstraintKind = "WATERMARK"
	ConstraintInvalid   ConstraintKind = "INVALID"
)

// Constraints is the closed set of per-type field attributes.
type Constraints interface {
	Kind() ConstraintKind
}

type NoConstraints struct{}

type SealConstraints struct {
	SealID string `json:"sealId,omitempty"`
	// Group joins cross-page seal instances into one logical seal.
	Group string `json:"group,omitempty"`
}

type OpinionConstraints struct {
	MaxLength int `json:"maxLength,omitempty"`
}

type TextConstraints struct {
	MaxLength      int    `json:"maxLength,omitempty"`
	ValidationRule string `json:"validationRule,omitempty"`
}

type NumberConstraints struct {
	MinValue       *float64 `json:"minValue,omitempty"`
	MaxValue       *float64 `json:"maxValue,omitempty"`
	ValidationRule string   `json:"validationRule,omitempty"`
}

type DateConstraints struct {
	DateFormat string `json:"dateFormat,omitempty"`
}

type ChoiceConstraints struct {
	Options []string `json:"optionsList"`
}

type WatermarkConstraints struct {
	Text string `json:"text,omitempty"`
}

type InvalidConstraints struct {
	Reason string `json:"-"`
}

func (NoConstraints) Kind() ConstraintKind        { return ConstraintNone }
func (SealConstraints) Kind() ConstraintKind      { return ConstraintSeal }
func (OpinionConstraints) Kind() ConstraintKind   { return ConstraintOpinion }
func (TextConstraints) Kind() ConstraintKind      { return ConstraintText }
func (NumberConstraints) Kind() ConstraintKind    { return ConstraintNumber }
func (DateConstraints) Kind() ConstraintKind      { return ConstraintDate }
func (ChoiceConstraints) Kind() ConstraintKind    { return ConstraintChoice }
func (WatermarkConstraints) Kind() ConstraintKind { return ConstraintWatermark }
func (InvalidConstraints) Kind() ConstraintKind   { return ConstraintInvalid }

// ConstraintKindFor returns the only constraint variant a field type accepts.
func ConstraintKindFor(t FieldType) ConstraintKind {
	switch t {
	case FieldSignatureCompanySeal, FieldSignatureCrossPageSeal:
		return ConstraintSeal
	case FieldSignatureOpinion:
		return ConstraintOpinion
	case FieldInfoName, FieldInfoIDNumber, FieldInfoPhone, FieldInfoEmail, FieldFillText:
		return ConstraintText
	case FieldFillNumber:
		return ConstraintNumber
	case FieldFillDate, FieldInfoSignDate:
		return ConstraintDate
	case FieldFillSelect, FieldFillRadio:
		return ConstraintChoice
	case FieldWatermark:
		return ConstraintWatermark
	default:
		return ConstraintNone
	}
}

// DecodeConstraints strictly decodes raw attributes for the given field type.
func DecodeConstraints(t FieldType, raw []byte) Constraints {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte("{}")) {
		return emptyConstraints(t)
	}
	var dst Constraints
	switch ConstraintKindFor(t) {
	case ConstraintSeal:
		dst = &SealConstraints{}
	case ConstraintOpinion:
		dst = &OpinionConstraints{}
	case ConstraintText:
		dst = &TextConstraints{}
	case ConstraintNumber:
		dst = &NumberConstraints{}
	case ConstraintDate:
		dst = &DateConstraints{}
	case ConstraintChoice:
		dst = &ChoiceConstraints{}
	case ConstraintWatermark:
		dst = &WatermarkConstraints{}
	default:
		return InvalidConstraints{Reason: fmt.Sprintf("field type %s takes no constraints", t)}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return InvalidConstraints{Reason: err.Error()}
	}
	return deref(dst)
}

func emptyConstraints(t FieldType) Constraints {
	switch ConstraintKindFor(t) {
	case ConstraintSeal:
		return SealConstraints{}
	case ConstraintOpinion:
		return OpinionConstraints{}
	case ConstraintText:
		return TextConstraints{}
	case ConstraintNumber:
		return NumberConstraints{}
	case ConstraintDate:
		return DateConstraints{}
	case ConstraintChoice:
		return ChoiceConstraints{}
	case ConstraintWatermark:
		return WatermarkConstraints{}
	default:
		return NoConstraints{}
	}
}

func deref(c Constraints) Constraints {
	switch v := c.(type) {
	case *SealConstraints:
		return *v
	case *OpinionConstraints:
		return *v
	case *TextConstraints:
		return *v
	case *NumberConstraints:
		return *v
	case *DateConstraints:
		return *v
	case *ChoiceConstraints:
		return *v
	case *WatermarkConstraints:
		return *v
	}
	return c
}

// SealGroup is the logical seal key shared by cross-page seal instances.
func (f FieldComponent) SealGroup() (string, bool) {
	if f.Type != FieldSignatureCrossPageSeal {
		return "", false
	}
	g := ""
	if sc, ok := f.Constraints.(SealConstraints); ok {
		g = sc.Group
	}
	return f.Assignee + "/" + g, true
}

// EffectiveConstraints returns the declared constraints, or the empty variant
// for the field's type when none were declared.
func (f FieldComponent) EffectiveConstraints() Constraints {
	if f.Constraints == nil {
		return emptyConstraints(f.Type)
	}
	return f.Constraints
}
