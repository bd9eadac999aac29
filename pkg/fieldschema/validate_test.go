package fieldschema

import (
	"encoding/json"
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/accordsai/esign/pkg/domain"
)

func f64(v float64) *float64 { return &v }

func baseTemplate() domain.Template {
	return domain.Template{
		ID:   "tpl_1",
		Name: "Lease",
		Pages: []domain.Page{
			{Number: 1, Width: 595, Height: 842},
			{Number: 2, Width: 595, Height: 842},
		},
		Parties: []domain.Party{
			{ID: "A", Name: "甲方", Kind: domain.PartyIndividual},
			{ID: "B", Name: "乙方", Kind: domain.PartyEnterprise},
		},
		Fields: []domain.FieldComponent{
			{ID: "sig_a", Type: domain.FieldSignaturePersonal, Page: 2, Rect: domain.Rect{X: 50, Y: 700, Width: 120, Height: 60}, Assignee: "A", Required: true},
			{ID: "seal_b1", Type: domain.FieldSignatureCrossPageSeal, Page: 1, Rect: domain.Rect{X: 500, Y: 400, Width: 80, Height: 80}, Assignee: "B", Required: true, Constraints: domain.SealConstraints{Group: "g"}},
			{ID: "seal_b2", Type: domain.FieldSignatureCrossPageSeal, Page: 2, Rect: domain.Rect{X: 500, Y: 400, Width: 80, Height: 80}, Assignee: "B", Required: true, Constraints: domain.SealConstraints{Group: "g"}},
			{ID: "name_a", Type: domain.FieldInfoName, Page: 1, Rect: domain.Rect{X: 50, Y: 100, Width: 200, Height: 20}, Assignee: "A", Required: true},
			{ID: "rent", Type: domain.FieldFillNumber, Page: 1, Rect: domain.Rect{X: 50, Y: 140, Width: 200, Height: 20}, Assignee: "A", Constraints: domain.NumberConstraints{MinValue: f64(0), MaxValue: f64(100000)}},
		},
		SigningOrder: domain.OrderParallel,
	}
}

func validationErrors(t *testing.T, err error) domain.ValidationErrors {
	t.Helper()
	var ves domain.ValidationErrors
	if !errors.As(err, &ves) {
		t.Fatalf("expected ValidationErrors, got %v", err)
	}
	return ves
}

func TestValidateAcceptsWellFormedTemplate(t *testing.T) {
	vt, err := Validate(baseTemplate())
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if _, ok := vt.Field("seal_b2"); !ok {
		t.Fatalf("expected field index to contain seal_b2")
	}
	if got := vt.PartiesWithRequiredFields(); len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Fatalf("unexpected required parties %v", got)
	}
}

func TestValidateStructuralErrorsShortCircuit(t *testing.T) {
	tpl := baseTemplate()
	tpl.Fields[0].Type = "SIGNATURE_HOLOGRAM"
	tpl.Fields[3].Rect.Width = 0
	// semantic defect that must not be reported while structure is broken
	tpl.Fields[4].Assignee = "Z"

	_, err := Validate(tpl)
	ves := validationErrors(t, err)
	if len(ves) != 2 {
		t.Fatalf("expected only the 2 structural errors, got %d: %v", len(ves), ves)
	}
	for _, ve := range ves {
		if ve.FieldID == "rent" {
			t.Fatalf("semantic error leaked into structural pass: %v", ve)
		}
	}
}

// Each defect is independent and must produce exactly one error.
var defects = []func(*domain.Template){
	func(t *domain.Template) { t.Fields[3].Rect.X = 500 }, // out of page bounds
	func(t *domain.Template) { t.Fields[4].Assignee = "Z" },
	func(t *domain.Template) {
		t.Fields[4].Constraints = domain.NumberConstraints{MinValue: f64(10), MaxValue: f64(1)}
	},
	func(t *domain.Template) {
		t.Fields = append(t.Fields, domain.FieldComponent{ID: "choice", Type: domain.FieldFillSelect, Page: 1, Rect: domain.Rect{X: 10, Y: 10, Width: 10, Height: 10}, Assignee: "A"})
	},
	func(t *domain.Template) {
		t.Fields = append(t.Fields, domain.FieldComponent{ID: "seal_b3", Type: domain.FieldSignatureCrossPageSeal, Page: 1, Rect: domain.Rect{X: 540, Y: 440, Width: 50, Height: 50}, Assignee: "B", Constraints: domain.SealConstraints{Group: "h"}})
	},
	func(t *domain.Template) {
		t.Fields = append(t.Fields, domain.FieldComponent{ID: "wm", Type: domain.FieldWatermark, Page: 1, Rect: domain.Rect{X: 0, Y: 0, Width: 595, Height: 842}, Required: true})
	},
	func(t *domain.Template) {
		t.Fields = append(t.Fields, domain.FieldComponent{ID: "memo", Type: domain.FieldFillText, Page: 1, Rect: domain.Rect{X: 10, Y: 300, Width: 10, Height: 10}, Assignee: "A", Constraints: domain.InvalidConstraints{Reason: `json: unknown field "colour"`}})
	},
	func(t *domain.Template) { t.Parties = append(t.Parties, domain.Party{ID: "C", Name: "丙方"}) },
	func(t *domain.Template) {
		t.Fields = append(t.Fields, domain.FieldComponent{ID: "qty", Type: domain.FieldFillNumber, Page: 1, Rect: domain.Rect{X: 10, Y: 360, Width: 10, Height: 10}, Assignee: "A", Constraints: domain.NumberConstraints{ValidationRule: "value >"}})
	},
	func(t *domain.Template) {
		t.Fields = append(t.Fields, domain.FieldComponent{ID: "due", Type: domain.FieldFillDate, Page: 1, Rect: domain.Rect{X: 10, Y: 320, Width: 10, Height: 10}, Assignee: "A", Constraints: domain.DateConstraints{DateFormat: "DD-MMM"}})
	},
	func(t *domain.Template) {
		t.Fields = append(t.Fields, domain.FieldComponent{ID: "phone", Type: domain.FieldInfoPhone, Page: 1, Rect: domain.Rect{X: 10, Y: 340, Width: 10, Height: 10}, Assignee: "A", Constraints: domain.ChoiceConstraints{Options: []string{"x"}}})
	},
}

func TestValidateAccumulatesEverySemanticError(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 200; round++ {
		tpl := baseTemplate()
		n := 0
		for _, d := range defects {
			if rng.Intn(2) == 0 {
				d(&tpl)
				n++
			}
		}
		_, err := Validate(tpl)
		if n == 0 {
			if err != nil {
				t.Fatalf("round %d: clean template rejected: %v", round, err)
			}
			continue
		}
		ves := validationErrors(t, err)
		if len(ves) != n {
			t.Fatalf("round %d: seeded %d defects, got %d errors: %v", round, n, len(ves), ves)
		}
	}
}

func TestValidateSequentialOrderMustCoverParties(t *testing.T) {
	tpl := baseTemplate()
	tpl.SigningOrder = domain.OrderSequential
	tpl.OrderedPartyIDs = []string{"A"}
	_, err := Validate(tpl)
	ves := validationErrors(t, err)
	if len(ves) != 1 || !strings.Contains(ves[0].Reason, "every party") {
		t.Fatalf("unexpected errors %v", ves)
	}

	tpl.OrderedPartyIDs = []string{"B", "A"}
	if _, err := Validate(tpl); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
}

func TestValidateUnassignedSignatureRejected(t *testing.T) {
	tpl := baseTemplate()
	tpl.Fields = append(tpl.Fields, domain.FieldComponent{ID: "approve", Type: domain.FieldSignatureApproval, Page: 1, Rect: domain.Rect{X: 1, Y: 1, Width: 5, Height: 5}})
	_, err := Validate(tpl)
	ves := validationErrors(t, err)
	if len(ves) != 1 || ves[0].FieldID != "approve" {
		t.Fatalf("unexpected errors %v", ves)
	}
}

func TestDecodedUnknownAttributeIsRejected(t *testing.T) {
	raw := `{"id":"memo","type":"FILL_TEXT","page":1,"rect":{"x":1,"y":1,"width":5,"height":5},"assignee":"A","constraints":{"maxLength":10,"colour":"red"}}`
	var f domain.FieldComponent
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Constraints.Kind() != domain.ConstraintInvalid {
		t.Fatalf("expected invalid constraints, got %#v", f.Constraints)
	}
	tpl := baseTemplate()
	tpl.Fields = append(tpl.Fields, f)
	_, err := Validate(tpl)
	ves := validationErrors(t, err)
	if len(ves) != 1 || !strings.Contains(ves[0].Reason, "colour") {
		t.Fatalf("unexpected errors %v", ves)
	}
}

func TestFieldJSONRoundTripKeepsVariant(t *testing.T) {
	in := domain.FieldComponent{ID: "choice", Type: domain.FieldFillRadio, Page: 1, Rect: domain.Rect{X: 1, Y: 1, Width: 5, Height: 5}, Constraints: domain.ChoiceConstraints{Options: []string{"yes", "no"}}}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out domain.FieldComponent
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	c, ok := out.Constraints.(domain.ChoiceConstraints)
	if !ok || len(c.Options) != 2 {
		t.Fatalf("expected choice constraints, got %#v", out.Constraints)
	}
}
