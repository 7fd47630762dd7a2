package onboarding

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/BTreeMap/Dermis/internal/models"
	"github.com/BTreeMap/Dermis/internal/skinapi"
)

type fakeInference struct {
	conditions []string
	skinType   string
	confidence float64
	frontErr   error
	sideErr    error
}

func (f *fakeInference) DetectConditions(context.Context, models.ImageAsset) ([]string, error) {
	return f.conditions, f.frontErr
}

func (f *fakeInference) ClassifySkinType(context.Context, models.ImageAsset) (string, float64, error) {
	return f.skinType, f.confidence, f.sideErr
}

func TestAnswerEffective(t *testing.T) {
	tests := []struct {
		answer Answer
		want   bool
	}{
		{AnswerUnanswered, true},
		{AnswerYes, true},
		{AnswerNo, false},
		{AnswerUnsure, true},
	}
	for _, tt := range tests {
		if got := tt.answer.Effective(); got != tt.want {
			t.Errorf("%s.Effective() = %v, want %v", tt.answer, got, tt.want)
		}
	}
}

func TestParseAnswer(t *testing.T) {
	tests := map[string]Answer{
		"yes":    AnswerYes,
		"Sí":     AnswerYes,
		"no":     AnswerNo,
		" NO ":   AnswerNo,
		"unsure": AnswerUnsure,
		"no sé":  AnswerUnsure,
		"":       AnswerUnanswered,
		"maybe":  AnswerUnanswered,
	}
	for in, want := range tests {
		if got := ParseAnswer(in); got != want {
			t.Errorf("ParseAnswer(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestMergeResultsIdempotent(t *testing.T) {
	eff := models.NewConditionsResult([]string{"acne"}, frontImage)
	cnn := models.NewSkinTypeResult("oily", 0.91, sideImage)

	a := MergeResults(eff, cnn)
	b := MergeResults(eff, cnn)
	if !reflect.DeepEqual(a, b) {
		t.Errorf("MergeResults not idempotent: %+v vs %+v", a, b)
	}
	if !a.Complete() {
		t.Error("merged result incomplete")
	}

	eff.Conditions[0] = "changed"
	if a.Eff.Conditions[0] != "acne" {
		t.Error("merged result shares the input slice")
	}
}

func TestAnalyzerFrontFailure(t *testing.T) {
	a := NewAnalyzer(&fakeInference{frontErr: errors.New("down")})
	_, err := a.SubmitFrontImage(context.Background(), frontImage)
	var se *models.StepError
	if !errors.As(err, &se) || se.Kind != models.ErrorKindNetwork || se.Alert == "" {
		t.Errorf("err = %v", err)
	}
}

func TestAnalyzerSideNeedsPrior(t *testing.T) {
	a := NewAnalyzer(&fakeInference{skinType: "dry"})
	_, err := a.SubmitSideImage(context.Background(), sideImage, nil)
	if !errors.Is(err, models.ErrIncompleteAnalysis) {
		t.Errorf("err = %v, want ErrIncompleteAnalysis", err)
	}
}

func TestAnalyzerEmptyImage(t *testing.T) {
	a := NewAnalyzer(&fakeInference{})
	if _, err := a.SubmitFrontImage(context.Background(), models.ImageAsset{}); !errors.Is(err, models.ErrEmptyImage) {
		t.Errorf("err = %v, want ErrEmptyImage", err)
	}
}

func TestAnalyzeCombined(t *testing.T) {
	a := NewAnalyzer(&fakeInference{conditions: []string{"acne"}, skinType: "normal", confidence: 0.5})
	r, err := a.AnalyzeCombined(context.Background(), frontImage, sideImage)
	if err != nil {
		t.Fatalf("AnalyzeCombined: %v", err)
	}
	if !r.Complete() || r.SkinType() != "normal" || r.Eff.InputImage.URI != frontImage.URI || r.CNN.InputImage.URI != sideImage.URI {
		t.Errorf("result = %+v", r)
	}

	a = NewAnalyzer(&fakeInference{conditions: []string{"acne"}, sideErr: errors.New("side down")})
	_, err = a.AnalyzeCombined(context.Background(), frontImage, sideImage)
	if models.KindOf(err) != models.ErrorKindNetwork {
		t.Errorf("err = %v, want network StepError", err)
	}
}

func TestFlattenStagesOrder(t *testing.T) {
	stages := map[string]skinapi.StageRecommendation{
		"Proteger": {Name: "P"},
		"Hidratar": {Name: "H", Ingredients: []string{"ceramide"}},
		"Limpiar":  {Name: "L", Ingredients: []string{"a", "b"}},
		"Exfoliar": {Name: "E"},
		"Tratar":   {Name: "T"},
	}
	got := FlattenStages(stages)
	var steps []string
	for _, p := range got {
		steps = append(steps, p.Step)
		if p.Ingredients == nil {
			t.Errorf("%s has nil ingredients", p.Step)
		}
	}
	want := []string{"Limpiar", "Tratar", "Proteger", "Exfoliar", "Hidratar"}
	if !reflect.DeepEqual(steps, want) {
		t.Errorf("steps = %v, want %v", steps, want)
	}
	if !reflect.DeepEqual(got[0].Ingredients, []string{"a", "b"}) {
		t.Errorf("Limpiar ingredients = %v", got[0].Ingredients)
	}
}

func TestGuardRejectsDuplicate(t *testing.T) {
	g := NewGuard()
	ctx, done, err := g.Begin(context.Background(), "dev", StepFront)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, _, err := g.Begin(context.Background(), "dev", StepFront); !errors.Is(err, ErrInFlight) {
		t.Errorf("second Begin err = %v", err)
	}
	if _, done2, err := g.Begin(context.Background(), "other", StepFront); err != nil {
		t.Errorf("other device rejected: %v", err)
	} else {
		done2()
	}
	if n := g.CancelDevice("dev"); n != 1 {
		t.Errorf("CancelDevice = %d", n)
	}
	if ctx.Err() == nil {
		t.Error("step context not cancelled")
	}
	done()
	done()
	if g.Running("dev", StepFront) {
		t.Error("step still running after done")
	}
	if _, done3, err := g.Begin(context.Background(), "dev", StepFront); err != nil {
		t.Errorf("Begin after done: %v", err)
	} else {
		done3()
	}
}
