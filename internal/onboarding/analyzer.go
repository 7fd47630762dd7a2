// Package onboarding runs the capture-to-routine steps for a device: the two
// image analyses, the sensitivity answer and the routine synthesis.
package onboarding

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/Dermis/internal/i18n"
	"github.com/BTreeMap/Dermis/internal/models"
)

// InferenceClient is the subset of skinapi.Client used by the Analyzer.
type InferenceClient interface {
	DetectConditions(ctx context.Context, image models.ImageAsset) ([]string, error)
	ClassifySkinType(ctx context.Context, image models.ImageAsset) (string, float64, error)
}

// Analyzer performs the front (conditions) and side (skin type) analyses.
type Analyzer struct {
	client InferenceClient
}

// NewAnalyzer creates an Analyzer over client.
func NewAnalyzer(client InferenceClient) *Analyzer {
	return &Analyzer{client: client}
}

// SubmitFrontImage sends the front image to the condition-detection model.
func (a *Analyzer) SubmitFrontImage(ctx context.Context, image models.ImageAsset) (models.ConditionsResult, error) {
	if image.IsZero() {
		return models.ConditionsResult{}, models.NewStepError(models.ErrorKindInvalidInput, "SubmitFrontImage",
			i18n.FromContext(ctx).T(i18n.KeyCaptureFailed), models.ErrEmptyImage)
	}
	conditions, err := a.client.DetectConditions(ctx, image)
	if err != nil {
		slog.Error("Analyzer.SubmitFrontImage: condition detection failed", "image", image.String(), "error", err)
		return models.ConditionsResult{}, models.NewStepError(models.ErrorKindNetwork, "SubmitFrontImage",
			i18n.FromContext(ctx).T(i18n.KeyAnalysisFailed), err)
	}
	slog.Debug("Analyzer.SubmitFrontImage: conditions detected", "count", len(conditions))
	return models.NewConditionsResult(conditions, image), nil
}

// SubmitSideImage sends the side image to the skin-type model. It is only
// valid once the front step produced its conditions.
func (a *Analyzer) SubmitSideImage(ctx context.Context, image models.ImageAsset, prior *models.ConditionsResult) (models.SkinTypeResult, error) {
	if prior == nil {
		return models.SkinTypeResult{}, models.NewStepError(models.ErrorKindInvalidState, "SubmitSideImage",
			i18n.FromContext(ctx).T(i18n.KeyFrontRequired), models.ErrIncompleteAnalysis)
	}
	if image.IsZero() {
		return models.SkinTypeResult{}, models.NewStepError(models.ErrorKindInvalidInput, "SubmitSideImage",
			i18n.FromContext(ctx).T(i18n.KeyCaptureFailed), models.ErrEmptyImage)
	}
	skinType, confidence, err := a.client.ClassifySkinType(ctx, image)
	if err != nil {
		slog.Error("Analyzer.SubmitSideImage: skin type classification failed", "image", image.String(), "error", err)
		return models.SkinTypeResult{}, models.NewStepError(models.ErrorKindNetwork, "SubmitSideImage",
			i18n.FromContext(ctx).T(i18n.KeySideFailed), err)
	}
	slog.Debug("Analyzer.SubmitSideImage: skin type classified", "skinType", skinType, "confidence", confidence)
	return models.NewSkinTypeResult(skinType, confidence, image), nil
}

// MergeResults combines both halves into an AnalysisResult. It is pure: the
// same inputs always yield equal results and the inputs are not retained.
func MergeResults(eff models.ConditionsResult, cnn models.SkinTypeResult) models.AnalysisResult {
	e := models.NewConditionsResult(eff.Conditions, eff.InputImage)
	c := models.NewSkinTypeResult(cnn.SkinType, cnn.Confidence, cnn.InputImage)
	return models.AnalysisResult{CNN: &c, Eff: &e}
}

// AnalyzeCombined runs both analyses concurrently. Either failure cancels the
// other and aborts the merge with one combined error.
func (a *Analyzer) AnalyzeCombined(ctx context.Context, front, side models.ImageAsset) (models.AnalysisResult, error) {
	if front.IsZero() || side.IsZero() {
		return models.AnalysisResult{}, models.NewStepError(models.ErrorKindInvalidInput, "AnalyzeCombined",
			i18n.FromContext(ctx).T(i18n.KeyCaptureFailed), models.ErrEmptyImage)
	}

	var (
		conditions []string
		skinType   string
		confidence float64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := a.client.DetectConditions(gctx, front)
		if err != nil {
			return fmt.Errorf("front analysis: %w", err)
		}
		conditions = c
		return nil
	})
	g.Go(func() error {
		t, conf, err := a.client.ClassifySkinType(gctx, side)
		if err != nil {
			return fmt.Errorf("side analysis: %w", err)
		}
		skinType, confidence = t, conf
		return nil
	})
	if err := g.Wait(); err != nil {
		slog.Error("Analyzer.AnalyzeCombined: analysis failed", "error", err)
		return models.AnalysisResult{}, models.NewStepError(models.ErrorKindNetwork, "AnalyzeCombined",
			i18n.FromContext(ctx).T(i18n.KeyCombinedFailed), err)
	}
	return MergeResults(models.NewConditionsResult(conditions, front), models.NewSkinTypeResult(skinType, confidence, side)), nil
}

