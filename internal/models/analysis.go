package models

import (
	"fmt"
	"slices"
)

// SkinTypeResult is the output of the skin-type (CNN) model for the side image.
type SkinTypeResult struct {
	SkinType   string     `json:"skinType"`
	Confidence float64    `json:"confidence"`
	InputImage ImageAsset `json:"inputImage"`
}

// ConditionsResult is the output of the condition-detection model for the front image.
type ConditionsResult struct {
	Conditions []string   `json:"conditions"`
	InputImage ImageAsset `json:"inputImage"`
}

// AnalysisResult combines both model outputs. Once built it is only passed
// forward; WithSensitivity returns an extended copy.
type AnalysisResult struct {
	CNN       *SkinTypeResult   `json:"cnn"`
	Eff       *ConditionsResult `json:"eff"`
	Sensitive *bool             `json:"sensitive,omitempty"`
}

// NewConditionsResult copies conditions and image into a fresh result.
func NewConditionsResult(conditions []string, image ImageAsset) ConditionsResult {
	c := slices.Clone(conditions)
	if c == nil {
		c = []string{}
	}
	return ConditionsResult{Conditions: c, InputImage: image.Clone()}
}

// NewSkinTypeResult builds a skin-type result. Confidence is kept verbatim.
func NewSkinTypeResult(skinType string, confidence float64, image ImageAsset) SkinTypeResult {
	return SkinTypeResult{SkinType: skinType, Confidence: confidence, InputImage: image.Clone()}
}

// Complete reports whether both sub-results are present.
func (r AnalysisResult) Complete() bool {
	return r.CNN != nil && r.Eff != nil
}

// SkinType returns the detected skin type or "" when the CNN half is missing.
func (r AnalysisResult) SkinType() string {
	if r.CNN == nil {
		return ""
	}
	return r.CNN.SkinType
}

// Conditions returns a copy of the detected conditions.
func (r AnalysisResult) Conditions() []string {
	if r.Eff == nil {
		return nil
	}
	return slices.Clone(r.Eff.Conditions)
}

// WithSensitivity returns a copy of r carrying the sensitivity answer.
func (r AnalysisResult) WithSensitivity(sensitive bool) AnalysisResult {
	out := r.Clone()
	out.Sensitive = &sensitive
	return out
}

// IsSensitive returns the recorded sensitivity, defaulting to true when unset.
func (r AnalysisResult) IsSensitive() bool {
	if r.Sensitive == nil {
		return true
	}
	return *r.Sensitive
}

// Clone returns a deep copy.
func (r AnalysisResult) Clone() AnalysisResult {
	var out AnalysisResult
	if r.CNN != nil {
		cnn := NewSkinTypeResult(r.CNN.SkinType, r.CNN.Confidence, r.CNN.InputImage)
		out.CNN = &cnn
	}
	if r.Eff != nil {
		eff := NewConditionsResult(r.Eff.Conditions, r.Eff.InputImage)
		out.Eff = &eff
	}
	if r.Sensitive != nil {
		s := *r.Sensitive
		out.Sensitive = &s
	}
	return out
}

// FormatConfidence renders a [0,1] confidence as a percentage with one decimal.
func FormatConfidence(confidence float64) string {
	return fmt.Sprintf("%.1f%%", confidence*100)
}

// WithoutImageData returns a copy whose input images carry no embedded bytes.
func (r AnalysisResult) WithoutImageData() AnalysisResult {
	out := r.Clone()
	if out.CNN != nil {
		out.CNN.InputImage = out.CNN.InputImage.WithoutBase64()
	}
	if out.Eff != nil {
		out.Eff.InputImage = out.Eff.InputImage.WithoutBase64()
	}
	return out
}
