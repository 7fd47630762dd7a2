package models

import "fmt"

// ImageAsset is a normalized image descriptor produced by the capture gateway.
// It is immutable once captured and handed from step to step by value.
type ImageAsset struct {
	URI    string `json:"uri"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Base64 string `json:"base64,omitempty"`
}

// Clone returns an independent copy of the asset.
func (a ImageAsset) Clone() ImageAsset {
	return ImageAsset{URI: a.URI, Width: a.Width, Height: a.Height, Base64: a.Base64}
}

// IsZero reports whether the asset was never captured.
func (a ImageAsset) IsZero() bool {
	return a.URI == "" && a.Width == 0 && a.Height == 0 && a.Base64 == ""
}

// HasBase64 reports whether the asset embeds its encoded bytes.
func (a ImageAsset) HasBase64() bool {
	return a.Base64 != ""
}

func (a ImageAsset) String() string {
	return fmt.Sprintf("%s (%dx%d, base64=%t)", a.URI, a.Width, a.Height, a.HasBase64())
}

// WithoutBase64 returns a copy that refers to the stored file only.
func (a ImageAsset) WithoutBase64() ImageAsset {
	a.Base64 = ""
	return a
}
