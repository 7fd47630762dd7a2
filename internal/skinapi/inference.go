package skinapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/BTreeMap/Dermis/internal/capture"
	"github.com/BTreeMap/Dermis/internal/models"
)

// ErrMalformedResponse is returned when an upstream response lacks required fields.
var ErrMalformedResponse = errors.New("malformed upstream response")

// DetectConditions submits the front image to the condition-detection endpoint.
func (c *Client) DetectConditions(ctx context.Context, image models.ImageAsset) ([]string, error) {
	data, err := c.postImage(ctx, joinURL(c.opts.InferenceBaseURL, c.opts.ConditionPath), image)
	if err != nil {
		return nil, err
	}
	res := gjson.ParseBytes(data)
	field := res.Get("skin_conditions")
	if !field.Exists() || !field.IsArray() {
		return nil, fmt.Errorf("%w: missing skin_conditions", ErrMalformedResponse)
	}
	conditions := []string{}
	for _, v := range field.Array() {
		if s := v.String(); s != "" {
			conditions = append(conditions, s)
		}
	}
	return conditions, nil
}

// ClassifySkinType submits the side image to the skin-type endpoint.
// The confidence is returned exactly as the model reported it.
func (c *Client) ClassifySkinType(ctx context.Context, image models.ImageAsset) (string, float64, error) {
	data, err := c.postImage(ctx, joinURL(c.opts.InferenceBaseURL, SkinTypePath), image)
	if err != nil {
		return "", 0, err
	}
	res := gjson.ParseBytes(data)
	skinType := res.Get("skin_type")
	if skinType.String() == "" {
		return "", 0, fmt.Errorf("%w: missing skin_type", ErrMalformedResponse)
	}
	return skinType.String(), res.Get("confidence").Float(), nil
}

func (c *Client) postImage(ctx context.Context, url string, image models.ImageAsset) ([]byte, error) {
	raw, err := capture.ReadAsset(image)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if len(raw) == 0 {
		return nil, models.ErrEmptyImage
	}

	if c.opts.Transport == TransportJSON {
		encoded := image.Base64
		if encoded == "" {
			encoded = base64.StdEncoding.EncodeToString(raw)
		}
		return c.doJSON(ctx, c.opts.InferenceTimeout, http.MethodPost, url, map[string]string{"image": encoded})
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("image", "photo.jpg")
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(raw); err != nil {
		return nil, fmt.Errorf("failed to write form file: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return c.do(ctx, c.opts.InferenceTimeout, http.MethodPost, url, w.FormDataContentType(), &buf)
}
