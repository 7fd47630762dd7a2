package skinapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

const preprocessPath = "/preprocesar"

// StageRecommendation is the synthesis output for one routine stage.
type StageRecommendation struct {
	Name        string   `json:"name"`
	Ingredients []string `json:"ingredients"`
}

// SynthesisRequest is the /preprocesar payload. IsSensitive travels as the
// string "true" or "false".
type SynthesisRequest struct {
	SkinType    string   `json:"skyn_type"`
	Conditions  []string `json:"conditions"`
	IsSensitive string   `json:"is_sensitive"`
}

// Preprocess asks the synthesis endpoint for one product per routine stage.
func (c *Client) Preprocess(ctx context.Context, req SynthesisRequest) (map[string]StageRecommendation, error) {
	data, err := c.doJSON(ctx, c.opts.RequestTimeout, http.MethodPost, joinURL(c.opts.SynthesisBaseURL, preprocessPath), req)
	if err != nil {
		return nil, err
	}
	return ParseStages(data)
}

// ParseStages decodes a stage map. Stages whose value is not an object are skipped.
func ParseStages(data []byte) (map[string]StageRecommendation, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformedResponse)
	}
	res := gjson.ParseBytes(data)
	if !res.IsObject() {
		return nil, fmt.Errorf("%w: synthesis response is not an object", ErrMalformedResponse)
	}
	stages := make(map[string]StageRecommendation)
	res.ForEach(func(key, value gjson.Result) bool {
		if !value.IsObject() {
			return true
		}
		stages[key.String()] = StageRecommendation{
			Name:        value.Get("name").String(),
			Ingredients: stringList(value.Get("ingredients")),
		}
		return true
	})
	return stages, nil
}

// RepairIngredients turns the synthesis service's single-quoted list string
// ("['a', 'b']") into a list. Proper JSON arrays are accepted as is. Values
// that cannot be repaired fall back to a comma split.
func RepairIngredients(raw string) []string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return []string{}
	}

	var out []string
	if err := json.Unmarshal([]byte(s), &out); err == nil {
		return nonNil(out)
	}
	if err := json.Unmarshal([]byte(strings.ReplaceAll(s, "'", `"`)), &out); err == nil {
		return nonNil(out)
	}

	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	parts := strings.Split(s, ",")
	out = make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(strings.TrimSpace(p), `'"`)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
