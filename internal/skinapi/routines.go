package skinapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"

	"github.com/BTreeMap/Dermis/internal/models"
)

const routinesPath = "/routines"

type createRoutineRequest struct {
	UserID       string   `json:"user_id"`
	Name         string   `json:"name"`
	ProductNames []string `json:"product_names"`
}

// CreateRoutine persists a routine built from product names and returns its ID.
func (c *Client) CreateRoutine(ctx context.Context, userID, name string, productNames []string) (string, error) {
	req := createRoutineRequest{UserID: userID, Name: name, ProductNames: productNames}
	data, err := c.doJSON(ctx, c.opts.RequestTimeout, http.MethodPost, joinURL(c.opts.RoutinesBaseURL, routinesPath), req)
	if err != nil {
		return "", err
	}
	id := gjson.GetBytes(data, "routine_id")
	if !id.Exists() {
		return "", fmt.Errorf("%w: missing routine_id", ErrMalformedResponse)
	}
	return id.String(), nil
}

// GetRoutine fetches the routine of a user. A missing routine yields ErrNotFound.
func (c *Client) GetRoutine(ctx context.Context, userID string) (*models.Routine, error) {
	u := joinURL(c.opts.RoutinesBaseURL, routinesPath) + "?user_id=" + url.QueryEscape(userID)
	data, err := c.doJSON(ctx, c.opts.RequestTimeout, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return ParseRoutine(data)
}

// ParseRoutine decodes a routine response. Product ingredients get the same
// quote repair as synthesis output.
func ParseRoutine(data []byte) (*models.Routine, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformedResponse)
	}
	res := gjson.ParseBytes(data)
	routine := &models.Routine{
		RoutineID: res.Get("routine_id").String(),
		Usage:     res.Get("usage").String(),
		Products:  []models.Product{},
	}
	for _, p := range res.Get("products").Array() {
		product := models.Product{
			ProductID:   p.Get("product_id").String(),
			Name:        p.Get("name").String(),
			Brand:       p.Get("brand").String(),
			Price:       p.Get("price").Float(),
			Ingredients: stringList(p.Get("ingredients")),
			Description: p.Get("description").String(),
			Stars:       p.Get("stars").Float(),
			NumReviews:  int(p.Get("num_reviews").Int()),
			Limpiar:     p.Get("limpiar").Bool(),
			Tratar:      p.Get("tratar").Bool(),
			Proteger:    p.Get("proteger").Bool(),
		}
		if img := p.Get("image_base64"); img.Type == gjson.String && img.String() != "" {
			s := img.String()
			product.ImageBase64 = &s
		}
		routine.Products = append(routine.Products, product)
	}
	return routine, nil
}

// HasRoutine reports whether the user has a persisted routine. Only a
// successful response counts; 404 and every other failure mean false.
func (c *Client) HasRoutine(ctx context.Context, userID string) bool {
	u := joinURL(c.opts.RoutinesBaseURL, routinesPath) + "?user_id=" + url.QueryEscape(userID)
	_, err := c.doJSON(ctx, c.opts.RequestTimeout, http.MethodGet, u, nil)
	return err == nil
}
