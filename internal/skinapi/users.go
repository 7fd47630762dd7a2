package skinapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"

	"github.com/BTreeMap/Dermis/internal/models"
)

const (
	usersPath = "/register_users_dermis"
	loginPath = "/login_users_dermis"
)

// RegisterRequest is the account creation payload.
type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Age      int    `json:"age"`
	NickName string `json:"nick_name"`
	Password string `json:"password"`
}

// SkinDataPatch updates the skin signals of a user record. Both id spellings
// and both body layouts are sent because deployed handlers read either.
type SkinDataPatch struct {
	UserID      string
	SkinType    string
	Conditions  []string
	IsSensitive bool
}

func (p SkinDataPatch) body() map[string]interface{} {
	conditions := p.Conditions
	if conditions == nil {
		conditions = []string{}
	}
	return map[string]interface{}{
		"_user_id":        p.UserID,
		"user_id":         p.UserID,
		"skyn_type":       p.SkinType,
		"skyn_conditions": conditions,
		"is_sensitive":    p.IsSensitive,
		"results": map[string]interface{}{
			"cnn": map[string]string{"skinType": p.SkinType},
			"eff": map[string]interface{}{"conditions": conditions},
		},
	}
}

// RegisterUser creates a user record and returns its ID.
func (c *Client) RegisterUser(ctx context.Context, req RegisterRequest) (string, error) {
	data, err := c.doJSON(ctx, c.opts.RequestTimeout, http.MethodPost, joinURL(c.opts.UsersBaseURL, usersPath), req)
	if err != nil {
		return "", err
	}
	return userIDFrom(data)
}

// Login verifies credentials and returns the user ID.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	payload := map[string]string{"email": email, "password": password}
	data, err := c.doJSON(ctx, c.opts.RequestTimeout, http.MethodPost, joinURL(c.opts.UsersBaseURL, loginPath), payload)
	if err != nil {
		return "", err
	}
	return userIDFrom(data)
}

// PatchSkinData sends the skin type, conditions and sensitivity to the user record.
func (c *Client) PatchSkinData(ctx context.Context, patch SkinDataPatch) error {
	_, err := c.doJSON(ctx, c.opts.RequestTimeout, http.MethodPatch, joinURL(c.opts.UsersBaseURL, usersPath), patch.body())
	return err
}

// GetUser fetches a user record. skyn_conditions may arrive as a JSON-encoded
// string or as an array; both are decoded.
func (c *Client) GetUser(ctx context.Context, userID string) (*models.UserProfile, error) {
	u := joinURL(c.opts.UsersBaseURL, usersPath) + "?user_id=" + url.QueryEscape(userID)
	data, err := c.doJSON(ctx, c.opts.RequestTimeout, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	res := gjson.ParseBytes(data)
	if !res.IsObject() {
		return nil, fmt.Errorf("%w: user record is not an object", ErrMalformedResponse)
	}
	profile := &models.UserProfile{
		UserID:   res.Get("user_id").String(),
		Name:     res.Get("name").String(),
		Email:    res.Get("email").String(),
		Age:      int(res.Get("age").Int()),
		NickName: res.Get("nick_name").String(),
		SkinType: res.Get("skyn_type").String(),
	}
	if profile.UserID == "" {
		profile.UserID = userID
	}
	profile.SkinConditions = stringList(res.Get("skyn_conditions"))
	return profile, nil
}

func userIDFrom(data []byte) (string, error) {
	id := gjson.GetBytes(data, "user_id")
	if !id.Exists() || id.String() == "" {
		return "", fmt.Errorf("%w: missing user_id", ErrMalformedResponse)
	}
	return id.String(), nil
}

// stringList accepts an array, a JSON-encoded array string, or a
// single-quoted list string.
func stringList(v gjson.Result) []string {
	if v.IsArray() {
		out := []string{}
		for _, item := range v.Array() {
			out = append(out, item.String())
		}
		return out
	}
	if v.Type == gjson.String {
		return RepairIngredients(v.String())
	}
	return []string{}
}
