package models

// Routine stage labels used by the synthesis endpoint.
const (
	StageCleanse = "Limpiar"
	StageTreat   = "Tratar"
	StageProtect = "Proteger"
)

// RecommendedProduct is one stage of a synthesized routine.
type RecommendedProduct struct {
	Step        string   `json:"step"`
	Name        string   `json:"name"`
	Ingredients []string `json:"ingredients"`
}

// Product is a catalogue product returned by the routine endpoint.
type Product struct {
	ProductID   string   `json:"product_id"`
	Name        string   `json:"name"`
	Brand       string   `json:"brand"`
	Price       float64  `json:"price"`
	Ingredients []string `json:"ingredients"`
	Description string   `json:"description"`
	Stars       float64  `json:"stars"`
	NumReviews  int      `json:"num_reviews"`
	Limpiar     bool     `json:"limpiar"`
	Tratar      bool     `json:"tratar"`
	Proteger    bool     `json:"proteger"`
	ImageBase64 *string  `json:"image_base64"`
}

// Steps lists the routine stages the product belongs to.
func (p Product) Steps() []string {
	var steps []string
	if p.Limpiar {
		steps = append(steps, StageCleanse)
	}
	if p.Tratar {
		steps = append(steps, StageTreat)
	}
	if p.Proteger {
		steps = append(steps, StageProtect)
	}
	return steps
}

// Routine is the persisted routine of a user.
type Routine struct {
	RoutineID string    `json:"routine_id"`
	Products  []Product `json:"products"`
	Usage     string    `json:"usage"`
}

// UserProfile is the user record as returned by the user-record endpoint.
type UserProfile struct {
	UserID         string   `json:"user_id"`
	Name           string   `json:"name"`
	Email          string   `json:"email"`
	Age            int      `json:"age"`
	NickName       string   `json:"nick_name"`
	SkinType       string   `json:"skyn_type"`
	SkinConditions []string `json:"skyn_conditions"`
}
