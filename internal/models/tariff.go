package models

// Category is the product category used for tariff fallback
type Category string

const (
	CategoryHerbicides   Category = "HERBICIDES"
	CategoryInsecticides Category = "INSECTICIDES"
	CategoryFungicides   Category = "FUNGICIDES"
)

// Categories lists the known categories in classification order
var Categories = []Category{CategoryHerbicides, CategoryInsecticides, CategoryFungicides}

// IsValid reports whether c is one of the known categories
func (c Category) IsValid() bool {
	switch c {
	case CategoryHerbicides, CategoryInsecticides, CategoryFungicides:
		return true
	}
	return false
}

// MaterialInfo is a reference row mapping a material number to its HS code
type MaterialInfo struct {
	MaterialNumber string   `json:"material_number"` // 12 digits
	Description    string   `json:"description"`
	Category       Category `json:"category,omitempty"`
	HSCode         string   `json:"hs_code"`
}
