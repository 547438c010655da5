package tariff

import (
	"strings"

	"github.com/garyjia/kra-fiscalizer/internal/models"
)

var categoryKeywords = []struct {
	category models.Category
	keywords []string
}{
	{models.CategoryHerbicides, []string{"glyphosate", "atrazine", "weed"}},
	{models.CategoryInsecticides, []string{"emamectin", "thiamethoxam", "pest"}},
	{models.CategoryFungicides, []string{"tebuconazole", "azoxystrobin", "disease"}},
}

// Classify infers a product category from keywords in the description
func Classify(description string) (models.Category, bool) {
	lower := strings.ToLower(description)
	for _, entry := range categoryKeywords {
		for _, keyword := range entry.keywords {
			if strings.Contains(lower, keyword) {
				return entry.category, true
			}
		}
	}
	return "", false
}
