package utils

import (
	"strings"
	"time"

	"github.com/mwhesse/dataverse-mcp-sub000/internal/constants"
)

// Field name fragments that usually hold email-ish or phone-ish strings.
// Placeholders for those read better when they look like the real thing.
var (
	emailFieldPatterns = []string{"email", "emailaddress"}
	phoneFieldPatterns = []string{"phone", "telephone", "mobile", "fax"}
	urlFieldPatterns   = []string{"url", "website", "webpage"}
)

// PlaceholderValue returns a type-appropriate sample value for a synthesized
// create/update payload.
func PlaceholderValue(attributeName, attributeType string) interface{} {
	switch attributeType {
	case constants.AttrInteger, constants.AttrBigInt:
		return 1
	case constants.AttrDecimal, constants.AttrDouble, constants.AttrMoney:
		return 100.0
	case constants.AttrBoolean:
		return true
	case constants.AttrDateTime:
		return time.Now().UTC().Format(time.RFC3339)
	case constants.AttrPicklist:
		return 1
	case constants.AttrUniqueID:
		return constants.NilGUID
	default:
		return stringPlaceholder(attributeName)
	}
}

func stringPlaceholder(attributeName string) string {
	lower := strings.ToLower(attributeName)

	for _, p := range emailFieldPatterns {
		if strings.Contains(lower, p) {
			return "someone@example.com"
		}
	}
	for _, p := range phoneFieldPatterns {
		if strings.Contains(lower, p) {
			return "555-0100"
		}
	}
	for _, p := range urlFieldPatterns {
		if strings.Contains(lower, p) {
			return "https://example.com"
		}
	}

	return "Sample " + attributeName
}
