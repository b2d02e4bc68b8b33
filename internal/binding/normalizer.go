package binding

import (
	"regexp"
	"sort"
	"strings"

	"github.com/mwhesse/dataverse-mcp-sub000/internal/constants"
	"github.com/mwhesse/dataverse-mcp-sub000/internal/models"
)

// entityRefPattern matches bare entityset(id) references.
var entityRefPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*\([^()]+\)$`)

// LooksLikeEntityRef reports whether a plain value is shaped like an entity
// reference: an absolute URL, a path, or a bare entityset(id) string.
func LooksLikeEntityRef(value string) bool {
	if strings.HasPrefix(value, "http") || strings.HasPrefix(value, "/") {
		return true
	}
	return entityRefPattern.MatchString(value)
}

// NormalizeBindValue reduces any accepted bind-value shape to the canonical
// relative form /entityset(id). Absolute URLs lose everything through the
// versioned API base path; bare entityset(id) strings gain a leading slash.
// Already-relative paths pass through unchanged, so the function is
// idempotent.
func NormalizeBindValue(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return value
	}

	if strings.HasPrefix(value, "http") {
		if idx := strings.Index(value, constants.APIDataPath); idx >= 0 {
			rest := value[idx+len(constants.APIDataPath):]
			// Skip the version segment (v9.2/...)
			if slash := strings.Index(rest, "/"); slash >= 0 {
				return "/" + rest[slash+1:]
			}
		}
		// Unrecognized base path: keep the final path segment
		if idx := strings.LastIndex(value, "/"); idx >= 0 && idx < len(value)-1 {
			return "/" + value[idx+1:]
		}
		return value
	}

	if strings.HasPrefix(value, "/") {
		return value
	}

	return "/" + value
}

// NormalizePayload rewrites a payload's relationship keys and values into the
// form the Web API accepts:
//
//  1. A <attribute>@odata.bind key whose prefix is a known attribute logical
//     name is rewritten to the attribute's navigation property. An existing
//     target key is never overwritten.
//  2. Every @odata.bind value is normalized to /entityset(id). A null bind
//     value is preserved verbatim, it signals disassociation.
//  3. A plain key naming a known Lookup attribute whose value looks like an
//     entity reference is upgraded to <nav>@odata.bind and the original key
//     dropped.
//
// Without entity metadata only value normalization (step 2) runs. The input
// map is never mutated.
func NormalizePayload(payload map[string]interface{}, info *models.EntityInfo) map[string]interface{} {
	if payload == nil {
		return nil
	}

	result := make(map[string]interface{}, len(payload))

	// Sorted key order keeps first-write-wins deterministic
	keys := make([]string, 0, len(payload))
	for key := range payload {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	// Pass 1: bind keys
	for _, key := range keys {
		if !strings.Contains(key, constants.BindSuffix) {
			continue
		}
		value := payload[key]

		targetKey := key
		if info != nil {
			prefix := strings.TrimSuffix(key, constants.BindSuffix)
			if attr := info.AttributeByName(prefix); attr != nil {
				if nav := info.NavigationProperty(prefix); nav != prefix {
					targetKey = nav + constants.BindSuffix
				}
			}
		}

		// Never clobber a key the caller already supplied
		if targetKey != key {
			if _, taken := payload[targetKey]; taken {
				targetKey = key
			} else if _, written := result[targetKey]; written {
				targetKey = key
			}
		}

		result[targetKey] = normalizeBindValueAny(value)
	}

	// Pass 2: plain keys, with Lookup upgrade
	for _, key := range keys {
		if strings.Contains(key, constants.BindSuffix) {
			continue
		}
		value := payload[key]

		if info != nil {
			if attr := info.AttributeByName(key); attr != nil && attr.AttributeType == constants.AttrLookup {
				if str, ok := value.(string); ok && LooksLikeEntityRef(str) {
					bindKey := info.NavigationProperty(key) + constants.BindSuffix
					if _, taken := result[bindKey]; !taken {
						result[bindKey] = NormalizeBindValue(str)
					}
					continue
				}
			}
		}

		result[key] = value
	}

	return result
}

// normalizeBindValueAny normalizes string bind values and passes everything
// else through, including null.
func normalizeBindValueAny(value interface{}) interface{} {
	if str, ok := value.(string); ok {
		return NormalizeBindValue(str)
	}
	return value
}
