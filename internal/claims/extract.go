package claims

import "github.com/golang-jwt/jwt/v5"

// A rolesExtractor attempts to resolve role values from one candidate claim
// field, reporting ok=false when that field is absent or unusable so that the
// next extractor in the list can be tried.
type rolesExtractor func(fields jwt.MapClaims) ([]string, bool)

// rolesExtractors lists the claim fields that may carry roles, in priority
// order: the first extractor that finds a usable value wins
var rolesExtractors = []rolesExtractor{
	extractRolesField("role"),
	extractRolesField("roles"),
	extractRolesField(namespacedRoleKey),
}

func extractRolesField(key string) rolesExtractor {
	return func(fields jwt.MapClaims) ([]string, bool) {
		value, ok := fields[key]
		if !ok {
			return nil, false
		}
		return normalizeRoles(value)
	}
}

// normalizeRoles accepts either a single role string or an array of role
// strings, normalizing both into one slice with order preserved
func normalizeRoles(value any) ([]string, bool) {
	switch v := value.(type) {
	case string:
		return []string{v}, true
	case []any:
		roles := make([]string, 0, len(v))
		for _, item := range v {
			if role, ok := item.(string); ok {
				roles = append(roles, role)
			}
		}
		return roles, true
	}
	return nil, false
}

func extractRoles(fields jwt.MapClaims) []string {
	for _, extract := range rolesExtractors {
		if roles, ok := extract(fields); ok {
			return roles
		}
	}
	return nil
}

// extractDisplayName prefers the namespaced name claim over a plain 'name'
// field, matching how identity-provider tokens label the display name
func extractDisplayName(fields jwt.MapClaims) string {
	if name, ok := fields[namespacedNameKey].(string); ok {
		return name
	}
	if name, ok := fields["name"].(string); ok {
		return name
	}
	return ""
}
