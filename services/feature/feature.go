package feature

// FeatureSet maps an entitlement name to a boolean, number, string or list.
type FeatureSet map[string]any

// Unlimited marks numeric entitlements without a cap.
const Unlimited = -1

// Every tier resolves to the same maximal set. Tier is kept as pricing and
// reporting metadata only and does not gate entitlements.
var allFeatures = FeatureSet{
	"basic_analysis":            true,
	"advanced_analysis":         true,
	"premium_analysis":          true,
	"enterprise_analysis":       true,
	"report_generation":         true,
	"email_support":             true,
	"priority_support":          true,
	"phone_support":             true,
	"max_projects":              Unlimited,
	"max_users":                 Unlimited,
	"api_access":                "full",
	"advanced_analytics":        true,
	"custom_integrations":       true,
	"sla_guarantee":             true,
	"commercial_use":            true,
	"watermarked_reports":       false,
	"export_formats":            []string{"PDF", "Excel", "CSV", "JSON", "XML", "PowerBI", "Tableau"},
	"data_retention_days":       Unlimited,
	"team_collaboration":        true,
	"api_calls":                 Unlimited,
	"white_label_reports":       true,
	"advanced_permissions":      true,
	"audit_logging":             true,
	"dedicated_account_manager": true,
	"custom_deployment":         true,
	"sso_integration":           true,
	"ldap_integration":          true,
	"custom_branding":           true,
	"advanced_security":         true,
	"compliance_reports":        true,
	"data_residency":            true,
	"custom_training":           true,
}

// FeaturesFor returns a copy of the tier's feature set, or false for an
// unknown tier.
func FeaturesFor(t Tier) (FeatureSet, bool) {
	if !t.Valid() {
		return nil, false
	}
	return allFeatures.clone(), true
}

// HasFeature reports whether the tier grants name. Numeric entitlements count
// as granted when non-zero, strings when non-empty.
func HasFeature(t Tier, name string) bool {
	v, ok := FeatureValue(t, name)
	if !ok {
		return false
	}
	return truthy(v)
}

func FeatureValue(t Tier, name string) (any, bool) {
	if !t.Valid() {
		return nil, false
	}
	v, ok := allFeatures[name]
	if !ok {
		return nil, false
	}
	if list, isList := v.([]string); isList {
		return append([]string(nil), list...), true
	}
	return v, true
}

// Check is the diagnostic view of one requested feature.
type Check struct {
	Available bool   `json:"available"`
	Value     any    `json:"value"`
	Type      string `json:"type"`
}

// CheckAll evaluates the requested names against a resolved feature set.
func CheckAll(set FeatureSet, names []string) map[string]Check {
	if len(names) == 0 {
		return nil
	}
	out := make(map[string]Check, len(names))
	for _, name := range names {
		v, ok := set[name]
		if !ok {
			out[name] = Check{Type: "undefined"}
			continue
		}
		out[name] = Check{Available: truthy(v), Value: v, Type: typeOf(v)}
	}
	return out
}

func (f FeatureSet) clone() FeatureSet {
	out := make(FeatureSet, len(f))
	for k, v := range f {
		if list, ok := v.([]string); ok {
			v = append([]string(nil), list...)
		}
		out[k] = v
	}
	return out
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	case string:
		return x != ""
	case []string:
		return len(x) > 0
	case []any:
		return len(x) > 0
	case nil:
		return false
	default:
		return true
	}
}

func typeOf(v any) string {
	switch v.(type) {
	case bool:
		return "boolean"
	case int, int64, float64:
		return "number"
	case string:
		return "string"
	case []string, []any:
		return "array"
	case nil:
		return "undefined"
	default:
		return "object"
	}
}
