package results

import "fmt"

// Schema profiles are named field projections, each a superset of the
// previous one.
const (
	ProfileMinimal = "minimal"
	ProfileSummary = "summary"
	ProfileBrief   = "brief"
	ProfileFull    = "full"
)

var profileFields = map[string][]string{
	ProfileMinimal: {"host", "plugin_id", "severity"},
	ProfileSummary: {"host", "plugin_id", "severity", "plugin_name", "port"},
	ProfileBrief: {"host", "plugin_id", "severity", "plugin_name", "port",
		"cvss_score", "cve", "synopsis"},
	ProfileFull: {"host", "plugin_id", "severity", "plugin_name", "port",
		"cvss_score", "cve", "synopsis", "description", "solution", "see_also"},
}

// ProfileFields resolves a profile name, with custom_fields taking
// precedence over the profile's own set.
func ProfileFields(profile string, customFields []string) ([]string, error) {
	if len(customFields) > 0 {
		return customFields, nil
	}
	if profile == "" {
		profile = ProfileBrief
	}
	fields, ok := profileFields[profile]
	if !ok {
		return nil, fmt.Errorf("unknown schema profile %q", profile)
	}
	return fields, nil
}

// fieldValue extracts a named field from a finding. The second return is
// false for unknown field names.
func fieldValue(f *Finding, name string) (any, bool) {
	switch name {
	case "host":
		return f.Host, true
	case "plugin_id":
		return f.PluginID, true
	case "severity":
		return f.Severity, true
	case "plugin_name":
		return f.PluginName, true
	case "port":
		return f.Port, true
	case "protocol":
		return f.Protocol, true
	case "service":
		return f.Service, true
	case "cvss_score":
		return f.CVSSScore, true
	case "cve":
		return f.CVE, true
	case "synopsis":
		return f.Synopsis, true
	case "description":
		return f.Description, true
	case "solution":
		return f.Solution, true
	case "see_also":
		return f.SeeAlso, true
	}
	return nil, false
}
