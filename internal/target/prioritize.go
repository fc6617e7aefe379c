package target

import (
	"regexp"
	"strings"
)

// Interest levels, lowest first.
const (
	ValueUnknown  = "unknown"
	ValueLow      = "low"
	ValueMedium   = "medium"
	ValueHigh     = "high"
	ValueVeryHigh = "very-high"
)

var valueRank = map[string]int{
	ValueUnknown:  0,
	ValueLow:      1,
	ValueMedium:   2,
	ValueHigh:     3,
	ValueVeryHigh: 4,
}

type hostType struct {
	name         string
	value        string
	serviceNames []*regexp.Regexp
	ports        []int
}

// hostTypes is checked in order; a host can match several.
var hostTypes = []hostType{
	{
		name:         "webserver",
		value:        ValueHigh,
		serviceNames: compileAll("werkzeug", "httpd", "nginx", "apache"),
		ports:        []int{80, 443, 3000, 8000, 8443},
	},
	{
		name:  "database",
		value: ValueVeryHigh,
		ports: []int{1433, 3306, 6379, 27017},
	},
	{
		name:  "fileserver",
		value: ValueHigh,
		ports: []int{21, 990},
	},
	{
		name:  "mailserver",
		value: ValueMedium,
		ports: []int{25, 468, 587, 2525, 110, 993, 143, 995},
	},
	{
		name:         "ics",
		value:        ValueVeryHigh,
		serviceNames: compileAll("modbus"),
		ports:        []int{502},
	},
	{
		name:  "domain_controller",
		value: ValueVeryHigh,
		ports: []int{88},
	},
}

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(p))
	}
	return out
}

// Prioritize guesses what kind of host t is and how interesting it is.
// Multiple host types are joined with ";". A host with no services is
// ("unknown", "generic").
func Prioritize(t *Target) (value string, kind string) {
	if t == nil || len(t.Services) == 0 {
		return ValueUnknown, "generic"
	}

	value = ValueUnknown
	var kinds []string
	matched := make(map[string]bool)
	for _, svc := range t.Services {
		for _, ht := range hostTypes {
			if matched[ht.name] {
				continue
			}
			if ht.matches(svc) {
				matched[ht.name] = true
				kinds = append(kinds, ht.name)
				if valueRank[ht.value] > valueRank[value] {
					value = ht.value
				}
			}
		}
	}
	if len(kinds) == 0 {
		return value, "unknown"
	}
	return value, strings.Join(kinds, ";")
}

func (ht hostType) matches(svc Service) bool {
	for _, p := range ht.ports {
		if svc.Port == p {
			return true
		}
	}
	if svc.Name == "" {
		return false
	}
	for _, re := range ht.serviceNames {
		if re.MatchString(svc.Name) {
			return true
		}
	}
	return false
}
