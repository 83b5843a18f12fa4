package mdm

import "strings"

// TypeProfile is the per-request-type dispatch entry: which master table the
// type lives in, the abbreviation used in request numbers, where task rows
// start inside the attachment, which template to clone, and how many
// approval levels the chain carries.
type TypeProfile struct {
	Type         string
	Table        string
	Abbr         string
	TaskStartRow int
	Template     string
	Levels       int
}

// DefaultTaskStartRow is where task rows begin in most attachment templates.
const DefaultTaskStartRow = 25

// DefaultProfiles returns the built-in request-type taxonomy. Customer Create
// uses the long intake template, so its task rows start lower.
func DefaultProfiles() map[string]TypeProfile {
	profiles := map[string]TypeProfile{}
	add := func(p TypeProfile) { profiles[p.Type] = p }

	for _, table := range []string{"BOM", "Pricing", "Customer", "Vendor", "Material"} {
		for _, verb := range []string{"Create", "Modify"} {
			add(TypeProfile{
				Type:         table + " " + verb,
				Table:        table,
				Abbr:         table,
				TaskStartRow: DefaultTaskStartRow,
				Template:     table + " " + verb,
				Levels:       MaxLevels - 1,
			})
		}
	}
	add(TypeProfile{
		Type:         "Pricing Update",
		Table:        "Pricing",
		Abbr:         "Pricing",
		TaskStartRow: DefaultTaskStartRow,
		Template:     "Pricing Update",
		Levels:       MaxLevels - 1,
	})
	p := profiles["Customer Create"]
	p.TaskStartRow = 34
	profiles["Customer Create"] = p
	return profiles
}

// ProfileFor resolves the dispatch entry for a request type, synthesizing a
// default profile from the table name when the type is unknown.
func ProfileFor(profiles map[string]TypeProfile, requestType, table string) TypeProfile {
	if p, ok := profiles[requestType]; ok {
		return p
	}
	if table == "" {
		table = strings.SplitN(requestType, " ", 2)[0]
	}
	return TypeProfile{
		Type:         requestType,
		Table:        table,
		Abbr:         table,
		TaskStartRow: DefaultTaskStartRow,
		Template:     requestType,
		Levels:       MaxLevels - 1,
	}
}

// DefaultTypeForTable fills a submission that omitted its request type.
func DefaultTypeForTable(table string) string {
	return table + " Create"
}

// TableForType resolves the master table of a request type.
func TableForType(profiles map[string]TypeProfile, requestType string) string {
	return ProfileFor(profiles, requestType, "").Table
}
