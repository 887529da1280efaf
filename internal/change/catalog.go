package change

import (
	"fmt"
	"sort"
	"strings"
)

// TableSpec describes one tracked table: its canonical name, which local
// database owns it, the primary key column and any historical aliases that
// must keep resolving to it.
type TableSpec struct {
	Name       string
	Origin     Origin
	PrimaryKey string
	Aliases    []string
}

// Catalog maps incoming table names, including historical singular/plural
// aliases, onto canonical tracked tables. Older peers shipped changes for
// "user" while newer ones say "users"; both must land on the same table or
// changes are silently dropped.
type Catalog struct {
	tables  map[string]*TableSpec
	aliases map[string]string
}

func NewCatalog(specs []TableSpec) (*Catalog, error) {
	c := &Catalog{
		tables:  make(map[string]*TableSpec),
		aliases: make(map[string]string),
	}

	for i := range specs {
		spec := specs[i]
		name := normalizeName(spec.Name)
		if name == "" {
			return nil, fmt.Errorf("table spec %d has empty name", i)
		}
		if !spec.Origin.Valid() {
			return nil, fmt.Errorf("table %s has invalid origin database %q", name, spec.Origin)
		}
		if spec.PrimaryKey == "" {
			spec.PrimaryKey = "id"
		}
		if _, exists := c.tables[name]; exists {
			return nil, fmt.Errorf("duplicate table spec: %s", name)
		}

		spec.Name = name
		c.tables[name] = &spec

		for _, alias := range spec.Aliases {
			alias = normalizeName(alias)
			if alias == "" || alias == name {
				continue
			}
			if existing, dup := c.aliases[alias]; dup && existing != name {
				return nil, fmt.Errorf("alias %s claimed by both %s and %s", alias, existing, name)
			}
			c.aliases[alias] = name
		}
	}

	return c, nil
}

// Resolve returns the spec for a possibly-aliased table name. Beyond explicit
// aliases it tolerates the historical singular/plural drift by trying the
// pluralized and singularized forms of the name.
func (c *Catalog) Resolve(name string) (*TableSpec, bool) {
	normalized := normalizeName(name)
	if normalized == "" {
		return nil, false
	}

	if spec, ok := c.tables[normalized]; ok {
		return spec, true
	}
	if canonical, ok := c.aliases[normalized]; ok {
		return c.tables[canonical], true
	}

	if spec, ok := c.tables[normalized+"s"]; ok {
		return spec, true
	}
	if strings.HasSuffix(normalized, "s") {
		if spec, ok := c.tables[strings.TrimSuffix(normalized, "s")]; ok {
			return spec, true
		}
	}

	return nil, false
}

// Tables returns all tracked specs sorted by canonical name.
func (c *Catalog) Tables() []*TableSpec {
	specs := make([]*TableSpec, 0, len(c.tables))
	for _, spec := range c.tables {
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// TablesFor returns the tracked specs owned by one local database.
func (c *Catalog) TablesFor(origin Origin) []*TableSpec {
	var specs []*TableSpec
	for _, spec := range c.Tables() {
		if spec.Origin == origin {
			specs = append(specs, spec)
		}
	}
	return specs
}

func normalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	// Strip a schema qualifier if the capture source supplied one.
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		name = name[idx+1:]
	}
	return name
}
