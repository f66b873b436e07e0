package model

// Table names of the default model.
const (
	Hierarchy = "hierarchy"
	Versions  = "versions"
	Proxies   = "proxies"
	Misc      = "misc"
	Fulltext  = "fulltext"
	Locks     = "locks"
)

// Selection names of the default model.
const (
	SelChildren      = "children"
	SelSeriesVersion = "seriesVersions"
	SelSeriesProxies = "seriesProxies"
	SelTargetProxies = "targetProxies"
)

// Default returns the document repository model: a hierarchy table with
// versions, proxies, misc and fulltext side tables, and a lock table.
func Default() *Model {
	tables := []*Table{
		{Name: Hierarchy, Columns: []Column{
			{"parentid", TypeString},
			{"pos", TypeInt},
			{"name", TypeString},
			{"isproperty", TypeBool},
			{"primarytype", TypeString},
			{"ischeckedin", TypeBool},
			{"changetoken", TypeInt},
		}},
		{Name: Versions, Dependent: true, Columns: []Column{
			{"versionableid", TypeString},
			{"created", TypeTime},
			{"label", TypeString},
			{"islatest", TypeBool},
		}},
		{Name: Proxies, Dependent: true, Columns: []Column{
			{"targetid", TypeString},
			{"versionableid", TypeString},
		}},
		{Name: Misc, Dependent: true, Columns: []Column{
			{"lifecyclestate", TypeString},
			{"dirty", TypeBool},
		}},
		{Name: Fulltext, Dependent: true, Columns: []Column{
			{"simpletext", TypeString},
		}},
		{Name: Locks, Columns: []Column{
			{"owner", TypeString},
			{"created", TypeTime},
		}},
	}
	selections := []SelectionType{
		{Name: SelChildren, Table: Hierarchy, Key: "parentid", Filter: "isproperty"},
		{Name: SelSeriesVersion, Table: Versions, Key: "versionableid"},
		{Name: SelSeriesProxies, Table: Proxies, Key: "versionableid"},
		{Name: SelTargetProxies, Table: Proxies, Key: "targetid"},
	}
	m, err := New(Hierarchy, Locks, tables, selections)
	if err != nil {
		panic(err)
	}
	return m
}
