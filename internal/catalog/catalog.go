// Package catalog holds the static mapping of table names to their
// pagination settings: entity primary key, addressing mode, and chunk
// size. The orchestrator and fetcher consult it to pick a strategy.
package catalog

import (
	"fmt"
	"sort"
)

// Default chunk sizes by addressing mode.
const (
	DefaultChunkSize = 500
	DefaultPageSize  = 100
)

// Table describes one remote entity set.
type Table struct {
	// Name is the entity set name, e.g. "KNS_Bill".
	Name string
	// PrimaryKey is the monotonically increasing integer key field.
	PrimaryKey string
	// Cursor selects cursor pagination (primary key > last seen value).
	// Tables without it use skip pagination.
	Cursor bool
	// ChunkSize is rows per request in cursor mode.
	ChunkSize int
}

// Catalog is the known-table set.
type Catalog struct {
	tables map[string]Table
}

// defaultTables is the built-in Knesset parliament dataset. The large,
// append-mostly tables are cursor-paged so multi-hour downloads can
// resume; the small reference tables use skip pagination.
var defaultTables = []Table{
	{Name: "KNS_Person", PrimaryKey: "PersonID"},
	{Name: "KNS_Position", PrimaryKey: "PositionID"},
	{Name: "KNS_PersonToPosition", PrimaryKey: "PersonToPositionID", Cursor: true, ChunkSize: 1000},
	{Name: "KNS_Faction", PrimaryKey: "FactionID"},
	{Name: "KNS_Status", PrimaryKey: "StatusID"},
	{Name: "KNS_ItemType", PrimaryKey: "ItemTypeID"},
	{Name: "KNS_GovMinistry", PrimaryKey: "GovMinistryID"},
	{Name: "KNS_Committee", PrimaryKey: "CommitteeID"},
	{Name: "KNS_CommitteeSession", PrimaryKey: "CommitteeSessionID", Cursor: true, ChunkSize: 500},
	{Name: "KNS_PlenumSession", PrimaryKey: "PlenumSessionID", Cursor: true, ChunkSize: 500},
	{Name: "KNS_Bill", PrimaryKey: "BillID", Cursor: true, ChunkSize: 500},
	{Name: "KNS_BillInitiator", PrimaryKey: "BillInitiatorID", Cursor: true, ChunkSize: 1000},
	{Name: "KNS_DocumentBill", PrimaryKey: "DocumentBillID", Cursor: true, ChunkSize: 1000},
	{Name: "KNS_IsraelLaw", PrimaryKey: "IsraelLawID"},
	{Name: "KNS_Law", PrimaryKey: "LawID", Cursor: true, ChunkSize: 500},
	{Name: "KNS_Query", PrimaryKey: "QueryID", Cursor: true, ChunkSize: 500},
	{Name: "KNS_Agenda", PrimaryKey: "AgendaID", Cursor: true, ChunkSize: 500},
}

// Default returns a catalog populated with the built-in table set.
func Default() *Catalog {
	c := &Catalog{tables: make(map[string]Table, len(defaultTables))}
	for _, t := range defaultTables {
		c.put(t)
	}
	return c
}

// Empty returns a catalog with no tables; tests and config-only setups
// add their own.
func Empty() *Catalog {
	return &Catalog{tables: make(map[string]Table)}
}

// Add inserts or overrides a table definition.
func (c *Catalog) Add(t Table) error {
	if t.Name == "" {
		return fmt.Errorf("catalog: table name is required")
	}
	if t.Cursor && t.PrimaryKey == "" {
		return fmt.Errorf("catalog: cursor table %s needs a primary key field", t.Name)
	}
	c.put(t)
	return nil
}

func (c *Catalog) put(t Table) {
	if t.Cursor && t.ChunkSize <= 0 {
		t.ChunkSize = DefaultChunkSize
	}
	c.tables[t.Name] = t
}

// Lookup returns the table definition for name.
func (c *Catalog) Lookup(name string) (Table, bool) {
	t, ok := c.tables[name]
	return t, ok
}

// Names returns all table names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.tables))
	for name := range c.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unknown returns the subset of names not present in the catalog,
// preserving input order. Used for batch validation before any fetch.
func (c *Catalog) Unknown(names []string) []string {
	var unknown []string
	for _, name := range names {
		if _, ok := c.tables[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// Len returns the number of tables.
func (c *Catalog) Len() int {
	return len(c.tables)
}
