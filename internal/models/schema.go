// Package models provides data model definitions for the FarmBook sync core.
package models

// Synchronized table names. TableOrder lists them parents-first so that
// uploads and inbound applies always see foreign-key targets before the
// rows that reference them.
const (
	TableFarms      = "farms"
	TableFields     = "fields"
	TableBatches    = "batches"
	TableActivities = "activities"
)

// TableOrder is the fixed foreign-key dependency order for sync.
var TableOrder = []string{TableFarms, TableFields, TableBatches, TableActivities}

// ForeignKeys maps each table's local foreign-key field names to the
// parent table they reference.
var ForeignKeys = map[string]map[string]string{
	TableFields: {
		"farm_id": TableFarms,
	},
	TableBatches: {
		"farm_id":  TableFarms,
		"field_id": TableFields,
	},
	TableActivities: {
		"batch_id": TableBatches,
	},
}

// EntityNames maps table names to the singular entity name used in
// domain event types (FARM_CREATED, BATCH_UPDATED, ...).
var EntityNames = map[string]string{
	TableFarms:      "FARM",
	TableFields:     "FIELD",
	TableBatches:    "BATCH",
	TableActivities: "ACTIVITY",
}

// KnownTable reports whether tbl is one of the synchronized tables.
func KnownTable(tbl string) bool {
	_, ok := EntityNames[tbl]
	return ok
}
