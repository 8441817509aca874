package models

// IdentifierMapping records the correspondence between a locally
// generated record id and the id assigned by the remote store.
// Rows are written when a CREATE is acknowledged and are immutable.
type IdentifierMapping struct {
	Table     string `db:"tbl" json:"table"`
	LocalID   string `db:"local_id" json:"local_id"`
	ServerID  int64  `db:"server_id" json:"server_id"`
	CreatedAt int64  `db:"created_at" json:"created_at"`
}

// TableName returns the table name for IdentifierMapping.
func (IdentifierMapping) TableName() string {
	return "id_mappings"
}
