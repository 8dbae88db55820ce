package records

import "github.com/MarcoPoloResearchLab/tunesync/internal/remote"

// Row is the server's current version of one synced row.
type Row struct {
	Table            string `gorm:"column:table_name;primaryKey;size:64;not null;index:idx_remote_rows_table_seq,priority:1"`
	RowKey           string `gorm:"column:row_key;primaryKey;size:400;not null"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;default:''"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	IsDeleted        bool   `gorm:"column:is_deleted;not null;default:false"`
	ChangedAt        string `gorm:"column:changed_at;size:32;not null"`
	ServerSeq        int64  `gorm:"column:server_seq;not null;index:idx_remote_rows_table_seq,priority:2"`
	Version          int64  `gorm:"column:version;not null;default:1"`
	LastWriterDevice string `gorm:"column:last_writer_device;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Row) TableName() string {
	return "remote_rows"
}

// RowChange is the append-only audit trail of accepted changes. Its sequence
// is the server sequence handed out to clients as a pull checkpoint.
type RowChange struct {
	Seq              int64                  `gorm:"column:seq;primaryKey;autoIncrement"`
	ChangeID         string                 `gorm:"column:change_id;size:64;not null;uniqueIndex"`
	ClientChangeID   string                 `gorm:"column:client_change_id;size:190;not null;uniqueIndex"`
	UserID           string                 `gorm:"column:user_id;size:190;not null;index:idx_row_changes_user_time,priority:1"`
	Table            string                 `gorm:"column:table_name;size:64;not null"`
	RowKey           string                 `gorm:"column:row_key;size:400;not null"`
	Operation        remote.ChangeOperation `gorm:"column:op;size:16;not null"`
	ClientDevice     string                 `gorm:"column:client_device;size:190;not null"`
	ClientChangedAt  string                 `gorm:"column:client_changed_at;size:32;not null"`
	AppliedAtSeconds int64                  `gorm:"column:applied_at_s;not null;index:idx_row_changes_user_time,priority:2"`
	PayloadJSON      string                 `gorm:"column:payload_json;type:text;not null"`
	PreviousVersion  *int64                 `gorm:"column:prev_version"`
	NewVersion       *int64                 `gorm:"column:new_version"`
}

// TableName provides the explicit table binding for GORM.
func (RowChange) TableName() string {
	return "row_changes"
}

// Models lists the server's gorm models for AutoMigrate.
func Models() []any {
	return []any{&Row{}, &RowChange{}}
}

// incomingChange is a validated client change.
type incomingChange struct {
	changeID  string
	table     string
	rowKey    string
	operation remote.ChangeOperation
	changedAt string
	device    string
	payload   string
}

// ConflictOutcome captures the decision from resolveChange.
type ConflictOutcome struct {
	Accepted    bool
	UpdatedRow  *Row
	AuditRecord *RowChange
}
