// Package model defines the semantic entities of spec.md §3: Record,
// RecordGroup, principals, permissions, and the transient RecordUpdate and
// Mapping types that flow between the connector sync engine, the entities
// processor, and the blob transformer.
package model

import "time"

// RecordType enumerates the record-type taxonomy of spec.md §3.
type RecordType string

const (
	RecordTypeFile     RecordType = "FILE"
	RecordTypeMail     RecordType = "MAIL"
	RecordTypeMessage  RecordType = "MESSAGE"
	RecordTypeWebpage  RecordType = "WEBPAGE"
	RecordTypeTicket   RecordType = "TICKET"
	RecordTypeProject  RecordType = "PROJECT"
	RecordTypeSQLTable RecordType = "SQL_TABLE"
	RecordTypeSQLView  RecordType = "SQL_VIEW"
	RecordTypeDrive    RecordType = "DRIVE"
	RecordTypeFolder   RecordType = "FOLDER"
)

// Origin is how a Record entered the system.
type Origin string

const (
	OriginConnector Origin = "CONNECTOR"
	OriginUpload    Origin = "UPLOAD"
)

// Status is the shared NOT_STARTED..PAUSED lifecycle spec.md §3 defines for
// both indexing and extraction, extraction simply excluding QUEUED and
// CONNECTOR_DISABLED.
type Status string

const (
	StatusNotStarted          Status = "NOT_STARTED"
	StatusInProgress          Status = "IN_PROGRESS"
	StatusCompleted           Status = "COMPLETED"
	StatusFailed              Status = "FAILED"
	StatusFileTypeNotSupported Status = "FILE_TYPE_NOT_SUPPORTED"
	StatusAutoIndexOff        Status = "AUTO_INDEX_OFF"
	StatusEmpty               Status = "EMPTY"
	StatusQueued              Status = "QUEUED"
	StatusConnectorDisabled   Status = "CONNECTOR_DISABLED"
	StatusPaused              Status = "PAUSED"
)

// ContentHashes holds the multi-algorithm content fingerprints spec.md §3
// lists on a Record.
type ContentHashes struct {
	MD5     string `json:"md5,omitempty"`
	SHA1    string `json:"sha1,omitempty"`
	SHA256  string `json:"sha256,omitempty"`
	QuickXor string `json:"quickXor,omitempty"`
	CRC32   string `json:"crc32,omitempty"`
}

// Record is a unit of indexable content, the primary node type (spec.md §3).
type Record struct {
	Key                   string     `json:"_key"`
	OrgKey                string     `json:"orgKey"`
	Connector             string     `json:"connector"`
	ConnectorInstanceKey  string     `json:"connectorInstanceKey"`
	ExternalID            string     `json:"externalId"`
	ExternalRevisionID    string     `json:"externalRevisionId,omitempty"`
	RecordType            RecordType `json:"recordType"`
	ParentExternalID      string     `json:"parentExternalId,omitempty"`
	ParentRecordType      RecordType `json:"parentRecordType,omitempty"`
	RecordGroupExternalID string     `json:"recordGroupExternalId,omitempty"`
	Origin                Origin     `json:"origin"`
	Version               int64      `json:"version"`

	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
	SourceCreatedAt  time.Time `json:"sourceCreatedAt,omitempty"`
	SourceModifiedAt time.Time `json:"sourceModifiedAt,omitempty"`
	LastSyncAt       time.Time `json:"lastSyncAt,omitempty"`

	Name      string        `json:"name,omitempty"`
	MimeType  string        `json:"mimeType,omitempty"`
	WebURL    string        `json:"webUrl,omitempty"`
	SignedURL string        `json:"signedUrl,omitempty"`
	Hashes    ContentHashes `json:"hashes,omitempty"`
	Size      int64         `json:"size,omitempty"`
	Extension string        `json:"extension,omitempty"`

	IndexingStatus   Status `json:"indexingStatus"`
	ExtractionStatus Status `json:"extractionStatus"`

	IsLatestVersion bool   `json:"isLatestVersion"`
	IsDirty         bool   `json:"isDirty"`
	VirtualRecordID string `json:"virtualRecordId,omitempty"`
	Shared          bool   `json:"shared"`
	Deleted         bool   `json:"deleted"`

	// IsFile distinguishes a synthesized placeholder parent (folder-like,
	// IsFile=false) from a real file record, per spec.md §4.G.1.5a.
	IsFile bool `json:"isFile"`
}

// ToKafkaRecord produces the payload shape spec.md §6.3 puts on the wire
// for record-events messages.
func (r *Record) ToKafkaRecord() map[string]any {
	return map[string]any{
		"_key":                 r.Key,
		"orgKey":               r.OrgKey,
		"connector":            r.Connector,
		"connectorInstanceKey": r.ConnectorInstanceKey,
		"externalId":           r.ExternalID,
		"externalRevisionId":   r.ExternalRevisionID,
		"recordType":           r.RecordType,
		"version":              r.Version,
		"virtualRecordId":      r.VirtualRecordID,
		"mimeType":             r.MimeType,
		"deleted":              r.Deleted,
	}
}

// RecordGroup is a logical container: mailbox, shared drive, label, or
// folder-as-container (spec.md §3).
type RecordGroup struct {
	Key                   string    `json:"_key"`
	OrgKey                string    `json:"orgKey"`
	Connector             string    `json:"connector"`
	GroupType             string    `json:"groupType"`
	ExternalGroupID       string    `json:"externalGroupId"`
	ParentGroupExternalID string    `json:"parentGroupExternalId,omitempty"`
	Name                  string    `json:"name"`
	Description           string    `json:"description,omitempty"`
	CreatedAt             time.Time `json:"createdAt"`
	UpdatedAt             time.Time `json:"updatedAt"`
	Deleted               bool      `json:"deleted"`
}

// AppUser is a human principal in the source system (spec.md §3).
type AppUser struct {
	Key                  string    `json:"_key"`
	AppName              string    `json:"appName"`
	ConnectorInstanceKey string    `json:"connectorInstanceKey"`
	SourceUserID         string    `json:"sourceUserId"`
	Email                string    `json:"email"`
	FullName             string    `json:"fullName,omitempty"`
	Title                string    `json:"title,omitempty"`
	Active               bool      `json:"active"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// AppUserGroup is a group principal in the source system (spec.md §3).
type AppUserGroup struct {
	Key                  string    `json:"_key"`
	AppName              string    `json:"appName"`
	ConnectorInstanceKey string    `json:"connectorInstanceKey"`
	SourceGroupID        string    `json:"sourceGroupId"`
	Email                string    `json:"email,omitempty"`
	FullName             string    `json:"fullName,omitempty"`
	Active               bool      `json:"active"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// PermissionEntityType is the principal side of a Permission edge.
type PermissionEntityType string

const (
	EntityTypeUser            PermissionEntityType = "USER"
	EntityTypeGroup           PermissionEntityType = "GROUP"
	EntityTypeOrg             PermissionEntityType = "ORG"
	EntityTypeDomain          PermissionEntityType = "DOMAIN"
	EntityTypeAnyone          PermissionEntityType = "ANYONE"
	EntityTypeAnyoneWithLink  PermissionEntityType = "ANYONE_WITH_LINK"
)

// PermissionType is the access-level side of a Permission edge.
type PermissionType string

const (
	PermissionOwner   PermissionType = "OWNER"
	PermissionWrite   PermissionType = "WRITE"
	PermissionComment PermissionType = "COMMENT"
	PermissionRead    PermissionType = "READ"
)

// Permission is a directed ACL edge descriptor from principal to resource
// (spec.md §3).
type Permission struct {
	EntityType PermissionEntityType `json:"entityType"`
	Type       PermissionType       `json:"type"`
	ExternalID string               `json:"externalId,omitempty"`
	Email      string               `json:"email,omitempty"`
}

// Key is the tuple spec.md §4.H's permission-set-equality rule compares:
// (entity_type, external_id_or_email, type).
func (p Permission) Key() (string, string, string) {
	id := p.ExternalID
	if id == "" {
		id = p.Email
	}
	return string(p.EntityType), id, string(p.Type)
}

// RecordUpdate is the transient classification spec.md §3 defines: the
// connector sync engine's per-entry observation, before it is dispatched to
// the entities processor.
type RecordUpdate struct {
	Record             Record
	IsNew              bool
	IsUpdated          bool
	IsDeleted          bool
	MetadataChanged    bool
	ContentChanged     bool
	PermissionsChanged bool
	OldPermissions     []Permission
	NewPermissions     []Permission
	ExternalRecordID   string
}

// Mapping is the virtual-record-id → document row spec.md §3 and §6.5
// describe.
type Mapping struct {
	VirtualRecordID string    `json:"_key"`
	DocumentID      string    `json:"documentId"`
	UpdatedAt       time.Time `json:"updatedAt"`
}
