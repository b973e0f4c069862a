// Package command defines the privacy command model shared by every stage of
// the router: identifiers, command types, subjects and per-destination routing
// targets.
package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrMalformed is returned when a raw command cannot be parsed.
	ErrMalformed = errors.New("malformed command")

	// ErrUnknownType is returned for command types the router has no rules for.
	ErrUnknownType = errors.New("unknown command type")
)

// ID is the fixed-size identifier of one privacy request: 32 lower-case hex
// characters.
type ID string

// NewID returns a fresh random command id.
func NewID() ID {
	u := uuid.New()
	return ID(strings.ReplaceAll(u.String(), "-", ""))
}

// ParseID accepts both the hyphenated and the compact form.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: command id %q: %v", ErrMalformed, s, err)
	}
	return ID(strings.ReplaceAll(u.String(), "-", "")), nil
}

// GUID returns the hyphenated form of the id.
func (id ID) GUID() string {
	u, err := uuid.Parse(string(id))
	if err != nil {
		return string(id)
	}
	return u.String()
}

func (id ID) String() string { return string(id) }

// Type is the kind of privacy request.
type Type int

const (
	TypeUnknown Type = iota
	TypeDelete
	TypeExport
	TypeAccountClose
	TypeAgeOut
	TypeScopedDelete
)

var typeNames = map[Type]string{
	TypeDelete:       "Delete",
	TypeExport:       "Export",
	TypeAccountClose: "AccountClose",
	TypeAgeOut:       "AgeOut",
	TypeScopedDelete: "ScopedDelete",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "Unknown"
}

// ParseType maps a type name (case-insensitive) to a Type.
func ParseType(s string) (Type, error) {
	for t, name := range typeNames {
		if strings.EqualFold(name, s) {
			return t, nil
		}
	}
	return TypeUnknown, fmt.Errorf("%w: %q", ErrUnknownType, s)
}

// MarshalJSON encodes the type by name.
func (t Type) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON accepts the type name.
func (t *Type) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// SubjectType identifies the kind of data subject a command targets.
type SubjectType string

const (
	SubjectMSA              SubjectType = "msa"
	SubjectAAD              SubjectType = "aad"
	SubjectDevice           SubjectType = "device"
	SubjectDemographic      SubjectType = "demographic"
	SubjectEmployee         SubjectType = "employee"
	SubjectNonWindowsDevice SubjectType = "nonWindowsDevice"
	SubjectEdgeBrowser      SubjectType = "edgeBrowser"
)

// Subject is the data subject of a command.
type Subject struct {
	Type     SubjectType `json:"type"`
	ID       string      `json:"id"`
	TenantID string      `json:"tenantId,omitempty"`
}

// DataType names a category of personal data.
type DataType string

// DataTypeAny marks a destination that accepts every data type.
const DataTypeAny DataType = "Any"

// QueueStorageKind selects the family of queue shards a command is stored in.
type QueueStorageKind string

const (
	StorageDocument QueueStorageKind = "document"
	StorageQueue    QueueStorageKind = "queue"
)

// Command is a parsed privacy request, optionally scoped to one destination.
type Command struct {
	ID            ID              `json:"id"`
	Type          Type            `json:"type"`
	Subject       Subject         `json:"subject"`
	Timestamp     time.Time       `json:"timestamp"`
	DataTypes     []DataType      `json:"dataTypes,omitempty"`
	Requester     string          `json:"requester,omitempty"`
	Context       string          `json:"context,omitempty"`
	CloudInstance string          `json:"cloudInstance,omitempty"`
	IsSynthetic   bool            `json:"isSynthetic,omitempty"`
	Predicate     json.RawMessage `json:"predicate,omitempty"`

	// Export destination requested by the caller.
	ExportStorageURI string `json:"exportStorageUri,omitempty"`

	// Destination scope, empty for the unscoped command.
	AgentID             string           `json:"agentId,omitempty"`
	AssetGroupID        string           `json:"assetGroupId,omitempty"`
	AssetGroupQualifier string           `json:"assetGroupQualifier,omitempty"`
	QueueStorage        QueueStorageKind `json:"queueStorage,omitempty"`
	VariantIDs          []string         `json:"variantIds,omitempty"`

	// Write target attached to export commands during ingestion.
	StagingContainerURI string `json:"stagingContainerUri,omitempty"`
	StagingPath         string `json:"stagingPath,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// IsExport reports whether the command is an export request.
func (c *Command) IsExport() bool { return c.Type == TypeExport }

// Scoped returns a copy of the command bound to one destination.
func (c *Command) Scoped(agentID, assetGroupID, qualifier string, kind QueueStorageKind) *Command {
	cp := *c
	cp.DataTypes = append([]DataType(nil), c.DataTypes...)
	cp.VariantIDs = nil
	cp.AgentID = agentID
	cp.AssetGroupID = assetGroupID
	cp.AssetGroupQualifier = qualifier
	cp.QueueStorage = kind
	return &cp
}

// SelectQueueStorage picks the queue storage kind for a command. AAD subjects
// live on the queue shards, everything else on document shards.
func SelectQueueStorage(c *Command) QueueStorageKind {
	if c.Subject.Type == SubjectAAD {
		return StorageQueue
	}
	return StorageDocument
}

// Destination is one (agent, asset group) target for a command.
type Destination struct {
	AgentID             string           `json:"agentId"`
	AssetGroupID        string           `json:"assetGroupId"`
	AssetGroupQualifier string           `json:"qualifier,omitempty"`
	TargetMoniker       string           `json:"moniker"`
	QueueStorage        QueueStorageKind `json:"queueStorage"`
	DataTypes           []DataType       `json:"dataTypes,omitempty"`
	VariantIDs          []string         `json:"variantIds,omitempty"`
}

// IntersectDataTypes returns the requested data types a destination supports.
// A destination supporting DataTypeAny accepts everything requested.
func IntersectDataTypes(requested, supported []DataType) []DataType {
	for _, dt := range supported {
		if dt == DataTypeAny {
			return append([]DataType(nil), requested...)
		}
	}
	set := make(map[DataType]struct{}, len(supported))
	for _, dt := range supported {
		set[dt] = struct{}{}
	}
	var out []DataType
	for _, dt := range requested {
		if _, ok := set[dt]; ok {
			out = append(out, dt)
		}
	}
	return out
}
