package command

import (
	"encoding/json"
	"fmt"
	"time"
)

// Request is the raw inbound envelope as accepted from the front doors.
type Request struct {
	RequestID        string          `json:"requestId"`
	RequestType      string          `json:"requestType"`
	Subject          *Subject        `json:"subject"`
	Timestamp        time.Time       `json:"timestamp"`
	DataTypes        []DataType      `json:"dataTypes,omitempty"`
	ExportStorageURI string          `json:"exportStorageUri,omitempty"`
	CloudInstance    string          `json:"cloudInstance,omitempty"`
	Requester        string          `json:"requester,omitempty"`
	Context          string          `json:"context,omitempty"`
	IsSynthetic      bool            `json:"isSynthetic,omitempty"`
	Predicate        json.RawMessage `json:"predicate,omitempty"`
}

// Parse decodes a raw inbound command without binding it to a destination.
func Parse(raw json.RawMessage) (*Command, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	id, err := ParseID(req.RequestID)
	if err != nil {
		return nil, err
	}

	typ, err := ParseType(req.RequestType)
	if err != nil {
		return nil, err
	}

	if req.Subject == nil || req.Subject.Type == "" {
		return nil, fmt.Errorf("%w: command %s has no subject", ErrMalformed, id)
	}

	if typ == TypeExport && req.ExportStorageURI == "" {
		return nil, fmt.Errorf("%w: export %s has no storage destination", ErrMalformed, id)
	}

	return &Command{
		ID:               id,
		Type:             typ,
		Subject:          *req.Subject,
		Timestamp:        req.Timestamp.UTC(),
		DataTypes:        req.DataTypes,
		Requester:        req.Requester,
		Context:          req.Context,
		CloudInstance:    req.CloudInstance,
		IsSynthetic:      req.IsSynthetic,
		Predicate:        req.Predicate,
		ExportStorageURI: req.ExportStorageURI,
		Raw:              raw,
	}, nil
}

// ParseFor decodes a raw command scoped to a single destination.
func ParseFor(raw json.RawMessage, agentID, assetGroupID, qualifier string, kind QueueStorageKind) (*Command, error) {
	cmd, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	scoped := cmd.Scoped(agentID, assetGroupID, qualifier, kind)
	scoped.Raw = raw
	return scoped, nil
}
