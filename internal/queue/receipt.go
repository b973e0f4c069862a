package queue

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/withObsrvr/obsrvr-command-router/internal/command"
)

// CurrentReceiptVersion is the receipt layout written by this build.
const CurrentReceiptVersion = 3

// LeaseReceipt locates a leased command: its shard, partition and lease
// token. It round-trips through agents unchanged, so the JSON tags are part
// of the wire contract.
type LeaseReceipt struct {
	Version             int                      `json:"v"`
	DatabaseMoniker     string                   `json:"dm"`
	CommandID           command.ID               `json:"cid"`
	Token               string                   `json:"tk"`
	AssetGroupID        string                   `json:"gid"`
	AgentID             string                   `json:"aid"`
	SubjectType         command.SubjectType      `json:"st"`
	AssetGroupQualifier string                   `json:"agq,omitempty"`
	ExpirationTime      time.Time                `json:"et"`
	CommandType         command.Type             `json:"ct"`
	CloudInstance       string                   `json:"ci,omitempty"`
	CommandCreatedTime  time.Time                `json:"cct"`
	QueueStorage        command.QueueStorageKind `json:"qst"`
}

// PartitionKey returns the partition the receipt points into.
func (r LeaseReceipt) PartitionKey() PartitionKey {
	return PartitionKey{
		AgentID:      r.AgentID,
		AssetGroupID: r.AssetGroupID,
		SubjectType:  r.SubjectType,
		Kind:         r.QueueStorage,
	}
}

// String encodes the receipt as URL-safe base64 JSON.
func (r LeaseReceipt) String() string {
	b, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// ParseLeaseReceipt decodes a receipt produced by String.
func ParseLeaseReceipt(s string) (LeaseReceipt, error) {
	var r LeaseReceipt
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return r, fmt.Errorf("%w: %v", ErrUnsupportedReceipt, err)
	}
	if err := json.Unmarshal(b, &r); err != nil {
		return r, fmt.Errorf("%w: %v", ErrUnsupportedReceipt, err)
	}
	if r.Version < 1 || r.Version > CurrentReceiptVersion {
		return r, fmt.Errorf("%w: version %d", ErrUnsupportedReceipt, r.Version)
	}
	return r, nil
}

func newReceipt(moniker string, key PartitionKey, cmd *command.Command, token string, expires time.Time) LeaseReceipt {
	return LeaseReceipt{
		Version:             CurrentReceiptVersion,
		DatabaseMoniker:     moniker,
		CommandID:           cmd.ID,
		Token:               token,
		AssetGroupID:        key.AssetGroupID,
		AgentID:             key.AgentID,
		SubjectType:         key.SubjectType,
		AssetGroupQualifier: cmd.AssetGroupQualifier,
		ExpirationTime:      expires.UTC(),
		CommandType:         cmd.Type,
		CloudInstance:       cmd.CloudInstance,
		CommandCreatedTime:  cmd.Timestamp.UTC(),
		QueueStorage:        key.Kind,
	}
}
