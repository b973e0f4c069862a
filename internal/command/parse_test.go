package command

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawRequest(t *testing.T, mutate func(*Request)) json.RawMessage {
	t.Helper()
	req := Request{
		RequestID:   "0f8fad5b-d9cb-469f-a165-70867728950e",
		RequestType: "Delete",
		Subject:     &Subject{Type: SubjectMSA, ID: "puid-1"},
		DataTypes:   []DataType{"BrowsingHistory"},
	}
	if mutate != nil {
		mutate(&req)
	}
	b, err := json.Marshal(req)
	require.NoError(t, err)
	return b
}

func TestParse(t *testing.T) {
	cmd, err := Parse(rawRequest(t, nil))
	require.NoError(t, err)

	assert.Equal(t, ID("0f8fad5bd9cb469fa16570867728950e"), cmd.ID)
	assert.Equal(t, TypeDelete, cmd.Type)
	assert.Equal(t, SubjectMSA, cmd.Subject.Type)
	assert.Empty(t, cmd.AgentID)
	assert.NotEmpty(t, cmd.Raw)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name   string
		raw    json.RawMessage
		target error
	}{
		{"empty", nil, ErrMalformed},
		{"not json", json.RawMessage(`{`), ErrMalformed},
		{"bad id", rawRequest(t, func(r *Request) { r.RequestID = "nope" }), ErrMalformed},
		{"unknown type", rawRequest(t, func(r *Request) { r.RequestType = "Rename" }), ErrUnknownType},
		{"no subject", rawRequest(t, func(r *Request) { r.Subject = nil }), ErrMalformed},
		{"export without destination", rawRequest(t, func(r *Request) { r.RequestType = "Export" }), ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.raw)
			if !errors.Is(err, tt.target) {
				t.Fatalf("expected %v, got %v", tt.target, err)
			}
		})
	}
}

func TestParseForScopesCommand(t *testing.T) {
	cmd, err := ParseFor(rawRequest(t, nil), "agent-1", "ag-1", "AssetType=CosmosStructuredStream", StorageDocument)
	require.NoError(t, err)

	assert.Equal(t, "agent-1", cmd.AgentID)
	assert.Equal(t, "ag-1", cmd.AssetGroupID)
	assert.Equal(t, StorageDocument, cmd.QueueStorage)
}

func TestTypeJSON(t *testing.T) {
	b, err := json.Marshal(TypeAccountClose)
	require.NoError(t, err)
	assert.Equal(t, `"AccountClose"`, string(b))

	var got Type
	require.NoError(t, json.Unmarshal([]byte(`"ageout"`), &got))
	assert.Equal(t, TypeAgeOut, got)
}

func TestIntersectDataTypes(t *testing.T) {
	requested := []DataType{"A", "B", "C"}

	assert.Equal(t, []DataType{"A", "C"}, IntersectDataTypes(requested, []DataType{"C", "A", "Z"}))
	assert.Equal(t, requested, IntersectDataTypes(requested, []DataType{DataTypeAny}))
	assert.Empty(t, IntersectDataTypes(requested, []DataType{"Z"}))
}

func TestSelectQueueStorage(t *testing.T) {
	assert.Equal(t, StorageQueue, SelectQueueStorage(&Command{Subject: Subject{Type: SubjectAAD}}))
	assert.Equal(t, StorageDocument, SelectQueueStorage(&Command{Subject: Subject{Type: SubjectDevice}}))
}

func TestIDForms(t *testing.T) {
	id := NewID()
	assert.Len(t, string(id), 32)

	parsed, err := ParseID(id.GUID())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}
