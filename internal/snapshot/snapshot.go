// Package snapshot holds the versioned data-agent map: which agents exist,
// which asset groups they own, and whether a command applies to each of them.
package snapshot

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/cel-go/cel"

	"github.com/withObsrvr/obsrvr-command-router/internal/command"
)

var (
	// ErrVersionNotFound is returned when a pinned snapshot version is unknown.
	ErrVersionNotFound = errors.New("snapshot version not found")

	// ErrInvalid is returned for snapshots that fail validation.
	ErrInvalid = errors.New("invalid snapshot")
)

// Readiness controls which commands an agent may receive.
type Readiness string

const (
	ReadinessProd       Readiness = "ProdReady"
	ReadinessTestInProd Readiness = "TestInProd"
	ReadinessOffline    Readiness = "Offline"
)

// Snapshot is one immutable version of the data-agent map.
type Snapshot struct {
	Version              int64    `yaml:"version"`
	AssetGroupStreamName string   `yaml:"asset_group_stream"`
	VariantStreamName    string   `yaml:"variant_stream"`
	Agents               []*Agent `yaml:"agents"`

	byID map[string]*Agent
}

// Agent is a downstream data-owning system.
type Agent struct {
	ID          string        `yaml:"id"`
	Readiness   Readiness     `yaml:"readiness"`
	AssetGroups []*AssetGroup `yaml:"asset_groups"`
}

// AssetGroup is one data collection owned by an agent.
type AssetGroup struct {
	ID            string                `yaml:"id"`
	Qualifier     string                `yaml:"qualifier"`
	SubjectTypes  []command.SubjectType `yaml:"subject_types"`
	CommandTypes  []string              `yaml:"command_types"`
	DataTypes     []command.DataType    `yaml:"data_types"`
	Variants      []Variant             `yaml:"variants"`
	IsFakePreProd bool                  `yaml:"fake_preprod"`
	Deprecated    bool                  `yaml:"deprecated"`

	// Filter is an optional CEL expression that must evaluate to true for
	// the command to apply.
	Filter string `yaml:"filter"`

	agent    *Agent
	commands map[command.Type]struct{}
	program  cel.Program
}

// Variant exempts some commands from reaching an asset group.
type Variant struct {
	ID           string                `yaml:"id"`
	DataTypes    []command.DataType    `yaml:"data_types"`
	SubjectTypes []command.SubjectType `yaml:"subject_types"`

	// AppliedByAgent variants are delivered with the command and honored by
	// the agent; all others are applied here and stop delivery.
	AppliedByAgent bool `yaml:"applied_by_agent"`
}

// New builds and validates a snapshot.
func New(version int64, agents ...*Agent) (*Snapshot, error) {
	s := &Snapshot{Version: version, Agents: agents}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Snapshot) init() error {
	sort.Slice(s.Agents, func(i, j int) bool { return s.Agents[i].ID < s.Agents[j].ID })

	s.byID = make(map[string]*Agent, len(s.Agents))
	for _, a := range s.Agents {
		if a.ID == "" {
			return fmt.Errorf("%w: agent without id", ErrInvalid)
		}
		if _, dup := s.byID[a.ID]; dup {
			return fmt.Errorf("%w: duplicate agent %s", ErrInvalid, a.ID)
		}
		s.byID[a.ID] = a

		seen := make(map[string]struct{}, len(a.AssetGroups))
		for _, ag := range a.AssetGroups {
			if ag.ID == "" {
				return fmt.Errorf("%w: agent %s has an asset group without id", ErrInvalid, a.ID)
			}
			if _, dup := seen[ag.ID]; dup {
				return fmt.Errorf("%w: duplicate asset group %s on agent %s", ErrInvalid, ag.ID, a.ID)
			}
			seen[ag.ID] = struct{}{}
			if err := ag.init(a); err != nil {
				return fmt.Errorf("%w: asset group %s: %v", ErrInvalid, ag.ID, err)
			}
		}
	}
	return nil
}

func (ag *AssetGroup) init(a *Agent) error {
	ag.agent = a
	ag.commands = make(map[command.Type]struct{}, len(ag.CommandTypes))
	for _, name := range ag.CommandTypes {
		t, err := command.ParseType(name)
		if err != nil {
			return err
		}
		ag.commands[t] = struct{}{}
	}
	if ag.Filter != "" {
		prg, err := compileFilter(ag.Filter)
		if err != nil {
			return err
		}
		ag.program = prg
	}
	return nil
}

// Agent returns an agent by id.
func (s *Snapshot) Agent(id string) (*Agent, bool) {
	a, ok := s.byID[id]
	return a, ok
}

// AssetGroup returns one asset group of an agent.
func (s *Snapshot) AssetGroup(agentID, assetGroupID string) (*AssetGroup, bool) {
	a, ok := s.byID[agentID]
	if !ok {
		return nil, false
	}
	for _, ag := range a.AssetGroups {
		if ag.ID == assetGroupID {
			return ag, true
		}
	}
	return nil, false
}

// AgentID returns the id of the agent owning the asset group.
func (ag *AssetGroup) AgentID() string {
	if ag.agent == nil {
		return ""
	}
	return ag.agent.ID
}
