package snapshot

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/withObsrvr/obsrvr-command-router/internal/command"
)

// ReasonCode explains an applicability decision.
type ReasonCode string

const (
	ReasonNone                   ReasonCode = "None"
	ReasonDeprecated             ReasonCode = "AssetGroupDeprecated"
	ReasonCommandTypeUnsupported ReasonCode = "CommandTypeNotSupported"
	ReasonSubjectTypeUnsupported ReasonCode = "SubjectTypeNotSupported"
	ReasonDataTypeMismatch       ReasonCode = "DataTypeMismatch"
	ReasonAgentNotOnline         ReasonCode = "TipAgentIsNotOnline"
	ReasonBlockedByFilter        ReasonCode = "BlockedByFilter"
	ReasonFilteredByVariant      ReasonCode = "FilteredByVariant"
)

// Applicability is the decision for one (command, asset group) pair.
type Applicability struct {
	Applicable  bool
	Reason      ReasonCode
	Description string

	// VariantIDs holds the variants that filtered the command when Reason is
	// ReasonFilteredByVariant, or the agent-applied variants to deliver with
	// an applicable command.
	VariantIDs []string
}

// Evaluate decides whether a command must be delivered to this asset group.
func (ag *AssetGroup) Evaluate(cmd *command.Command) Applicability {
	if ag.Deprecated {
		return notApplicable(ReasonDeprecated, "asset group is deprecated")
	}

	if len(ag.commands) > 0 {
		if _, ok := ag.commands[cmd.Type]; !ok {
			return notApplicable(ReasonCommandTypeUnsupported, fmt.Sprintf("%s not supported", cmd.Type))
		}
	}

	if len(ag.SubjectTypes) > 0 && !slices.Contains(ag.SubjectTypes, cmd.Subject.Type) {
		return notApplicable(ReasonSubjectTypeUnsupported, fmt.Sprintf("subject %s not supported", cmd.Subject.Type))
	}

	if scopedByDataType(cmd.Type) && len(cmd.DataTypes) > 0 {
		if len(command.IntersectDataTypes(cmd.DataTypes, ag.DataTypes)) == 0 {
			return notApplicable(ReasonDataTypeMismatch, "no requested data type is supported")
		}
	}

	if ag.agent != nil {
		switch ag.agent.Readiness {
		case ReadinessOffline:
			return notApplicable(ReasonAgentNotOnline, "agent is offline")
		case ReadinessTestInProd:
			if !cmd.IsSynthetic {
				return notApplicable(ReasonAgentNotOnline, "agent only accepts synthetic commands")
			}
		}
	}

	if ag.program != nil {
		ok, err := evalFilter(ag.program, cmd)
		if err != nil {
			slog.Warn("asset group filter failed, treating as applicable",
				"asset_group_id", ag.ID, "error", err)
		} else if !ok {
			return notApplicable(ReasonBlockedByFilter, ag.Filter)
		}
	}

	var filtered, delivered []string
	for _, v := range ag.Variants {
		if !v.matches(cmd) {
			continue
		}
		if v.AppliedByAgent {
			delivered = append(delivered, v.ID)
		} else {
			filtered = append(filtered, v.ID)
		}
	}
	if len(filtered) > 0 {
		a := notApplicable(ReasonFilteredByVariant, "exempted by variant")
		a.VariantIDs = filtered
		return a
	}

	return Applicability{Applicable: true, Reason: ReasonNone, VariantIDs: delivered}
}

// matches reports whether the variant covers the command: same subject type
// (when restricted) and every requested data type.
func (v Variant) matches(cmd *command.Command) bool {
	if len(v.SubjectTypes) > 0 && !slices.Contains(v.SubjectTypes, cmd.Subject.Type) {
		return false
	}
	if len(v.DataTypes) == 0 {
		return true
	}
	if len(cmd.DataTypes) == 0 {
		return false
	}
	for _, dt := range cmd.DataTypes {
		if !slices.Contains(v.DataTypes, dt) {
			return false
		}
	}
	return true
}

func scopedByDataType(t command.Type) bool {
	return t == command.TypeDelete || t == command.TypeExport || t == command.TypeScopedDelete
}

func notApplicable(reason ReasonCode, desc string) Applicability {
	return Applicability{Reason: reason, Description: desc}
}

var (
	filterEnvOnce sync.Once
	filterEnv     *cel.Env
	filterEnvErr  error
)

func env() (*cel.Env, error) {
	filterEnvOnce.Do(func() {
		filterEnv, filterEnvErr = cel.NewEnv(
			cel.Variable("command_type", cel.StringType),
			cel.Variable("subject_type", cel.StringType),
			cel.Variable("data_types", cel.ListType(cel.StringType)),
			cel.Variable("synthetic", cel.BoolType),
			cel.Variable("cloud_instance", cel.StringType),
			cel.Variable("requester", cel.StringType),
		)
	})
	return filterEnv, filterEnvErr
}

func compileFilter(expr string) (cel.Program, error) {
	e, err := env()
	if err != nil {
		return nil, fmt.Errorf("create CEL env: %w", err)
	}
	ast, issues := e.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile filter %q: %w", expr, issues.Err())
	}
	prg, err := e.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program filter %q: %w", expr, err)
	}
	return prg, nil
}

func evalFilter(prg cel.Program, cmd *command.Command) (bool, error) {
	dataTypes := make([]string, len(cmd.DataTypes))
	for i, dt := range cmd.DataTypes {
		dataTypes[i] = string(dt)
	}
	out, _, err := prg.Eval(map[string]any{
		"command_type":   cmd.Type.String(),
		"subject_type":   string(cmd.Subject.Type),
		"data_types":     dataTypes,
		"synthetic":      cmd.IsSynthetic,
		"cloud_instance": cmd.CloudInstance,
		"requester":      cmd.Requester,
	})
	if err != nil {
		return false, err
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("filter result is %T, not bool", out.Value())
	}
	return ok, nil
}
