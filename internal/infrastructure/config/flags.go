package config

import "strings"

// ParsePerToolFlags scans raw CLI arguments for the dynamic per-tool
// override flags: --<tool>-targets PATH ..., --<tool>-triggers PATH ...,
// --<tool>-preconditions TOOL ..., --<tool>-args STRING. These cannot
// be declared up front because the tool names come from the config
// file, so they are collected from the raw argument list and overlaid
// by EffectiveConfig. Values run until the next flag token; --args
// takes a single string that splits on whitespace.
func ParsePerToolFlags(args []string, tools []string) map[string]ToolOverride {
	overrides := make(map[string]ToolOverride)

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			continue
		}
		name := strings.TrimPrefix(arg, "--")
		var inline string
		if eq := strings.IndexByte(name, '='); eq >= 0 {
			inline = name[eq+1:]
			name = name[:eq]
		}

		tool, kind := matchToolFlag(name, tools)
		if tool == "" {
			continue
		}

		var values []string
		if inline != "" {
			values = []string{inline}
		} else {
			for i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				i++
				values = append(values, args[i])
			}
		}

		ov := overrides[tool]
		switch kind {
		case "targets":
			ov.Targets = emptyNotNil(ov.Targets, values)
		case "triggers":
			ov.Triggers = emptyNotNil(ov.Triggers, values)
		case "preconditions":
			ov.Preconditions = emptyNotNil(ov.Preconditions, values)
		case "args":
			argv := []string{}
			for _, v := range values {
				argv = append(argv, strings.Fields(v)...)
			}
			ov.Args = argv
		}
		overrides[tool] = ov
	}
	return overrides
}

func matchToolFlag(flag string, tools []string) (tool, kind string) {
	for _, t := range tools {
		for _, k := range []string{"targets", "triggers", "preconditions", "args"} {
			if flag == t+"-"+k {
				return t, k
			}
		}
	}
	return "", ""
}

// emptyNotNil appends values while guaranteeing a given flag yields a
// non-nil slice, so "flag present with no values" reads as an explicit
// clear rather than "flag absent".
func emptyNotNil(existing, values []string) []string {
	if existing == nil {
		existing = []string{}
	}
	return append(existing, values...)
}
