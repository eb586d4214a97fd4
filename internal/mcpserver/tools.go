package mcpserver

import (
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/reasonbridge/reasonbridge/internal/params"
)

// --- Tool Definitions ---

// Each schema document serves twice: it is advertised through list_tools and
// compiled for server-side validation, so the published contract and the
// enforced one cannot drift. Array and object fields accept native JSON or
// JSON-encoded strings; the validator normalizes the string form first.

var escalateAnalysisSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"attempted_approaches": {
			"type": ["array", "string"],
			"items": {"type": "string"},
			"description": "Approaches the caller already tried, one entry each"
		},
		"partial_findings": {
			"type": "array",
			"description": "Findings collected so far (finding objects)"
		},
		"stuck_description": {
			"type": ["array", "string"],
			"items": {"type": "string"},
			"description": "Where and why the investigation is stuck"
		},
		"code_scope": {
			"type": "object",
			"description": "Files and entry points the reasoner is allowed to read",
			"properties": {
				"files": {"type": "array", "items": {"type": "string"}},
				"entryPoints": {"type": "array"},
				"serviceNames": {"type": "array", "items": {"type": "string"}}
			},
			"required": ["files"]
		},
		"analysis_type": {
			"type": "string",
			"enum": ["execution_trace", "cross_system", "performance", "hypothesis_test"],
			"description": "Which analysis lens to apply"
		},
		"depth_level": {
			"type": "integer",
			"minimum": 1,
			"maximum": 5,
			"description": "How deep to analyze, 1 (shallow) to 5 (exhaustive)"
		},
		"time_budget_seconds": {
			"type": "integer",
			"minimum": 1,
			"description": "Wall-clock budget for the reasoning call"
		}
	},
	"required": ["attempted_approaches", "partial_findings", "stuck_description", "code_scope", "analysis_type", "depth_level"]
}`)

func escalateAnalysisTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"escalate_analysis",
		"Hand a stuck investigation to the deep-reasoning model. Carries everything already tried so the reasoner starts where the caller stopped.",
		escalateAnalysisSchema,
	)
}

var traceExecutionPathSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"entry_point": {
			"type": "object",
			"description": "Code location to trace from",
			"properties": {
				"file": {"type": "string", "description": "Path within the allow-listed roots"},
				"line": {"type": "integer"},
				"column": {"type": "integer"},
				"functionName": {"type": "string"}
			},
			"required": ["file"]
		},
		"max_depth": {
			"type": "integer",
			"minimum": 1,
			"maximum": 50,
			"description": "Maximum call hops to follow (default 5)"
		},
		"include_data_flow": {
			"type": "boolean",
			"description": "Annotate each step with how data moves through it (default true)"
		}
	},
	"required": ["entry_point"]
}`)

func traceExecutionPathTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"trace_execution_path",
		"Reconstruct the execution path from an entry point, step by step, optionally annotated with data flow.",
		traceExecutionPathSchema,
	)
}

var hypothesisTestSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"hypothesis": {
			"type": "string",
			"description": "The theory to check, stated as a falsifiable claim"
		},
		"code_scope": {
			"type": "object",
			"description": "Files the reasoner may read while testing",
			"properties": {
				"files": {"type": "array", "items": {"type": "string"}},
				"entryPoints": {"type": "array"},
				"serviceNames": {"type": "array", "items": {"type": "string"}}
			},
			"required": ["files"]
		},
		"test_approach": {
			"type": "string",
			"description": "How the hypothesis should be evaluated against the code"
		}
	},
	"required": ["hypothesis", "code_scope", "test_approach"]
}`)

func hypothesisTestTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"hypothesis_test",
		"Test a single theory about the root cause against the authorized code scope. Returns a supported/refuted/inconclusive verdict with evidence.",
		hypothesisTestSchema,
	)
}

var crossSystemImpactSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"change_scope": {
			"type": "object",
			"description": "The files and services being changed",
			"properties": {
				"files": {"type": "array", "items": {"type": "string"}},
				"entryPoints": {"type": "array"},
				"serviceNames": {"type": "array", "items": {"type": "string"}}
			},
			"required": ["files"]
		},
		"impact_types": {
			"type": ["array", "string"],
			"items": {"type": "string"},
			"description": "Impact dimensions to assess, e.g. breaking_changes, performance_impact, behavioral_changes"
		}
	},
	"required": ["change_scope", "impact_types"]
}`)

func crossSystemImpactTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"cross_system_impact",
		"Assess how a change ripples across service boundaries. Returns an impact matrix keyed by the requested impact types.",
		crossSystemImpactSchema,
	)
}

var performanceBottleneckSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"code_path": {
			"type": "object",
			"description": "The suspect code path",
			"properties": {
				"entryPoint": {
					"type": "object",
					"properties": {
						"file": {"type": "string"},
						"line": {"type": "integer"},
						"functionName": {"type": "string"}
					},
					"required": ["file"]
				},
				"suspectedIssues": {"type": "array", "items": {"type": "string"}}
			},
			"required": ["entryPoint"]
		},
		"profile_depth": {
			"type": "integer",
			"minimum": 1,
			"maximum": 5,
			"description": "How deep to profile the call tree (default 3)"
		}
	},
	"required": ["code_path"]
}`)

func performanceBottleneckTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"performance_bottleneck",
		"Find performance bottlenecks along a code path. Returns ranked bottlenecks and remediation recommendations.",
		performanceBottleneckSchema,
	)
}

var startConversationSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"attempted_approaches": {
			"type": ["array", "string"],
			"items": {"type": "string"},
			"description": "Approaches the caller already tried, one entry each"
		},
		"partial_findings": {
			"type": "array",
			"description": "Findings collected so far (finding objects)"
		},
		"stuck_description": {
			"type": ["array", "string"],
			"items": {"type": "string"},
			"description": "Where and why the investigation is stuck"
		},
		"code_scope_files": {
			"type": ["array", "string"],
			"items": {"type": "string"},
			"description": "Files the reasoner is allowed to read during the conversation"
		},
		"analysis_type": {
			"type": "string",
			"enum": ["execution_trace", "cross_system", "performance", "hypothesis_test"],
			"description": "Which analysis lens to apply"
		},
		"initial_question": {
			"type": "string",
			"description": "Opening question for the reasoner (a default is used when omitted)"
		}
	},
	"required": ["attempted_approaches", "partial_findings", "stuck_description", "code_scope_files", "analysis_type"]
}`)

func startConversationTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"start_conversation",
		"Open a multi-turn analysis session with the deep-reasoning model. Returns the session id and the reasoner's opening reply.",
		startConversationSchema,
	)
}

var continueConversationSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"session_id": {
			"type": "string",
			"description": "Session to continue"
		},
		"message": {
			"type": "string",
			"description": "The caller's next message"
		},
		"include_code_snippets": {
			"type": "boolean",
			"description": "Attach excerpts around file:line references found in the message (default false)"
		}
	},
	"required": ["session_id", "message"]
}`)

func continueConversationTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"continue_conversation",
		"Send the next message in an analysis session and get the reasoner's reply. Concurrent continues on one session are served in arrival order.",
		continueConversationSchema,
	)
}

var finalizeConversationSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"session_id": {
			"type": "string",
			"description": "Session to finalize"
		},
		"summary_format": {
			"type": "string",
			"enum": ["concise", "detailed", "actionable"],
			"description": "Shape of the final summary (default concise)"
		}
	},
	"required": ["session_id"]
}`)

func finalizeConversationTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"finalize_conversation",
		"Close an analysis session with a final report: summary, structured findings, and recommendations. The session is destroyed on success.",
		finalizeConversationSchema,
	)
}

var getConversationStatusSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"session_id": {
			"type": "string",
			"description": "Session to inspect"
		}
	},
	"required": ["session_id"]
}`)

func getConversationStatusTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"get_conversation_status",
		"Report a session's status, turn count, last activity, and remaining budget without acquiring its lock.",
		getConversationStatusSchema,
	)
}

var runHypothesisTournamentSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"attempted_approaches": {
			"type": ["array", "string"],
			"items": {"type": "string"},
			"description": "Approaches the caller already tried, one entry each"
		},
		"partial_findings": {
			"type": "array",
			"description": "Findings collected so far (finding objects)"
		},
		"stuck_description": {
			"type": ["array", "string"],
			"items": {"type": "string"},
			"description": "Where and why the investigation is stuck"
		},
		"code_scope": {
			"type": "object",
			"description": "Files the reasoner is allowed to read",
			"properties": {
				"files": {"type": "array", "items": {"type": "string"}},
				"entryPoints": {"type": "array"},
				"serviceNames": {"type": "array", "items": {"type": "string"}}
			},
			"required": ["files"]
		},
		"issue": {
			"type": "string",
			"description": "The problem the tournament should explain"
		},
		"tournament_config": {
			"type": "object",
			"description": "Bracket shape overrides",
			"properties": {
				"max_hypotheses": {"type": "integer", "minimum": 2, "maximum": 20},
				"max_rounds": {"type": "integer", "minimum": 1, "maximum": 10},
				"parallel_sessions": {"type": "integer", "minimum": 1, "maximum": 10}
			}
		},
		"time_budget_seconds": {
			"type": "integer",
			"minimum": 1,
			"description": "Wall-clock budget for the whole tournament"
		}
	},
	"required": ["attempted_approaches", "partial_findings", "stuck_description", "code_scope", "issue"]
}`)

func runHypothesisTournamentTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"run_hypothesis_tournament",
		"Generate competing root-cause hypotheses and eliminate them in head-to-head rounds until a winner remains. Budget exhaustion yields a partial result ranked by confidence.",
		runHypothesisTournamentSchema,
	)
}

var healthCheckSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"check_name": {
			"type": "string",
			"description": "Run only the named check; omit to run all"
		}
	}
}`)

func healthCheckTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"health_check",
		"Run the registered health checks (process memory, provider chain, session pressure) and report each result.",
		healthCheckSchema,
	)
}

var healthSummarySchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"include_details": {
			"type": "boolean",
			"description": "Include per-check results alongside the aggregate (default false)"
		}
	}
}`)

func healthSummaryTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"health_summary",
		"Aggregate health across all checks: the overall status is the worst individual one.",
		healthSummarySchema,
	)
}

var getModelInfoSchema = json.RawMessage(`{
	"type": "object",
	"properties": {}
}`)

func getModelInfoTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"get_model_info",
		"Report the provider chain: ordering, health, breaker state, and the currently active provider.",
		getModelInfoSchema,
	)
}

var setModelSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"model": {
			"type": "string",
			"description": "Provider name to move to the head of the chain"
		}
	},
	"required": ["model"]
}`)

func setModelTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"set_model",
		"Prefer a provider for subsequent calls. The preference lives in memory only and resets on restart.",
		setModelSchema,
	)
}

// Compiled forms of the schemas above, used by the handlers for server-side
// validation.
var (
	escalateAnalysisArgs        = params.MustCompileSchema("escalate_analysis", escalateAnalysisSchema)
	traceExecutionPathArgs      = params.MustCompileSchema("trace_execution_path", traceExecutionPathSchema)
	hypothesisTestArgs          = params.MustCompileSchema("hypothesis_test", hypothesisTestSchema)
	crossSystemImpactArgs       = params.MustCompileSchema("cross_system_impact", crossSystemImpactSchema)
	performanceBottleneckArgs   = params.MustCompileSchema("performance_bottleneck", performanceBottleneckSchema)
	startConversationArgs       = params.MustCompileSchema("start_conversation", startConversationSchema)
	continueConversationArgs    = params.MustCompileSchema("continue_conversation", continueConversationSchema)
	finalizeConversationArgs    = params.MustCompileSchema("finalize_conversation", finalizeConversationSchema)
	getConversationStatusArgs   = params.MustCompileSchema("get_conversation_status", getConversationStatusSchema)
	runHypothesisTournamentArgs = params.MustCompileSchema("run_hypothesis_tournament", runHypothesisTournamentSchema)
	healthCheckArgs             = params.MustCompileSchema("health_check", healthCheckSchema)
	healthSummaryArgs           = params.MustCompileSchema("health_summary", healthSummarySchema)
	setModelArgs                = params.MustCompileSchema("set_model", setModelSchema)
)
