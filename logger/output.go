package logger

// Output controls what categories of information are shown at each verbosity level.
//
// Unlike log levels (which filter by severity), output categories control
// WHAT types of information are displayed regardless of severity.
//
// Verbosity Levels:
//
//	0 (default) - User-facing output only: startup banner, fatal errors
//	1 (-v)      - + connect/disconnect events, subscription changes
//	2 (-vv)     - + action ids, resend fan-out targets, timing
//	3 (-vvv)    - + backend proxy requests/responses, control route hits
//	4 (-vvvv)   - + full wire message dumps

// OutputCategory defines a category of output that can be enabled/disabled
type OutputCategory int

const (
	// Level 0 (default) - Always shown
	OutputResults    OutputCategory = iota // Startup/shutdown banners
	OutputErrors                           // Errors with hints and resolution steps
	OutputUserStatus                       // Final listen/destroy status

	// Level 1 (-v) - Informational
	OutputConnections   // Client connect/disconnect/zombie-eviction events
	OutputSubscriptions // Channel subscribe/unsubscribe events
	OutputStartup       // Config summary at boot

	// Level 2 (-vv) - Detailed
	OutputActionIDs    // Action ids as they flow through the pipeline
	OutputResendFanout // Which clients an action was resent to
	OutputTiming       // Process hook timing
	OutputConfig       // Config values loaded/applied

	// Level 3 (-vvv) - Debug
	OutputBackendRequests // Outgoing backend proxy request URLs and methods
	OutputBackendStatus   // Backend proxy response status codes
	OutputControlRoutes   // Control HTTP route hits (status/metrics)
	OutputBruteforce      // Bruteforce guard allow/deny decisions

	// Level 4 (-vvvv) - Full dump
	OutputWireFrames // Full wire message contents
	OutputSQLQueries // Full SQL statements issued by the SQLite store
)

// categoryLevels maps each output category to its minimum verbosity level
var categoryLevels = map[OutputCategory]int{
	OutputResults:    VerbosityUser,
	OutputErrors:     VerbosityUser,
	OutputUserStatus: VerbosityUser,

	OutputConnections:   VerbosityInfo,
	OutputSubscriptions: VerbosityInfo,
	OutputStartup:       VerbosityInfo,

	OutputActionIDs:    VerbosityDebug,
	OutputResendFanout: VerbosityDebug,
	OutputTiming:       VerbosityDebug,
	OutputConfig:       VerbosityDebug,

	OutputBackendRequests: VerbosityTrace,
	OutputBackendStatus:   VerbosityTrace,
	OutputControlRoutes:   VerbosityTrace,
	OutputBruteforce:      VerbosityTrace,

	OutputWireFrames: VerbosityAll,
	OutputSQLQueries: VerbosityAll,
}

// ShouldOutput returns true if the given category should be shown at the given verbosity
func ShouldOutput(verbosity int, category OutputCategory) bool {
	minLevel, ok := categoryLevels[category]
	if !ok {
		// Unknown category, default to highest verbosity required
		return verbosity >= VerbosityAll
	}
	return verbosity >= minLevel
}

// categoryNames provides human-readable names for output categories
var categoryNames = map[OutputCategory]string{
	OutputResults:         "results",
	OutputErrors:          "errors",
	OutputUserStatus:      "status",
	OutputConnections:     "connections",
	OutputSubscriptions:   "subscriptions",
	OutputStartup:         "startup",
	OutputActionIDs:       "action-ids",
	OutputResendFanout:    "resend-fanout",
	OutputTiming:          "timing",
	OutputConfig:          "config",
	OutputBackendRequests: "backend-requests",
	OutputBackendStatus:   "backend-status",
	OutputControlRoutes:   "control-routes",
	OutputBruteforce:      "bruteforce",
	OutputWireFrames:      "wire-frames",
	OutputSQLQueries:      "sql-queries",
}

// CategoryName returns the human-readable name for an output category
func CategoryName(category OutputCategory) string {
	if name, ok := categoryNames[category]; ok {
		return name
	}
	return "unknown"
}

// EnabledCategories returns all output categories enabled at the given verbosity
func EnabledCategories(verbosity int) []OutputCategory {
	var enabled []OutputCategory
	for cat, minLevel := range categoryLevels {
		if verbosity >= minLevel {
			enabled = append(enabled, cat)
		}
	}
	return enabled
}

// VerbosityDescription returns a description of what's shown at each level
func VerbosityDescription(verbosity int) string {
	switch verbosity {
	case VerbosityUser:
		return "startup banner and fatal errors only"
	case VerbosityInfo:
		return "above + connect/disconnect, subscription changes"
	case VerbosityDebug:
		return "above + action ids, resend targets, timing"
	case VerbosityTrace:
		return "above + backend proxy calls, control route hits"
	case VerbosityAll:
		return "above + full wire frame and SQL dumps"
	default:
		if verbosity > VerbosityAll {
			return "maximum verbosity"
		}
		return "unknown verbosity level"
	}
}

// Timing helpers

// SlowThresholdMS is the threshold in milliseconds above which a Process
// hook's timing is logged regardless of verbosity.
const SlowThresholdMS = 100

// ShouldShowTiming returns true if timing info should be displayed.
// Shows if: verbosity >= 2 (-vv) OR the operation exceeded the slow threshold.
func ShouldShowTiming(verbosity int, durationMS int64) bool {
	if durationMS >= SlowThresholdMS {
		return true
	}
	return ShouldOutput(verbosity, OutputTiming)
}

// ShouldShowTimingAlways returns true if timing should always be shown (slow operation)
func ShouldShowTimingAlways(durationMS int64) bool {
	return durationMS >= SlowThresholdMS
}
