package cli

// GlobalFlags holds flags available to all subcommands.
type GlobalFlags struct {
	Config  string `long:"config" description:"Path to config file" default:""`
	JSON    bool   `long:"json" description:"Output in JSON format"`
	Verbose bool   `long:"verbose" description:"Enable debug logging"`
	Version bool   `long:"version" description:"Show version and exit"`
}

// RunCommand starts the monitor daemon.
type RunCommand struct {
	globals *GlobalFlags
	version string
}

// ScanCommand runs one rescan pass and reports the outcome.
type ScanCommand struct {
	Reload bool `long:"reload" description:"Re-read calendar feeds before scanning"`

	globals *GlobalFlags
	version string
}

// FireCommand delivers a reminder broadcast for one alert time.
type FireCommand struct {
	AlertTime string `long:"alert-time" description:"Alert time as unix milliseconds or RFC 3339 (required)" required:"true"`

	globals *GlobalFlags
	version string
}

// StatusCommand shows the scan cursor, store statistics and the next wake-up.
type StatusCommand struct {
	globals *GlobalFlags
	version string
}

// InspectCommand prints the stored alerts and reminder definitions of one event.
type InspectCommand struct {
	Event int64 `long:"event" description:"Event ID (required)" required:"true"`

	globals *GlobalFlags
	version string
}

// PruneCommand deletes handled alerts of old instances.
type PruneCommand struct {
	OlderThan string `long:"older-than" description:"Override retention period (e.g., 30d)"`
	DryRun    bool   `long:"dry-run" description:"Show what would be pruned without deleting"`

	globals *GlobalFlags
	version string
}
