package cli

import (
	"fmt"
	"os"

	goflags "github.com/jessevdk/go-flags"
)

// commands holds references to all subcommand structs for inspection/testing.
type commands struct {
	Run     *RunCommand
	Scan    *ScanCommand
	Fire    *FireCommand
	Status  *StatusCommand
	Inspect *InspectCommand
	Prune   *PruneCommand
}

// buildParser constructs the go-flags parser with all subcommands registered.
func buildParser(version string) (*goflags.Parser, *GlobalFlags, *commands) {
	var globals GlobalFlags

	parser := goflags.NewParser(&globals, goflags.Default)
	parser.Name = "calwatch"
	parser.LongDescription = "Calendar alert monitor: surfaces every calendar reminder exactly once, even when reminder broadcasts are missed."

	cmds := &commands{
		Run:     &RunCommand{globals: &globals, version: version},
		Scan:    &ScanCommand{globals: &globals, version: version},
		Fire:    &FireCommand{globals: &globals, version: version},
		Status:  &StatusCommand{globals: &globals, version: version},
		Inspect: &InspectCommand{globals: &globals, version: version},
		Prune:   &PruneCommand{globals: &globals, version: version},
	}

	parser.AddCommand("run", "Start the monitor daemon", "Start the monitor: periodic rescans, reminder broadcasts, file watching and metrics.", cmds.Run)
	parser.AddCommand("scan", "Run one rescan pass", "Run one rescan pass now and show what was recorded and surfaced.", cmds.Scan)
	parser.AddCommand("fire", "Deliver a reminder broadcast", "Deliver a reminder broadcast for one alert time through the push path.", cmds.Fire)
	parser.AddCommand("status", "Show monitor state", "Show the scan cursor, alert store statistics and the next wake-up.", cmds.Status)
	parser.AddCommand("inspect", "Show one event's alerts", "Show the stored alerts and reminder definitions of one event.", cmds.Inspect)
	parser.AddCommand("prune", "Delete old handled alerts", "Delete handled alerts whose instance started before the retention cutoff.", cmds.Prune)

	return parser, &globals, cmds
}

// Run is the main entry point for the calwatch CLI using os.Args.
func Run(version string) error {
	return RunWithArgs(version, nil)
}

// RunWithArgs parses the given args (or os.Args if nil) and executes the matched subcommand.
func RunWithArgs(version string, args []string) error {
	// Handle --version before parser (go-flags requires a subcommand, but
	// --version is valid without one).
	checkArgs := args
	if checkArgs == nil {
		checkArgs = os.Args[1:]
	}
	for _, arg := range checkArgs {
		if arg == "--version" {
			fmt.Printf("calwatch %s\n", version)
			return nil
		}
		if arg == "--" {
			break
		}
	}

	parser, _, _ := buildParser(version)

	var err error
	if args != nil {
		_, err = parser.ParseArgs(args)
	} else {
		_, err = parser.Parse()
	}

	if err != nil {
		if flagsErr, ok := err.(*goflags.Error); ok {
			if flagsErr.Type == goflags.ErrHelp {
				return nil
			}
		}
		return err
	}

	return nil
}
