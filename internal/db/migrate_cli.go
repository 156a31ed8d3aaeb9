package db

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
)

// RunMigrateCommand handles the 'migrate' subcommand. It returns the process
// exit code.
func RunMigrateCommand(args []string, dbPath string) int {
	return runMigrate(args, dbPath, os.Stdin, os.Stdout)
}

func runMigrate(args []string, dbPath string, in io.Reader, out io.Writer) int {
	if len(args) < 1 {
		PrintMigrateHelp(out)
		return 1
	}
	action := args[0]
	if action == "help" {
		PrintMigrateHelp(out)
		return 0
	}

	migrations, err := getMigrationsFS()
	if err != nil {
		fmt.Fprintf(out, "Failed to get migrations filesystem: %v\n", err)
		return 1
	}

	// Open without migrating; these commands manage the schema themselves.
	database, err := OpenDB(dbPath)
	if err != nil {
		fmt.Fprintf(out, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer database.Close()

	switch action {
	case "up":
		err = database.MigrateUp(migrations)
		if err == nil {
			err = printStatus(out, database, migrations)
		}
	case "down":
		err = database.MigrateDown(migrations)
		if err == nil {
			err = printStatus(out, database, migrations)
		}
	case "status":
		err = printStatus(out, database, migrations)
	case "version", "force", "baseline":
		if len(args) < 2 {
			fmt.Fprintf(out, "Usage: beacon-watch migrate %s <version_number>\n", action)
			return 1
		}
		var v uint64
		v, err = strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			fmt.Fprintf(out, "Invalid version number: %s\n", args[1])
			return 1
		}
		switch action {
		case "version":
			err = database.MigrateTo(migrations, uint(v))
		case "force":
			if !confirm(in, out, fmt.Sprintf("Forcing migration version to %d. This should only be used to recover from a dirty state.", v)) {
				fmt.Fprintln(out, "Aborted")
				return 0
			}
			err = database.MigrateForce(migrations, int(v))
		case "baseline":
			err = database.BaselineAtVersion(uint(v))
		}
		if err == nil {
			err = printStatus(out, database, migrations)
		}
	default:
		fmt.Fprintf(out, "Unknown migrate action: %s\n\n", action)
		PrintMigrateHelp(out)
		return 1
	}

	if err != nil {
		fmt.Fprintf(out, "migrate %s failed: %v\n", action, err)
		return 1
	}
	return 0
}

func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprintf(out, "WARNING: %s\nContinue? [y/N]: ", prompt)
	var response string
	fmt.Fscanln(in, &response)
	return response == "y" || response == "Y"
}

func printStatus(out io.Writer, database *DB, migrations fs.FS) error {
	status, err := database.GetMigrationStatus(migrations)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "=== Migration Status ===")
	fmt.Fprintf(out, "Current version: %d\n", status.CurrentVersion)
	fmt.Fprintf(out, "Latest available: %d\n", status.LatestVersion)
	fmt.Fprintf(out, "Dirty: %v\n", status.Dirty)
	switch {
	case status.Dirty:
		fmt.Fprintln(out, "Database is in a dirty state. Inspect it, then run: beacon-watch migrate force <version>")
	case status.Pending() > 0:
		fmt.Fprintf(out, "%d migration(s) pending. Run: beacon-watch migrate up\n", status.Pending())
	default:
		fmt.Fprintln(out, "Database is up to date.")
	}
	return nil
}

// PrintMigrateHelp writes the usage of the migrate command.
func PrintMigrateHelp(out io.Writer) {
	fmt.Fprint(out, `Database Migration Commands

Usage: beacon-watch migrate <command> [options]

Commands:
  up              Apply all pending migrations
  down            Roll back one migration
  status          Show current migration status and version
  version <N>     Migrate to specific version N
  force <N>       Force migration version to N (recovery only)
  baseline <N>    Record version N as applied without running migrations
  help            Show this help message

Options:
  -db <path>      Path to database file (default: beacon.db)
`)
}
