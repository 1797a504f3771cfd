package utils

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"
	"github.com/sirupsen/logrus"

	"github.com/vitebski/mysql-schema-migrator/internal/migrator"
	"github.com/vitebski/mysql-schema-migrator/pkg/models"
)

// SetupLogging configures the logging system
func SetupLogging(logLevel string) *logrus.Logger {
	logger := logrus.New()

	levelStr := logLevel
	if levelStr == "" {
		levelStr = os.Getenv("MIGRATOR_LOG_LEVEL")
		if levelStr == "" {
			levelStr = "info"
		}
	}

	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		level = logrus.InfoLevel
	}

	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	// Rendered SQL goes to stdout, so logs go to stderr
	logger.SetOutput(os.Stderr)

	logger.Debugf("Logging configured with level: %s", level)
	return logger
}

// ValidateConnectionParams validates the connection parameters of a store
func ValidateConnectionParams(store, host, user, password, database, port string, logger *logrus.Logger) bool {
	if host == "" {
		logger.Errorf("Database host is required for store %s", store)
		return false
	}

	if user == "" {
		logger.Errorf("Database user is required for store %s", store)
		return false
	}

	if password == "" { // Empty password is allowed
		logger.Warningf("Database password is empty for store %s", store)
	}

	if database == "" {
		logger.Errorf("Database name is required for store %s", store)
		return false
	}

	if _, err := strconv.Atoi(port); err != nil {
		logger.Errorf("Invalid port number for store %s: %s", store, port)
		return false
	}

	return true
}

// PrintInstructionSummary prints how many operations each store receives
func PrintInstructionSummary(w io.Writer, instructions models.Instructions) {
	if instructions.IsEmpty() {
		fmt.Fprintln(w, "Mapping and snapshot are in sync, nothing to do.")
		return
	}

	table := uitable.New()
	table.MaxColWidth = 60
	table.Wrap = true
	table.AddRow("Store", "Rename", "Drop", "Create", "Alter", "Tables")
	for _, store := range instructions.Stores() {
		storeInstructions := instructions[store]
		if storeInstructions.IsEmpty() {
			continue
		}

		var tables []string
		for _, rename := range storeInstructions.Rename {
			tables = append(tables, rename.From+" -> "+rename.To)
		}
		for _, create := range storeInstructions.Create {
			tables = append(tables, "+"+create.TableName)
		}
		for _, drop := range storeInstructions.Drop {
			tables = append(tables, "-"+drop)
		}
		for _, alter := range storeInstructions.AlteredTables() {
			tables = append(tables, "~"+alter)
		}

		table.AddRow(store,
			len(storeInstructions.Rename),
			len(storeInstructions.Drop),
			len(storeInstructions.Create),
			len(storeInstructions.AlteredTables()),
			strings.Join(tables, ", "))
	}
	fmt.Fprintln(w, table)
}

// PrintMigrationStatus prints every known and recorded migration
func PrintMigrationStatus(w io.Writer, statuses []migrator.Status, now time.Time) {
	if len(statuses) == 0 {
		fmt.Fprintln(w, "No migrations found.")
		return
	}

	table := uitable.New()
	table.MaxColWidth = 80
	table.AddRow("Migration", "State", "Run", "Migrated")

	pending := 0
	for _, status := range statuses {
		state, run, migrated := "pending", "", ""
		switch {
		case status.Missing:
			state = "missing"
		case status.Applied:
			state = "applied"
		default:
			pending++
		}
		if status.Applied {
			run = strconv.FormatInt(status.Run, 10)
			migrated = humanize.RelTime(status.MigrationTime, now, "ago", "from now")
		}
		table.AddRow(status.Name, state, run, migrated)
	}

	fmt.Fprintln(w, table)
	fmt.Fprintf(w, "\n%s pending\n", humanize.Comma(int64(pending)))
}

// PrintResult prints what a runner command did, or the SQL it would run
func PrintResult(w io.Writer, result *migrator.Result) {
	if result.Action == migrator.Render {
		if result.SQL == "" {
			fmt.Fprintln(w, "-- Nothing to run")
			return
		}
		fmt.Fprintln(w, result.SQL)
		return
	}

	if len(result.Names) == 0 {
		fmt.Fprintln(w, "Nothing to migrate.")
		return
	}

	if result.Direction == migrator.Down {
		fmt.Fprintf(w, "Reverted %s:\n", plural(len(result.Names), "migration"))
	} else {
		fmt.Fprintf(w, "Migrated %s (run %d):\n", plural(len(result.Names), "migration"), result.Run)
	}
	for _, name := range result.Names {
		fmt.Fprintf(w, "  - %s\n", name)
	}
}

func plural(count int, noun string) string {
	if count == 1 {
		return "1 " + noun
	}
	return humanize.Comma(int64(count)) + " " + noun + "s"
}
