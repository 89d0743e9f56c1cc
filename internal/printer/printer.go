package printer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/dyluth/secontrol/internal/resolver"
	"github.com/dyluth/secontrol/pkg/bus"
	"github.com/fatih/color"
)

func init() {
	// Users can disable colour with NO_COLOR
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)

	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// SetOutput redirects printer output. Nil keeps the current writer.
func SetOutput(out, errOut io.Writer) {
	if out != nil {
		stdout = out
	}
	if errOut != nil {
		stderr = errOut
	}
}

// Success prints a success message in green with a checkmark prefix
func Success(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "✓") {
		msg = "✓ " + msg
	}
	green.Fprint(stdout, msg)
}

// Info prints an informational message in the default color
func Info(format string, a ...any) {
	fmt.Fprintf(stdout, format, a...)
}

// Warning prints a warning message in yellow
func Warning(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "⚠️") {
		msg = "⚠️  " + msg
	}
	yellow.Fprint(stderr, msg)
}

// Step prints a step message with emphasis
func Step(format string, a ...any) {
	cyan.Fprintf(stdout, "→ %s", fmt.Sprintf(format, a...))
}

// Error prints a formatted error with title, explanation and suggestions to
// stderr and returns a ReportedError carrying the title for Cobra.
func Error(title string, explanation string, suggestions []string) error {
	return ErrorWithContext(title, explanation, nil, suggestions)
}

// ErrorWithContext is Error with key/value details printed in key order.
func ErrorWithContext(title string, explanation string, context map[string]string, suggestions []string) error {
	red.Fprintf(stderr, "%s\n\n", title)

	if explanation != "" {
		fmt.Fprintf(stderr, "%s\n", explanation)
	}

	if len(context) > 0 {
		keys := make([]string, 0, len(context))
		for k := range context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fmt.Fprintf(stderr, "\n")
		for _, k := range keys {
			fmt.Fprintf(stderr, "  %s: %s\n", k, context[k])
		}
	}

	if len(suggestions) > 0 {
		fmt.Fprintf(stderr, "\n")
		if len(suggestions) == 1 {
			fmt.Fprintf(stderr, "%s\n", suggestions[0])
		} else {
			fmt.Fprintf(stderr, "Either:\n")
			for i, suggestion := range suggestions {
				fmt.Fprintf(stderr, "  %d. %s\n", i+1, suggestion)
			}
		}
	}

	return &ReportedError{Title: title}
}

// ReportedError is returned by Error once the message has been printed.
type ReportedError struct {
	Title string
}

func (e *ReportedError) Error() string { return e.Title }

// IsReported reports whether err was already printed by this package.
func IsReported(err error) bool {
	var reported *ReportedError
	return errors.As(err, &reported)
}

// FromError renders a bus or device error with a matching explanation.
// Errors it does not recognise are printed with a generic title.
func FromError(err error) error {
	if err == nil || IsReported(err) {
		return err
	}
	var (
		reference  *resolver.AmbiguousError
		ambiguous  *bus.AmbiguousError
		validation *bus.ValidationError
		transport  *bus.TransportError
	)

	switch {
	case errors.As(err, &reference):
		return Error("device is ambiguous", resolver.FormatAmbiguousError(reference), nil)
	case errors.As(err, &ambiguous):
		return ErrorWithContext(
			"device is ambiguous",
			fmt.Sprintf("%d telemetry keys match the device id.", len(ambiguous.Matches)),
			map[string]string{"Pattern": ambiguous.Pattern, "Matches": strings.Join(ambiguous.Matches, ", ")},
			[]string{"Pass --type to pick the canonical key"},
		)
	case errors.Is(err, bus.ErrNotFound):
		return Error(
			"not found",
			err.Error(),
			[]string{"Check the owner id with 'secontrol grids'", "Check the grid id with 'secontrol devices --grid <id>'"},
		)
	case errors.As(err, &validation):
		return Error(fmt.Sprintf("invalid %s", validation.Field), validation.Reason, nil)
	case errors.Is(err, bus.ErrNotConnected):
		return Error(
			"redis is not reachable",
			err.Error(),
			[]string{"Check --redis-url / REDIS_URL", "Retry with SECONTROL_PUBLISH_POLICY=wait"},
		)
	case errors.As(err, &transport):
		return Error(fmt.Sprintf("redis %s failed", transport.Op), transport.Err.Error(), nil)
	default:
		return Error("command failed", err.Error(), nil)
	}
}

// Println prints a plain message
func Println(a ...any) {
	fmt.Fprintln(stdout, a...)
}

// Printf prints a plain formatted message
func Printf(format string, a ...any) {
	fmt.Fprintf(stdout, format, a...)
}
