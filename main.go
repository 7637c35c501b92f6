package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sad0p/postject/apiheader"
	"github.com/sad0p/postject/config"
	"github.com/sad0p/postject/format"
	"github.com/sad0p/postject/injector"
	"github.com/sad0p/postject/log"
	"github.com/sad0p/postject/resource"
)

const (
	exitOK            = 0
	exitFailure       = 1
	exitAlreadyExists = 2
	exitInjectFailed  = 3
)

// exitError carries the process exit code for a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func fail(code int, format string, args ...interface{}) error {
	return &exitError{code: code, err: errors.Errorf(format, args...)}
}

type options struct {
	segment   string
	overwrite bool
	apiHeader bool
	debug     bool
}

func rootCmd(stdout, stderr io.Writer) *cobra.Command {
	cfg := config.FromEnv()
	opts := options{segment: cfg.MachoSegmentName, debug: cfg.Debug}

	cmd := &cobra.Command{
		Use:           "postject [options] <filename> <resource_name> <resource>",
		Short:         "Inject arbitrary read-only resources into executable formats",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if opts.apiHeader {
				return nil
			}
			if len(args) != 3 {
				return fail(exitFailure, "expected <filename> <resource_name> <resource>, got %d argument(s)\n\n%s", len(args), cmd.UsageString())
			}
			return nil
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.SetOutput(stderr, opts.debug)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.apiHeader {
				_, err := io.WriteString(stdout, apiheader.Header)
				return err
			}
			return runInject(stdout, opts, args[0], args[1], args[2])
		},
	}

	addSharedFlags(cmd.PersistentFlags(), &opts)
	addInjectFlags(cmd.Flags(), &opts)

	cmd.AddCommand(listCmd(stdout, &opts))
	return cmd
}

// addSharedFlags registers the flags every subcommand understands. Their
// defaults come from the environment.
func addSharedFlags(fs *pflag.FlagSet, opts *options) {
	fs.StringVar(&opts.segment, "macho-segment-name", opts.segment, "Name for the Mach-O segment ($"+config.EnvMachoSegmentName+")")
	fs.BoolVarP(&opts.debug, "debug", "d", opts.debug, "Enable debug output ($"+config.EnvDebug+")")
}

func addInjectFlags(fs *pflag.FlagSet, opts *options) {
	fs.BoolVar(&opts.overwrite, "overwrite", false, "Overwrite the resource if it already exists")
	fs.BoolVar(&opts.apiHeader, "output-api-header", false, "Print the C API header to stdout and exit")
}

func runInject(stdout io.Writer, opts options, target, name, resourcePath string) error {
	if err := checkAccess(target, true); err != nil {
		return fail(exitFailure, "Can't read and write to target executable: %v", err)
	}
	if err := checkAccess(resourcePath, false); err != nil {
		return fail(exitFailure, "Can't read resource file: %v", err)
	}
	data, err := os.ReadFile(resourcePath)
	if err != nil {
		return fail(exitFailure, "Can't read resource file: %v", err)
	}

	res, err := injector.Inject(injector.Request{
		Path:             target,
		ResourceName:     name,
		Data:             data,
		Overwrite:        opts.overwrite,
		MachoSegmentName: opts.segment,
	})

	switch res.Status {
	case injector.Inserted:
		color.New(color.FgGreen).Fprintln(stdout, "💉 Injection done!")
		return nil
	case injector.AlreadyExists:
		return fail(exitAlreadyExists, "%s already exists in the executable\nUse --overwrite to overwrite the existing content", describe(res))
	case injector.UnsupportedFormat:
		return fail(exitFailure, "Executable must be a supported format: ELF, PE, or Mach-O")
	}
	return &exitError{code: exitInjectFailed, err: errors.Wrap(err, "Error when injecting resource")}
}

func describe(res injector.Result) string {
	switch res.Format {
	case format.MachO:
		return fmt.Sprintf("Segment and section %s,%s", res.Segment, res.Name)
	case format.PE:
		return fmt.Sprintf("Resource %s", res.Name)
	}
	return fmt.Sprintf("Section %s", res.Name)
}

func listCmd(stdout io.Writer, opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list <filename>",
		Short: "List the resources injected into an executable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := resource.List(args[0], resource.Options{MachoSegmentName: opts.segment})
			if err != nil {
				return &exitError{code: exitFailure, err: err}
			}
			if len(entries) == 0 {
				color.New(color.FgYellow).Fprintf(stdout, "No resources injected into %s\n", args[0])
				return nil
			}

			table := tablewriter.NewWriter(stdout)
			table.SetHeader([]string{"Name", "Arch", "Address", "Size"})
			table.SetBorder(true)
			table.SetAutoWrapText(false)
			for _, e := range entries {
				table.Append([]string{e.Name, e.Arch, fmt.Sprintf("0x%x", e.Addr), fmt.Sprintf("%d", e.Size)})
			}
			table.Render()
			return nil
		},
	}
}

func run(args []string, stdout, stderr io.Writer) int {
	cmd := rootCmd(stdout, stderr)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.Execute()
	if err == nil {
		return exitOK
	}
	color.New(color.FgRed).Fprintf(stderr, "Error: %v\n", err)

	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitFailure
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
