package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/raysh454/kansoku/internal/filters"
	"github.com/raysh454/kansoku/internal/joblist"
	"github.com/raysh454/kansoku/internal/jobs"
	"github.com/raysh454/kansoku/internal/scheduler"
)

func newRunCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run [job...]",
		Short: "Check the jobs once and report what changed.",
		Long:  "Check the jobs once and report what changed. Jobs are referenced by index number, GUID or location; all jobs run when none is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.application(cmd.Context())
			if err != nil {
				return err
			}
			defer shutdown(a)

			_, _, err = a.Orch.RunOnce(cmd.Context(), args)
			return err
		},
	}
}

func newListCommand(o *options) *cobra.Command {
	var showGUID bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the jobs of the job file.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.config(cmd.Context())
			if err != nil {
				return err
			}
			list, err := joblist.Open(cfg.Jobs, cfg.JobDefaults)
			if err != nil {
				return err
			}
			o.notices(list.Notices)

			t := table.NewWriter()
			t.SetOutputMirror(o.stdout)
			header := table.Row{"#", "Kind", "Name", "Location"}
			if showGUID {
				header = append(header, "GUID")
			}
			t.AppendHeader(header)
			for _, j := range list.Jobs {
				row := table.Row{j.Common().IndexNumber, j.Kind(), j.PrettyName(), j.Location()}
				if showGUID {
					row = append(row, jobs.GUID(j))
				}
				t.AppendRow(row)
			}
			t.SetStyle(table.StyleRounded)
			t.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&showGUID, "guid", false, "show the cache key of each job")
	return cmd
}

func newCheckCommand(o *options) *cobra.Command {
	var jobsDoc, filtersDoc bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration, the job file and every filter chain.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if jobsDoc || filtersDoc {
				if jobsDoc {
					fmt.Fprintln(o.stdout, "Supported jobs and directives:")
					fmt.Fprintln(o.stdout, jobs.Documentation())
				}
				if filtersDoc {
					fmt.Fprintln(o.stdout, filters.Documentation())
				}
				return nil
			}

			cfg, err := o.config(cmd.Context())
			if err != nil {
				return err
			}
			if cfg.Schedule != "" {
				if err := scheduler.Validate(cfg.Schedule); err != nil {
					return err
				}
			}
			list, err := joblist.Open(cfg.Jobs, cfg.JobDefaults)
			if err != nil {
				return err
			}
			o.notices(list.Notices)

			var errs []error
			for _, j := range list.Jobs {
				_, notices, err := filters.Normalize(j.Common().Filter)
				for _, n := range notices {
					o.notices([]string{j.IndexedLocation() + ": " + n})
				}
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", j.IndexedLocation(), err))
				}
			}
			if err := errors.Join(errs...); err != nil {
				return err
			}
			fmt.Fprintf(o.stdout, "%d jobs OK\n", len(list.Jobs))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jobsDoc, "jobs-doc", false, "print the job kinds and their directives")
	cmd.Flags().BoolVar(&filtersDoc, "filters-doc", false, "print the filter kinds and their subfilters")
	return cmd
}

func newHistoryCommand(o *options) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "history <job>",
		Short: "Print the stored versions of a job, newest first.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.application(cmd.Context())
			if err != nil {
				return err
			}
			defer shutdown(a)

			job, versions, err := a.Orch.History(cmd.Context(), args[0], n)
			if err != nil {
				return err
			}
			if len(versions) == 0 {
				fmt.Fprintf(o.stdout, "no stored data for %s\n", job.IndexedLocation())
				return nil
			}
			for i, v := range versions {
				fmt.Fprintf(o.stdout, "=== %s, version %d ===\n%s\n", job.PrettyName(), i, strings.TrimRight(string(v), "\n"))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "number", "n", 5, "number of versions, 0 for all")
	return cmd
}

func newDeleteCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job>",
		Short: "Remove a job from the job file and forget its stored data.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.application(cmd.Context())
			if err != nil {
				return err
			}
			defer shutdown(a)
			return a.Orch.DeleteJob(cmd.Context(), args[0])
		},
	}
}

func (o *options) notices(notices []string) {
	for _, n := range notices {
		fmt.Fprintln(o.stderr, "notice:", n)
	}
}
