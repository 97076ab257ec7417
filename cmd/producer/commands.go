package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/book-expert/audio-producer/internal/app"
	"github.com/book-expert/audio-producer/internal/core"
	"github.com/book-expert/audio-producer/internal/director"
	"github.com/book-expert/audio-producer/internal/estimate"
	"github.com/book-expert/audio-producer/internal/store"
)

// Messages.
const (
	msgRendered       = "Rendered %s: %s, %s, %s\n"
	msgCopied         = "Copied output to %s\n"
	msgWarning        = "warning: %s\n"
	msgNoRenders      = "No renders recorded for %s\n"
	msgNoJobs         = "No jobs recorded for %s\n"
	errFmtReadScript  = "failed to read script %s: %w"
	errFmtReadBible   = "failed to read series bible %s: %w"
	errFmtDirect      = "failed to direct script: %w"
	errFmtSaveProject = "failed to save project %s: %w"
	errFmtCopyOutput  = "failed to copy output to %s: %w"
	outputPermissions = 0o644
	directorKind      = "director"
)

var errNarrationUnavailable = errors.New("no narration provider is available")

type renderOptions struct {
	projectID   string
	title       string
	biblePath   string
	output      string
	format      string
	maxSFXCalls int
	skipSFX     bool
	skipMusic   bool
	singleVoice bool
}

func newRenderCommand(ctx *commandContext) *cobra.Command {
	var opts renderOptions

	cmd := &cobra.Command{
		Use:   "render SCRIPT",
		Short: "Direct a script file and render it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd.Context(), func(producer *app.Runtime) error {
				return runRender(cmd, producer, args[0], opts)
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.projectID, "project", "", "Project id (defaults to the script file name)")
	flags.StringVar(&opts.title, "title", "", "Production title (defaults to the script file name)")
	flags.StringVar(&opts.biblePath, "bible", "", "Series bible JSON file")
	flags.StringVarP(&opts.output, "output", "o", "", "Copy the rendered production to this path")
	flags.StringVar(&opts.format, "format", "", "Output format: m4b, m4a, mp3, wav, flac or ogg")
	flags.IntVar(&opts.maxSFXCalls, "max-sfx", 0, "Maximum number of sound effect calls (0 = unlimited)")
	flags.BoolVar(&opts.skipSFX, "skip-sfx", false, "Render without sound effects")
	flags.BoolVar(&opts.skipMusic, "skip-music", false, "Render without music")
	flags.BoolVar(&opts.singleVoice, "single-voice", false, "Read every speaker with the narrator voice")

	return cmd
}

func runRender(cmd *cobra.Command, producer *app.Runtime, scriptPath string, opts renderOptions) error {
	script, err := os.ReadFile(scriptPath)
	if err != nil {
		return fmt.Errorf(errFmtReadScript, scriptPath, err)
	}

	var bible []byte

	if opts.biblePath != "" {
		bible, err = os.ReadFile(opts.biblePath)
		if err != nil {
			return fmt.Errorf(errFmtReadBible, opts.biblePath, err)
		}
	}

	name := strings.TrimSuffix(filepath.Base(scriptPath), filepath.Ext(scriptPath))
	project := core.Project{
		ID:       firstNonEmpty(opts.projectID, name),
		Title:    firstNonEmpty(opts.title, name),
		Script:   string(script),
		Settings: producer.Config.ProjectSettings(),
	}

	applyRenderFlags(cmd, &project.Settings, opts)

	direction, err := producer.Director.Direct(cmd.Context(), project.Title, project.Script, bible)
	if err != nil {
		return fmt.Errorf(errFmtDirect, err)
	}

	project.Bible = direction.Bible
	project.Blocks = direction.Blocks

	err = producer.Store.SaveProject(cmd.Context(), project)
	if err != nil {
		return fmt.Errorf(errFmtSaveProject, project.ID, err)
	}

	report, renderErr := producer.Scheduler.Render(cmd.Context(), project)

	out := cmd.OutOrStdout()
	printJobs(out, report.Jobs, blockSequences(project.Blocks))

	for _, warning := range report.Warnings {
		fmt.Fprintf(out, msgWarning, warning)
	}

	if renderErr != nil {
		return renderErr
	}

	fmt.Fprintf(out, msgRendered, project.ID, report.State, formatMS(report.DurationMS), report.OutputRef)

	if opts.output == "" {
		return nil
	}

	copyErr := copyFile(report.OutputRef, opts.output)
	if copyErr != nil {
		return fmt.Errorf(errFmtCopyOutput, opts.output, copyErr)
	}

	fmt.Fprintf(out, msgCopied, opts.output)

	return nil
}

func applyRenderFlags(cmd *cobra.Command, settings *core.Settings, opts renderOptions) {
	flags := cmd.Flags()

	if opts.format != "" {
		settings.OutputFormat = opts.format
	}

	if flags.Changed("max-sfx") {
		settings.MaxSFXCalls = opts.maxSFXCalls
	}

	if flags.Changed("skip-sfx") {
		settings.SkipSFX = opts.skipSFX
	}

	if flags.Changed("skip-music") {
		settings.SkipMusic = opts.skipMusic
	}

	if flags.Changed("single-voice") {
		settings.SingleVoice = opts.singleVoice
	}
}

func newEstimateCommand() *cobra.Command {
	var settings core.Settings

	cmd := &cobra.Command{
		Use:   "estimate SCRIPT",
		Short: "Estimate the running time of a script without rendering it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			script, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf(errFmtReadScript, args[0], err)
			}

			summary := estimate.Project(director.PlanBlocks(string(script)), settings)

			rows := [][]string{
				{"Blocks", strconv.Itoa(summary.Blocks)},
				{"Words", strconv.Itoa(summary.Words)},
				{"SFX calls", strconv.Itoa(summary.SFXCalls)},
				{"Music spans", strconv.Itoa(summary.MusicSpans)},
				{"Narration", formatMS(summary.NarrationMS)},
				{"Silence", formatMS(summary.SilenceMS)},
				{"Estimated total", formatMS(summary.EstimatedTotal)},
			}

			fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Metric", "Value"}, rows,
				[]columnAlignment{alignLeft, alignRight}))

			return nil
		},
	}

	flags := cmd.Flags()
	flags.Float64Var(&settings.NarrationSpeed, "speed", 1, "Narration speed factor")
	flags.Int64Var(&settings.InterBlockSilenceMS, "silence-ms", 0, "Silence between blocks in milliseconds")
	flags.IntVar(&settings.MaxSFXCalls, "max-sfx", 0, "Maximum number of sound effect calls (0 = unlimited)")
	flags.BoolVar(&settings.SkipSFX, "skip-sfx", false, "Count no sound effects")
	flags.BoolVar(&settings.SkipMusic, "skip-music", false, "Count no music spans")

	return cmd
}

func newHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Initialize every configured provider and report its availability",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withRuntime(cmd.Context(), func(producer *app.Runtime) error {
				rows := make([][]string, 0)

				for _, status := range producer.Providers.Statuses() {
					rows = append(rows, []string{
						string(status.Kind),
						firstNonEmpty(status.Backend, "-"),
						yesNo(status.Default),
						yesNo(status.Available),
						status.Reason,
					})
				}

				drafter := producer.DirectorStatus
				rows = append(rows, []string{
					directorKind,
					firstNonEmpty(drafter.Model, "-"),
					"-",
					yesNo(drafter.Available),
					drafter.Reason,
				})

				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"Kind", "Backend", "Default", "Available", "Reason"}, rows, nil))

				if !producer.Providers.Lookup(core.KindNarration, "").Available {
					return errNarrationUnavailable
				}

				return nil
			})
		},
	}
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status PROJECT",
		Short: "Show the persisted generation jobs of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd.Context(), func(db *store.Store) error {
				project, err := db.LoadProject(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				jobs, err := db.ListJobs(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				if len(jobs) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), msgNoJobs, args[0])

					return nil
				}

				printJobs(cmd.OutOrStdout(), jobs, blockSequences(project.Blocks))

				return nil
			})
		},
	}
}

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "history PROJECT",
		Short: "List the render history of a project, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd.Context(), func(db *store.Store) error {
				entries, err := db.ListRenderHistory(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				if len(entries) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), msgNoRenders, args[0])

					return nil
				}

				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"Render", "When", "Duration", "Narration", "SFX", "Music", "Notes"},
					historyRows(entries),
					[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignLeft},
				))

				return nil
			})
		},
	}
}

func historyRows(entries []core.RenderHistoryEntry) [][]string {
	rows := make([][]string, 0, len(entries))

	for _, entry := range entries {
		rows = append(rows, []string{
			entry.ID,
			humanize.Time(entry.Timestamp),
			formatMS(entry.DurationMS),
			formatCounts(entry.Layers[core.KindNarration]),
			formatCounts(entry.Layers[core.KindSFX]),
			formatCounts(entry.Layers[core.KindMusic]),
			strings.Join(entry.Notes, "; "),
		})
	}

	return rows
}

func printJobs(out io.Writer, jobs []core.GenerationJob, sequences map[string]int) {
	if len(jobs) == 0 {
		return
	}

	rows := make([][]string, 0, len(jobs))

	for _, job := range jobs {
		target := ""
		if job.TargetMS > 0 {
			target = formatMS(job.TargetMS)
		}

		rows = append(rows, []string{
			strconv.Itoa(sequences[job.BlockID]),
			string(job.Kind),
			string(job.Status),
			job.Backend,
			strconv.Itoa(job.Attempts),
			target,
			job.LastError,
		})
	}

	fmt.Fprint(out, renderTable(
		[]string{"Block", "Kind", "Status", "Backend", "Attempts", "Target", "Error"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	))
}

func blockSequences(blocks []core.Block) map[string]int {
	sequences := make(map[string]int, len(blocks))
	for index := range blocks {
		sequences[blocks[index].ID] = blocks[index].Sequence
	}

	return sequences
}

func formatCounts(counts core.LayerCounts) string {
	return fmt.Sprintf("%d/%d/%d", counts.Succeeded, counts.Failed, counts.Skipped)
}

func formatMS(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).Round(time.Second / 10).String()
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}

	return "no"
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}

	return ""
}

func copyFile(src, dst string) error {
	source, err := os.Open(src)
	if err != nil {
		return err
	}
	defer source.Close()

	target, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, outputPermissions)
	if err != nil {
		return err
	}

	_, copyErr := io.Copy(target, source)
	closeErr := target.Close()

	return errors.Join(copyErr, closeErr)
}
