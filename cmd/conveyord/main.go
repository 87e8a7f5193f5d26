package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/maydaying/conveyor/internal/detector"
	"github.com/maydaying/conveyor/internal/driver"
	"github.com/maydaying/conveyor/internal/job"
	"github.com/maydaying/conveyor/internal/jobmanager"
	"github.com/maydaying/conveyor/internal/logging"
	"github.com/maydaying/conveyor/internal/metrics"
	"github.com/maydaying/conveyor/internal/printerworker"
	"github.com/maydaying/conveyor/internal/profile"
	"github.com/maydaying/conveyor/internal/recipe"
	"github.com/maydaying/conveyor/internal/registry"
	"github.com/maydaying/conveyor/internal/scratch"
	"github.com/maydaying/conveyor/internal/task"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "conveyord",
	Short: "conveyord - print dispatch daemon",
	Long: `conveyord accepts toolpath, mesh and composite jobs, plans them into a
slice/process/print pipeline, and streams the result to attached printers
or renders it to a file.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("conveyord version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(profileCmd)
	rootCmd.AddCommand(submitCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	logging.Init(logging.Config{
		Level:      logging.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the conveyord daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		profilesDir, _ := cmd.Flags().GetString("profiles-dir")
		scratchDir, _ := cmd.Flags().GetString("scratch-dir")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		slicerBinary, _ := cmd.Flags().GetString("slicer-binary")
		blacklistTTL, _ := cmd.Flags().GetDuration("blacklist-ttl")
		scratchSweepInterval, _ := cmd.Flags().GetDuration("scratch-sweep-interval")
		scratchOrphanTTL, _ := cmd.Flags().GetDuration("scratch-orphan-ttl")

		fmt.Println("Starting conveyord...")
		fmt.Printf("  Profiles directory: %s\n", profilesDir)
		fmt.Printf("  Scratch directory: %s\n", scratchDir)
		fmt.Printf("  Metrics address: %s\n", metricsAddr)

		profiles, err := profile.NewStore(profilesDir)
		if err != nil {
			return fmt.Errorf("failed to load profiles: %w", err)
		}
		defer profiles.Close()
		fmt.Printf("✓ Loaded %d printer profile(s)\n", len(profiles.Names()))

		slicer := driver.NewExecSlicer(slicerBinary)
		fmt.Println("✓ Slicer subprocess configured")

		reg := registry.New(slicer, driver.NullPrinterFactory, func(path string) (driver.FileWriter, error) {
			return driver.NewLocalFileWriter(path)
		})

		sweepStop := make(chan struct{})
		sweepDone := make(chan struct{})
		go func() {
			defer close(sweepDone)
			ticker := time.NewTicker(scratchSweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					removed, err := scratch.SweepOrphans(scratchDir, scratchOrphanTTL)
					if err != nil {
						logging.WithComponent("scratch").Warn().Err(err).Msg("orphan scratch sweep failed")
						continue
					}
					if len(removed) > 0 {
						logging.WithComponent("scratch").Info().Int("count", len(removed)).Msg("swept orphaned scratch directories")
					}
				case <-sweepStop:
					return
				}
			}
		}()
		fmt.Println("✓ Scratch sweep started")

		machines := driver.NullMachineDetector{}
		bots := driver.NullBotFactory{}
		fmt.Println(color.YellowString("! No hardware driver library configured — running with no attachable printers"))

		spawn := func(portID, serialID string, prof *profile.Profile, printer driver.Printer) (detector.PrinterHandle, error) {
			w := printerworker.New(portID, serialID, &nopWriteCloser{}, prof, reg, func() (driver.Printer, error) {
				return printer, nil
			})
			go w.Run(context.Background())
			return printerworker.RegistryHandle{Worker: w}, nil
		}

		det := detector.New(machines, bots, profiles, reg, spawn, blacklistTTL)
		go det.Run()
		fmt.Println("✓ Printer detector started")

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		server := &http.Server{Addr: metricsAddr, Handler: mux}

		errCh := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
		fmt.Printf("✓ Metrics server listening on http://%s/metrics\n", metricsAddr)
		fmt.Println()
		fmt.Println("conveyord is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		}

		det.Stop()
		<-det.Done()

		close(sweepStop)
		<-sweepDone

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down metrics server: %w", err)
		}

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("profiles-dir", "/etc/conveyord/profiles", "Directory of printer profile YAML files")
	serveCmd.Flags().String("scratch-dir", os.TempDir(), "Directory for per-job scratch files")
	serveCmd.Flags().String("metrics-addr", ":9120", "Address to serve Prometheus metrics on")
	serveCmd.Flags().String("slicer-binary", "miracle_grue", "Path to the slicer subprocess binary")
	serveCmd.Flags().Duration("blacklist-ttl", 30*time.Second, "Cool-off period before a failed port is eligible to re-attach")
	serveCmd.Flags().Duration("scratch-sweep-interval", 10*time.Minute, "How often to sweep orphaned scratch directories")
	serveCmd.Flags().Duration("scratch-orphan-ttl", time.Hour, "Age at which an unattended scratch directory is considered orphaned")
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Inspect printer profiles",
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List loaded printer profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		profilesDir, _ := cmd.Flags().GetString("profiles-dir")

		store, err := profile.NewStore(profilesDir)
		if err != nil {
			return fmt.Errorf("failed to load profiles: %w", err)
		}
		defer store.Close()

		names := store.Names()
		if len(names) == 0 {
			fmt.Println("No profiles found.")
			return nil
		}

		for _, name := range names {
			prof, _ := store.Get(name)
			fmt.Printf("%s %s", color.GreenString("✓"), name)
			if prof.Values.Model != "" {
				fmt.Printf(" (%s)", prof.Values.Model)
			}
			fmt.Println()
		}
		return nil
	},
}

func init() {
	profileCmd.AddCommand(profileListCmd)
	profileListCmd.Flags().String("profiles-dir", "/etc/conveyord/profiles", "Directory of printer profile YAML files")
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Plan and run a single job without a running daemon",
	Long: `submit classifies a toolpath/mesh/composite file, plans its pipeline with
the same recipe.Planner and jobmanager.Manager a running conveyord would use,
and drives it to completion in this process — useful for exercising a
profile or slicer binary without a live printer attached.

Examples:
  # Slice an STL and leave the gcode on disk
  conveyord submit -f part.stl --mode slice -o part.gcode --profile replicator2

  # Render a toolpath straight to an x3g artifact
  conveyord submit -f part.gcode --mode printtofile -o part.x3g --artifact-type x3g --profile replicator2

This binary wires the null device layer, so the printtofile and print
modes fail with "no hardware driver library configured"; only slice runs
to completion.`,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringP("file", "f", "", "Job input file: .gcode, .stl or .thing (required)")
	submitCmd.Flags().String("mode", "slice", "Pipeline mode: slice, printtofile or print")
	submitCmd.Flags().StringP("output", "o", "", "Output artifact/toolpath path (required for slice and printtofile)")
	submitCmd.Flags().String("profile", "", "Printer profile name to plan against (required)")
	submitCmd.Flags().String("profiles-dir", "/etc/conveyord/profiles", "Directory of printer profile YAML files")
	submitCmd.Flags().String("scratch-dir", os.TempDir(), "Directory for per-job scratch files")
	submitCmd.Flags().String("slicer-binary", "miracle_grue", "Path to the slicer subprocess binary")
	submitCmd.Flags().String("mesh-splitter-binary", "thing_extract", "Path to the mesh-splitter subprocess binary")
	submitCmd.Flags().String("port-id", "", "Target printer port id (required for --mode print)")
	submitCmd.Flags().String("material", "", "Material override (defaults to the profile's)")
	submitCmd.Flags().String("build-name", "", "Build name recorded on the job (defaults to the input filename)")
	submitCmd.Flags().String("artifact-type", "s3g", "Print-to-file artifact type: s3g or x3g")
	_ = submitCmd.MarkFlagRequired("file")
	_ = submitCmd.MarkFlagRequired("profile")
}

func parseMode(s string) (recipe.Mode, error) {
	switch s {
	case "slice":
		return recipe.ModeSlice, nil
	case "printtofile":
		return recipe.ModePrintToFile, nil
	case "print":
		return recipe.ModePrint, nil
	default:
		return 0, fmt.Errorf("unknown mode %q (want slice, printtofile or print)", s)
	}
}

func runSubmit(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("file")
	modeFlag, _ := cmd.Flags().GetString("mode")
	output, _ := cmd.Flags().GetString("output")
	profileName, _ := cmd.Flags().GetString("profile")
	profilesDir, _ := cmd.Flags().GetString("profiles-dir")
	scratchDir, _ := cmd.Flags().GetString("scratch-dir")
	slicerBinary, _ := cmd.Flags().GetString("slicer-binary")
	meshSplitterBinary, _ := cmd.Flags().GetString("mesh-splitter-binary")
	portID, _ := cmd.Flags().GetString("port-id")
	material, _ := cmd.Flags().GetString("material")
	buildName, _ := cmd.Flags().GetString("build-name")
	artifactType, _ := cmd.Flags().GetString("artifact-type")

	mode, err := parseMode(modeFlag)
	if err != nil {
		return err
	}
	if mode != recipe.ModePrint && output == "" {
		return fmt.Errorf("--output is required for --mode %s", modeFlag)
	}
	if mode == recipe.ModePrint && portID == "" {
		return fmt.Errorf("--port-id is required for --mode print")
	}
	if buildName == "" {
		buildName = filepath.Base(file)
	}

	profiles, err := profile.NewStore(profilesDir)
	if err != nil {
		return fmt.Errorf("failed to load profiles: %w", err)
	}
	defer profiles.Close()

	prof, ok := profiles.Get(profileName)
	if !ok {
		return fmt.Errorf("no such profile: %q", profileName)
	}

	slicer := driver.NewExecSlicer(slicerBinary)
	meshSplitter := driver.NewExecMeshSplitter(meshSplitterBinary)
	reg := registry.New(slicer, driver.NullPrinterFactory, func(path string) (driver.FileWriter, error) {
		return driver.NewLocalFileWriter(path)
	})

	planner := recipe.NewPlanner(meshSplitter, driver.NullFileReader{}, scratchDir)
	jobs := jobmanager.New(planner)

	j := &job.Job{
		Path:            file,
		BuildName:       buildName,
		Material:        job.Material(material),
		PrintToFileType: job.PrintToFileType(artifactType),
	}

	req := recipe.PlanRequest{
		Job:        j,
		Mode:       mode,
		Dispatcher: reg,
		Profile:    prof,
		PortID:     portID,
		OutputPath: output,
	}

	id, proc, err := jobs.Submit(cmd.Context(), j, req)
	if err != nil {
		return fmt.Errorf("failed to plan job: %w", err)
	}
	fmt.Printf("✓ Job submitted: %s (mode=%s)\n", id, modeFlag)

	for _, child := range proc.Children {
		child.HeartbeatEvent.Attach(func(p task.Progress) {
			fmt.Printf("  progress: %v\n", map[string]any(p))
		})
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var outcome task.State
	proc.EndEvent.Attach(func(any) { outcome = task.Ended; wg.Done() })
	proc.FailEvent.Attach(func(error) { outcome = task.Failed; wg.Done() })
	proc.StoppedEvent.Attach(func(any) {
		if proc.State() == task.Stopped {
			outcome = task.Stopped
			wg.Done()
		}
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nCancelling job...")
		_ = jobs.Cancel(id, "interrupted")
	}()

	wg.Wait()
	signal.Stop(sigCh)

	switch outcome {
	case task.Ended:
		fmt.Println(color.GreenString("✓ Job ended"))
		return nil
	case task.Stopped:
		fmt.Println(color.YellowString("! Job stopped"))
		return nil
	case task.Failed:
		return fmt.Errorf("job failed: %w", proc.Cause())
	default:
		return fmt.Errorf("job finished in unexpected state %s", outcome)
	}
}

// nopWriteCloser stands in for the live serial handle a real hardware
// driver would open on attach; the null device layer never produces a
// handle of its own (§6 "Device driver library (consumed)").
type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }
