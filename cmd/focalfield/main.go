package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/term"

	"focalfield/internal/models"
	"focalfield/internal/server"
	"focalfield/internal/store"
	"focalfield/pkg/config"
	"focalfield/pkg/normalization"
	"focalfield/pkg/pipeline"
	"focalfield/pkg/plot"
	"focalfield/pkg/visualization"
)

func main() {
	// Parse command line arguments
	inputDir := flag.String("input", "", "Acquisition directory (config.npy or config.yaml, plus pressure_field.npy or voxel_*.npy/.npz records)")
	configPath := flag.String("config", "focalfield.yaml", "Application configuration file")
	initConfig := flag.Bool("init-config", false, "Write a default configuration file to -config and exit")
	workers := flag.Int("workers", 0, "Number of goroutines for RMS evaluation (default: from config)")
	anchorMode := flag.String("anchor", "", fmt.Sprintf("Transfer function anchor: %s or %s (default: from config)", config.AnchorDerived, config.AnchorFixed))
	axis := flag.String("axis", "", "Projection axis: x, y or z (default: from config)")
	renderOutput := flag.String("render", "", "Projection image file (default: from config)")
	noRender := flag.Bool("no-render", false, "Skip the projection image")
	plotOutput := flag.String("plot", "", "Beam profile PNG (default: from config)")
	slicesDir := flag.String("slices-dir", "", "Directory to save colourised slices along all axes")
	saveDense := flag.Bool("save-dense", false, "Cache the reconstructed field as pressure_field.npy")
	serveAddr := flag.String("serve", "", "Serve the scene over a websocket on this address (e.g. :8080)")
	quiet := flag.Bool("quiet", false, "Only print the summary")
	flag.Parse()

	if *initConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write default configuration: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	// Validate inputs
	if *inputDir == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Command line flags override the configuration file
	if *workers > 0 {
		cfg.Processing.Workers = *workers
	}
	if *saveDense {
		cfg.Processing.SaveDenseField = true
	}
	if *anchorMode != "" {
		cfg.Transfer.AnchorMode = *anchorMode
	}
	if *axis != "" {
		cfg.Render.Axis = *axis
	}
	if *renderOutput != "" {
		cfg.Render.Output = *renderOutput
	}
	if *noRender {
		cfg.Render.Enabled = false
	}
	if *plotOutput != "" {
		cfg.Plot.Output = *plotOutput
	}
	if *slicesDir != "" {
		cfg.Render.SlicesDir = *slicesDir
	}
	if *serveAddr != "" {
		cfg.Server.Addr = *serveAddr
	}
	if *quiet {
		cfg.Output.Verbose = false
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	var logOut io.Writer = io.Discard
	if cfg.Output.Verbose {
		logOut = os.Stdout
	}
	logger := log.New(logOut, "", log.LstdFlags)

	if cfg.Output.Verbose {
		fmt.Println("================================")
		fmt.Println("FOCALFIELD: ULTRASOUND FOCUS ANALYSIS FROM HYDROPHONE SCANS")
		fmt.Println("================================")
	}

	dir, err := store.Open(*inputDir, logger)
	if err != nil {
		log.Fatalf("Failed to open acquisition: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	params := &pipeline.Params{
		Source: dir,
		Config: cfg,
		Logger: logger,
	}
	// Only draw the progress line on an interactive terminal
	if cfg.Output.Verbose && term.IsTerminal(int(os.Stdout.Fd())) {
		params.Progress = func(completed, total int) {
			fmt.Printf("\rFolding voxel records: %d/%d (%.0f%% complete)", completed, total,
				100*float64(completed)/float64(total))
			if completed == total {
				fmt.Println()
			}
		}
	}

	startTime := time.Now()
	result, err := pipeline.New(params).Run(ctx)
	if err != nil {
		log.Fatalf("Analysis failed: %v", err)
	}
	processingTime := time.Since(startTime)

	fmt.Printf("\nAnalysis completed in %.2f seconds\n", processingTime.Seconds())
	fmt.Print(result.Summary())

	scene := &visualization.Scene{
		Field:       result.Normalized,
		Transfer:    result.Transfer,
		VoxelSizeMM: result.Config.VoxelSizeMM,
		Metrics:     result.Metrics,
		Overlay:     result.Overlay(),
	}

	if cfg.Render.Enabled {
		if err := renderProjection(cfg, scene); err != nil {
			log.Printf("Warning: Failed to render projection: %v", err)
		} else {
			fmt.Printf("Projection saved to: %s\n", cfg.Render.Output)
		}
	}

	if cfg.Render.SlicesDir != "" {
		saveSlices(cfg.Render.SlicesDir, scene)
	}

	if cfg.Plot.Output != "" {
		if err := savePlot(cfg.Plot.Output, result); err != nil {
			log.Printf("Warning: Failed to save beam profiles: %v", err)
		} else {
			fmt.Printf("Beam profiles saved to: %s\n", cfg.Plot.Output)
		}
	}

	if cfg.Server.Addr != "" {
		srv, err := server.New(scene, result.RunID.String(), logger)
		if err != nil {
			log.Fatalf("Failed to create scene server: %v", err)
		}
		fmt.Printf("\nServing scene on ws://%s/ws (Ctrl+C to stop)\n", cfg.Server.Addr)
		fmt.Println("Commands: {\"command\": \"focus\"} frames the focal point, {\"command\": \"reset\"} the whole volume")
		if err := srv.ListenAndServe(ctx, cfg.Server.Addr); err != nil && ctx.Err() == nil {
			log.Printf("Warning: Scene server stopped: %v", err)
		}
	}
}

func renderProjection(cfg *config.Config, scene *visualization.Scene) error {
	axis, err := models.ParseAxis(cfg.Render.Axis)
	if err != nil {
		return err
	}

	var renderer visualization.Renderer = visualization.NewProjector(axis, cfg.Render.Width, cfg.Render.Height, cfg.Render.OpacityScale)
	img, err := renderer.Render(scene)
	if err != nil {
		return err
	}
	return visualization.SaveImage(img, cfg.Render.Output)
}

// saveSlices writes colourised slices along every axis plus the FWHM region
func saveSlices(slicesPath string, scene *visualization.Scene) {
	fmt.Println("\nExtracting slices along all axes...")
	viewer := visualization.NewViewer(scene.Field, scene.Transfer, scene.VoxelSizeMM)

	for _, axis := range []models.Axis{models.AxisX, models.AxisY, models.AxisZ} {
		axisDir := filepath.Join(slicesPath, axis.String())
		fmt.Printf("Saving %s-axis slices to: %s\n", axis, axisDir)

		if err := viewer.SaveSliceSequence(axis, axisDir); err != nil {
			log.Printf("Warning: Failed to save %s-axis slices: %v", axis, err)
		}
	}

	if scene.Metrics.BoundingBox.Empty {
		return
	}
	region, shape, err := viewer.ExtractRegion(scene.Metrics.BoundingBox)
	if err != nil {
		log.Printf("Warning: Failed to extract FWHM region: %v", err)
		return
	}
	regionField := &normalization.Field{Shape: shape, Values: region, Min: scene.Field.Min, Max: scene.Field.Max}
	regionView := visualization.NewViewer(regionField, scene.Transfer, scene.VoxelSizeMM)
	regionDir := filepath.Join(slicesPath, "fwhm")
	if err := regionView.SaveSliceSequence(models.AxisZ, regionDir); err != nil {
		log.Printf("Warning: Failed to save FWHM region slices: %v", err)
		return
	}
	fmt.Printf("FWHM region (%dx%dx%d voxels) saved to: %s\n", shape[0], shape[1], shape[2], regionDir)
}

func savePlot(path string, result *pipeline.Result) error {
	var buf bytes.Buffer
	if err := plot.Profiles(result.Field, result.Metrics, result.Config.VoxelSizeMM, &buf); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}
