// Command dicomgw runs the hospital-side DICOM gateway: a storage SCP with
// on-the-fly anonymization, query/retrieve with central-API fallback, a
// study-complete upload pipeline and an auto-forwarder, plus the management
// subcommands that go with them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/caio-sobreiro/dicomgw/centralapi"
	"github.com/caio-sobreiro/dicomgw/config"
	"github.com/caio-sobreiro/dicomgw/forwarder"
	"github.com/caio-sobreiro/dicomgw/gateway"
	"github.com/caio-sobreiro/dicomgw/identity"
	"github.com/caio-sobreiro/dicomgw/monitor"
	"github.com/caio-sobreiro/dicomgw/server"
	"github.com/caio-sobreiro/dicomgw/storage"
)

const shutdownDrain = 5 * time.Second

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger error:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	var cmdErr error
	switch os.Args[1] {
	case "receive":
		cmdErr = runReceive(cfg, logger)
	case "query":
		cmdErr = runQuery(cfg, logger, os.Args[2:])
	case "restore-file":
		cmdErr = runRestoreFile(cfg, logger, os.Args[2:])
	case "nodes":
		cmdErr = runNodes(cfg, logger, os.Args[2:])
	case "upload-study":
		cmdErr = runUploadStudy(cfg, logger, os.Args[2:])
	case "show-config":
		cfg.Print(os.Stdout)
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	if cmdErr != nil {
		logger.Error("Command failed", zap.String("command", os.Args[1]), zap.Error(cmdErr))
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: dicomgw <command> [flags]

commands:
  receive        run the DICOM gateway (SCP, monitor, forwarder, uploads)
  query          print the catalogue at a query level
  restore-file   de-anonymize a stored DICOM file
  nodes          manage auto-forward destinations
  upload-study   package a study and upload it to the central API
  show-config    print the effective configuration

configuration comes from DICOM_RECEIVER_* environment variables.
`)
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.LogFile != "" {
		zapCfg.OutputPaths = append(zapCfg.OutputPaths, cfg.LogFile)
	}
	return zapCfg.Build()
}

// apiClient returns the central API client, or nil when no API is
// configured. Returning a plain nil keeps the gateway interfaces nil too.
func apiClient(cfg *config.Config, logger *zap.Logger) *centralapi.Client {
	if cfg.APIBaseURL == "" {
		return nil
	}
	return centralapi.NewClient(centralapi.Config{
		BaseURL:    cfg.APIBaseURL,
		Username:   cfg.APIUsername,
		Password:   cfg.APIPassword,
		Token:      cfg.APIToken,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
	}, logger)
}

func runReceive(cfg *config.Config, logger *zap.Logger) error {
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	ids := identity.NewStore(cfg.MappingFile, cfg.PIITags, logger)
	store := storage.NewStore(cfg.StorageDir, logger)
	if err := store.MigrateLegacyLayout(ids.PatientStudies()); err != nil {
		logger.Warn("Legacy storage migration incomplete", zap.Error(err))
	}

	api := apiClient(cfg, logger)

	var gatewayAPI gateway.APIClient
	var uploader gateway.Uploader
	if api != nil {
		gatewayAPI = api
		uploader = api
	}

	mon := monitor.NewStudyMonitor(cfg.QuiescenceTimeout, logger)
	pipeline := gateway.NewPipeline(ids, store, uploader, gateway.PipelineConfig{
		ZipDir:             cfg.ZipDir,
		AutoUpload:         cfg.AutoUpload,
		CleanupAfterUpload: cfg.CleanupAfterUpload,
	}, logger)
	mon.OnComplete(pipeline.OnStudyComplete)

	aeTable := gateway.LoadAETable(cfg.AETableFile, logger)
	svc := gateway.New(ids, store, mon, gatewayAPI, aeTable, cfg.AETitle, logger)

	mon.Start()
	defer mon.Stop()

	var fwd *forwarder.Manager
	if api != nil {
		fwd = forwarder.NewManager(cfg.NodesFile, cfg.LedgerFile, api, logger)
		fwd.CallingAETitle = cfg.AETitle
		fwd.Start()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	address := fmt.Sprintf(":%d", cfg.Port)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe(ctx, address, cfg.AETitle, svc, server.WithLogger(logger))
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	case <-ctx.Done():
		logger.Info("Shutting down", zap.Duration("drain", shutdownDrain))
		select {
		case <-serveErr:
		case <-time.After(shutdownDrain):
			logger.Warn("Drain timeout expired, terminating")
		}
	}

	if fwd != nil {
		fwd.Stop()
	}
	logger.Info("Gateway stopped")
	return nil
}

func runQuery(cfg *config.Config, logger *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	level := fs.String("level", "study", "query level: patient, study, series or image")
	studyUID := fs.String("study", "", "StudyInstanceUID (required for series and image levels)")
	seriesUID := fs.String("series", "", "SeriesInstanceUID (image level)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	api := apiClient(cfg, logger)
	if api == nil {
		return fmt.Errorf("no central API configured, set DICOM_RECEIVER_API_URL")
	}
	ids := identity.NewStore(cfg.MappingFile, cfg.PIITags, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	catalogue, err := api.AllDicomMetadata(ctx)
	if err != nil {
		return err
	}

	deanonymize := func(name string) string {
		if original, ok := ids.OriginalNameFor(name); ok {
			return original
		}
		return name
	}

	switch *level {
	case "patient":
		for _, p := range catalogue.Patients() {
			fmt.Printf("%-20s %s\n", p.ID, deanonymize(p.Name))
		}
	case "study":
		for _, s := range catalogue.Studies() {
			fmt.Printf("%-50s %-20s %-20s series=%d images=%d\n",
				s.InstanceUID, s.PatientID, deanonymize(s.PatientName), s.NumberOfSeries, s.NumberOfImages)
		}
	case "series":
		if *studyUID == "" {
			return fmt.Errorf("series level requires -study")
		}
		for _, s := range catalogue.SeriesForStudy(*studyUID) {
			fmt.Printf("%-50s %-6s images=%d %s\n", s.InstanceUID, s.Modality, s.NumberOfImages, s.Description)
		}
	case "image":
		if *studyUID == "" {
			return fmt.Errorf("image level requires -study")
		}
		for _, img := range catalogue.ImagesForSeries(*studyUID, *seriesUID) {
			fmt.Printf("%-55s %s\n", img.SOPInstanceUID, img.SOPClassUID)
		}
	default:
		return fmt.Errorf("unknown query level %q", *level)
	}
	return nil
}

func runRestoreFile(cfg *config.Config, logger *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("restore-file", flag.ExitOnError)
	in := fs.String("in", "", "anonymized DICOM file to restore")
	out := fs.String("out", "", "output path (default: <in>.restored.dcm)")
	mapping := fs.String("mapping", "", "mapping file (default: inferred from the file location)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" {
		return fmt.Errorf("restore-file requires -in")
	}
	outPath := *out
	if outPath == "" {
		outPath = *in + ".restored.dcm"
	}

	if err := identity.RestoreFile(*in, outPath, *mapping, logger); err != nil {
		return err
	}
	fmt.Println("restored to", outPath)
	return nil
}

func runNodes(cfg *config.Config, logger *zap.Logger, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: dicomgw nodes <list|add|remove|enable|disable|test|clear-tracking|show-config> [flags]")
	}

	api := apiClient(cfg, logger)
	var source forwarder.CatalogueSource
	if api != nil {
		source = api
	}
	mgr := forwarder.NewManager(cfg.NodesFile, cfg.LedgerFile, source, logger)
	mgr.CallingAETitle = cfg.AETitle

	switch args[0] {
	case "list":
		nodes, err := mgr.Nodes()
		if err != nil {
			return err
		}
		stats, err := mgr.Stats()
		if err != nil {
			return err
		}
		for id, node := range nodes {
			state := "disabled"
			if node.Enabled {
				state = "enabled"
			}
			fmt.Printf("%-20s %-20s %-21s aet=%-16s %-8s sent=%d\n",
				id, node.Name, node.Address(), node.AETitle, state, stats.Nodes[id].SeriesSent)
		}
		return nil

	case "add":
		fs := flag.NewFlagSet("nodes add", flag.ExitOnError)
		id := fs.String("id", "", "node identifier")
		name := fs.String("name", "", "display name")
		ip := fs.String("ip", "", "host or IP address")
		port := fs.Int("port", 104, "DICOM port")
		aet := fs.String("aet", "", "called AE title")
		desc := fs.String("description", "", "free-text description")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if *id == "" || *ip == "" || *aet == "" {
			return fmt.Errorf("nodes add requires -id, -ip and -aet")
		}
		return mgr.AddNode(*id, forwarder.Node{
			Name:        *name,
			IP:          *ip,
			Port:        *port,
			AETitle:     *aet,
			Description: *desc,
		})

	case "remove":
		if len(args) < 2 {
			return fmt.Errorf("usage: dicomgw nodes remove <id>")
		}
		return mgr.RemoveNode(args[1])

	case "enable", "disable":
		if len(args) < 2 {
			return fmt.Errorf("usage: dicomgw nodes %s <id>", args[0])
		}
		return mgr.SetNodeEnabled(args[1], args[0] == "enable")

	case "test":
		if len(args) < 2 {
			return fmt.Errorf("usage: dicomgw nodes test <id>")
		}
		if err := mgr.TestNode(args[1]); err != nil {
			return err
		}
		fmt.Println("node", args[1], "answered C-ECHO")
		return nil

	case "clear-tracking":
		if len(args) < 2 {
			return mgr.ClearAllTracking()
		}
		return mgr.ClearTracking(args[1])

	case "show-config":
		stats, err := mgr.Stats()
		if err != nil {
			return err
		}
		fmt.Println("polling_interval:    ", stats.Settings.PollingInterval)
		fmt.Println("max_retry_attempts:  ", stats.Settings.MaxRetryAttempts)
		fmt.Println("retry_delay:         ", stats.Settings.RetryDelay)
		fmt.Println("auto_forward_enabled:", stats.Settings.AutoForwardEnabled)
		return nil

	default:
		return fmt.Errorf("unknown nodes action %q", args[0])
	}
}

func runUploadStudy(cfg *config.Config, logger *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("upload-study", flag.ExitOnError)
	studyUID := fs.String("study", "", "StudyInstanceUID to package and upload")
	keep := fs.Bool("keep", true, "keep the study on disk after upload")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *studyUID == "" {
		return fmt.Errorf("upload-study requires -study")
	}

	api := apiClient(cfg, logger)
	if api == nil {
		return fmt.Errorf("no central API configured, set DICOM_RECEIVER_API_URL")
	}

	ids := identity.NewStore(cfg.MappingFile, cfg.PIITags, logger)
	store := storage.NewStore(cfg.StorageDir, logger)

	pipeline := gateway.NewPipeline(ids, store, api, gateway.PipelineConfig{
		ZipDir: cfg.ZipDir,
	}, logger)

	zipPath, err := pipeline.PackageStudy(*studyUID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	name := *studyUID
	if anon, ok := ids.AnonymizedNameForStudy(*studyUID); ok {
		name = anon + "_" + *studyUID
	}
	id, err := api.UploadDataset(ctx, zipPath, name)
	if err != nil {
		return err
	}
	fmt.Println("uploaded as dataset", strconv.Itoa(id))

	if !*keep {
		studyPath := store.ResolveStudy(*studyUID)
		if studyPath != "" {
			if err := os.RemoveAll(studyPath); err != nil {
				return fmt.Errorf("uploaded but failed to remove study: %w", err)
			}
		}
	}
	return nil
}
