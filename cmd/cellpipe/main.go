package main

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	arg "github.com/alexflint/go-arg"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/batterydata/cellpipe/catalog"
	"github.com/batterydata/cellpipe/fetch"
	"github.com/batterydata/cellpipe/pipeline"
	"github.com/batterydata/cellpipe/projconfig"
	"github.com/batterydata/cellpipe/store"
)

var version = "No version provided"

var log = logrus.New()

type argSpec struct {
	DataDir       string `arg:"--data-dir" help:"Directory of staged test files, one sub-directory per device"`
	StateDir      string `arg:"--state-dir" help:"Directory holding the per-cell persisted state"`
	CatalogPath   string `arg:"--catalog" help:"Path of the processed-file catalog database"`
	ProjectConfig string `arg:"--project-config" help:"Optional YAML overriding the built-in project table"`
	Calibration   string `arg:"--calibration" help:"Optional YAML with expansion calibration windows"`
	Project       string `arg:"--project" help:"Project name the devices belong to"`
	Device        string `arg:"--device" help:"Process only this device"`
	LogLevel      string `arg:"-l, --log-level" default:"info" help:"Set the logging level (debug, info, warn, error)"`
}

func (argSpec) Version() string {
	return version
}

func procArgs() argSpec {
	args := argSpec{
		DataDir:       envOr("CELLPIPE_DATA_DIR", "./data"),
		StateDir:      envOr("CELLPIPE_STATE_DIR", "./state"),
		CatalogPath:   envOr("CELLPIPE_CATALOG", "./state/catalog.db"),
		Project:       envOr("CELLPIPE_PROJECT", projconfig.DefaultProject),
		ProjectConfig: os.Getenv("CELLPIPE_PROJECT_CONFIG"),
		Calibration:   os.Getenv("CELLPIPE_CALIBRATION"),
	}
	arg.MustParse(&args)
	return args
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "info":
		log.SetLevel(logrus.InfoLevel)
	case "warn":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
		log.Warn("Unknown log level, defaulting to info")
	}
}

type customFormatter struct{}

func (f *customFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	return []byte(fmt.Sprintf("[%s] %s\n", strings.ToUpper(entry.Level.String()), entry.Message)), nil
}

func main() {
	err := runMain()
	if err != nil {
		log.Fatal(err.Error())
	}
}

func runMain() error {
	log.SetFormatter(new(customFormatter))
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return err
	}
	args := procArgs()
	setLogLevel(args.LogLevel)
	pipeline.SetLogger(log)

	log.Info("Running version: ", version)

	registry := projconfig.Builtin()
	if args.ProjectConfig != "" {
		if err := registry.LoadYAML(args.ProjectConfig); err != nil {
			return err
		}
	}

	p := &pipeline.Pipeline{
		Registry: registry,
		Store:    store.Store{Dir: args.StateDir, Cache: store.NewMemCache()},
	}
	if args.Calibration != "" {
		windows, err := projconfig.LoadCalibration(args.Calibration)
		if err != nil {
			return err
		}
		p.Calibration = windows
	}

	cat, err := catalog.Open(args.CatalogPath)
	if err != nil {
		return err
	}
	defer cat.Close()

	devices, err := listDevices(args.DataDir, args.Device)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		log.Warn("No device directories found under ", args.DataDir)
		return nil
	}

	for _, device := range devices {
		recs, err := loadRecords(filepath.Join(args.DataDir, device), device)
		if err != nil {
			log.Errorf("Device %s: %v", device, err)
			continue
		}
		log.Infof("Device %s: %s staged files", device, humanize.Comma(int64(len(recs))))

		result, err := p.ProcessCell(device, args.Project, recs)
		if err != nil {
			log.Errorf("Device %s: %v", device, err)
			continue
		}
		for _, rec := range recs {
			if err := cat.Append(catalog.Record{
				UUID:         rec.UUID,
				DeviceID:     device,
				Project:      args.Project,
				Location:     rec.Name,
				StartTimeMS:  rec.StartTimeMS,
				LastDPTimeMS: rec.LastDPTimeMS,
				Tags:         rec.Tags,
			}); err != nil {
				return err
			}
		}

		if !result.Changed {
			log.Infof("Device %s: no new data", device)
			continue
		}
		log.Infof("Device %s: %s samples, %s cycles",
			device,
			humanize.Comma(int64(result.State.Samples.Len())),
			humanize.Comma(int64(len(result.State.Metrics))))
		for _, row := range pipeline.RPTSummary(result.State.Metrics) {
			if math.IsNaN(row.DischargeCapacity) {
				continue
			}
			log.Infof("  %s: capacity %.3f Ah", row.TestName, row.DischargeCapacity)
		}
	}
	return nil
}

func listDevices(dataDir, only string) ([]string, error) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if only != "" && e.Name() != only {
			continue
		}
		out = append(out, e.Name())
	}
	return out, nil
}

// loadRecords builds fetch records from the staged CSV files of one
// device. The vendor tag is taken from the file name, and the time
// range is read from the file's own timestamp column.
func loadRecords(dir, device string) ([]fetch.TestRecord, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []fetch.TestRecord
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".csv") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		tag := vendorTag(e.Name())
		if tag == "" {
			log.Warnf("Cannot tell the acquisition hardware of %s from its name, skipping", e.Name())
			continue
		}
		reader := fetch.CSVReader{Path: path}
		start, end, err := timeRange(reader, tag)
		if err != nil {
			log.Warnf("Skipping %s: %v", e.Name(), err)
			continue
		}
		out = append(out, fetch.TestRecord{
			UUID:         uuid.NewSHA1(uuid.NameSpaceURL, []byte(path)),
			DeviceID:     device,
			Name:         strings.TrimSuffix(e.Name(), ".csv"),
			Tags:         []string{tag},
			StartTimeMS:  start,
			LastDPTimeMS: end,
			Reader:       reader,
		})
	}
	fetch.SortRecords(out)
	return out, nil
}

func vendorTag(name string) string {
	n := strings.ToLower(name)
	for _, tag := range []string{fetch.TagNeware, fetch.TagArbin, fetch.TagBiologic, fetch.TagVDF} {
		if strings.Contains(n, tag) {
			return tag
		}
	}
	if strings.Contains(n, "neware") {
		return fetch.TagNeware
	}
	return ""
}

func timeRange(r fetch.TimeSeriesReader, tag string) (int64, int64, error) {
	key := "h_datapoint_time"
	if tag == fetch.TagVDF {
		key = "aux_vdf_timestamp_datetime_0"
	}
	cols, err := r.ReadTraces([]string{key})
	if err != nil {
		return 0, 0, err
	}
	ts := cols[key]
	if len(ts) == 0 {
		return 0, 0, fmt.Errorf("no timestamp column %q", key)
	}
	return int64(ts[0]), int64(ts[len(ts)-1]), nil
}
