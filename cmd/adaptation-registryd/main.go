package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	adaptation "github.com/always-cache/adaptation-registry"
	"github.com/always-cache/adaptation-registry/pkg/decoder/ecap"
	"github.com/always-cache/adaptation-registry/pkg/decoder/icap"
	"github.com/always-cache/adaptation-registry/pkg/diag"
	"github.com/always-cache/adaptation-registry/pkg/service"
)

var (
	configFilenameFlag string
	adminAddrFlag      string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to adaptation service config file")
	flag.StringVar(&adminAddrFlag, "admin-addr", ":6060", "Address for the admin/diagnostic HTTP surface")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	logOutputs := make([]io.Writer, 0, 2)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		f, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			log.Fatal().Err(err).Msg("cannot open log file")
		}
		logOutputs = append(logOutputs, f)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	if configFilenameFlag == "" {
		log.Fatal().Msg("please specify -config")
	}
	f, err := os.Open(configFilenameFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot open config file")
	}
	cfg, err := adaptation.ParseConfig(f)
	f.Close()
	if err != nil {
		log.Fatal().Err(err).Msg("cannot parse config file")
	}

	decoders := adaptation.Decoders{
		service.KindICAP: icap.New(log.Logger),
		service.KindECAP: ecap.New(),
	}

	reg := adaptation.NewRegistry(cfg.Config, decoders, log.Logger)
	if err := reg.Reload(cfg.Services); err != nil {
		log.Fatal().Err(err).Msg("cannot register configured adaptation services")
	}
	log.Info().Int("services", len(cfg.Services)).Msg("adaptation service registry started")

	hist, err := diag.NewHistory()
	if err != nil {
		log.Fatal().Err(err).Msg("cannot open probe history store")
	}
	defer hist.Close()

	reg.SetProbeRecorder(func(serviceID, probeID string, success bool, detail string) {
		entry := diag.HistoryEntry{
			ServiceID: serviceID,
			ProbeID:   probeID,
			At:        time.Now(),
			Success:   success,
			Detail:    detail,
		}
		if err := hist.Record(entry); err != nil {
			log.Warn().Err(err).Str("service", serviceID).Msg("cannot record probe history entry")
		}
	})

	router := diag.NewRouter(reg, hist)
	log.Info().Msgf("serving admin diagnostics on %s", adminAddrFlag)
	if err := http.ListenAndServe(adminAddrFlag, router); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
