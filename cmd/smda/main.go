package main

import (
	"log/slog"
	"net/http"
	"os"
	"strings"

	_ "net/http/pprof" // profiling

	"smda/internal/smda/cmd"
	"smda/internal/smda/log"
)

const defaultProfileAddr = "localhost:6060"

func main() {
	os.Exit(run())
}

func run() (code int) {
	log.Setup(os.Getenv("SMDA_LOG_FILE"), os.Getenv("SMDA_LOG_LEVEL") == "debug")
	defer log.RecoverPanic("main", func() {
		slog.Error("Application terminated due to unhandled panic")
		code = 2
	})

	if addr := profileAddr(os.Getenv("SMDA_PROFILE")); addr != "" {
		go func() {
			slog.Info("Serving pprof", "addr", addr)
			if httpErr := http.ListenAndServe(addr, nil); httpErr != nil {
				slog.Error("Failed to pprof listen", "error", httpErr)
			}
		}()
	}

	if err := cmd.Execute(); err != nil {
		slog.Debug("Command failed", "error", err)
		return 1
	}
	return 0
}

// profileAddr maps SMDA_PROFILE to a listen address. A value containing a
// port is used as is, any other non-empty value selects the default.
func profileAddr(v string) string {
	switch {
	case v == "", v == "0", strings.EqualFold(v, "false"):
		return ""
	case strings.Contains(v, ":"):
		return v
	}
	return defaultProfileAddr
}
