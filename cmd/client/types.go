package client

import (
	"io"
	"sync"
)

const (
	exitSuccess   = 0
	exitFailure   = 1
	exitUsage     = 2
	exitInterrupt = 130
)

const (
	defaultServerURL = "http://localhost:8080"
	defaultFormat    = "json"
	defaultTimeout   = 60
	maxDuration      = 30
)

// SchemaVersion is the semantic version of the JSON output schema.
// Bump major on breaking changes; minor on additive changes.
const SchemaVersion = "1.0"

type Config struct {
	ServerURL  string
	Server     string
	APIKey     string
	Format     string
	Duration   int
	Timeout    int
	Check      bool
	History    int
	ResultID   string
	JSON       bool
	NDJSON     bool
	Plain      bool
	Verbose    bool
	Quiet      bool
	NoColor    bool
	NoProgress bool
	Auto       bool
}

// JSONErrorResponse is the structured error emitted when --json is active.
type JSONErrorResponse struct {
	SchemaVersion string `json:"schema_version"`
	Error         bool   `json:"error"`
	Code          string `json:"code"`
	Message       string `json:"message"`
}

type JSONFormatter struct {
	Writer io.Writer
	ErrOut io.Writer
}

// NDJSONFormatter emits one line per progress event and a final line with
// the complete result.
type NDJSONFormatter struct {
	Writer io.Writer
	ErrOut io.Writer
	errMu  sync.Mutex
	err    error
}

type PlainFormatter struct {
	writer  io.Writer
	errOut  io.Writer
	verbose bool
}

func NewPlainFormatter(w, errOut io.Writer, verbose bool) *PlainFormatter {
	return &PlainFormatter{writer: w, errOut: errOut, verbose: verbose}
}

type InteractiveFormatter struct {
	writer     io.Writer
	errOut     io.Writer
	verbose    bool
	noColor    bool
	noProgress bool
}

func NewInteractiveFormatter(w, errOut io.Writer, verbose, noColor, noProgress bool) *InteractiveFormatter {
	return &InteractiveFormatter{writer: w, errOut: errOut, verbose: verbose, noColor: noColor, noProgress: noProgress}
}
