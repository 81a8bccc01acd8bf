package contracts

import (
	"fmt"
	"time"
)

type EventData struct {
	Ver          int                `json:"ver"`
	Name         string             `json:"name"`
	Properties   map[string]string  `json:"properties,omitempty"`
	Measurements map[string]float64 `json:"measurements,omitempty"`
}

func (EventData) EnvelopeName() string { return "Microsoft.ApplicationInsights.Event" }
func (EventData) BaseType() string     { return "EventData" }

// MessageData is called "trace" in the portal; the contract kept the
// generic name.
type MessageData struct {
	Ver           int               `json:"ver"`
	Message       string            `json:"message"`
	SeverityLevel SeverityLevel     `json:"severityLevel"`
	Properties    map[string]string `json:"properties,omitempty"`
}

func (MessageData) EnvelopeName() string { return "Microsoft.ApplicationInsights.Message" }
func (MessageData) BaseType() string     { return "MessageData" }

type ExceptionData struct {
	Ver           int                `json:"ver"`
	HandledAt     string             `json:"handledAt"`
	Exceptions    []ExceptionDetails `json:"exceptions"`
	SeverityLevel SeverityLevel      `json:"severityLevel"`
	Properties    map[string]string  `json:"properties,omitempty"`
	Measurements  map[string]float64 `json:"measurements,omitempty"`
}

func (ExceptionData) EnvelopeName() string { return "Microsoft.ApplicationInsights.Exception" }
func (ExceptionData) BaseType() string     { return "ExceptionData" }

type ExceptionDetails struct {
	ID           int          `json:"id"`
	OuterID      int          `json:"outerId"`
	TypeName     string       `json:"typeName"`
	Message      string       `json:"message"`
	HasFullStack bool         `json:"hasFullStack"`
	ParsedStack  []StackFrame `json:"parsedStack,omitempty"`
}

type StackFrame struct {
	Level    int    `json:"level"`
	Method   string `json:"method"`
	Assembly string `json:"assembly"`
	FileName string `json:"fileName"`
	Line     int    `json:"line"`
}

// DataPointKind distinguishes single measurements from pre-aggregated
// values.
type DataPointKind int

const (
	Measurement DataPointKind = 1
	Aggregation DataPointKind = 2
)

type DataPoint struct {
	Name   string        `json:"name"`
	Kind   DataPointKind `json:"kind"`
	Value  float64       `json:"value"`
	Count  *int          `json:"count,omitempty"`
	Min    *float64      `json:"min,omitempty"`
	Max    *float64      `json:"max,omitempty"`
	StdDev *float64      `json:"stdDev,omitempty"`
}

// MetricData carries a single data point; the schema defines an array but
// the backend only accepts one element in it.
type MetricData struct {
	Ver        int               `json:"ver"`
	Metrics    []DataPoint       `json:"metrics"`
	Properties map[string]string `json:"properties,omitempty"`
}

func (MetricData) EnvelopeName() string { return "Microsoft.ApplicationInsights.Metric" }
func (MetricData) BaseType() string     { return "MetricData" }

type RequestData struct {
	Ver          int                `json:"ver"`
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	StartTime    string             `json:"startTime"`
	Duration     string             `json:"duration"`
	ResponseCode string             `json:"responseCode"`
	Success      bool               `json:"success"`
	HTTPMethod   string             `json:"httpMethod,omitempty"`
	URL          string             `json:"url,omitempty"`
	Properties   map[string]string  `json:"properties,omitempty"`
	Measurements map[string]float64 `json:"measurements,omitempty"`
}

func (RequestData) EnvelopeName() string { return "Microsoft.ApplicationInsights.Request" }
func (RequestData) BaseType() string     { return "RequestData" }

type RemoteDependencyData struct {
	Ver          int                `json:"ver"`
	Name         string             `json:"name"`
	ID           string             `json:"id,omitempty"`
	ResultCode   string             `json:"resultCode,omitempty"`
	Duration     string             `json:"duration"`
	Success      bool               `json:"success"`
	Data         string             `json:"data,omitempty"`
	Target       string             `json:"target,omitempty"`
	Type         string             `json:"type,omitempty"`
	Properties   map[string]string  `json:"properties,omitempty"`
	Measurements map[string]float64 `json:"measurements,omitempty"`
}

func (RemoteDependencyData) EnvelopeName() string {
	return "Microsoft.ApplicationInsights.RemoteDependency"
}
func (RemoteDependencyData) BaseType() string { return "RemoteDependencyData" }

// FormatDuration renders a duration the way the ingestion endpoint expects:
// hh:mm:ss.fff, with a day count prefix when the duration exceeds a day.
// Negative durations render as zero.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	parts := make([]int64, 0, 4)
	for _, multiplier := range []int64{1000, 60, 60, 24} {
		parts = append(parts, ms%multiplier)
		ms /= multiplier
	}
	formatted := fmt.Sprintf("%02d:%02d:%02d.%03d", parts[3], parts[2], parts[1], parts[0])
	if ms > 0 {
		formatted = fmt.Sprintf("%d.%s", ms, formatted)
	}
	return formatted
}

// FormatTime renders an event timestamp for the StartTime envelope fields.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}
