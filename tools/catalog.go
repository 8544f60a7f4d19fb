/*
Package tools describes the backend tools whose progress the assistant
streams to the client.

Each tool kind has a running title shown while the backend works on it and a
finished title shown once its result arrives. The catalogue also knows which
kinds belong to the data-scan pipeline, so scan streams can reject events for
tools that only the conversation agent runs.
*/
package tools

import "strings"

// Kind identifies a backend tool. Within one message at most one tool call
// exists per kind.
type Kind string

// Conversation agent tools.
const (
	SearchRelevantIndices Kind = "search_relevant_indices"
	SearchRelevantModels  Kind = "search_relevant_models"
	GetModelDetails       Kind = "get_model_details"
	PrepareFile           Kind = "tool_prepare_file"
	GenerateProfile       Kind = "tool_generate_profile"
)

// Data-scan pipeline tools.
const (
	DetectFormat      Kind = "tool_detect_format"
	AnalyzeRaster     Kind = "tool_analyze_raster"
	AnalyzeVector     Kind = "tool_analyze_vector"
	AnalyzeTable      Kind = "tool_analyze_table"
	AnalyzeTimeseries Kind = "tool_analyze_timeseries"
	AnalyzeParameter  Kind = "tool_analyze_parameter"
)

// Descriptor holds the display metadata of a tool kind.
type Descriptor struct {
	Kind          Kind
	RunningTitle  string
	FinishedTitle string
	Scan          bool
}

var catalogue = map[Kind]Descriptor{
	SearchRelevantIndices: {SearchRelevantIndices, "Searching relevant indices...", "Relevant indices found", false},
	SearchRelevantModels:  {SearchRelevantModels, "Searching relevant models...", "Candidate models found", false},
	GetModelDetails:       {GetModelDetails, "Fetching model details...", "Model recommendation ready", false},
	PrepareFile:           {PrepareFile, "Preparing data file...", "Data file prepared", false},
	GenerateProfile:       {GenerateProfile, "Generating data profile...", "Data profile generated", false},

	DetectFormat:      {DetectFormat, "Detecting data format...", "Data format detected", true},
	AnalyzeRaster:     {AnalyzeRaster, "Analyzing raster data...", "Raster analysis complete", true},
	AnalyzeVector:     {AnalyzeVector, "Analyzing vector data...", "Vector analysis complete", true},
	AnalyzeTable:      {AnalyzeTable, "Analyzing tabular data...", "Table analysis complete", true},
	AnalyzeTimeseries: {AnalyzeTimeseries, "Analyzing time series...", "Time series analysis complete", true},
	AnalyzeParameter:  {AnalyzeParameter, "Analyzing parameters...", "Parameter analysis complete", true},
}

// Lookup returns the descriptor of a kind. Kinds the catalogue does not know
// get generic titles derived from their name, so a backend that adds a tool
// does not break the timeline.
func Lookup(kind Kind) Descriptor {
	if d, ok := catalogue[kind]; ok {
		return d
	}
	label := humanize(kind)
	return Descriptor{
		Kind:          kind,
		RunningTitle:  "Running " + label + "...",
		FinishedTitle: label + " finished",
	}
}

// Known reports whether the catalogue has an entry for kind.
func Known(kind Kind) bool {
	_, ok := catalogue[kind]
	return ok
}

// RunningTitle is the title of a tool call that has started.
func RunningTitle(kind Kind) string {
	return Lookup(kind).RunningTitle
}

// FinishedTitle is the title of a tool call whose result arrived.
func FinishedTitle(kind Kind) string {
	return Lookup(kind).FinishedTitle
}

// IsScan reports whether kind belongs to the data-scan pipeline.
func IsScan(kind Kind) bool {
	return catalogue[kind].Scan
}

// ScanKinds lists the data-scan tools in pipeline order.
func ScanKinds() []Kind {
	return []Kind{DetectFormat, AnalyzeRaster, AnalyzeVector, AnalyzeTable, AnalyzeTimeseries, AnalyzeParameter}
}

func humanize(kind Kind) string {
	name := strings.TrimPrefix(string(kind), "tool_")
	name = strings.ReplaceAll(name, "_", " ")
	if name == "" {
		return "Tool"
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
