package models

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/kacperjurak/goretro"
)

// Table kinds accepted in TableFile.Kind.
const (
	TableAnalytic = "analytic"
	TableBinned   = "binned"
)

// EventFile is the JSON representation of one event.
type EventFile struct {
	ID          string                `json:"id"`
	WindowStart float64               `json:"window_start"`
	WindowEnd   float64               `json:"window_end"`
	Sensors     []goretro.SensorState `json:"sensors"`
	Hits        []goretro.Hit         `json:"hits"`
}

// Event validates the file contents and builds the event.
func (f *EventFile) Event() (*goretro.Event, error) {
	return goretro.NewEvent(f.ID, f.Hits, f.Sensors, f.WindowStart, f.WindowEnd)
}

// BinnedData is the photon-density table of a binned table file.
type BinnedData struct {
	Radius  []float64   `json:"radius"`
	Residue []float64   `json:"residue"`
	Density [][]float64 `json:"density"`
}

// TableFile is the JSON representation of the detector geometry and the
// photon tables.
type TableFile struct {
	Kind     string                   `json:"kind"`
	Sensors  []goretro.SensorGeometry `json:"sensors"`
	Analytic *goretro.AnalyticParams  `json:"analytic,omitempty"`
	Binned   *BinnedData              `json:"binned,omitempty"`
}

// Build constructs the table over the sensors for which keep returns true.
// A nil keep keeps every sensor.
func (f *TableFile) Build(keep func(id int) bool) (goretro.Table, error) {
	sensors := make([]goretro.SensorGeometry, 0, len(f.Sensors))
	for _, s := range f.Sensors {
		if keep == nil || keep(s.ID) {
			sensors = append(sensors, s)
		}
	}

	switch f.Kind {
	case TableAnalytic, "":
		params := goretro.DefaultAnalyticParams()
		if f.Analytic != nil {
			params = *f.Analytic
		}
		return goretro.NewAnalyticTable(sensors, params)
	case TableBinned:
		if f.Binned == nil {
			return nil, fmt.Errorf("binned table file has no binned section")
		}
		return goretro.NewBinnedTable(sensors, f.Binned.Radius, f.Binned.Residue, f.Binned.Density)
	}
	return nil, fmt.Errorf("unknown table kind %q", f.Kind)
}

// LoadEventFile reads an event from a JSON file.
func LoadEventFile(path string) (*EventFile, error) {
	var f EventFile
	if err := loadJSON(path, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// LoadTableFile reads geometry and tables from a JSON file.
func LoadTableFile(path string) (*TableFile, error) {
	var f TableFile
	if err := loadJSON(path, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func loadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// WorkItem is one minimization start of an event.
type WorkItem struct {
	ID        int
	EventID   string
	Start     []float64
	Seed      uint64
	StartTime time.Time
}

// WorkResult is the outcome of one WorkItem.
type WorkResult struct {
	ID             int
	EventID        string
	Minimum        goretro.Minimum
	Err            error
	ProcessingTime time.Duration
	Success        bool
}

// RecoRequest is the body of a reconstruction request.
type RecoRequest struct {
	Event EventFile `json:"event"`
	Table TableFile `json:"table"`
}

// WebhookPayload is posted to the webhook for every finished request.
type WebhookPayload struct {
	ID     string          `json:"id"`
	Time   string          `json:"time"`
	Error  string          `json:"error,omitempty"`
	Result *goretro.Result `json:"result,omitempty"`
}
