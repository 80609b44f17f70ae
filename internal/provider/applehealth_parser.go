package provider

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"longevity-sync/internal/domain"
)

// Apple HealthKit export record types
const (
	hkStepCount        = "HKQuantityTypeIdentifierStepCount"
	hkHeartRate        = "HKQuantityTypeIdentifierHeartRate"
	hkRestingHeartRate = "HKQuantityTypeIdentifierRestingHeartRate"
	hkHRVSDNN          = "HKQuantityTypeIdentifierHeartRateVariabilitySDNN"
	hkSleepAnalysis    = "HKCategoryTypeIdentifierSleepAnalysis"
	hkAsleepPrefix     = "HKCategoryValueSleepAnalysisAsleep"
)

const appleDateLayout = "2006-01-02 15:04:05 -0700"

// sleepMergeGap asleep segments closer than this are one night
const sleepMergeGap = time.Hour

// ErrInvalidExport the upload is neither a HealthKit export.xml nor a zip containing one
var ErrInvalidExport = errors.New("invalid Apple Health export")

// ExportFile an uploaded Apple Health export (export.xml or the export zip)
type ExportFile struct {
	Name   string
	Reader io.ReaderAt
	Size   int64
}

// AppleHealthExport parsed content of one export; the window is whatever the file covers
type AppleHealthExport struct {
	Steps     int
	HeartRate HeartRateData
	Sleep     []SleepSession
	HRV       []HRVSample
	Start     time.Time
	End       time.Time
}

type hkRecord struct {
	Type      string `xml:"type,attr"`
	Value     string `xml:"value,attr"`
	StartDate string `xml:"startDate,attr"`
	EndDate   string `xml:"endDate,attr"`
}

// ParseAppleHealthExport reads f, unwrapping the zip layout when needed
func ParseAppleHealthExport(f ExportFile) (*AppleHealthExport, error) {
	if f.Reader == nil || f.Size <= 0 {
		return nil, fmt.Errorf("%w: empty file", ErrInvalidExport)
	}

	magic := make([]byte, 4)
	if _, err := f.Reader.ReadAt(magic, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExport, err)
	}

	if bytes.Equal(magic, []byte("PK\x03\x04")) {
		zr, err := zip.NewReader(f.Reader, f.Size)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidExport, err)
		}
		for _, zf := range zr.File {
			if path.Base(zf.Name) != "export.xml" {
				continue
			}
			rc, err := zf.Open()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidExport, err)
			}
			defer rc.Close()
			return decodeAppleHealthXML(rc)
		}
		return nil, fmt.Errorf("%w: export.xml not found in archive", ErrInvalidExport)
	}

	return decodeAppleHealthXML(io.NewSectionReader(f.Reader, 0, f.Size))
}

func decodeAppleHealthXML(r io.Reader) (*AppleHealthExport, error) {
	dec := xml.NewDecoder(r)
	// exports carry a DOCTYPE with an internal subset
	dec.Strict = false

	out := &AppleHealthExport{}
	var asleep []SleepSession
	sawRoot := false

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidExport, err)
		}

		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "HealthData":
			sawRoot = true
			continue
		case "Record":
		default:
			continue
		}

		var rec hkRecord
		if err := dec.DecodeElement(&rec, &se); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidExport, err)
		}
		start, err := time.Parse(appleDateLayout, rec.StartDate)
		if err != nil {
			continue
		}
		end, err := time.Parse(appleDateLayout, rec.EndDate)
		if err != nil {
			end = start
		}
		start, end = start.UTC(), end.UTC()
		out.extend(start, end)

		switch rec.Type {
		case hkStepCount:
			if v, err := strconv.ParseFloat(rec.Value, 64); err == nil {
				out.Steps += int(v)
			}
		case hkHeartRate:
			if v, err := strconv.ParseFloat(rec.Value, 64); err == nil {
				out.HeartRate.Samples = append(out.HeartRate.Samples, HeartRateSample{Timestamp: start, BPM: v})
			}
		case hkRestingHeartRate:
			if v, err := strconv.ParseFloat(rec.Value, 64); err == nil {
				out.HeartRate.Resting = append(out.HeartRate.Resting, RestingHeartRate{Date: start, BPM: v})
			}
		case hkHRVSDNN:
			if v, err := strconv.ParseFloat(rec.Value, 64); err == nil {
				out.HRV = append(out.HRV, HRVSample{Timestamp: start, HRV: Float64(v)})
			}
		case hkSleepAnalysis:
			if strings.HasPrefix(rec.Value, hkAsleepPrefix) && end.After(start) {
				s, e := start, end
				asleep = append(asleep, SleepSession{Start: &s, End: &e})
			}
		}
	}

	if !sawRoot {
		return nil, fmt.Errorf("%w: missing HealthData element", ErrInvalidExport)
	}
	out.Sleep = mergeSleepSegments(asleep)
	return out, nil
}

func (e *AppleHealthExport) extend(start, end time.Time) {
	if e.Start.IsZero() || start.Before(e.Start) {
		e.Start = start
	}
	if end.After(e.End) {
		e.End = end
	}
}

// mergeSleepSegments joins per-stage asleep segments into nightly sessions
func mergeSleepSegments(segments []SleepSession) []SleepSession {
	if len(segments) == 0 {
		return nil
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].Start.Before(*segments[j].Start) })

	merged := []SleepSession{segments[0]}
	for _, seg := range segments[1:] {
		cur := &merged[len(merged)-1]
		if seg.Start.Sub(*cur.End) <= sleepMergeGap {
			if seg.End.After(*cur.End) {
				cur.End = seg.End
			}
			continue
		}
		merged = append(merged, seg)
	}
	for i := range merged {
		merged[i].Day = truncateDay(*merged[i].End)
	}
	return merged
}

// Window the range covered by the export's records
func (e *AppleHealthExport) Window() Window {
	return Window{Start: e.Start, End: e.End}
}

// appleHealthAdapter serves an already parsed export
type appleHealthAdapter struct {
	export *AppleHealthExport
}

func (a *appleHealthAdapter) Name() domain.Provider { return domain.ProviderAppleHealth }

func (a *appleHealthAdapter) FetchSteps(ctx context.Context, w Window) ([]StepCount, error) {
	return []StepCount{{Count: a.export.Steps}}, nil
}

func (a *appleHealthAdapter) FetchHeartRate(ctx context.Context, w Window) (*HeartRateData, error) {
	hr := a.export.HeartRate
	return &hr, nil
}

func (a *appleHealthAdapter) FetchSleep(ctx context.Context, w Window) ([]SleepSession, error) {
	return a.export.Sleep, nil
}

func (a *appleHealthAdapter) FetchHRV(ctx context.Context, w Window) ([]HRVSample, error) {
	return a.export.HRV, nil
}

func (a *appleHealthAdapter) FetchReadiness(ctx context.Context, w Window) ([]ReadinessDay, error) {
	return nil, ErrUnsupported
}

func (a *appleHealthAdapter) FetchActivity(ctx context.Context, w Window) ([]ActivitySample, error) {
	return nil, ErrUnsupported
}
