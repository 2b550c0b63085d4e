package audittrail

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/archivum-labs/retentio/pkg/canonicalize"
)

// ExportFormat selects the flat serialization of an export.
type ExportFormat string

const (
	FormatJSON ExportFormat = "json"
	FormatCSV  ExportFormat = "csv"
	FormatXML  ExportFormat = "xml"
)

// Exporter produces compliance exports of audit entries. Every field is
// preserved, including the integrity hash, so exported records remain
// independently verifiable.
type Exporter struct {
	trail *Trail
}

// NewExporter creates an Exporter over the trail.
func NewExporter(t *Trail) *Exporter {
	return &Exporter{trail: t}
}

// Export serializes all entries matching the filter in the given format.
func (e *Exporter) Export(ctx context.Context, f Filter, format ExportFormat) ([]byte, error) {
	entries, err := e.collect(ctx, f)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatJSON:
		return json.MarshalIndent(entries, "", "  ")
	case FormatCSV:
		return marshalCSV(entries)
	case FormatXML:
		return marshalXML(entries)
	default:
		return nil, fmt.Errorf("audittrail: unknown export format %q", format)
	}
}

func (e *Exporter) collect(ctx context.Context, f Filter) ([]*Entry, error) {
	const page = 500
	f.Limit = page
	var all []*Entry
	for {
		entries, _, err := e.trail.Query(ctx, f)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
		if len(entries) < page {
			return all, nil
		}
		f.Offset += page
	}
}

var csvHeader = []string{
	"id", "process_id", "action_type", "prior_state", "new_state",
	"description", "data", "occurred_at", "actor", "ip", "user_agent", "hash",
}

func marshalCSV(entries []*Entry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, e := range entries {
		data := ""
		if e.Data != nil {
			raw, err := json.Marshal(e.Data)
			if err != nil {
				return nil, fmt.Errorf("audittrail: entry %s data: %w", e.ID, err)
			}
			data = string(raw)
		}
		record := []string{
			e.ID, e.ProcessID, string(e.ActionType), e.PriorState, e.NewState,
			e.Description, data, e.OccurredAt.UTC().Format(time.RFC3339Nano),
			e.Actor, e.IP, e.UserAgent, e.Hash,
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// xmlEntry mirrors Entry with XML-friendly data encoding.
type xmlEntry struct {
	ID          string `xml:"id"`
	ProcessID   string `xml:"process_id,omitempty"`
	ActionType  string `xml:"action_type"`
	PriorState  string `xml:"prior_state,omitempty"`
	NewState    string `xml:"new_state,omitempty"`
	Description string `xml:"description"`
	Data        string `xml:"data,omitempty"`
	OccurredAt  string `xml:"occurred_at"`
	Actor       string `xml:"actor"`
	IP          string `xml:"ip,omitempty"`
	UserAgent   string `xml:"user_agent,omitempty"`
	Hash        string `xml:"hash"`
}

type xmlDocument struct {
	XMLName xml.Name   `xml:"audit_trail"`
	Count   int        `xml:"count,attr"`
	Entries []xmlEntry `xml:"entry"`
}

func marshalXML(entries []*Entry) ([]byte, error) {
	doc := xmlDocument{Count: len(entries)}
	for _, e := range entries {
		data := ""
		if e.Data != nil {
			raw, err := json.Marshal(e.Data)
			if err != nil {
				return nil, fmt.Errorf("audittrail: entry %s data: %w", e.ID, err)
			}
			data = string(raw)
		}
		doc.Entries = append(doc.Entries, xmlEntry{
			ID:          e.ID,
			ProcessID:   e.ProcessID,
			ActionType:  string(e.ActionType),
			PriorState:  e.PriorState,
			NewState:    e.NewState,
			Description: e.Description,
			Data:        data,
			OccurredAt:  e.OccurredAt.UTC().Format(time.RFC3339Nano),
			Actor:       e.Actor,
			IP:          e.IP,
			UserAgent:   e.UserAgent,
			Hash:        e.Hash,
		})
	}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}

// EvidencePack is a zip bundle of entries plus a manifest with a checksum,
// suitable for handing to compliance reviewers.
type EvidencePack struct {
	PackID      string `json:"pack_id"`
	GeneratedAt string `json:"generated_at"`
	EntryCount  int    `json:"entry_count"`
	Checksum    string `json:"checksum"`
}

// GeneratePack builds the zip (entries.json + manifest.json) and returns the
// archive bytes together with its SHA-256 checksum.
func (e *Exporter) GeneratePack(ctx context.Context, f Filter) ([]byte, *EvidencePack, error) {
	entries, err := e.collect(ctx, f)
	if err != nil {
		return nil, nil, err
	}
	if len(entries) == 0 {
		return nil, nil, fmt.Errorf("audittrail: no entries match filter")
	}

	eventsJSON, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, nil, err
	}

	pack := &EvidencePack{
		PackID:      uuid.New().String(),
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		EntryCount:  len(entries),
	}
	manifest := map[string]any{
		"pack_id":      pack.PackID,
		"generated_at": pack.GeneratedAt,
		"entry_count":  pack.EntryCount,
		"entries_hash": canonicalize.HashBytes(eventsJSON),
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, nil, err
	}

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	fw, err := w.Create("entries.json")
	if err != nil {
		return nil, nil, err
	}
	_, _ = fw.Write(eventsJSON)
	fw, err = w.Create("manifest.json")
	if err != nil {
		return nil, nil, err
	}
	_, _ = fw.Write(manifestJSON)
	fw, err = w.Create("README.txt")
	if err != nil {
		return nil, nil, err
	}
	_, _ = fmt.Fprintf(fw, "Audit evidence pack %s\n%s entries, generated %s\n",
		pack.PackID, strconv.Itoa(pack.EntryCount), pack.GeneratedAt)
	if err := w.Close(); err != nil {
		return nil, nil, err
	}

	pack.Checksum = canonicalize.HashBytes(buf.Bytes())
	return buf.Bytes(), pack, nil
}
