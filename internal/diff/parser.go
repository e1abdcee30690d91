// Package diff turns the HTML diff fragments embedded in record activity into
// structured change entries.
//
// Parsing is pure: the same fragment and metadata always produce the same
// Result, and nothing outside the returned value is touched.
package diff

import (
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/revision-crawler/internal/crawler"
)

// Outcome tags the variant held by a Result.
type Outcome int

const (
	// Parsed means Result.Entry holds a change.
	Parsed Outcome = iota
	// Skipped means the fragment describes a column type that is not tracked.
	Skipped
	// ParseFailure means the fragment could not be interpreted.
	ParseFailure
)

func (o Outcome) String() string {
	switch o {
	case Parsed:
		return "parsed"
	case Skipped:
		return "skipped"
	case ParseFailure:
		return "parse_failure"
	default:
		return "unknown"
	}
}

// Result is the tagged outcome of parsing one fragment.
type Result struct {
	Outcome Outcome
	Entry   crawler.ChangeEntry
	Reason  string
}

// Meta carries the activity metadata that does not live in the fragment.
type Meta struct {
	ActivityID        string
	RecordID          string
	OriginatingUserID string
	Timestamp         time.Time
	// Users maps user ids to display names.
	Users map[string]string
}

// Selectors locate the pieces of a diff fragment.
type Selectors struct {
	Cell           string
	ColumnTypeAttr string
	Removed        string
	Added          string
}

// DefaultSelectors match the markup served by the activity endpoint.
func DefaultSelectors() Selectors {
	return Selectors{
		Cell:           ".historicalCellValue",
		ColumnTypeAttr: "data-columntype",
		Removed:        ".colors-background-negative",
		Added:          ".colors-background-success",
	}
}

// DefaultTrackedTypes lists the column types recorded in change logs.
var DefaultTrackedTypes = []string{"collaborator", "select"}

// Parser extracts change entries from diff fragments.
type Parser struct {
	selectors Selectors
	tracked   map[string]struct{}
}

// New builds a Parser. Empty arguments fall back to the defaults.
func New(selectors Selectors, trackedTypes []string) *Parser {
	defaults := DefaultSelectors()
	if selectors.Cell == "" {
		selectors.Cell = defaults.Cell
	}
	if selectors.ColumnTypeAttr == "" {
		selectors.ColumnTypeAttr = defaults.ColumnTypeAttr
	}
	if selectors.Removed == "" {
		selectors.Removed = defaults.Removed
	}
	if selectors.Added == "" {
		selectors.Added = defaults.Added
	}
	if len(trackedTypes) == 0 {
		trackedTypes = DefaultTrackedTypes
	}
	tracked := make(map[string]struct{}, len(trackedTypes))
	for _, typ := range trackedTypes {
		tracked[strings.ToLower(strings.TrimSpace(typ))] = struct{}{}
	}
	return &Parser{selectors: selectors, tracked: tracked}
}

// Parse interprets one fragment.
func (p *Parser) Parse(fragment string, meta Meta) Result {
	if strings.TrimSpace(fragment) == "" {
		return Result{Outcome: ParseFailure, Reason: "empty fragment"}
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return Result{Outcome: ParseFailure, Reason: err.Error()}
	}

	cell := doc.Find(p.selectors.Cell).First()
	if cell.Length() == 0 {
		cell = doc.Find("[" + p.selectors.ColumnTypeAttr + "]").First()
	}
	if cell.Length() == 0 {
		return Result{Outcome: ParseFailure, Reason: "no diff cell"}
	}
	columnType, ok := cell.Attr(p.selectors.ColumnTypeAttr)
	columnType = strings.TrimSpace(columnType)
	if !ok || columnType == "" {
		return Result{Outcome: ParseFailure, Reason: "diff cell has no column type"}
	}
	if _, tracked := p.tracked[strings.ToLower(columnType)]; !tracked {
		return Result{Outcome: Skipped, Reason: "untracked column type " + columnType}
	}

	oldValue := joinText(cell.Find(p.selectors.Removed))
	newValue := joinText(cell.Find(p.selectors.Added))
	if oldValue == nil && newValue == nil {
		newValue = trimmed(cell.Text())
	}
	if oldValue == nil && newValue == nil {
		return Result{Outcome: ParseFailure, Reason: "diff cell is empty"}
	}

	return Result{
		Outcome: Parsed,
		Entry: crawler.ChangeEntry{
			UUID:       meta.ActivityID,
			RecordID:   meta.RecordID,
			ColumnType: columnType,
			OldValue:   oldValue,
			NewValue:   newValue,
			OccurredAt: meta.Timestamp,
			Author:     author(meta),
		},
	}
}

func author(meta Meta) string {
	if name := strings.TrimSpace(meta.Users[meta.OriginatingUserID]); name != "" {
		return name
	}
	return meta.OriginatingUserID
}

// joinText collects the trimmed text of every matched marker. Collaborator
// diffs can list several people in one marker region.
func joinText(sel *goquery.Selection) *string {
	var parts []string
	sel.Each(func(_ int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" {
			parts = append(parts, text)
		}
	})
	if len(parts) == 0 {
		return nil
	}
	joined := strings.Join(parts, ", ")
	return &joined
}

func trimmed(text string) *string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return &text
}
