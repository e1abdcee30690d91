package diff

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/revision-crawler/internal/crawler"
)

var when = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

func meta() Meta {
	return Meta{
		ActivityID:        "act1",
		RecordID:          "rec1",
		OriginatingUserID: "usr1",
		Timestamp:         when,
		Users:             map[string]string{"usr1": "Ada Lovelace"},
	}
}

func TestParseSelectChange(t *testing.T) {
	t.Parallel()

	fragment := `<div class="historicalCellContainer">
  <div class="historicalCellValue" data-columntype="select">
    <div class="colors-background-negative">Red</div>
    <div class="colors-background-success"> Blue </div>
  </div>
</div>`

	got := New(Selectors{}, nil).Parse(fragment, meta())
	require.Equal(t, Parsed, got.Outcome)

	want := crawler.ChangeEntry{
		UUID:       "act1",
		RecordID:   "rec1",
		ColumnType: "select",
		OldValue:   strPtr("Red"),
		NewValue:   strPtr("Blue"),
		OccurredAt: when,
		Author:     "Ada Lovelace",
	}
	if diff := cmp.Diff(want, got.Entry); diff != "" {
		t.Fatalf("entry mismatch (-want +got):\n%s", diff)
	}
}

func TestParseUntrackedTypeIsSkipped(t *testing.T) {
	t.Parallel()

	fragment := `<div class="historicalCellValue" data-columntype="text">
  <span class="colors-background-negative">a</span><span class="colors-background-success">b</span>
</div>`
	got := New(Selectors{}, nil).Parse(fragment, meta())
	require.Equal(t, Skipped, got.Outcome)
	require.Empty(t, got.Entry.UUID)
}

func TestParsePlainTextFallback(t *testing.T) {
	t.Parallel()

	fragment := `<div class="historicalCellValue" data-columntype="select">  Blue </div>`
	got := New(Selectors{}, nil).Parse(fragment, meta())
	require.Equal(t, Parsed, got.Outcome)
	require.Nil(t, got.Entry.OldValue)
	require.Equal(t, "Blue", *got.Entry.NewValue)
}

func TestParseCollaboratorJoinsMarkers(t *testing.T) {
	t.Parallel()

	fragment := `<div class="historicalCellValue" data-columntype="collaborator">
  <span class="colors-background-success">Grace</span>
  <span class="colors-background-success">Linus</span>
</div>`
	got := New(Selectors{}, nil).Parse(fragment, meta())
	require.Equal(t, Parsed, got.Outcome)
	require.Nil(t, got.Entry.OldValue)
	require.Equal(t, "Grace, Linus", *got.Entry.NewValue)
}

func TestParseAuthorFallsBackToUserID(t *testing.T) {
	t.Parallel()

	m := meta()
	m.Users = nil
	got := New(Selectors{}, nil).Parse(`<div class="historicalCellValue" data-columntype="select">x</div>`, m)
	require.Equal(t, "usr1", got.Entry.Author)
}

func TestParseFailures(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"empty":          "   ",
		"no cell":        `<p>nothing to see</p>`,
		"no column type": `<div class="historicalCellValue">x</div>`,
		"empty cell":     `<div class="historicalCellValue" data-columntype="select">  </div>`,
	}
	p := New(Selectors{}, nil)
	for name, fragment := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			got := p.Parse(fragment, meta())
			require.Equal(t, ParseFailure, got.Outcome)
			require.NotEmpty(t, got.Reason)
		})
	}
}

func TestParseCustomTrackedTypes(t *testing.T) {
	t.Parallel()

	p := New(Selectors{}, []string{"Text"})
	got := p.Parse(`<div data-columntype="text"><b class="colors-background-success">hi</b></div>`, meta())
	require.Equal(t, Parsed, got.Outcome)
	require.Equal(t, "hi", *got.Entry.NewValue)

	got = p.Parse(`<div data-columntype="select">Blue</div>`, meta())
	require.Equal(t, Skipped, got.Outcome)
}

func TestParseIsDeterministic(t *testing.T) {
	t.Parallel()

	fragment := `<div class="historicalCellValue" data-columntype="select"><i class="colors-background-negative">A</i></div>`
	p := New(Selectors{}, nil)
	first := p.Parse(fragment, meta())
	second := p.Parse(fragment, meta())
	require.Equal(t, first, second)
	require.Equal(t, "A", *first.Entry.OldValue)
	require.Nil(t, first.Entry.NewValue)
}
