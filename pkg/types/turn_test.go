package types

import "testing"

func TestCompactionSpan_Len(t *testing.T) {
	tests := []struct {
		name string
		span CompactionSpan
		want int
	}{
		{name: "normal", span: CompactionSpan{Start: 0, End: 5}, want: 5},
		{name: "empty", span: CompactionSpan{Start: 3, End: 3}, want: 0},
		{name: "inverted", span: CompactionSpan{Start: 5, End: 3}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.span.Len(); got != tt.want {
				t.Errorf("Len() = %d, want %d", got, tt.want)
			}
			if tt.span.IsEmpty() != (tt.want == 0) {
				t.Errorf("IsEmpty() = %v", tt.span.IsEmpty())
			}
		})
	}
}

func TestCompactionSpan_Overlaps(t *testing.T) {
	a := CompactionSpan{Module: "m", Start: 0, End: 10}

	tests := []struct {
		name  string
		other CompactionSpan
		want  bool
	}{
		{name: "adjacent", other: CompactionSpan{Module: "m", Start: 10, End: 25}, want: false},
		{name: "intersecting", other: CompactionSpan{Module: "m", Start: 9, End: 12}, want: true},
		{name: "contained", other: CompactionSpan{Module: "m", Start: 2, End: 3}, want: true},
		{name: "other module", other: CompactionSpan{Module: "n", Start: 0, End: 10}, want: false},
		{name: "empty", other: CompactionSpan{Module: "m", Start: 4, End: 4}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := a.Overlaps(tt.other); got != tt.want {
				t.Errorf("Overlaps() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewTransitionMarker(t *testing.T) {
	m := NewTransitionMarker("keep", "marsh", "gate")

	if !m.IsTransitionMarker() {
		t.Fatal("expected a transition marker")
	}
	if !m.LeavesModule("keep") {
		t.Error("marker should leave keep")
	}
	if m.LeavesModule("marsh") {
		t.Error("marker should not leave marsh")
	}
	if m.Content != "Module transition: keep to marsh" {
		t.Errorf("Content = %q", m.Content)
	}
}

func TestSummaryArtifact_Text(t *testing.T) {
	var nilArtifact *SummaryArtifact
	if nilArtifact.Text() != "" {
		t.Error("nil artifact should have empty text")
	}

	loc := &SummaryArtifact{Tier: TierLocation, Location: &LocationSummary{Text: "loc"}}
	if loc.Text() != "loc" {
		t.Errorf("Text() = %q, want loc", loc.Text())
	}

	chr := &SummaryArtifact{Tier: TierChronicle, Chronicle: &Chronicle{Text: "chr"}}
	if chr.Text() != "chr" {
		t.Errorf("Text() = %q, want chr", chr.Text())
	}
}
