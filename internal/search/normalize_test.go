package search

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"lowercases", "Invoice", "invoice"},
		{"strips diacritics", "Cà Phê Sữa", "ca phe sua"},
		{"mixed accents", "résumé Émilie", "resume emilie"},
		{"collapses whitespace", "  hóa   đơn \t tháng ", "hoa đon thang"},
		{"empty", "", ""},
		{"only spaces", "   ", ""},
		{"digits untouched", "Q3 2025", "q3 2025"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.input); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSearchableTextCombinesAllFields(t *testing.T) {
	event := &Event{
		Content:          "see attachment",
		ConversationName: "Đội Dự Án",
		AttachmentNames:  []string{"Invoice-Q3.pdf", "Notes.TXT"},
	}
	got := event.SearchableText()
	want := "see attachment đoi du an invoice-q3.pdf notes.txt"
	if got != want {
		t.Errorf("SearchableText() = %q, want %q", got, want)
	}
}

func TestFiltersEmpty(t *testing.T) {
	var f *Filters
	if !f.Empty() {
		t.Error("nil filters should be empty")
	}
	if !(&Filters{}).Empty() {
		t.Error("zero filters should be empty")
	}
	if (&Filters{SenderID: "u1"}).Empty() {
		t.Error("filters with sender should not be empty")
	}
}
