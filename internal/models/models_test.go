package models

import (
	"encoding/json"
	"testing"
)

func TestUnixTimeAcceptsNumbersAndStrings(t *testing.T) {
	cases := map[string]UnixTime{
		`17`:       17,
		`17.25`:    17.25,
		`"42"`:     42,
		`" 1.5 "`:  1.5,
		`null`:     0,
		`""`:       0,
	}
	for in, want := range cases {
		var got UnixTime
		if err := json.Unmarshal([]byte(in), &got); err != nil {
			t.Fatalf("unmarshal %s: %v", in, err)
		}
		if got != want {
			t.Fatalf("unmarshal %s: want %v got %v", in, want, got)
		}
	}

	var bad UnixTime
	if err := json.Unmarshal([]byte(`"soon"`), &bad); err == nil {
		t.Fatalf("expected error for non-numeric timestamp")
	}
}

func TestUnixTimeMarshalsWholeSecondsAsInteger(t *testing.T) {
	data, err := json.Marshal(struct {
		A UnixTime `json:"a"`
		B UnixTime `json:"b"`
	}{A: 1700000000, B: 1.5})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"a":1700000000,"b":1.5}` {
		t.Fatalf("unexpected encoding %s", data)
	}
}

func TestConversationItemID(t *testing.T) {
	item := ConversationItem{SortID: ConversationSortKey("abc")}
	if item.ID() != "abc" {
		t.Fatalf("expected id from sort key, got %q", item.ID())
	}
	item.ConversationID = "xyz"
	if item.ID() != "xyz" {
		t.Fatalf("expected explicit id, got %q", item.ID())
	}
}

func TestDisplayTitleFallbacks(t *testing.T) {
	roster := Roster{"7": "Gina"}
	if got := (ConversationItem{Title: "Plans"}).DisplayTitle(roster); got != "Plans" {
		t.Fatalf("got %q", got)
	}
	if got := (ConversationItem{Type: ScopeStudent, StudentIDs: []string{"7"}}).DisplayTitle(roster); got != "Gina Chat" {
		t.Fatalf("got %q", got)
	}
	if got := (ConversationItem{Type: ScopeGeneral}).DisplayTitle(roster); got != "General Chat" {
		t.Fatalf("got %q", got)
	}
}

func TestScopeFor(t *testing.T) {
	if ScopeFor([]string{"1"}) != ScopeStudent {
		t.Fatalf("one student should be student scope")
	}
	if ScopeFor(nil) != ScopeGeneral || ScopeFor([]string{"1", "2"}) != ScopeGeneral {
		t.Fatalf("zero or many students should be general scope")
	}
}
