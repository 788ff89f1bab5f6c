package ids

import (
	"encoding/json"
	"testing"
)

func TestParseRoundTrip(t *testing.T) {
	var want ID
	for i := range want {
		want[i] = byte(i)
	}
	got, err := Parse(want.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %v want %v", got, want)
	}
}

func TestLinkWildcardMatches(t *testing.T) {
	local := ID{1}
	remote := ID{2}
	node := ID{3}

	wildcard := Link{Local: local, Remote: remote}
	concrete := Link{Local: local, Remote: remote, Node: node}

	if !wildcard.Matches(concrete) {
		t.Fatal("wildcard link should match concrete link for same contacts")
	}
	if !concrete.Matches(wildcard) {
		t.Fatal("match should be symmetric")
	}

	other := Link{Local: local, Remote: ID{9}, Node: node}
	if concrete.Matches(other) {
		t.Fatal("links with different remote contacts must not match")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	var want ID
	for i := range want {
		want[i] = byte(i * 3)
	}
	data, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got ID
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != want {
		t.Fatalf("JSON round trip mismatch: got %v want %v", got, want)
	}
}

func TestDistanceAndLess(t *testing.T) {
	a := ID{0x01}
	b := ID{0x02}
	d := Distance(a, b)
	if d[0] != 0x03 {
		t.Fatalf("expected xor distance 0x03, got %x", d[0])
	}
	if !Less(a, b) {
		t.Fatal("expected a < b under big-endian byte ordering")
	}
}
