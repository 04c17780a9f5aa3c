package wire

import (
	"errors"
	"reflect"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	lines := []string{
		"105 clear 3 4\n",
		"1 reset\n",
		"-12 ping 0\n",
		"31 synchronize 29\n",
		"900 randomize 8812736123\n",
	}
	for _, line := range lines {
		record, err := Decode(line)
		if err != nil {
			t.Fatalf("Decode(%q): %v", line, err)
		}
		encoded, err := Encode(record)
		if err != nil {
			t.Fatalf("Encode(%+v): %v", record, err)
		}
		if string(encoded) != line {
			t.Fatalf("round trip mismatch: %q -> %q", line, encoded)
		}
	}
}

func TestDecodeFields(t *testing.T) {
	record, err := Decode("105  clear\t3 4\r")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := Record{Frame: 105, Name: "clear", Args: []string{"3", "4"}}
	if !reflect.DeepEqual(record, want) {
		t.Fatalf("expected %+v, got %+v", want, record)
	}
	if record.Reserved() {
		t.Fatalf("clear must not be reserved")
	}
	if !(Record{Name: NamePing}).Reserved() || !IsReserved(NameSynchronize) {
		t.Fatalf("ping and synchronize must be reserved")
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	for _, line := range []string{"", "12", "abc ping 0", "1.5 reset"} {
		if _, err := Decode(line); !errors.Is(err, ErrMalformedRecord) {
			t.Fatalf("Decode(%q): expected ErrMalformedRecord, got %v", line, err)
		}
	}
}

func TestEncodeRejectsInvalidTokens(t *testing.T) {
	cases := []Record{
		{Frame: 1},
		{Frame: 1, Name: "two words"},
		{Frame: 1, Name: "clear", Args: []string{""}},
		{Frame: 1, Name: "clear", Args: []string{"a\nb"}},
	}
	for _, record := range cases {
		if _, err := Encode(record); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("Encode(%+v): expected ErrInvalidToken, got %v", record, err)
		}
	}
}

func TestFramerRetainsPartialLine(t *testing.T) {
	var framer Framer
	framer.Feed([]byte("10 ping 4\n11 cle"))

	records, err := framer.Records()
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(records) != 1 || records[0].Name != "ping" {
		t.Fatalf("expected only the complete ping record, got %+v", records)
	}
	if framer.Buffered() != len("11 cle") {
		t.Fatalf("expected partial line to stay buffered, have %d bytes", framer.Buffered())
	}

	framer.Feed([]byte("ar 3 4\n\n12 reset\n"))
	records, err = framer.Records()
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	want := []Record{
		{Frame: 11, Name: "clear", Args: []string{"3", "4"}},
		{Frame: 12, Name: "reset"},
	}
	if !reflect.DeepEqual(records, want) {
		t.Fatalf("expected %+v, got %+v", want, records)
	}
	if framer.Buffered() != 0 {
		t.Fatalf("expected empty buffer, have %d bytes", framer.Buffered())
	}
}

func TestFramerStopsAtMalformedLine(t *testing.T) {
	var framer Framer
	framer.Feed([]byte("1 reset\nbogus\n2 reset\n"))
	records, err := framer.Records()
	if !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("expected ErrMalformedRecord, got %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected the record before the bad line, got %+v", records)
	}
	framer.Reset()
	if framer.Buffered() != 0 {
		t.Fatalf("expected reset to drop buffered bytes")
	}
}
