package ntfsrescue

import (
	"bytes"
	"testing"

	"github.com/dsoprea/go-logging"
)

const testMapfileContent = `# Mapfile. Created by GNU ddrescue version 1.23
# Command line: ddrescue /dev/sdc disc dump.log
# Start time:   2018-06-01 20:14:19
0x00000000     +               1
0x00000000  0x00010000  +
0x00010000  0x00000400  -
0x00010400  0x00005c00  +
0x00016000  0x00000400  *
`

func TestParseMapfile(t *testing.T) {
	entries, err := ParseMapfile(bytes.NewBufferString(testMapfileContent))
	log.PanicIf(err)

	if len(entries) != 4 {
		t.Fatalf("Entry count not correct: (%d)", len(entries))
	}

	expected := []MapfileEntry{
		{Position: 0x00000000, Size: 0x00010000, Status: '+'},
		{Position: 0x00010000, Size: 0x00000400, Status: '-'},
		{Position: 0x00010400, Size: 0x00005c00, Status: '+'},
		{Position: 0x00016000, Size: 0x00000400, Status: '*'},
	}

	for i, me := range expected {
		if entries[i] != me {
			t.Fatalf("Entry (%d) not correct: %v", i, entries[i])
		}
	}
}

func TestParseMapfile_Malformed(t *testing.T) {
	_, err := ParseMapfile(bytes.NewBufferString("0x0 + 1\n0x100 nothex +\n"))
	if err != ErrMapfileMalformed {
		t.Fatalf("Malformed line not rejected: %v", err)
	}

	_, err = ParseMapfile(bytes.NewBufferString("0x0 + 1\n0x100 0x200\n"))
	if err != ErrMapfileMalformed {
		t.Fatalf("Short line not rejected: %v", err)
	}
}

func TestParseMapfile_OnlyFinishedBecomeSafe(t *testing.T) {
	entries, err := ParseMapfile(bytes.NewBufferString(testMapfileContent))
	log.PanicIf(err)

	sri := NewSafeRegionIndex()

	for _, me := range entries {
		if me.Status == MapfileStatusFinished {
			sri.Add(me.Position, me.Size)
		}
	}

	if sri.Count() != 2 {
		t.Fatalf("Safe-region count not correct: (%d)", sri.Count())
	}

	if sri.IsByteRangeSafe(0x10000, 0x400) == true {
		t.Fatalf("Unread region reported safe.")
	}

	if sri.IsByteRangeSafe(0x10400, 0x5c00) != true {
		t.Fatalf("Read region not safe.")
	}
}
