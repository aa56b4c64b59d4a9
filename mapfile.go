package ntfsrescue

import (
	"bufio"
	"errors"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/dsoprea/go-logging"
)

const (
	// MapfileStatusFinished marks a region that the imaging tool read
	// successfully. Only these become safe regions.
	MapfileStatusFinished = '+'
)

var (
	// ErrMapfileMalformed indicates that a map-file line did not have the
	// expected shape.
	ErrMapfileMalformed = errors.New("map-file line malformed")
)

var (
	mapfileHexPattern = regexp.MustCompile(`^0[xX][0-9a-fA-F]+$`)
)

var (
	mapfileLogger = log.NewLogger("ntfsrescue.mapfile")
)

// MapfileEntry is one data line of the imaging tool's map file: a byte region
// of the image and the status it was left in.
type MapfileEntry struct {
	Position uint64
	Size     uint64
	Status   byte
}

// ParseMapfile reads a ddrescue-style map file: comment lines, then one
// header line ("pos status pass"), then data lines ("pos size status").
func ParseMapfile(r io.Reader) (entries []MapfileEntry, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	entries = make([]MapfileEntry, 0)

	s := bufio.NewScanner(r)

	lineNumber := 0
	sawHeader := false

	for s.Scan() {
		lineNumber++

		line := strings.TrimSpace(s.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)

		if len(fields) != 3 {
			mapfileLogger.Errorf(nil, nil, "Line (%d) has (%d) fields; expected three.", lineNumber, len(fields))
			return nil, ErrMapfileMalformed
		}

		if sawHeader == false {
			// Header line: current position, current status, pass number. We
			// only validate it; the walk does not use it.

			if mapfileHexPattern.MatchString(fields[0]) != true {
				mapfileLogger.Errorf(nil, nil, "Header position [%s] at line (%d) not hexadecimal.", fields[0], lineNumber)
				return nil, ErrMapfileMalformed
			}

			if len(fields[1]) != 1 {
				mapfileLogger.Errorf(nil, nil, "Header status [%s] at line (%d) not a single character.", fields[1], lineNumber)
				return nil, ErrMapfileMalformed
			}

			if len(fields[2]) != 1 || fields[2][0] < '0' || fields[2][0] > '9' {
				mapfileLogger.Errorf(nil, nil, "Header pass [%s] at line (%d) not a single digit.", fields[2], lineNumber)
				return nil, ErrMapfileMalformed
			}

			sawHeader = true

			continue
		}

		if mapfileHexPattern.MatchString(fields[0]) != true {
			mapfileLogger.Errorf(nil, nil, "Position [%s] at line (%d) not hexadecimal.", fields[0], lineNumber)
			return nil, ErrMapfileMalformed
		} else if mapfileHexPattern.MatchString(fields[1]) != true {
			mapfileLogger.Errorf(nil, nil, "Size [%s] at line (%d) not hexadecimal.", fields[1], lineNumber)
			return nil, ErrMapfileMalformed
		} else if len(fields[2]) != 1 {
			mapfileLogger.Errorf(nil, nil, "Status [%s] at line (%d) not a single character.", fields[2], lineNumber)
			return nil, ErrMapfileMalformed
		}

		position, err := strconv.ParseUint(fields[0], 0, 64)
		log.PanicIf(err)

		size, err := strconv.ParseUint(fields[1], 0, 64)
		log.PanicIf(err)

		me := MapfileEntry{
			Position: position,
			Size:     size,
			Status:   fields[2][0],
		}

		entries = append(entries, me)
	}

	err = s.Err()
	log.PanicIf(err)

	return entries, nil
}

// LoadSafeRegionsFromMapfile parses the given map file and builds a
// SafeRegionIndex from the regions that were read successfully.
func LoadSafeRegionsFromMapfile(filepath string) (sri *SafeRegionIndex, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	f, err := os.Open(filepath)
	log.PanicIf(err)

	defer f.Close()

	entries, err := ParseMapfile(f)
	log.PanicIf(err)

	sri = NewSafeRegionIndex()

	for _, me := range entries {
		if me.Status == MapfileStatusFinished {
			sri.Add(me.Position, me.Size)
		}
	}

	return sri, nil
}
