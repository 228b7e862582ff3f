package dictionary

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	internalErrors "github.com/bastiangx/entityserve/internal/errors"
)

const (
	// fieldSep separates fields inside an alias header or an entity block
	fieldSep = "\x01"
	// blockSep separates the alias header from each entity block
	blockSep = "\t"

	aliasFields  = 9
	entityFields = 8
)

// ParseRecord parses one build input line:
//
//	alias␁QAF␁QAT␁QAC␁MAF␁MAT␁LAF␁LAT␁numEntities(\tid␁type␁QEF␁QAEF␁MET␁MAET␁LET␁LAET)*
//
// lineNo is only used for error context.
func ParseRecord(line string, lineNo int) (Record, error) {
	line = strings.TrimRight(line, "\r\n")
	blocks := strings.Split(line, blockSep)

	head := strings.Split(blocks[0], fieldSep)
	if len(head) != aliasFields {
		return Record{}, internalErrors.NewMalformedRecordError(lineNo,
			fmt.Sprintf("alias header has %d fields, want %d", len(head), aliasFields))
	}
	if strings.TrimSpace(head[0]) == "" {
		return Record{}, internalErrors.NewMalformedRecordError(lineNo, "empty alias")
	}

	nums, err := parseCounters(head[1:])
	if err != nil {
		return Record{}, internalErrors.NewMalformedRecordError(lineNo, "alias header: "+err.Error())
	}
	rec := Record{
		Alias:        head[0],
		QueryFreq:    nums[0],
		QueryTotal:   nums[1],
		QueryClicked: nums[2],
		MentionFreq:  nums[3],
		MentionTotal: nums[4],
		LinkFreq:     nums[5],
		LinkTotal:    nums[6],
	}

	numEntities := nums[7]
	if numEntities != uint64(len(blocks)-1) {
		return Record{}, internalErrors.NewMalformedRecordError(lineNo,
			fmt.Sprintf("header declares %d entities, line has %d", numEntities, len(blocks)-1))
	}

	rec.Candidates = make([]Entity, 0, len(blocks)-1)
	for i, block := range blocks[1:] {
		fields := strings.Split(block, fieldSep)
		if len(fields) != entityFields {
			return Record{}, internalErrors.NewMalformedRecordError(lineNo,
				fmt.Sprintf("entity block %d has %d fields, want %d", i, len(fields), entityFields))
		}
		v, err := parseCounters(fields)
		if err != nil {
			return Record{}, internalErrors.NewMalformedRecordError(lineNo,
				fmt.Sprintf("entity block %d: %v", i, err))
		}
		if v[0] > math.MaxUint32 || v[1] > math.MaxUint32 {
			return Record{}, internalErrors.NewMalformedRecordError(lineNo,
				fmt.Sprintf("entity block %d: id or type does not fit 32 bits", i))
		}
		rec.Candidates = append(rec.Candidates, Entity{
			ID:           uint32(v[0]),
			Type:         uint32(v[1]),
			ClickFreq:    v[2],
			QueryClicks:  v[3],
			MentionFreq:  v[4],
			MentionCount: v[5],
			LinkFreq:     v[6],
			LinkCount:    v[7],
		})
	}
	return rec, nil
}

func parseCounters(fields []string) ([]uint64, error) {
	out := make([]uint64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseUint(strings.TrimSpace(f), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("field %d %q is not a counter", i+1, f)
		}
		out[i] = v
	}
	return out, nil
}

// ParseNameLine parses one `id\tname` line of the names file.
func ParseNameLine(line string, lineNo int) (uint32, string, error) {
	line = strings.TrimRight(line, "\r\n")
	idText, name, ok := strings.Cut(line, "\t")
	if !ok {
		return 0, "", internalErrors.NewMalformedRecordError(lineNo, "name line has no tab")
	}
	id, err := strconv.ParseUint(strings.TrimSpace(idText), 10, 32)
	if err != nil {
		return 0, "", internalErrors.NewMalformedRecordError(lineNo, fmt.Sprintf("bad entity id %q", idText))
	}
	return uint32(id), name, nil
}
