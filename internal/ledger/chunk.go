package ledger

import (
	"encoding/json"
	"strconv"
	"strings"

	"ddlbot/internal/item"
)

// chunkIDs splits ids into consecutive runs of at most size.
func chunkIDs(ids []string, size int) [][]string {
	if len(ids) == 0 {
		return nil
	}
	if size <= 0 {
		size = DefaultChunkSize
	}
	out := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		out = append(out, ids[start:min(start+size, len(ids))])
	}
	return out
}

func courseJSON(ci *item.CourseInfo) string {
	if ci == nil {
		return ""
	}
	b, err := json.Marshal(ci)
	if err != nil {
		return ""
	}
	return string(b)
}

// valuesList renders "(?,?,...),(?,?,...)" for rows*cols placeholders.
// When dollar is true the placeholders are numbered $1..$n instead.
func valuesList(rows, cols int, dollar bool) string {
	var b strings.Builder
	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				b.WriteByte(',')
			}
			if dollar {
				b.WriteByte('$')
				b.WriteString(strconv.Itoa(n))
			} else {
				b.WriteByte('?')
			}
			n++
		}
		b.WriteByte(')')
	}
	return b.String()
}

const insertColumns = 10

// rowArgs flattens entries in insert column order.
func rowArgs(entries []Entry) []any {
	args := make([]any, 0, len(entries)*insertColumns)
	for _, e := range entries {
		args = append(args,
			e.ActivityID,
			e.ActivityName,
			e.Type,
			e.EndTime,
			e.AssignmentType,
			e.EvaluationStatus,
			e.IsOpenEvaluation,
			nullStr(e.CourseInfo),
			nullStr(e.Description),
			nullStr(e.StartTime),
		)
	}
	return args
}

func entriesOf(items item.Set) []Entry {
	out := make([]Entry, 0, len(items))
	for _, it := range items {
		out = append(out, entryOf(it))
	}
	return out
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
