package injection

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/BaSui01/taskflow/types"
)

// Segment is one dotted component of a path expression.
type Segment struct {
	Field    string
	Index    int
	Indexed  bool
	Wildcard bool
}

// String renders the segment back to its source form.
func (s Segment) String() string {
	switch {
	case s.Wildcard:
		return s.Field + "[*]"
	case s.Indexed:
		return s.Field + "[" + strconv.Itoa(s.Index) + "]"
	default:
		return s.Field
	}
}

// Path is a parsed path expression.
type Path struct {
	Raw      string
	TaskID   string
	Segments []Segment
}

// String returns the original expression.
func (p *Path) String() string {
	return p.Raw
}

// Parse parses a path expression such as "task_a.users[0].name".
func Parse(expr string) (*Path, error) {
	raw := strings.TrimSpace(expr)
	parts := strings.Split(raw, ".")
	if len(parts) < 2 {
		return nil, types.Errorf(types.ErrValidation, "path expression %q: want task_id.field", expr)
	}
	if parts[0] == "" || strings.ContainsAny(parts[0], "[]*") {
		return nil, types.Errorf(types.ErrValidation, "path expression %q: invalid task id", expr)
	}

	p := &Path{Raw: raw, TaskID: parts[0], Segments: make([]Segment, 0, len(parts)-1)}
	for _, part := range parts[1:] {
		seg, err := parseSegment(part)
		if err != nil {
			return nil, types.Errorf(types.ErrValidation, "path expression %q: %v", expr, err)
		}
		p.Segments = append(p.Segments, seg)
	}
	return p, nil
}

func parseSegment(part string) (Segment, error) {
	open := strings.IndexByte(part, '[')
	if open < 0 {
		if part == "" || strings.ContainsAny(part, "]*") {
			return Segment{}, fmt.Errorf("invalid segment %q", part)
		}
		return Segment{Field: part}, nil
	}

	field := part[:open]
	if field == "" {
		return Segment{}, fmt.Errorf("segment %q has no field name", part)
	}
	if !strings.HasSuffix(part, "]") || strings.Count(part, "[") != 1 {
		return Segment{}, fmt.Errorf("segment %q has malformed index", part)
	}
	idx := part[open+1 : len(part)-1]
	if idx == "*" {
		return Segment{Field: field, Wildcard: true}, nil
	}
	if idx == "" {
		return Segment{}, fmt.Errorf("segment %q has empty index", part)
	}
	for _, r := range idx {
		if r < '0' || r > '9' {
			return Segment{}, fmt.Errorf("segment %q index must be digits or *", part)
		}
	}
	n, err := strconv.Atoi(idx)
	if err != nil {
		return Segment{}, fmt.Errorf("segment %q index: %w", part, err)
	}
	return Segment{Field: field, Index: n, Indexed: true}, nil
}
