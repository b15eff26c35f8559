// Package notecodec serializes and parses Record values in the YAML
// front-matter-plus-markdown-body format stored inside git notes. Git notes
// are append-only in this system (vcsnotes.AppendNote concatenates rather
// than overwrites), so parsing must tolerate a stream of several records
// concatenated one after another, not just a single document.
package notecodec

import (
	"bufio"
	"fmt"
	"strings"
	"time"

	"github.com/adrg/frontmatter"
	"gopkg.in/yaml.v3"

	"github.com/memstore-dev/memstore/internal/memstoreerr"
)

const delimiter = "---"

// Record is one memory as stored in a note: YAML front matter plus a
// markdown body.
type Record struct {
	Type      string    `yaml:"type"`
	Timestamp time.Time `yaml:"timestamp"`
	Summary   string    `yaml:"summary"`
	Spec      string    `yaml:"spec,omitempty"`
	Phase     string    `yaml:"phase,omitempty"`
	Tags      []string  `yaml:"tags,omitempty"`
	Status    string    `yaml:"status,omitempty"`
	RelatesTo []string  `yaml:"relates_to,omitempty"`
	Body      string    `yaml:"-"`
}

// rawFields mirrors Record's front matter for decoding, letting us detect
// missing required keys before time.Time parsing can reject a blank value.
type rawFields struct {
	Type      *string  `yaml:"type"`
	Timestamp *string  `yaml:"timestamp"`
	Summary   *string  `yaml:"summary"`
	Spec      string   `yaml:"spec"`
	Phase     string   `yaml:"phase"`
	Tags      []string `yaml:"tags"`
	Status    string   `yaml:"status"`
	RelatesTo []string `yaml:"relates_to"`
}

// ParseMany splits text into individual front-matter documents and decodes
// each, tolerating concatenated appends. Records are returned in document
// order. A record whose front matter is malformed or missing a required
// field yields an error that names which record (0-indexed) failed.
func ParseMany(text string) ([]Record, error) {
	chunks, err := splitDocuments(text)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(chunks))
	for i, chunk := range chunks {
		rec, err := parseOne(chunk)
		if err != nil {
			return nil, memstoreerr.Wrap(memstoreerr.KindParse, "notecodec.parse_many",
				fmt.Sprintf("record %d", i), err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// splitDocuments breaks a concatenated note body into individual
// "---\nyaml\n---\n\nbody" chunks, each bounded by the next top-level "---"
// delimiter line or end of stream.
func splitDocuments(text string) ([]string, error) {
	var chunks []string
	var current strings.Builder
	delimCount := 0
	inBody := false
	started := false

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	flush := func() {
		if started {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		started = false
		delimCount = 0
		inBody = false
	}

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimRight(line, " \t\r") == delimiter {
			if !started {
				started = true
				delimCount = 1
				current.WriteString(line)
				current.WriteString("\n")
				continue
			}
			if delimCount == 1 && !inBody {
				delimCount = 2
				inBody = true
				current.WriteString(line)
				current.WriteString("\n")
				continue
			}
			// A third delimiter marks the start of the next record.
			flush()
			started = true
			delimCount = 1
			current.WriteString(line)
			current.WriteString("\n")
			continue
		}
		if started {
			current.WriteString(line)
			current.WriteString("\n")
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, memstoreerr.Wrap(memstoreerr.KindParse, "notecodec.split", "failed scanning note text", err)
	}
	flush()

	return chunks, nil
}

func parseOne(chunk string) (Record, error) {
	var raw rawFields
	body, err := frontmatter.Parse(strings.NewReader(chunk), &raw)
	if err != nil {
		return Record{}, memstoreerr.Wrap(memstoreerr.KindParse, "notecodec.parse", "invalid yaml front matter", err)
	}

	if raw.Type == nil || *raw.Type == "" {
		return Record{}, memstoreerr.New(memstoreerr.KindParse, "notecodec.parse", "missing required field: type")
	}
	if raw.Timestamp == nil || *raw.Timestamp == "" {
		return Record{}, memstoreerr.New(memstoreerr.KindParse, "notecodec.parse", "missing required field: timestamp")
	}
	if raw.Summary == nil || *raw.Summary == "" {
		return Record{}, memstoreerr.New(memstoreerr.KindParse, "notecodec.parse", "missing required field: summary")
	}

	ts, err := time.Parse(time.RFC3339, *raw.Timestamp)
	if err != nil {
		return Record{}, memstoreerr.Wrap(memstoreerr.KindParse, "notecodec.parse", "invalid timestamp, expected ISO 8601 UTC", err)
	}

	return Record{
		Type:      *raw.Type,
		Timestamp: ts.UTC(),
		Summary:   *raw.Summary,
		Spec:      raw.Spec,
		Phase:     raw.Phase,
		Tags:      raw.Tags,
		Status:    raw.Status,
		RelatesTo: raw.RelatesTo,
		Body:      strings.TrimRight(string(body), "\n"),
	}, nil
}

// Serialize renders a single Record in the canonical field order: the
// output round-trips through ParseMany.
func Serialize(r Record) (string, error) {
	var b strings.Builder
	b.WriteString(delimiter)
	b.WriteString("\n")

	fields := []struct {
		key   string
		value any
	}{
		{"type", r.Type},
		{"timestamp", r.Timestamp.UTC().Format(time.RFC3339)},
		{"summary", r.Summary},
	}
	if r.Spec != "" {
		fields = append(fields, struct {
			key   string
			value any
		}{"spec", r.Spec})
	}
	if r.Phase != "" {
		fields = append(fields, struct {
			key   string
			value any
		}{"phase", r.Phase})
	}
	if len(r.Tags) > 0 {
		fields = append(fields, struct {
			key   string
			value any
		}{"tags", r.Tags})
	}
	if r.Status != "" {
		fields = append(fields, struct {
			key   string
			value any
		}{"status", r.Status})
	}
	if len(r.RelatesTo) > 0 {
		fields = append(fields, struct {
			key   string
			value any
		}{"relates_to", r.RelatesTo})
	}

	for _, f := range fields {
		m := map[string]any{f.key: f.value}
		out, err := yaml.Marshal(m)
		if err != nil {
			return "", memstoreerr.Wrap(memstoreerr.KindParse, "notecodec.serialize", "failed marshaling field "+f.key, err)
		}
		b.Write(out)
	}

	b.WriteString(delimiter)
	b.WriteString("\n")
	if r.Body != "" {
		b.WriteString("\n")
		b.WriteString(r.Body)
		b.WriteString("\n")
	}
	return b.String(), nil
}

// SerializeMany renders records in order, concatenated with no separator
// beyond each record's own trailing delimiter and blank line — matching
// how AppendNote concatenates note text.
func SerializeMany(records []Record) (string, error) {
	var b strings.Builder
	for _, r := range records {
		out, err := Serialize(r)
		if err != nil {
			return "", err
		}
		b.WriteString(out)
	}
	return b.String(), nil
}
