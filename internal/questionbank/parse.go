package questionbank

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/BTreeMap/DialogPipe/internal/models"
	"gopkg.in/yaml.v3"
)

// CSV column names. Alternative phrasings are every column whose header starts
// with "alternative", in header order.
const (
	colID                 = "id"
	colJob                = "job"
	colTransitionPhrase   = "transition_phrase"
	colAlways             = "always"
	colPersonal           = "personal"
	colJobSpecific        = "job_specific"
	colTough              = "tough"
	colGeneral            = "general"
	colFitAsFirst         = "fit_as_first"
	colFitAsLast          = "fit_as_last"
	colRequiresExperience = "requires_experience"
	alternativePrefix     = "alternative"
)

// ParseCSV reads bank rows from a CSV document with a header line.
func ParseCSV(r io.Reader) ([]models.QuestionBankEntry, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	index := make(map[string]int, len(header))
	var altCols []int
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(h))
		index[name] = i
		if strings.HasPrefix(name, alternativePrefix) {
			altCols = append(altCols, i)
		}
	}
	if _, ok := index[colID]; !ok {
		return nil, fmt.Errorf("missing %q column", colID)
	}
	if len(altCols) == 0 {
		return nil, fmt.Errorf("no %q columns", alternativePrefix+"_N")
	}

	get := func(row []string, col string) string {
		i, ok := index[col]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var entries []models.QuestionBankEntry
	for line := 2; ; line++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		e := models.QuestionBankEntry{
			ID:                 get(row, colID),
			Job:                get(row, colJob),
			TransitionPhrase:   get(row, colTransitionPhrase),
			Always:             parseFlag(get(row, colAlways)),
			Personal:           parseFlag(get(row, colPersonal)),
			JobSpecific:        parseFlag(get(row, colJobSpecific)),
			Tough:              parseFlag(get(row, colTough)),
			General:            parseFlag(get(row, colGeneral)),
			FitAsFirst:         parseFlag(get(row, colFitAsFirst)),
			FitAsLast:          parseFlag(get(row, colFitAsLast)),
			RequiresExperience: parseFlag(get(row, colRequiresExperience)),
		}
		for _, c := range altCols {
			if c < len(row) {
				e.Alternatives = append(e.Alternatives, strings.TrimSpace(row[c]))
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

type yamlBank struct {
	Questions []models.QuestionBankEntry `yaml:"questions"`
}

// ParseYAML reads bank rows from a YAML document with a top-level "questions" list.
func ParseYAML(r io.Reader) ([]models.QuestionBankEntry, error) {
	var doc yamlBank
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode yaml: %w", err)
	}
	return doc.Questions, nil
}

func parseFlag(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "x":
		return true
	default:
		return false
	}
}
