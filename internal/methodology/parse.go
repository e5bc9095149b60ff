package methodology

import (
	"encoding/json"
	"errors"
	"fmt"
)

type methodologyDoc struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Title         string        `json:"title"`
	Description   string        `json:"description"`
	Version       string        `json:"version"`
	Domains       []string      `json:"domains"`
	Tags          []string      `json:"tags"`
	Complexity    Complexity    `json:"complexity"`
	Phases        []phaseDoc    `json:"phases"`
	Configuration Configuration `json:"configuration"`
}

type phaseDoc struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	Tasks         []TaskTemplate `json:"tasks"`
	EntryCriteria []criterionDoc `json:"entryCriteria"`
	ExitCriteria  []criterionDoc `json:"exitCriteria"`
	Repeatable    bool           `json:"repeatable"`
}

// Parse decodes and validates a methodology document.
//
// Every criterion is checked at load time: a metric-threshold criterion without
// metric, operator or threshold (or any other incomplete criterion) rejects the
// whole document. Errors match ErrInvalidMethodology; structural problems also
// carry a *ValidationError naming the offending field.
func Parse(data []byte) (*Methodology, error) {
	var m Methodology
	if err := json.Unmarshal(data, &m); err != nil {
		if !errors.Is(err, ErrInvalidMethodology) {
			err = fmt.Errorf("%w: %w", ErrInvalidMethodology, err)
		}
		return nil, err
	}
	return &m, nil
}

// UnmarshalJSON decodes a methodology document and validates it.
func (m *Methodology) UnmarshalJSON(data []byte) error {
	var doc methodologyDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMethodology, err)
	}
	built, err := doc.build()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMethodology, err)
	}
	*m = *built
	return nil
}

func (doc *methodologyDoc) build() (*Methodology, error) {
	if doc.ID == "" {
		return nil, missing("id")
	}
	if len(doc.Phases) == 0 {
		return nil, missing("phases")
	}
	if doc.Configuration.MaxIterations < 0 {
		return nil, &ValidationError{
			Field: "configuration.maxIterations",
			Err:   fmt.Errorf("must be >= 0, got %d", doc.Configuration.MaxIterations),
		}
	}

	name := doc.Name
	if name == "" {
		name = doc.Title
	}

	m := &Methodology{
		ID:            doc.ID,
		Name:          name,
		Description:   doc.Description,
		Version:       doc.Version,
		Domains:       doc.Domains,
		Tags:          doc.Tags,
		Complexity:    doc.Complexity,
		Configuration: doc.Configuration,
		Phases:        make([]Phase, 0, len(doc.Phases)),
	}

	seen := make(map[string]bool, len(doc.Phases))
	for i := range doc.Phases {
		prefix := fmt.Sprintf("phases[%d]", i)
		p, err := doc.Phases[i].build()
		if err != nil {
			return nil, prefixField(prefix, err)
		}
		if seen[p.ID] {
			return nil, &ValidationError{Field: prefix + ".id", Err: fmt.Errorf("%w: %q", ErrDuplicateID, p.ID)}
		}
		seen[p.ID] = true
		m.Phases = append(m.Phases, p)
	}
	return m, nil
}

func (doc *phaseDoc) build() (Phase, error) {
	if doc.ID == "" {
		return Phase{}, missing("id")
	}

	entry, err := buildCriteria(doc.EntryCriteria)
	if err != nil {
		return Phase{}, prefixField("entryCriteria", err)
	}
	exit, err := buildCriteria(doc.ExitCriteria)
	if err != nil {
		return Phase{}, prefixField("exitCriteria", err)
	}

	seen := make(map[string]bool, len(doc.Tasks))
	for i, t := range doc.Tasks {
		field := fmt.Sprintf("tasks[%d].id", i)
		if t.ID == "" {
			return Phase{}, missing(field)
		}
		if seen[t.ID] {
			return Phase{}, &ValidationError{Field: field, Err: fmt.Errorf("%w: %q", ErrDuplicateID, t.ID)}
		}
		seen[t.ID] = true
	}

	return Phase{
		ID:            doc.ID,
		Name:          doc.Name,
		Description:   doc.Description,
		Tasks:         doc.Tasks,
		EntryCriteria: entry,
		ExitCriteria:  exit,
		Repeatable:    doc.Repeatable,
	}, nil
}

func buildCriteria(docs []criterionDoc) (Criteria, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	out := make(Criteria, 0, len(docs))
	for i, d := range docs {
		c, err := decodeCriterion(d)
		if err != nil {
			return nil, prefixField(fmt.Sprintf("[%d]", i), err)
		}
		out = append(out, c)
	}
	return out, nil
}

// IsValidationError reports whether err was caused by a structural problem in
// a document rather than by I/O or JSON syntax.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
