package config

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/cbegin/sampleseq-go/internal/grid"
	"github.com/cbegin/sampleseq-go/internal/transport"
)

// Pattern is a read-only description of samples and cells used to set up a
// sequencer from the command line.
type Pattern struct {
	BPM         int              `yaml:"bpm"`
	Mode        transport.Mode   `yaml:"mode"`
	Steps       int              `yaml:"steps"`
	RegionStart int              `yaml:"region_start"`
	RegionEnd   int              `yaml:"region_end"`
	Sections    []PatternSection `yaml:"sections"`
	Samples     []PatternSample  `yaml:"samples"`
	Cells       []PatternCell    `yaml:"cells"`
}

type PatternSection struct {
	Steps int `yaml:"steps"`
	Loops int `yaml:"loops"`
}

type PatternSample struct {
	Slot   int      `yaml:"slot"`
	Path   string   `yaml:"path"`
	Volume *float32 `yaml:"volume"`
	Pitch  *float32 `yaml:"pitch"`
}

// PatternCell places a sample. Omitted volume or pitch inherit from the
// slot.
type PatternCell struct {
	Step   int           `yaml:"step"`
	Column int           `yaml:"column"`
	Slot   int           `yaml:"slot"`
	Volume grid.Override `yaml:"volume"`
	Pitch  grid.Override `yaml:"pitch"`
}

// ParsePattern decodes a pattern. Relative sample paths are resolved
// against dir.
func ParsePattern(data []byte, dir string) (*Pattern, error) {
	var p Pattern
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(err, "pattern: parse")
	}
	for i := range p.Samples {
		path, err := ExpandPath(p.Samples[i].Path)
		if err != nil {
			return nil, err
		}
		if !filepath.IsAbs(path) && dir != "" {
			path = filepath.Join(dir, path)
		}
		p.Samples[i].Path = path
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadPattern reads a pattern file.
func LoadPattern(path string) (*Pattern, error) {
	p, err := ExpandPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, errors.Wrapf(err, "pattern: read %s", p)
	}
	return ParsePattern(data, filepath.Dir(p))
}

func (p *Pattern) Validate() error {
	if p.BPM != 0 && (p.BPM < transport.MinBPM || p.BPM > transport.MaxBPM) {
		return errors.Wrapf(transport.ErrInvalidBPM, "pattern bpm %d", p.BPM)
	}
	if p.Steps < 0 {
		return errors.Wrapf(ErrInvalid, "pattern steps %d", p.Steps)
	}
	if len(p.Sections) > transport.MaxSections {
		return errors.Wrapf(ErrInvalid, "pattern has %d sections, max %d", len(p.Sections), transport.MaxSections)
	}
	total := 0
	for i, s := range p.Sections {
		if s.Steps <= 0 || s.Loops < 0 {
			return errors.Wrapf(ErrInvalid, "pattern section %d", i)
		}
		total += s.Steps
	}
	if len(p.Sections) > 0 && p.Steps != 0 && total != p.Steps {
		return errors.Wrapf(ErrInvalid, "pattern sections cover %d steps, pattern has %d", total, p.Steps)
	}
	for i, s := range p.Samples {
		if s.Path == "" {
			return errors.Wrapf(ErrInvalid, "pattern sample %d has no path", i)
		}
	}
	return nil
}

// GridSections converts the section list to grid sections.
func (p *Pattern) GridSections() []grid.Section {
	out := make([]grid.Section, 0, len(p.Sections))
	start := 0
	for _, s := range p.Sections {
		out = append(out, grid.Section{StartStep: start, NumSteps: s.Steps})
		start += s.Steps
	}
	return out
}

// TotalSteps is the grid length the pattern needs.
func (p *Pattern) TotalSteps() int {
	if p.Steps > 0 {
		return p.Steps
	}
	n := 0
	for _, s := range p.Sections {
		n += s.Steps
	}
	for _, c := range p.Cells {
		n = max(n, c.Step+1)
	}
	return n
}
