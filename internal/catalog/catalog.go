// Package catalog loads challenge definitions from YAML, validates them and
// resolves their prompt templates before any session sees them.
package catalog

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/questline/internal/domain"
)

// ErrChallengeNotFound is returned when no challenge has the requested id.
var ErrChallengeNotFound = errors.New("challenge not found")

//go:embed challenges/*.yaml
var defaultFS embed.FS

// Catalog is an immutable set of prepared challenges keyed by id.
type Catalog struct {
	challenges map[string]*domain.Challenge
}

// New builds a catalog from already prepared challenges.
func New(challenges ...*domain.Challenge) (*Catalog, error) {
	c := &Catalog{challenges: make(map[string]*domain.Challenge, len(challenges))}
	for _, ch := range challenges {
		if _, dup := c.challenges[ch.ID]; dup {
			return nil, fmt.Errorf("duplicate challenge id %q", ch.ID)
		}
		c.challenges[ch.ID] = ch
	}
	return c, nil
}

// Default loads the challenges compiled into the binary.
func Default() (*Catalog, error) {
	sub, err := fs.Sub(defaultFS, "challenges")
	if err != nil {
		return nil, fmt.Errorf("open embedded challenges: %w", err)
	}
	return Load(sub)
}

// LoadDir loads every YAML file in dir.
func LoadDir(dir string) (*Catalog, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("challenges dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("challenges dir %s is not a directory", dir)
	}
	return Load(os.DirFS(dir))
}

// Load parses every .yaml or .yml file at the root of fsys.
func Load(fsys fs.FS) (*Catalog, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("list challenges: %w", err)
	}
	var challenges []*domain.Challenge
	for _, e := range entries {
		if e.IsDir() || !isYAML(e.Name()) {
			continue
		}
		data, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		ch, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		challenges = append(challenges, ch)
	}
	return New(challenges...)
}

func isYAML(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// Parse decodes, validates and prepares one challenge. Unknown keys are
// rejected so typos surface at load time.
func Parse(data []byte) (*domain.Challenge, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var ch domain.Challenge
	if err := dec.Decode(&ch); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty challenge file")
		}
		return nil, fmt.Errorf("decode challenge: %w", err)
	}
	slices.SortStableFunc(ch.Steps, func(a, b domain.Step) int { return a.Index - b.Index })
	if err := Validate(&ch); err != nil {
		return nil, err
	}
	if err := prepare(&ch); err != nil {
		return nil, fmt.Errorf("challenge %q: %w", ch.ID, err)
	}
	return &ch, nil
}

// prepare resolves {{variables}} in every gm_context and appends the metadata
// response format to the teaching instruction of progress-tracked chat steps.
func prepare(ch *domain.Challenge) error {
	vars := Variables(ch)
	for i := range ch.Steps {
		s := &ch.Steps[i]
		if s.GMContext == "" {
			continue
		}
		resolved, err := Substitute(s.GMContext, vars)
		if err != nil {
			return fmt.Errorf("step %d gm_context: %w", s.Index, err)
		}
		if ch.Progress != nil && s.Type == domain.StepChat && !strings.Contains(resolved, domain.MetadataOpenTag) {
			resolved = InjectMetadataFormat(resolved, ch)
		}
		s.GMContext = resolved
	}
	return nil
}

// Get returns the challenge with id.
func (c *Catalog) Get(id string) (*domain.Challenge, error) {
	ch, ok := c.challenges[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrChallengeNotFound, id)
	}
	return ch, nil
}

// List returns all challenges ordered by id.
func (c *Catalog) List() []*domain.Challenge {
	out := make([]*domain.Challenge, 0, len(c.challenges))
	for _, ch := range c.challenges {
		out = append(out, ch)
	}
	slices.SortFunc(out, func(a, b *domain.Challenge) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Len returns the number of challenges.
func (c *Catalog) Len() int {
	return len(c.challenges)
}
