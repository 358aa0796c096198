// Package jury loads the synthetic personas that sit on an evaluation jury
// and samples juries from them.
//
// A persona directory looks like:
//
//	generated/batch-<date>/all-personas.json   (or personas.json)
//	seeds/<name>-personas.json
//
// Generated batches are preferred; seeds fill the gap and are expanded with
// light variations when a jury needs more personas than exist.
package jury

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrNoPersonas is returned when neither generated nor seed personas exist.
var ErrNoPersonas = errors.New("jury: no personas found; add seeds/*-personas.json or a generated batch")

// Adoption stages, from least to most enthusiastic about AI tools.
const (
	StageSkeptic      = "skeptic"
	StageCurious      = "curious"
	StageEarlyAdopter = "early-adopter"
	StagePowerUser    = "power-user"
)

var adoptionStages = []string{StageSkeptic, StageCurious, StageEarlyAdopter, StagePowerUser}

const (
	expansionVariance = 0.15
	stageShiftChance  = 0.1
)

// Psychographics are the traits a persona brings to an evaluation. Scores
// are in [0,1]; nil means the persona does not specify the trait.
type Psychographics struct {
	TrustInAI            *float64 `json:"trust_in_ai,omitempty"`
	ToolFatigue          *float64 `json:"tool_fatigue,omitempty"`
	PatienceForLearning  *float64 `json:"patience_for_learning,omitempty"`
	ComplexityTolerance  *float64 `json:"complexity_tolerance,omitempty"`
	MigrationSensitivity *float64 `json:"migration_sensitivity,omitempty"`
	AdoptionStage        string   `json:"ai_adoption_stage,omitempty"`
}

func (p *Psychographics) scores() []**float64 {
	return []**float64{&p.TrustInAI, &p.ToolFatigue, &p.PatienceForLearning, &p.ComplexityTolerance, &p.MigrationSensitivity}
}

// Persona is one synthetic jury member.
type Persona struct {
	ID             string         `json:"id"`
	ArchetypeID    string         `json:"archetype_id,omitempty"`
	Name           string         `json:"name,omitempty"`
	Role           string         `json:"role,omitempty"`
	Psychographics Psychographics `json:"psychographics"`
	Context        map[string]any `json:"context,omitempty"`
}

// adoption returns the persona's adoption stage, treating unknown values as
// curious.
func (p Persona) adoption() string {
	for _, s := range adoptionStages {
		if p.Psychographics.AdoptionStage == s {
			return s
		}
	}
	return StageCurious
}

// Pool holds the personas available to juries.
type Pool struct {
	Generated []Persona
	Seeds     []Persona
	// Source names the generated file the pool was loaded from, if any.
	Source string

	mu  sync.Mutex
	rng *rand.Rand
}

// NewPool creates a pool from in-memory personas.
func NewPool(generated, seeds []Persona) *Pool {
	return &Pool{Generated: generated, Seeds: seeds, rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

// Seed makes sampling deterministic.
func (p *Pool) Seed(seed uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rng = rand.New(rand.NewPCG(seed, seed))
}

// Size returns the number of loaded personas.
func (p *Pool) Size() int { return len(p.Generated) + len(p.Seeds) }

// LoadPool reads personas from dir. A missing directory yields an empty pool.
func LoadPool(dir string, log *slog.Logger) (*Pool, error) {
	if log == nil {
		log = slog.Default()
	}
	generated, source, err := loadLatestGenerated(filepath.Join(dir, "generated"))
	if err != nil {
		return nil, err
	}
	seeds := loadSeeds(filepath.Join(dir, "seeds"), log)
	pool := NewPool(generated, seeds)
	pool.Source = source
	log.Info("persona pool loaded", "dir", dir, "generated", len(generated), "seeds", len(seeds), "source", source)
	return pool, nil
}

func loadLatestGenerated(dir string) ([]Persona, string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("jury: read %s: %w", dir, err)
	}
	var batches []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "batch-") {
			batches = append(batches, e.Name())
		}
	}
	// Batch names embed their date, so the newest sorts last.
	sort.Sort(sort.Reverse(sort.StringSlice(batches)))
	for _, b := range batches {
		for _, name := range []string{"all-personas.json", "personas.json"} {
			path := filepath.Join(dir, b, name)
			if _, err := os.Stat(path); err != nil {
				continue
			}
			personas, err := readPersonas(path)
			if err != nil {
				return nil, "", err
			}
			return personas, filepath.Join(b, name), nil
		}
	}
	return nil, "", nil
}

// loadSeeds reads every seeds/*-personas.json file. Unreadable files are
// logged and skipped.
func loadSeeds(dir string, log *slog.Logger) []Persona {
	files, _ := filepath.Glob(filepath.Join(dir, "*-personas.json"))
	sort.Strings(files)
	var out []Persona
	for _, f := range files {
		personas, err := readPersonas(f)
		if err != nil {
			log.Warn("skipping seed personas", "file", f, "error", err)
			continue
		}
		out = append(out, personas...)
	}
	return out
}

func readPersonas(path string) ([]Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("jury: read %s: %w", path, err)
	}
	var personas []Persona
	if err := json.Unmarshal(data, &personas); err != nil {
		return nil, fmt.Errorf("jury: parse %s: %w", path, err)
	}
	return personas, nil
}

// Select returns a jury of size personas with at least
// max(size*skepticMin, 1) skeptics when the pool has them.
func (p *Pool) Select(size int, skepticMin float64) ([]Persona, error) {
	if p.Size() == 0 {
		return nil, ErrNoPersonas
	}
	if size < 1 {
		size = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.Generated) >= size {
		return p.stratify(p.Generated, size, skepticMin), nil
	}
	if len(p.Seeds) == 0 {
		return nil, ErrNoPersonas
	}

	all := make([]Persona, 0, size)
	all = append(all, p.Generated...)
	all = append(all, p.Seeds...)
	for i := 0; len(all) < size; i++ {
		seed := p.Seeds[p.rng.IntN(len(p.Seeds))]
		all = append(all, p.expand(seed, i))
	}
	return p.stratify(all, size, skepticMin), nil
}

// expand returns a light variation of seed: each score moves by up to
// ±0.15 and the adoption stage occasionally shifts to an adjacent one.
func (p *Pool) expand(seed Persona, index int) Persona {
	out := seed
	out.ID = fmt.Sprintf("expanded_%s_%d", seed.ID, index)
	if seed.Context != nil {
		out.Context = make(map[string]any, len(seed.Context))
		for k, v := range seed.Context {
			out.Context[k] = v
		}
	}
	for _, score := range out.Psychographics.scores() {
		if *score == nil {
			continue
		}
		v := **score + (p.rng.Float64()*2-1)*expansionVariance
		v = math.Round(math.Max(0, math.Min(1, v))*100) / 100
		*score = &v
	}
	if p.rng.Float64() < stageShiftChance {
		out.Psychographics.AdoptionStage = p.adjacentStage(out.Psychographics.AdoptionStage)
	}
	return out
}

func (p *Pool) adjacentStage(current string) string {
	idx := -1
	for i, s := range adoptionStages {
		if s == current {
			idx = i
		}
	}
	switch {
	case idx < 0:
		return current
	case idx == 0:
		return adoptionStages[1]
	case idx == len(adoptionStages)-1:
		return adoptionStages[idx-1]
	case p.rng.IntN(2) == 0:
		return adoptionStages[idx-1]
	default:
		return adoptionStages[idx+1]
	}
}

// stratify samples size personas, guaranteeing the skeptic minimum first.
func (p *Pool) stratify(personas []Persona, size int, skepticMin float64) []Persona {
	if len(personas) <= size {
		out := make([]Persona, len(personas))
		copy(out, personas)
		return out
	}

	var skeptics, others []int
	for i, persona := range personas {
		if persona.adoption() == StageSkeptic {
			skeptics = append(skeptics, i)
		} else {
			others = append(others, i)
		}
	}
	p.rng.Shuffle(len(skeptics), func(i, j int) { skeptics[i], skeptics[j] = skeptics[j], skeptics[i] })

	want := max(int(float64(size)*skepticMin), 1)
	want = min(want, len(skeptics))
	picked := append([]int(nil), skeptics[:want]...)

	// Skeptics beyond the minimum compete with everyone else for the rest.
	rest := append(others, skeptics[want:]...)
	p.rng.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
	picked = append(picked, rest[:size-len(picked)]...)
	p.rng.Shuffle(len(picked), func(i, j int) { picked[i], picked[j] = picked[j], picked[i] })

	out := make([]Persona, len(picked))
	for i, idx := range picked {
		out[i] = personas[idx]
	}
	return out
}

// Share is a count and its percentage of the total, rounded to one decimal.
type Share struct {
	Count   int     `json:"count"`
	Percent float64 `json:"percent"`
}

// Breakdown describes the composition of a jury.
type Breakdown struct {
	Total       int              `json:"total"`
	ByArchetype map[string]Share `json:"byArchetype,omitempty"`
	ByAdoption  map[string]Share `json:"byAdoption,omitempty"`
}

// Stats counts personas by archetype and adoption stage.
func Stats(personas []Persona) Breakdown {
	st := Breakdown{Total: len(personas)}
	if st.Total == 0 {
		return st
	}
	arch := map[string]int{}
	adopt := map[string]int{}
	for _, p := range personas {
		a := p.ArchetypeID
		if a == "" {
			a = "unknown"
		}
		arch[a]++
		s := p.Psychographics.AdoptionStage
		if s == "" {
			s = "unknown"
		}
		adopt[s]++
	}
	st.ByArchetype = shares(arch, st.Total)
	st.ByAdoption = shares(adopt, st.Total)
	return st
}

func shares(counts map[string]int, total int) map[string]Share {
	out := make(map[string]Share, len(counts))
	for k, n := range counts {
		out[k] = Share{Count: n, Percent: math.Round(float64(n)/float64(total)*1000) / 10}
	}
	return out
}
